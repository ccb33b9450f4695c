// Package enginetest implements the engine interfaces over a small
// simulated x86-64 program. Execution is deterministic: instructions are
// real machine code, so the disassembler sees what it would see in a live
// process, and their effects on registers, memory and output are scripted.
package enginetest

import (
	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/pkg/engine/values"
)

// Addresses of the simulated program.
const (
	TextStart  = 0x401000
	TextEnd    = 0x401100
	DataStart  = 0x404000
	StackStart = 0x7fff0000
	StackSize  = 0x1000
	ModuleBase = 0x400000

	AddrBBB    = 0x401000
	AddrCCC    = 0x401010
	AddrAAA    = 0x401020
	AddrMain   = 0x401030
	AddrWorker = 0x401060

	// AddrCallLine is the first instruction of the line calling
	// AAA(BBB(), CCC()).
	AddrCallLine = 0x401035
	// AddrSpin is a jump to itself.
	AddrSpin = 0x401064

	AddrX      = StackStart
	AddrPt     = StackStart + 0x10
	AddrP      = StackStart + 0x20
	AddrArr    = StackStart + 0x30
	AddrArgA   = StackStart + 0x40
	AddrArgB   = StackStart + 0x44
	AddrCount  = DataStart
	AddrTotal  = DataStart + 0x08
	AddrName   = DataStart + 0x10
	AddrString = DataStart + 0x20

	PID = 4242
	// MainTID and WorkerTID are the thread ids of the two threads.
	MainTID   = 4242
	WorkerTID = 4243
)

// DefaultPath is the path of the simulated executable.
const DefaultPath = "/src/main"

// SourceFile is the only source file of the program.
const SourceFile = "/src/main.c"

// Source is the text of SourceFile.
const Source = `int BBB() { return 1; }
int CCC() { return 2; }
void AAA(int a, int b) { }
int main() {
    int x = 255; Point pt = {1, 2}; Point *p = &pt; int arr[3] = {10, 20, 30};
    AAA(BBB(), CCC());
    printf("result: %d\n", x);
    g_total = 3;
    return 0;
}
void *worker(void *arg) {
    for (;;) ;
}
`

type opKind int

const (
	opNext opKind = iota
	opCall
	opJump
	opReturn
)

type instr struct {
	addr   uint64
	bytes  []byte
	op     opKind
	target uint64
	// effect runs after the instruction executes.
	effect func(p *Process, t *Thread)
}

func (in *instr) end() uint64 { return in.addr + uint64(len(in.bytes)) }

type variable struct {
	name string
	typ  *values.Type
	addr uint64
	vt   engine.ValueType
}

type function struct {
	name       string
	start, end uint64
	args       []variable
	locals     []variable
	// ret is the type of the return value and retval the value returned.
	ret    *values.Type
	retval int64
}

// Program is the simulated executable. Tests may change Entry before
// launching to start the main thread elsewhere.
type Program struct {
	Path  string
	Entry uint64

	funcs   []*function
	lines   []engine.LineEntry
	instrs  map[uint64]*instr
	globals []variable
	statics []variable
	text    []byte
}

var point = values.StructOf("Point",
	values.Field{Name: "x", Type: values.Int},
	values.Field{Name: "y", Type: values.Int},
)

// NewProgram returns the simulated program.
func NewProgram() *Program {
	prog := &Program{Path: DefaultPath, Entry: AddrMain, instrs: make(map[uint64]*instr)}

	leaf := func(name string, start uint64, line int, ret *values.Type, retval int64, args ...variable) {
		fn := &function{name: name, start: start, ret: ret, retval: retval, args: args}
		prog.code(start,
			instr{bytes: []byte{0x55}},             // push %rbp
			instr{bytes: []byte{0x48, 0x89, 0xe5}}, // mov %rsp,%rbp
			instr{bytes: []byte{0x90}},             // nop
			instr{bytes: []byte{0x5d}},             // pop %rbp
			instr{bytes: []byte{0xc3}, op: opReturn},
		)
		fn.end = start + 7
		prog.funcs = append(prog.funcs, fn)
		prog.line(line, start, fn.end)
	}
	leaf("BBB", AddrBBB, 1, values.Int, 1)
	leaf("CCC", AddrCCC, 2, values.Int, 2)
	leaf("AAA", AddrAAA, 3, values.Void, 0,
		variable{"a", values.Int, AddrArgA, engine.VariableArgument},
		variable{"b", values.Int, AddrArgB, engine.VariableArgument},
	)

	prog.funcs = append(prog.funcs, &function{
		name: "main", start: AddrMain, end: 0x401048, ret: values.Int,
		locals: []variable{
			{"x", values.Int, AddrX, engine.VariableLocal},
			{"pt", point, AddrPt, engine.VariableLocal},
			{"p", values.PointerTo(point), AddrP, engine.VariableLocal},
			{"arr", values.ArrayOf(values.Int, 3), AddrArr, engine.VariableLocal},
		},
	})
	prog.code(AddrMain,
		instr{bytes: []byte{0x55}},
		instr{bytes: []byte{0x48, 0x89, 0xe5}},
		instr{bytes: []byte{0x90}, effect: initLocals},
		instr{bytes: call(0x401035, AddrBBB), op: opCall, target: AddrBBB},
		instr{bytes: call(0x40103a, AddrCCC), op: opCall, target: AddrCCC},
		instr{bytes: call(0x40103f, AddrAAA), op: opCall, target: AddrAAA, effect: passArgs},
		instr{bytes: []byte{0x90}, effect: printResult},
		instr{bytes: []byte{0x90}, effect: setTotal},
		instr{bytes: []byte{0x5d}},
		instr{bytes: []byte{0xc3}, op: opReturn},
	)
	prog.line(4, 0x401030, 0x401034)
	prog.line(5, 0x401034, 0x401035)
	prog.line(6, 0x401035, 0x40103a)
	prog.line(6, 0x40103a, 0x401044)
	prog.line(7, 0x401044, 0x401045)
	prog.line(8, 0x401045, 0x401046)
	prog.line(9, 0x401046, 0x401048)

	prog.funcs = append(prog.funcs, &function{name: "worker", start: AddrWorker, end: 0x401066, ret: values.PointerTo(values.Void)})
	prog.code(AddrWorker,
		instr{bytes: []byte{0x55}},
		instr{bytes: []byte{0x48, 0x89, 0xe5}},
		instr{bytes: []byte{0xeb, 0xfe}, op: opJump, target: AddrSpin},
	)
	prog.line(11, 0x401060, 0x401064)
	prog.line(12, 0x401064, 0x401066)

	prog.statics = []variable{{"counter", values.Int, AddrCount, engine.VariableStatic}}
	prog.globals = []variable{
		{"g_total", values.Long, AddrTotal, engine.VariableGlobal},
		{"name", values.PointerTo(values.Char), AddrName, engine.VariableGlobal},
	}

	prog.text = make([]byte, TextEnd-TextStart)
	for i := range prog.text {
		prog.text[i] = 0xcc
	}
	for _, in := range prog.instrs {
		copy(prog.text[in.addr-TextStart:], in.bytes)
	}
	return prog
}

func (prog *Program) code(addr uint64, instrs ...instr) {
	for i := range instrs {
		in := instrs[i]
		in.addr = addr
		prog.instrs[addr] = &in
		addr = in.end()
	}
}

func (prog *Program) line(line int, start, end uint64) {
	prog.lines = append(prog.lines, engine.LineEntry{File: SourceFile, Line: line, Column: 1, Start: start, End: end})
}

// call encodes a rel32 call at pc.
func call(pc, target uint64) []byte {
	rel := uint32(int32(int64(target) - int64(pc+5)))
	return []byte{0xe8, byte(rel), byte(rel >> 8), byte(rel >> 16), byte(rel >> 24)}
}

func (prog *Program) funcAt(addr uint64) *function {
	for _, fn := range prog.funcs {
		if fn.start <= addr && addr < fn.end {
			return fn
		}
	}
	return nil
}

func (prog *Program) funcByName(name string) *function {
	for _, fn := range prog.funcs {
		if fn.name == name {
			return fn
		}
	}
	return nil
}

func (prog *Program) lineAt(addr uint64) engine.LineEntry {
	for _, le := range prog.lines {
		if le.Start <= addr && addr < le.End {
			return le
		}
	}
	return engine.LineEntry{}
}

// initialData is the content of the data section at load.
func initialData() []byte {
	data := make([]byte, 0x100)
	copy(data[AddrName-DataStart:], []byte{AddrString & 0xff, AddrString >> 8 & 0xff, AddrString >> 16 & 0xff})
	copy(data[AddrString-DataStart:], "hello\x00")
	return data
}

func initLocals(p *Process, t *Thread) {
	p.mem.PutUint(AddrX, 4, 255)
	p.mem.PutUint(AddrPt, 4, 1)
	p.mem.PutUint(AddrPt+4, 4, 2)
	p.mem.PutUint(AddrP, 8, AddrPt)
	for i, n := range []uint64{10, 20, 30} {
		p.mem.PutUint(AddrArr+uint64(4*i), 4, n)
	}
	p.wrote(t, AddrX, 0x40)
}

func passArgs(p *Process, t *Thread) {
	p.mem.PutUint(AddrArgA, 4, 1)
	p.mem.PutUint(AddrArgB, 4, 2)
	p.wrote(t, AddrArgA, 8)
}

func printResult(p *Process, t *Thread) {
	p.output(false, "result: 255\n")
}

func setTotal(p *Process, t *Thread) {
	p.mem.PutUint(AddrTotal, 8, 3)
	p.wrote(t, AddrTotal, 8)
}
