package gdbserial

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-delve/ndap/pkg/disasm"
	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/pkg/engine/values"
)

// maxFrames bounds the frames unwound for one thread.
const maxFrames = 256

// Thread is a thread of a stopped process. Its registers and frames are
// read lazily once per stop.
type Thread struct {
	p     *Process
	rawID string
	tid   int
	index int
	name  string

	regs   []byte
	frames []*Frame

	reason        engine.StopReason
	reasonData    []uint64
	description   string
	retval        engine.Value
	selectedFrame int
	// pendingSig is delivered to the thread when it resumes.
	pendingSig uint8
}

var _ engine.Thread = (*Thread)(nil)

func (t *Thread) invalidate() {
	t.regs = nil
	t.frames = nil
}

func (t *Thread) clearStopInfo() {
	t.reason, t.reasonData, t.description, t.retval = engine.StopNone, nil, "", nil
}

func (t *Thread) ID() int { return t.tid }

func (t *Thread) IndexID() int { return t.index }

func (t *Thread) Name() string { return t.name }

func (t *Thread) StopReason() engine.StopReason { return t.reason }

func (t *Thread) StopReasonData() []uint64 { return t.reasonData }

func (t *Thread) StopDescription() string { return t.description }

func (t *Thread) StopReturnValue() engine.Value { return t.retval }

// Registers

func (p *Process) registerInfo(name string) *registerInfo {
	name = p.arch.regName(name)
	for i := range p.conn.regsInfo {
		if p.conn.regsInfo[i].Name == name {
			return &p.conn.regsInfo[i]
		}
	}
	return nil
}

func (t *Thread) loadRegisters() error {
	if t.regs != nil {
		return nil
	}
	conn := t.p.conn
	size := 0
	for _, ri := range conn.regsInfo {
		size = max(size, ri.Offset+ri.Bitsize/8)
	}
	buf := make([]byte, size)
	if err := conn.readRegisters(t.rawID, buf); err != nil {
		if !isProtocolErrorUnsupported(err) && t.p.connectionLost(err) {
			return err
		}
		for _, ri := range conn.regsInfo {
			if ri.Bitsize > 64 {
				continue
			}
			if err := conn.readRegister(t.rawID, ri.Regnum, buf[ri.Offset:ri.Offset+ri.Bitsize/8]); err != nil && t.p.connectionLost(err) {
				return err
			}
		}
	}
	t.regs = buf
	return nil
}

// register returns the value of a register of at most 64 bits.
func (t *Thread) register(name string) (uint64, error) {
	ri := t.p.registerInfo(name)
	if ri == nil {
		return 0, fmt.Errorf("no register named %s", name)
	}
	if err := t.loadRegisters(); err != nil {
		return 0, err
	}
	b := t.regs[ri.Offset : ri.Offset+ri.Bitsize/8]
	var v uint64
	for i := min(len(b), 8) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

func (t *Thread) setRegister(name string, v uint64) error {
	ri := t.p.registerInfo(name)
	if ri == nil {
		return fmt.Errorf("no register named %s", name)
	}
	data := make([]byte, ri.Bitsize/8)
	putLittleEndian(data, v)
	if err := t.p.conn.writeRegister(t.rawID, ri.Regnum, data); err != nil {
		return err
	}
	t.invalidate()
	return nil
}

func (t *Thread) pc() (uint64, error) { return t.register(t.p.arch.pc) }

func (t *Thread) sp() (uint64, error) { return t.register(t.p.arch.sp) }

// lockedRegister reads a register from outside of the execution control
// code.
func (t *Thread) lockedRegister(name string) (uint64, error) {
	if err := t.p.checkStopped(); err != nil {
		return 0, err
	}
	t.p.connMu.Lock()
	defer t.p.connMu.Unlock()
	return t.register(name)
}

// Frames

func (p *Process) readUint64(addr uint64) (uint64, error) {
	var buf [8]byte
	if _, err := p.readMemory(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// stack unwinds t.
func (t *Thread) stack() []*Frame {
	if t.frames != nil {
		return t.frames
	}
	a := t.p.arch
	pc, err := t.register(a.pc)
	if err != nil {
		return nil
	}
	sp, _ := t.register(a.sp)
	fp, _ := t.register(a.fp)
	f := &Frame{thread: t, pc: pc, sp: sp, fp: fp}
	frames := []*Frame{f}
	for len(frames) < maxFrames {
		cfa, ret, callerFP, err := t.p.unwindFrame(f)
		if err != nil {
			break
		}
		f.cfa = cfa
		if ret == 0 || (f.index > 0 && cfa <= frames[f.index-1].cfa) || t.p.t.imageAt(ret) == nil {
			break
		}
		f = &Frame{thread: t, index: len(frames), pc: ret, sp: cfa, fp: callerFP}
		frames = append(frames, f)
	}
	t.frames = frames
	return frames
}

func (t *Thread) lockedStack() []*Frame {
	if !t.p.State().IsStopped() {
		return nil
	}
	t.p.connMu.Lock()
	defer t.p.connMu.Unlock()
	return t.stack()
}

var endbr64 = []byte{0xf3, 0x0f, 0x1e, 0xfa}

// unwindFrame computes the canonical frame address of f and the return
// address and frame pointer of its caller. Code is expected to keep frame
// pointers; the innermost frame is also recognized before its prologue
// ran and on its return instruction.
func (p *Process) unwindFrame(f *Frame) (cfa, ret, callerFP uint64, err error) {
	a := p.arch
	entry, pushed := false, false
	if f.index == 0 {
		start := f.functionStart()
		if start != 0 {
			var prologue [8]byte
			if n, _ := p.readMemory(start, prologue[:]); n == len(prologue) {
				entry, pushed = p.beforeFrameSetup(start, f.pc, prologue[:])
			}
		}
		if !entry && !pushed && p.decoder != nil {
			var buf [16]byte
			if n, _ := p.readMemory(f.pc, buf[:]); n > 0 {
				if inst, ok := p.decoder.Decode(buf[:n], f.pc); ok && inst.Kind == disasm.KindReturn {
					entry = true
				}
			}
		}
	}

	switch {
	case entry && a.lr != "":
		ret, err = f.thread.register(a.lr)
		return f.sp, ret, f.fp, err
	case entry:
		ret, err = p.readUint64(f.sp)
		return f.sp + 8, ret, f.fp, err
	case pushed:
		ret, err = p.readUint64(f.sp + 8)
		if err != nil {
			return 0, 0, 0, err
		}
		callerFP, err = p.readUint64(f.sp)
		return f.sp + 16, ret, callerFP, err
	}
	if f.fp == 0 {
		return 0, 0, 0, errors.New("no frame pointer")
	}
	ret, err = p.readUint64(f.fp + 8)
	if err != nil {
		return 0, 0, 0, err
	}
	callerFP, err = p.readUint64(f.fp)
	return f.fp + 16, ret, callerFP, err
}

// beforeFrameSetup reports whether pc, inside the function starting at
// start, runs before the function saved the caller's frame pointer, and on
// amd64 whether it runs right after the push of the frame pointer.
func (p *Process) beforeFrameSetup(start, pc uint64, prologue []byte) (entry, pushed bool) {
	if p.arch.lr != "" {
		// stp x29, x30, [sp, #-n]!; mov x29, sp
		return pc < start+8, false
	}
	off := uint64(0)
	if bytes.HasPrefix(prologue, endbr64) {
		off = 4
	}
	if pc <= start+off {
		return true, false
	}
	// push %rbp
	return false, prologue[off] == 0x55 && pc == start+off+1
}

// Frame is one frame of a thread.
type Frame struct {
	thread *Thread
	index  int
	pc     uint64
	cfa    uint64
	sp, fp uint64
}

var _ engine.Frame = (*Frame)(nil)

func (f *Frame) Index() int { return f.index }

func (f *Frame) Thread() engine.Thread { return f.thread }

func (f *Frame) PC() uint64 { return f.pc }

func (f *Frame) CFA() uint64 { return f.cfa }

// lookupPC is the address used to symbolicate the frame. For callers it is
// inside the call instruction rather than at the return address.
func (f *Frame) lookupPC() uint64 {
	if f.index > 0 {
		return f.pc - 1
	}
	return f.pc
}

func (f *Frame) SymbolContext() engine.SymbolContext {
	return f.thread.p.t.ResolveLoadAddress(f.lookupPC())
}

func (f *Frame) functionStart() uint64 {
	sc := f.SymbolContext()
	switch {
	case sc.Function != nil:
		return sc.Function.Start
	case sc.Symbol != nil && sc.Symbol.Type == "Code":
		return sc.Symbol.Start
	}
	return 0
}

func (f *Frame) FunctionName() string {
	sc := f.SymbolContext()
	switch {
	case sc.Function != nil:
		return sc.Function.Name
	case sc.Symbol != nil:
		return sc.Symbol.Name
	}
	return ""
}

func (f *Frame) DisplayFunctionName() string {
	sc := f.SymbolContext()
	switch {
	case sc.Function != nil:
		return sc.Function.DisplayName
	case sc.Symbol != nil:
		return sc.Symbol.DisplayName
	}
	return ""
}

// function returns the function with debug info containing the frame.
func (f *Frame) function() (*image, *function) {
	pc := f.lookupPC()
	img := f.thread.p.t.imageAt(pc)
	if img == nil || img.dwarf == nil {
		return nil, nil
	}
	return img, img.functionAt(pc - img.bias)
}

// register returns a register as seen by the frame. Only the program
// counter, stack pointer and frame pointer are recovered for callers.
func (f *Frame) register(name string) (uint64, error) {
	a := f.thread.p.arch
	switch a.regName(name) {
	case a.pc:
		return f.pc, nil
	case a.sp:
		return f.sp, nil
	case a.fp:
		return f.fp, nil
	}
	return f.thread.lockedRegister(name)
}

func (f *Frame) locContext(img *image, fn *function) *locContext {
	return &locContext{
		arch:      f.thread.p.arch,
		reg:       f.register,
		cfa:       f.cfa,
		frameBase: fn.frameBase,
		bias:      img.bias,
		mem:       f.Memory(),
	}
}

func (f *Frame) variables() (*image, *function, []*variable) {
	img, fn := f.function()
	if fn == nil {
		return nil, nil, nil
	}
	return img, fn, fn.variables(f.lookupPC() - img.bias)
}

func (f *Frame) Variables(opts engine.VariableOptions) []engine.Value {
	var r []engine.Value
	img, fn, vars := f.variables()
	if fn != nil {
		ctx := f.locContext(img, fn)
		for _, v := range vars {
			switch {
			case v.vt == engine.VariableArgument && opts.Arguments,
				v.vt == engine.VariableLocal && opts.Locals,
				v.vt == engine.VariableStatic && opts.Statics:
				r = append(r, img.value(v, ctx, f.Memory()))
			}
		}
	}
	if opts.Statics {
		t := f.thread.p.t
		r = append(r, t.globals(engine.VariableStatic)...)
		r = append(r, t.globals(engine.VariableGlobal)...)
	}
	return r
}

// registerType returns the type registers of size bytes are shown with.
func registerType(size int) *values.Type {
	switch size {
	case 1:
		return values.Unsigned("uint8_t", 1)
	case 2:
		return values.Unsigned("uint16_t", 2)
	case 4:
		return values.UInt
	}
	return values.ULong
}

func (f *Frame) Registers() []engine.Value {
	p := f.thread.p
	sets := map[string][]*values.Value{}
	var order []string
	for _, ri := range p.conn.regsInfo {
		if ri.Bitsize > 64 || ri.Bitsize == 0 {
			continue
		}
		v, err := f.register(ri.Name)
		if err != nil {
			continue
		}
		set := ri.Set
		if set == "" {
			set = "General Purpose Registers"
		}
		if _, ok := sets[set]; !ok {
			order = append(order, set)
		}
		sets[set] = append(sets[set], values.Register(ri.Name, registerType(ri.Bitsize/8), v))
	}
	r := make([]engine.Value, 0, len(order))
	for _, set := range order {
		r = append(r, values.Set(set, engine.RegisterSet, sets[set]...))
	}
	return r
}

func (f *Frame) FindVariable(name string) engine.Value {
	v, ok := f.Lookup(name)
	if !ok {
		return nil
	}
	return v
}

// Lookup resolves name in the frame's scope: arguments and locals, then
// registers when name starts with $, then globals.
func (f *Frame) Lookup(name string) (*values.Value, bool) {
	img, fn, vars := f.variables()
	for i := len(vars) - 1; i >= 0; i-- {
		if vars[i].name == name {
			return img.value(vars[i], f.locContext(img, fn), f.Memory()), true
		}
	}
	if len(name) > 1 && name[0] == '$' {
		ri := f.thread.p.registerInfo(name[1:])
		if ri == nil || ri.Bitsize > 64 {
			return nil, false
		}
		v, err := f.register(ri.Name)
		if err != nil {
			return values.Invalid(name[1:], err), true
		}
		return values.Register(ri.Name, registerType(ri.Bitsize/8), v), true
	}
	return f.thread.p.t.findGlobal(name)
}

func (f *Frame) Memory() values.Memory { return f.thread.p.t.memory() }

func (f *Frame) Evaluate(ctx context.Context, expr string) (engine.Value, error) {
	v, err := values.Evaluate(ctx, expr, f)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (f *Frame) SetPC(addr uint64) error {
	if f.index != 0 {
		return errors.New("can only set the pc of the innermost frame")
	}
	p := f.thread.p
	if err := p.checkStopped(); err != nil {
		return err
	}
	if start := f.functionStart(); start != 0 {
		sc := p.t.ResolveLoadAddress(addr)
		if sc.Function == nil || sc.Function.Start != start {
			return fmt.Errorf("0x%x is not in the current function", addr)
		}
	}
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if err := f.thread.setRegister(p.arch.pc, addr); err != nil {
		return err
	}
	f.pc = addr
	return nil
}

func (f *Frame) IsEqual(other engine.Frame) bool {
	o, ok := other.(*Frame)
	return ok && o.thread == f.thread && o.cfa == f.cfa && o.functionStart() == f.functionStart()
}

// Thread frames

func (t *Thread) NumFrames() int { return len(t.lockedStack()) }

func (t *Thread) Frame(i int) engine.Frame {
	frames := t.lockedStack()
	if i < 0 || i >= len(frames) {
		return nil
	}
	return frames[i]
}

func (t *Thread) SelectedFrame() engine.Frame { return t.Frame(t.selectedFrame) }

func (t *Thread) SetSelectedFrame(i int) {
	if i >= 0 && i < len(t.lockedStack()) {
		t.selectedFrame = i
	}
}

func (t *Thread) JumpToLine(file string, line int) error {
	if err := t.p.checkStopped(); err != nil {
		return err
	}
	frames := t.lockedStack()
	if len(frames) == 0 {
		return errors.New("thread has no frames")
	}
	img, fn := frames[0].function()
	if fn == nil {
		return errors.New("no debug info for the current function")
	}
	for i := range img.rows {
		r := &img.rows[i]
		if r.line == line && r.stmt && fn.contains(r.addr) && sourceMatches(file, r.file) {
			t.p.connMu.Lock()
			defer t.p.connMu.Unlock()
			return t.setRegister(t.p.arch.pc, r.addr+img.bias)
		}
	}
	return fmt.Errorf("Can't find a line entry for line %d in the current function", line)
}

// ReturnFromFrame pops the frames up to and including f without running
// the rest of their code.
func (t *Thread) ReturnFromFrame(f engine.Frame) error {
	if err := t.p.checkStopped(); err != nil {
		return err
	}
	fr, ok := f.(*Frame)
	frames := t.lockedStack()
	if !ok || fr.thread != t || fr.index >= len(frames) {
		return errors.New("frame does not belong to this thread")
	}
	if fr.index == len(frames)-1 {
		return errors.New("Could not return from the outermost frame")
	}
	caller := frames[fr.index+1]
	a := t.p.arch
	t.p.connMu.Lock()
	defer t.p.connMu.Unlock()
	for _, r := range []struct {
		name string
		v    uint64
	}{{a.sp, caller.sp}, {a.fp, caller.fp}, {a.pc, caller.pc}} {
		if err := t.setRegister(r.name, r.v); err != nil {
			return err
		}
	}
	t.selectedFrame = 0
	return nil
}
