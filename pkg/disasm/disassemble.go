package disasm

import (
	"errors"
	"fmt"

	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/pkg/logflags"
)

// ErrUndisassemblable is returned when no instruction boundary can be
// placed at the requested address.
var ErrUndisassemblable = errors.New("can't disassemble at this address")

// Target is the part of the engine the disassembler needs.
type Target interface {
	MemoryReader
	Triple() string
	ResolveLoadAddress(addr uint64) engine.SymbolContext
}

// Disassembler decodes the memory of one target.
type Disassembler struct {
	target Target
	arch   *Arch
}

// New returns a disassembler for the architecture of t.
func New(t Target) (*Disassembler, error) {
	arch, err := ArchForTriple(t.Triple())
	if err != nil {
		return nil, err
	}
	return &Disassembler{target: t, arch: arch}, nil
}

func (d *Disassembler) Arch() *Arch {
	return d.arch
}

// Row is one entry of a flat disassembly listing.
type Row struct {
	Instruction
	// Padding rows stand for instructions that could not be read.
	Padding   bool
	Symbol    string
	LineEntry engine.LineEntry
}

// Disassemble returns count rows starting offset instructions away from
// base. Rows that fall outside of readable memory are padding rows.
func (d *Disassembler) Disassemble(base uint64, offset, count int, resolveSymbols bool) ([]Row, error) {
	if count < 0 {
		return nil, fmt.Errorf("invalid instruction count %d", count)
	}
	log := logflags.DisasmLogger()
	bpi := d.arch.InstrBytes
	before := max(-offset, 0)
	after := max(count+offset, 0)

	winStart := base - uint64(before*bpi)
	if uint64(before*bpi) > base {
		winStart = 0
	}
	winEnd := base + uint64(after*bpi)
	if winEnd <= base {
		// the instruction at base is needed to anchor the listing
		winEnd = base + uint64(bpi)
	}

	start, mem := ReadMemory(d.target, winStart, int(winEnd-winStart))
	if len(mem) == 0 || start > base {
		return nil, fmt.Errorf("%w: 0x%x", ErrUndisassemblable, base)
	}

	var insts []Instruction
	baseIdx := -1
	for shift := 0; shift < bpi && start+uint64(shift) <= base && shift < len(mem); shift++ {
		insts = d.decodeWindow(mem[shift:], start+uint64(shift))
		if i := indexOfAddress(insts, base); i >= 0 {
			baseIdx = i
			break
		}
	}
	if baseIdx < 0 {
		return nil, fmt.Errorf("%w: 0x%x", ErrUndisassemblable, base)
	}
	log.Debugf("disassembled %d instructions from 0x%x, base index %d", len(insts), start, baseIdx)

	rows := make([]Row, 0, count)
	first := baseIdx + offset
	for i := first; i < first+count; i++ {
		switch {
		case i < 0:
			rows = append(rows, paddingRow(insts[0].Address-uint64(-i)))
		case i >= len(insts):
			rows = append(rows, paddingRow(insts[len(insts)-1].End()+uint64(i-len(insts))))
		default:
			rows = append(rows, d.row(insts[i], resolveSymbols))
		}
	}
	return rows, nil
}

// decodeWindow decodes mem, dropping undecodable bytes at the very end of
// the window that are most likely a truncated instruction.
func (d *Disassembler) decodeWindow(mem []byte, pc uint64) []Instruction {
	insts := d.arch.DecodeAll(mem, pc)
	end := pc + uint64(len(mem))
	for len(insts) > 0 {
		last := insts[len(insts)-1]
		if !last.Invalid || end-last.Address >= uint64(d.arch.MaxInstrLen) {
			break
		}
		insts = insts[:len(insts)-1]
	}
	return insts
}

func (d *Disassembler) row(inst Instruction, resolveSymbols bool) Row {
	d.annotate(&inst)
	sc := d.target.ResolveLoadAddress(inst.Address)
	r := Row{Instruction: inst, LineEntry: sc.LineEntry}
	if resolveSymbols && sc.Symbol != nil {
		r.Symbol = sc.Symbol.Name
	}
	return r
}

// annotate puts the symbol a branch goes to in the instruction comment.
func (d *Disassembler) annotate(inst *Instruction) {
	if !inst.HasTarget || inst.Comment != "" {
		return
	}
	sc := d.target.ResolveLoadAddress(inst.Target)
	if sc.Symbol == nil {
		return
	}
	name := sc.Symbol.DisplayName
	if name == "" {
		name = sc.Symbol.Name
	}
	if off := inst.Target - sc.Symbol.Start; off != 0 {
		name = fmt.Sprintf("%s + %d", name, off)
	}
	inst.Comment = name
}

// Instructions decodes the instructions in [start, end).
func (d *Disassembler) Instructions(start, end uint64) []Instruction {
	if end <= start {
		return nil
	}
	first, mem := ReadMemory(d.target, start, int(end-start))
	if first != start {
		return nil
	}
	insts := d.arch.DecodeAll(mem, start)
	for i := range insts {
		d.annotate(&insts[i])
	}
	return insts
}

// InstructionAt decodes the single instruction at addr.
func (d *Disassembler) InstructionAt(addr uint64) (Instruction, bool) {
	first, mem := ReadMemory(d.target, addr, d.arch.MaxInstrLen)
	if first != addr || len(mem) == 0 {
		return Instruction{}, false
	}
	inst, ok := d.arch.Decode(mem, addr)
	return inst, ok
}

// ReadInstructions decodes up to n instructions starting at addr.
func (d *Disassembler) ReadInstructions(addr uint64, n int) []Instruction {
	first, mem := ReadMemory(d.target, addr, n*d.arch.MaxInstrLen)
	if first != addr {
		return nil
	}
	var r []Instruction
	pc := addr
	for len(r) < n && len(mem) > 0 {
		inst, ok := d.arch.Decode(mem, pc)
		if !ok && len(mem) < d.arch.MaxInstrLen {
			break
		}
		d.annotate(&inst)
		r = append(r, inst)
		mem = mem[inst.Size():]
		pc += uint64(inst.Size())
	}
	return r
}

func paddingRow(addr uint64) Row {
	return Row{Instruction: Instruction{Address: addr, Invalid: true}, Padding: true}
}

func indexOfAddress(insts []Instruction, addr uint64) int {
	for i := range insts {
		if insts[i].Address == addr {
			return i
		}
		if insts[i].Address > addr {
			break
		}
	}
	return -1
}
