package disasm

import (
	"errors"
	"fmt"
	"strings"
)

var errShortRead = errors.New("not enough bytes for an instruction")

// Arch decodes the instruction set of one architecture.
type Arch struct {
	Name string
	// InstrBytes is the number of bytes budgeted per instruction when
	// sizing the memory window around an address.
	InstrBytes int
	// MaxInstrLen is the longest encoding the decoder can produce.
	MaxInstrLen int

	decode func(mem []byte, pc uint64) (Instruction, error)
}

// Decode decodes the instruction at the start of mem, which was read from
// address pc. Undecodable bytes produce a one byte .byte row so that
// callers always make progress; ok is false in that case.
func (a *Arch) Decode(mem []byte, pc uint64) (inst Instruction, ok bool) {
	if len(mem) == 0 {
		return Instruction{}, false
	}
	inst, err := a.decode(mem, pc)
	if err != nil || inst.Size() == 0 {
		return byteRow(pc, mem[0]), false
	}
	return inst, true
}

// DecodeAll decodes mem from start to end.
func (a *Arch) DecodeAll(mem []byte, pc uint64) []Instruction {
	var r []Instruction
	for len(mem) > 0 {
		inst, _ := a.Decode(mem, pc)
		r = append(r, inst)
		mem = mem[inst.Size():]
		pc += uint64(inst.Size())
	}
	return r
}

// ArchForTriple returns the decoder for the architecture named by the first
// component of a target triple.
func ArchForTriple(triple string) (*Arch, error) {
	name := strings.ToLower(strings.SplitN(triple, "-", 2)[0])
	var a *Arch
	switch {
	case name == "x86_64" || name == "amd64":
		a = newX86Arch("amd64", 64)
	case name == "x86" || name == "i386" || name == "i486" || name == "i586" || name == "i686":
		a = newX86Arch("386", 32)
	case name == "aarch64" || name == "arm64" || name == "arm64e":
		a = newARM64Arch()
	case strings.HasPrefix(name, "arm") || strings.HasPrefix(name, "thumb"):
		a = newARMArch()
	case strings.HasPrefix(name, "riscv64"):
		a = newRISCV64Arch()
	case name == "loongarch64" || name == "loong64":
		a = newLoong64Arch()
	case name == "powerpc64le" || name == "ppc64le":
		a = newPPC64LEArch()
	default:
		return nil, fmt.Errorf("unsupported architecture %q", name)
	}
	a.InstrBytes = instrBytesForArch(name)
	return a, nil
}

func instrBytesForArch(name string) int {
	if strings.HasPrefix(name, "arm") || strings.HasPrefix(name, "aarch64") || strings.HasPrefix(name, "riscv") {
		return 4
	}
	return 16
}
