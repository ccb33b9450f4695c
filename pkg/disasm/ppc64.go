package disasm

import (
	"encoding/binary"

	"golang.org/x/arch/ppc64/ppc64asm"
)

func newPPC64LEArch() *Arch {
	return &Arch{Name: "ppc64le", MaxInstrLen: 8, decode: ppc64leDecode}
}

func ppc64leDecode(mem []byte, pc uint64) (Instruction, error) {
	inst, err := ppc64asm.Decode(mem, binary.LittleEndian)
	if err != nil {
		return Instruction{}, err
	}

	r := Instruction{Address: pc, Bytes: append([]byte(nil), mem[:inst.Len]...)}
	switch inst.Op {
	case ppc64asm.BL, ppc64asm.BLA, ppc64asm.BCL, ppc64asm.BCLA, ppc64asm.BCLRL, ppc64asm.BCCTRL, ppc64asm.BCTARL:
		r.Kind = KindCall
	case ppc64asm.BCLR:
		r.Kind = KindReturn
	case ppc64asm.B, ppc64asm.BA, ppc64asm.BC, ppc64asm.BCA, ppc64asm.BCCTR, ppc64asm.BCTAR:
		r.Kind = KindJump
	}
	if r.IsCall() || r.IsJump() {
		switch arg := inst.Args[0].(type) {
		case ppc64asm.PCRel:
			r.Target, r.HasTarget = uint64(int64(pc)+int64(arg)), true
		case ppc64asm.Imm:
			r.Target, r.HasTarget = uint64(arg), true
		}
	}
	r.Mnemonic, r.Operands = splitText(ppc64asm.GNUSyntax(inst, pc))
	return r, nil
}
