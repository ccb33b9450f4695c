package disasm

import (
	"golang.org/x/arch/arm/armasm"
)

func newARMArch() *Arch {
	return &Arch{Name: "arm", MaxInstrLen: 4, decode: armDecode}
}

func armDecode(mem []byte, pc uint64) (Instruction, error) {
	if len(mem) < 4 {
		return Instruction{}, errShortRead
	}
	inst, err := armasm.Decode(mem, armasm.ModeARM)
	if err != nil {
		return Instruction{}, err
	}

	r := Instruction{Address: pc, Bytes: append([]byte(nil), mem[:inst.Len]...)}
	// The low four bits of an op select its condition code.
	switch inst.Op &^ 15 {
	case armasm.BL_EQ, armasm.BLX_EQ:
		r.Kind = KindCall
	case armasm.B_EQ:
		r.Kind = KindJump
	case armasm.BX_EQ:
		r.Kind = KindJump
		if reg, ok := inst.Args[0].(armasm.Reg); ok && reg == armasm.LR {
			r.Kind = KindReturn
		}
	}
	if r.IsCall() || r.IsJump() {
		switch arg := inst.Args[0].(type) {
		case armasm.PCRel:
			// relative to the instruction address plus 8
			r.Target, r.HasTarget = uint64(int64(pc)+8+int64(arg)), true
		case armasm.Imm:
			r.Target, r.HasTarget = uint64(arg), true
		}
	}
	r.Mnemonic, r.Operands = splitText(armasm.GNUSyntax(inst))
	return r, nil
}
