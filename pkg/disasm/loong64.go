package disasm

import (
	"golang.org/x/arch/loong64/loong64asm"
)

func newLoong64Arch() *Arch {
	return &Arch{Name: "loong64", MaxInstrLen: 4, decode: loong64Decode}
}

func loong64Decode(mem []byte, pc uint64) (Instruction, error) {
	if len(mem) < 4 {
		return Instruction{}, errShortRead
	}
	inst, err := loong64asm.Decode(mem)
	if err != nil {
		return Instruction{}, err
	}

	r := Instruction{Address: pc, Bytes: append([]byte(nil), mem[:4]...)}
	switch inst.Op {
	case loong64asm.JIRL:
		rd, _ := inst.Args[0].(loong64asm.Reg)
		rj, _ := inst.Args[1].(loong64asm.Reg)
		switch {
		case rd == loong64asm.R1:
			r.Kind = KindCall
		case rd == loong64asm.R0 && rj == loong64asm.R1:
			r.Kind = KindReturn
		default:
			r.Kind = KindJump
		}
	case loong64asm.BL:
		r.Kind = KindCall
	case loong64asm.B:
		r.Kind = KindJump
	}
	if inst.Op == loong64asm.B || inst.Op == loong64asm.BL {
		if arg, ok := inst.Args[0].(loong64asm.OffsetSimm); ok {
			r.Target, r.HasTarget = uint64(int64(pc)+int64(arg.Imm)), true
		}
	}
	r.Mnemonic, r.Operands = splitText(loong64asm.GNUSyntax(inst))
	return r, nil
}
