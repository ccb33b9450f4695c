package disasm

import (
	"golang.org/x/arch/riscv64/riscv64asm"
)

func newRISCV64Arch() *Arch {
	return &Arch{Name: "riscv64", MaxInstrLen: 4, decode: riscv64Decode}
}

func riscv64Decode(mem []byte, pc uint64) (Instruction, error) {
	inst, err := riscv64asm.Decode(mem)
	if err != nil {
		return Instruction{}, err
	}

	r := Instruction{Address: pc, Bytes: append([]byte(nil), mem[:inst.Len]...)}
	switch inst.Op {
	case riscv64asm.JALR:
		rd, _ := inst.Args[0].(riscv64asm.Reg)
		var rs1 riscv64asm.Reg
		if ro, ok := inst.Args[1].(riscv64asm.RegOffset); ok {
			rs1 = ro.OfsReg
		}
		switch {
		case rd == riscv64asm.X1:
			r.Kind = KindCall
		case rd == riscv64asm.X0 && rs1 == riscv64asm.X1:
			r.Kind = KindReturn
		default:
			r.Kind = KindJump
		}
	case riscv64asm.JAL:
		r.Kind = KindJump
		if rd, _ := inst.Args[0].(riscv64asm.Reg); rd == riscv64asm.X1 {
			r.Kind = KindCall
		}
		if arg, ok := inst.Args[1].(riscv64asm.Simm); ok {
			r.Target, r.HasTarget = uint64(int64(pc)+int64(arg.Imm)), true
		}
	}
	r.Mnemonic, r.Operands = splitText(riscv64asm.GNUSyntax(inst))
	return r, nil
}
