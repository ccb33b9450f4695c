package disasm

import (
	"golang.org/x/arch/arm64/arm64asm"
)

func newARM64Arch() *Arch {
	return &Arch{Name: "arm64", MaxInstrLen: 4, decode: arm64Decode}
}

func arm64Decode(mem []byte, pc uint64) (Instruction, error) {
	if len(mem) < 4 {
		return Instruction{}, errShortRead
	}
	inst, err := arm64asm.Decode(mem)
	if err != nil {
		return Instruction{}, err
	}

	r := Instruction{Address: pc, Bytes: append([]byte(nil), mem[:4]...)}
	switch inst.Op {
	case arm64asm.BL, arm64asm.BLR:
		r.Kind = KindCall
	case arm64asm.B, arm64asm.BR, arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		r.Kind = KindJump
	case arm64asm.RET:
		r.Kind = KindReturn
	}
	if r.IsCall() || r.IsJump() {
		for _, arg := range inst.Args {
			if rel, ok := arg.(arm64asm.PCRel); ok {
				r.Target, r.HasTarget = uint64(int64(pc)+int64(rel)), true
				break
			}
		}
	}
	r.Mnemonic, r.Operands = splitText(arm64asm.GNUSyntax(inst))
	return r, nil
}
