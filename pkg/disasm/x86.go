package disasm

import (
	"golang.org/x/arch/x86/x86asm"
)

func newX86Arch(name string, mode int) *Arch {
	return &Arch{
		Name:        name,
		MaxInstrLen: 15,
		decode: func(mem []byte, pc uint64) (Instruction, error) {
			return x86Decode(mem, pc, mode)
		},
	}
}

func x86Decode(mem []byte, pc uint64, mode int) (Instruction, error) {
	inst, err := x86asm.Decode(mem, mode)
	if err != nil {
		return Instruction{}, err
	}

	r := Instruction{Address: pc, Bytes: append([]byte(nil), mem[:inst.Len]...)}
	switch inst.Op {
	case x86asm.CALL:
		r.Kind = KindCall
	case x86asm.LCALL:
		r.Kind = KindFarCall
	case x86asm.JMP:
		r.Kind = KindJump
	case x86asm.LJMP:
		r.Kind = KindFarJump
	case x86asm.RET, x86asm.LRET:
		r.Kind = KindReturn
	}
	if r.IsCall() || r.IsJump() {
		x86BranchTarget(&r, &inst, pc)
	}

	// With a non-zero pc the GNU printer shows relative branch targets as
	// absolute addresses: call 0x401020, call *0x2fe2(%rip).
	r.Mnemonic, r.Operands = splitText(x86asm.GNUSyntax(inst, pc, nil))
	return r, nil
}

// x86BranchTarget records where a call or jump goes, for the forms that
// can be resolved without register values.
func x86BranchTarget(r *Instruction, inst *x86asm.Inst, pc uint64) {
	next := pc + uint64(inst.Len)
	switch arg := inst.Args[0].(type) {
	case x86asm.Rel:
		r.Target, r.HasTarget = uint64(int64(next)+int64(arg)), true
	case x86asm.Imm:
		r.Target, r.HasTarget = uint64(arg), true
	case x86asm.Mem:
		if arg.Segment != 0 || arg.Index != 0 {
			return
		}
		switch arg.Base {
		case x86asm.RIP, x86asm.EIP:
			r.Slot, r.HasSlot = uint64(int64(next)+arg.Disp), true
		case 0:
			r.Slot, r.HasSlot = uint64(arg.Disp), true
		}
	}
}
