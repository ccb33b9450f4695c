// Package disasm decodes machine code read from the debuggee and builds
// the two views the adapter serves: flat instruction listings for the
// disassemble request, and disassembled ranges rendered as virtual source
// files for frames that have no source.
package disasm

import (
	"fmt"
	"strings"
)

// Kind classifies an instruction by its effect on control flow.
type Kind uint8

const (
	KindOther Kind = iota
	KindCall
	KindFarCall
	KindJump
	KindFarJump
	KindReturn
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindFarCall:
		return "far call"
	case KindJump:
		return "jump"
	case KindFarJump:
		return "far jump"
	case KindReturn:
		return "return"
	}
	return "other"
}

// Instruction is one decoded machine instruction.
type Instruction struct {
	Address  uint64
	Bytes    []byte
	Mnemonic string
	Operands string
	Comment  string
	Kind     Kind

	// Target is the destination of a direct branch, valid when HasTarget
	// is set.
	Target    uint64
	HasTarget bool
	// Slot is the address of the memory word holding the destination of
	// an indirect, pc-relative branch, such as call *0x10(%rip). Valid
	// when HasSlot is set.
	Slot    uint64
	HasSlot bool

	// Invalid is set for the .byte rows emitted when the decoder gave up.
	Invalid bool
}

// Size is the encoded length of the instruction in bytes.
func (inst *Instruction) Size() int {
	return len(inst.Bytes)
}

// End returns the address of the first byte after the instruction.
func (inst *Instruction) End() uint64 {
	return inst.Address + uint64(len(inst.Bytes))
}

func (inst *Instruction) IsCall() bool {
	return inst.Kind == KindCall || inst.Kind == KindFarCall
}

func (inst *Instruction) IsJump() bool {
	return inst.Kind == KindJump || inst.Kind == KindFarJump
}

// Text renders the instruction as "mnemonic operands  ; comment".
func (inst *Instruction) Text() string {
	text := fmt.Sprintf("%-6s %s", inst.Mnemonic, inst.Operands)
	if inst.Comment != "" {
		text += "  ; " + inst.Comment
	}
	return strings.TrimRight(text, " ")
}

// FormatBytes renders b as space separated upper case hex pairs. When max
// is positive at most max bytes are shown and a '>' in the next column
// marks the truncation.
func FormatBytes(b []byte, max int) string {
	var buf strings.Builder
	for i, x := range b {
		if max > 0 && i >= max {
			buf.WriteByte('>')
			break
		}
		fmt.Fprintf(&buf, "%02X ", x)
	}
	return strings.TrimRight(buf.String(), " ")
}

// byteRow is what the decoders fall back to when they cannot make sense of
// the bytes at pc: a single .byte pseudo instruction.
func byteRow(pc uint64, b byte) Instruction {
	return Instruction{
		Address:  pc,
		Bytes:    []byte{b},
		Mnemonic: ".byte",
		Operands: fmt.Sprintf("0x%02x", b),
		Invalid:  true,
	}
}

// splitText splits the text produced by the x/arch syntax printers into
// mnemonic and operands. Instruction prefixes stay with the mnemonic.
func splitText(text string) (mnemonic, operands string) {
	rest := strings.TrimSpace(text)
	var words []string
	for {
		fields := strings.SplitN(rest, " ", 2)
		words = append(words, fields[0])
		if len(fields) == 1 {
			rest = ""
			break
		}
		rest = strings.TrimSpace(fields[1])
		if !prefixes[fields[0]] {
			break
		}
	}
	return strings.Join(words, " "), rest
}

var prefixes = map[string]bool{
	"lock":     true,
	"rep":      true,
	"repe":     true,
	"repn":     true,
	"repne":    true,
	"data16":   true,
	"data32":   true,
	"addr16":   true,
	"addr32":   true,
	"rex.w":    true,
	"bnd":      true,
	"notrack":  true,
	"xacquire": true,
	"xrelease": true,
}
