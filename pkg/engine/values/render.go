package values

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-delve/ndap/pkg/engine"
)

// maxStringLen bounds the C strings read for summaries.
const maxStringLen = 256

// Value renders v under its format. Aggregates render as the empty string.
func (v *Value) Value() string {
	if v.typ == nil {
		return ""
	}
	if v.err != nil {
		return ""
	}
	switch v.typ.Class {
	case engine.TypeStruct, engine.TypeUnion, engine.TypeCxxClass, engine.TypeArray:
		if v.format == engine.FormatBytes || v.format == engine.FormatBytesWithASCII {
			b, err := v.bytes()
			if err != nil {
				return "<" + err.Error() + ">"
			}
			return renderBytes(b, v.format == engine.FormatBytesWithASCII)
		}
		return ""
	case engine.TypeFunction:
		return ""
	}
	b, err := v.bytes()
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return v.renderScalar(b)
}

func (v *Value) renderScalar(b []byte) string {
	n := getUint(b)
	switch v.format {
	case engine.FormatHex:
		return fmt.Sprintf("0x%x", n)
	case engine.FormatOctal:
		if n == 0 {
			return "0"
		}
		return fmt.Sprintf("0%o", n)
	case engine.FormatBinary:
		return fmt.Sprintf("0b%b", n)
	case engine.FormatUnsigned:
		return strconv.FormatUint(n, 10)
	case engine.FormatDecimal:
		i, _ := v.Int64()
		return strconv.FormatInt(i, 10)
	case engine.FormatPointer:
		return fmt.Sprintf("0x%016x", n)
	case engine.FormatChar:
		return quoteChar(byte(n))
	case engine.FormatFloat:
		f, _ := v.Float64()
		return strconv.FormatFloat(f, 'g', -1, 64)
	case engine.FormatBytes, engine.FormatBytesWithASCII:
		return renderBytes(b, v.format == engine.FormatBytesWithASCII)
	case engine.FormatCString:
		if s, ok := v.cstring(); ok {
			return s
		}
	}

	switch v.typ.Class {
	case engine.TypePointer, engine.TypeReference:
		return fmt.Sprintf("0x%016x", n)
	case engine.TypeEnum:
		i, _ := v.Int64()
		for _, e := range v.typ.Enumerators {
			if e.Value == i {
				return e.Name
			}
		}
		return strconv.FormatInt(i, 10)
	}
	switch v.typ.Basic {
	case engine.BasicBool:
		return strconv.FormatBool(n != 0)
	case engine.BasicChar:
		i, _ := v.Int64()
		return fmt.Sprintf("%d %s", i, quoteChar(byte(n)))
	case engine.BasicSigned:
		i, _ := v.Int64()
		return strconv.FormatInt(i, 10)
	case engine.BasicUnsigned:
		return strconv.FormatUint(n, 10)
	case engine.BasicFloat:
		f, _ := v.Float64()
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return ""
}

// Summary describes values whose Value alone says little: C strings and
// char arrays.
func (v *Value) Summary() string {
	if v.typ == nil || v.err != nil {
		return ""
	}
	if v.typ.IsCharPointer() || v.typ.isCharArray() {
		if s, ok := v.cstring(); ok {
			return s
		}
	}
	return ""
}

func (v *Value) cstring() (string, bool) {
	var addr uint64
	limit := maxStringLen
	switch {
	case v.typ.IsCharPointer():
		p, err := v.Uint64()
		if err != nil || p == 0 || v.mem == nil {
			return "", false
		}
		addr = p
	case v.typ.isCharArray():
		if !v.inMemory {
			s, _, _ := bytes.Cut(v.data, []byte{0})
			return strconv.Quote(string(s)), true
		}
		addr = v.addr
		limit = v.typ.Len
	default:
		return "", false
	}
	buf := make([]byte, limit)
	n, _ := v.mem.ReadMemory(addr, buf)
	if n == 0 {
		return "", false
	}
	s, _, _ := bytes.Cut(buf[:n], []byte{0})
	return strconv.Quote(string(s)), true
}

func quoteChar(c byte) string {
	if c >= 0x20 && c < 0x7f {
		return "'" + string(rune(c)) + "'"
	}
	return fmt.Sprintf("'\\x%02x'", c)
}

func renderBytes(b []byte, ascii bool) string {
	var s strings.Builder
	for i, c := range b {
		if i > 0 {
			s.WriteByte(' ')
		}
		fmt.Fprintf(&s, "%02x", c)
	}
	if ascii {
		s.WriteString("  ")
		for _, c := range b {
			if c >= 0x20 && c < 0x7f {
				s.WriteByte(c)
			} else {
				s.WriteByte('.')
			}
		}
	}
	return s.String()
}
