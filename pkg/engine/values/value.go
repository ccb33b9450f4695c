package values

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-delve/ndap/pkg/engine"
)

// Memory is the debuggee memory values are read from and written to.
type Memory interface {
	ReadMemory(addr uint64, buf []byte) (int, error)
	WriteMemory(addr uint64, data []byte) (int, error)
}

// Value is a typed value located in memory, or a constant.
type Value struct {
	name      string
	path      string
	typ       *Type
	valueType engine.ValueType
	format    engine.Format

	mem      Memory
	addr     uint64
	inMemory bool
	// data holds the bytes of constants and register values.
	data []byte

	err error
}

var _ engine.Value = (*Value)(nil)

// New returns a value of type t stored at addr.
func New(name string, t *Type, mem Memory, addr uint64, vt engine.ValueType) *Value {
	return &Value{name: name, path: name, typ: t, mem: mem, addr: addr, inMemory: true, valueType: vt}
}

// Const returns a value with fixed contents. mem is used to follow
// pointers and may be nil.
func Const(name string, t *Type, data []byte, mem Memory) *Value {
	return &Value{name: name, path: name, typ: t, data: data, mem: mem, valueType: engine.ConstResult}
}

// ConstInt returns an integer constant of type t.
func ConstInt(name string, t *Type, n int64) *Value {
	data := make([]byte, t.Size)
	putUint(data, uint64(n))
	return Const(name, t, data, nil)
}

// Register returns a register value.
func Register(name string, t *Type, n uint64) *Value {
	data := make([]byte, t.Size)
	putUint(data, n)
	v := Const(name, t, data, nil)
	v.valueType = engine.Register
	v.path = "$" + name
	return v
}

// Set returns a container value with the given children, used for register
// sets and synthetic groupings.
func Set(name string, vt engine.ValueType, children ...*Value) engine.Value {
	return &set{name: name, vt: vt, children: children}
}

// Invalid returns a value that reports err.
func Invalid(name string, err error) *Value {
	return &Value{name: name, path: name, err: err}
}

// WithPath returns a copy of v with a different expression path.
func (v *Value) WithPath(path string) *Value {
	c := *v
	c.path = path
	return &c
}

// WithValueType returns a copy of v reporting a different value type, for
// variables whose contents were read out of registers.
func (v *Value) WithValueType(vt engine.ValueType) *Value {
	c := *v
	c.valueType = vt
	return &c
}

// WithName returns a copy of v with a different name.
func (v *Value) WithName(name string) *Value {
	c := *v
	c.name = name
	return &c
}

func (v *Value) Type() *Type { return v.typ }

func (v *Value) IsValid() bool { return v != nil && (v.typ != nil || v.err != nil) }

func (v *Value) Error() error {
	if v.err != nil {
		return v.err
	}
	if v.typ == nil {
		return errors.New("invalid value")
	}
	return nil
}

func (v *Value) Name() string { return v.name }

func (v *Value) TypeName() string { return v.typ.String() }

func (v *Value) DisplayTypeName() string { return v.typ.String() }

func (v *Value) TypeClass() engine.TypeClass {
	if v.typ == nil {
		return engine.TypeInvalid
	}
	return v.typ.Class
}

func (v *Value) BasicType() engine.BasicType {
	if v.typ == nil {
		return engine.BasicInvalid
	}
	return v.typ.Basic
}

func (v *Value) ValueType() engine.ValueType { return v.valueType }

func (v *Value) Format() engine.Format { return v.format }

func (v *Value) SetFormat(f engine.Format) { v.format = f }

func (v *Value) LoadAddress() (uint64, bool) { return v.addr, v.inMemory }

func (v *Value) ByteSize() int {
	if v.typ == nil {
		return 0
	}
	return v.typ.Size
}

func (v *Value) ExpressionPath() string { return v.path }

func (v *Value) bytes() ([]byte, error) {
	if v.err != nil {
		return nil, v.err
	}
	if !v.inMemory {
		return v.data, nil
	}
	buf := make([]byte, v.typ.Size)
	if _, err := v.mem.ReadMemory(v.addr, buf); err != nil {
		return nil, fmt.Errorf("memory read failed for 0x%x", v.addr)
	}
	return buf, nil
}

func (v *Value) Uint64() (uint64, error) {
	b, err := v.bytes()
	if err != nil {
		return 0, err
	}
	return getUint(b), nil
}

func (v *Value) Int64() (int64, error) {
	b, err := v.bytes()
	if err != nil {
		return 0, err
	}
	n := getUint(b)
	if v.typ.Basic == engine.BasicSigned || v.typ.Basic == engine.BasicChar {
		shift := 64 - 8*uint(len(b))
		return int64(n<<shift) >> shift, nil
	}
	return int64(n), nil
}

func (v *Value) Float64() (float64, error) {
	b, err := v.bytes()
	if err != nil {
		return 0, err
	}
	switch {
	case v.typ.Basic == engine.BasicFloat && len(b) == 4:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
	case v.typ.Basic == engine.BasicFloat && len(b) == 8:
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	case v.typ.Basic == engine.BasicUnsigned:
		return float64(getUint(b)), nil
	}
	n, err := v.Int64()
	return float64(n), err
}

func (v *Value) NumChildren() int {
	if v.typ == nil {
		return 0
	}
	switch v.typ.Class {
	case engine.TypeStruct, engine.TypeUnion, engine.TypeCxxClass:
		return len(v.typ.Fields)
	case engine.TypeArray:
		return v.typ.Len
	case engine.TypePointer, engine.TypeReference:
		switch elem := v.typ.Elem; {
		case elem == nil || elem.Basic == engine.BasicVoid:
			return 0
		case elem.Class == engine.TypeStruct || elem.Class == engine.TypeUnion || elem.Class == engine.TypeCxxClass:
			return len(elem.Fields)
		}
		return 1
	}
	return 0
}

func (v *Value) Child(i int) engine.Value {
	if i < 0 || i >= v.NumChildren() {
		return Invalid("", fmt.Errorf("child index %d out of range", i))
	}
	switch v.typ.Class {
	case engine.TypeStruct, engine.TypeUnion, engine.TypeCxxClass:
		f := v.typ.Fields[i]
		return v.sub(f.Name, v.path+"."+f.Name, f.Type, uint64(f.Offset))
	case engine.TypeArray:
		return v.sub(fmt.Sprintf("[%d]", i), fmt.Sprintf("%s[%d]", v.path, i), v.typ.Elem, uint64(i*v.typ.Elem.Size))
	}
	d := v.deref()
	if d.err != nil || d.NumChildren() == 0 || v.typ.Elem.Class == engine.TypeArray {
		return d
	}
	c := d.Child(i).(*Value)
	return c.WithPath(v.path + "->" + c.name)
}

// sub returns the part of v of type t at offset off.
func (v *Value) sub(name, path string, t *Type, off uint64) *Value {
	if v.inMemory {
		c := New(name, t, v.mem, v.addr+off, v.valueType)
		c.path = path
		c.format = v.format
		return c
	}
	end := int(off) + t.Size
	if end > len(v.data) {
		return Invalid(name, errors.New("value is truncated"))
	}
	c := Const(name, t, v.data[off:end], v.mem)
	c.path = path
	c.format = v.format
	return c
}

func (v *Value) ChildByName(name string) engine.Value {
	n := v.NumChildren()
	for i := 0; i < n; i++ {
		c := v.Child(i)
		if c.Name() == name {
			return c
		}
	}
	return nil
}

func (v *Value) Dereference() engine.Value {
	return v.deref()
}

func (v *Value) deref() *Value {
	if v.typ == nil || (v.typ.Class != engine.TypePointer && v.typ.Class != engine.TypeReference) {
		return Invalid("*"+v.name, fmt.Errorf("%s is not a pointer", v.name))
	}
	p, err := v.Uint64()
	if err != nil {
		return Invalid("*"+v.name, err)
	}
	if p == 0 {
		return Invalid("*"+v.name, errors.New("parent is NULL"))
	}
	if v.mem == nil {
		return Invalid("*"+v.name, errors.New("no memory to dereference into"))
	}
	d := New("*"+v.name, v.typ.Elem, v.mem, p, v.valueType)
	d.path = "*" + v.path
	if v.typ.Class == engine.TypeReference {
		d.name, d.path = v.name, v.path
	}
	return d
}

func (v *Value) AddressOf() engine.Value {
	if v.typ == nil || !v.inMemory {
		return Invalid("&"+v.name, errors.New("value has no address"))
	}
	t := PointerTo(v.typ)
	data := make([]byte, PtrSize)
	putUint(data, v.addr)
	p := Const("&"+v.name, t, data, v.mem)
	p.path = "&" + v.path
	return p
}

func (v *Value) AsArray(n int) (engine.Value, error) {
	if v.typ == nil {
		return nil, v.Error()
	}
	if n <= 0 {
		return nil, fmt.Errorf("invalid array length %d", n)
	}
	var elem *Type
	var addr uint64
	switch v.typ.Class {
	case engine.TypePointer:
		p, err := v.Uint64()
		if err != nil {
			return nil, err
		}
		elem, addr = v.typ.Elem, p
	case engine.TypeArray:
		if !v.inMemory {
			return nil, errors.New("value has no address")
		}
		elem, addr = v.typ.Elem, v.addr
	default:
		if !v.inMemory {
			return nil, errors.New("value has no address")
		}
		elem, addr = v.typ, v.addr
	}
	if elem == nil || elem.Size == 0 {
		return nil, fmt.Errorf("cannot make an array of %s", v.typ)
	}
	if v.mem == nil {
		return nil, errors.New("no memory to read the array from")
	}
	a := New(v.name, ArrayOf(elem, n), v.mem, addr, v.valueType)
	a.path = v.path
	a.format = v.format
	return a, nil
}

func (v *Value) SetValueFromString(s string) error {
	if v.typ == nil {
		return v.Error()
	}
	if !v.inMemory {
		return errors.New("value is not an lvalue")
	}
	s = strings.TrimSpace(s)
	buf := make([]byte, v.typ.Size)
	switch {
	case v.typ.Class == engine.TypeEnum:
		n, ok := v.enumValue(s)
		if !ok {
			return fmt.Errorf("Could not convert %q to %s", s, v.typ)
		}
		putUint(buf, uint64(n))
	case v.typ.Class == engine.TypePointer || v.typ.Class == engine.TypeReference:
		n, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return fmt.Errorf("Could not convert %q to %s", s, v.typ)
		}
		putUint(buf, n)
	case v.typ.Basic == engine.BasicBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("Could not convert %q to bool", s)
		}
		if b {
			buf[0] = 1
		}
	case v.typ.Basic == engine.BasicFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("Could not convert %q to %s", s, v.typ)
		}
		if v.typ.Size == 4 {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(f)))
		} else {
			binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
		}
	case v.typ.Basic == engine.BasicChar && len(s) == 3 && s[0] == '\'' && s[2] == '\'':
		buf[0] = s[1]
	case v.typ.Basic == engine.BasicSigned || v.typ.Basic == engine.BasicChar:
		n, err := strconv.ParseInt(s, 0, 8*v.typ.Size)
		if err != nil {
			return fmt.Errorf("Could not convert %q to %s", s, v.typ)
		}
		putUint(buf, uint64(n))
	case v.typ.Basic == engine.BasicUnsigned:
		n, err := strconv.ParseUint(s, 0, 8*v.typ.Size)
		if err != nil {
			return fmt.Errorf("Could not convert %q to %s", s, v.typ)
		}
		putUint(buf, n)
	default:
		return fmt.Errorf("Can't assign to a value of type %s", v.typ)
	}
	_, err := v.mem.WriteMemory(v.addr, buf)
	return err
}

func (v *Value) enumValue(s string) (int64, bool) {
	for _, e := range v.typ.Enumerators {
		if e.Name == s {
			return e.Value, true
		}
	}
	n, err := strconv.ParseInt(s, 0, 64)
	return n, err == nil
}

func getUint(b []byte) uint64 {
	var n uint64
	for i := len(b) - 1; i >= 0; i-- {
		n = n<<8 | uint64(b[i])
	}
	return n
}

func putUint(b []byte, n uint64) {
	for i := range b {
		b[i] = byte(n)
		n >>= 8
	}
}

// set is a synthetic container value.
type set struct {
	name     string
	vt       engine.ValueType
	children []*Value
	format   engine.Format
}

func (s *set) IsValid() bool                      { return true }
func (s *set) Error() error                       { return nil }
func (s *set) Name() string                       { return s.name }
func (s *set) TypeName() string                   { return "" }
func (s *set) DisplayTypeName() string            { return "" }
func (s *set) TypeClass() engine.TypeClass        { return engine.TypeOther }
func (s *set) BasicType() engine.BasicType        { return engine.BasicInvalid }
func (s *set) ValueType() engine.ValueType        { return s.vt }
func (s *set) Value() string                      { return "" }
func (s *set) Summary() string                    { return "" }
func (s *set) Format() engine.Format              { return s.format }
func (s *set) SetFormat(f engine.Format)          { s.format = f }
func (s *set) NumChildren() int                   { return len(s.children) }
func (s *set) Dereference() engine.Value          { return Invalid(s.name, errors.New("not a pointer")) }
func (s *set) AddressOf() engine.Value            { return Invalid(s.name, errors.New("value has no address")) }
func (s *set) LoadAddress() (uint64, bool)        { return 0, false }
func (s *set) ByteSize() int                      { return 0 }
func (s *set) Int64() (int64, error)              { return 0, errors.New("not a scalar") }
func (s *set) Uint64() (uint64, error)            { return 0, errors.New("not a scalar") }
func (s *set) Float64() (float64, error)          { return 0, errors.New("not a scalar") }
func (s *set) SetValueFromString(string) error    { return errors.New("value is not an lvalue") }
func (s *set) ExpressionPath() string             { return "" }
func (s *set) AsArray(int) (engine.Value, error)  { return nil, errors.New("not an array") }

func (s *set) Child(i int) engine.Value {
	if i < 0 || i >= len(s.children) {
		return Invalid("", fmt.Errorf("child index %d out of range", i))
	}
	return s.children[i]
}

func (s *set) ChildByName(name string) engine.Value {
	for _, c := range s.children {
		if c.name == name {
			return c
		}
	}
	return nil
}
