package gdbserial

import (
	"debug/dwarf"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/pkg/engine/values"
)

// variable is a DWARF variable or formal parameter.
type variable struct {
	name    string
	typ     dwarf.Offset
	hasType bool
	// loc is a location expression. Variables described by location lists
	// have none.
	loc     []byte
	locList bool
	// constValue is the DW_AT_const_value of variables optimized into
	// constants.
	constValue interface{}
	vt         engine.ValueType
}

func (img *image) newVariable(e *dwarf.Entry, vt engine.ValueType) *variable {
	v := &variable{vt: vt}
	named := e
	for i := 0; i < 2 && named != nil; i++ {
		if s, ok := named.Val(dwarf.AttrName).(string); ok && v.name == "" {
			v.name = s
		}
		if off, ok := named.Val(dwarf.AttrType).(dwarf.Offset); ok && !v.hasType {
			v.typ, v.hasType = off, true
		}
		ref, ok := named.Val(dwarf.AttrSpecification).(dwarf.Offset)
		if !ok {
			ref, ok = named.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
		}
		if !ok {
			break
		}
		named = img.entryAt(ref)
	}
	if v.name == "" {
		return nil
	}
	switch loc := e.Val(dwarf.AttrLocation).(type) {
	case []byte:
		v.loc = loc
	case int64:
		v.locList = true
	}
	v.constValue = e.Val(dwarf.AttrConstValue)
	return v
}

// isStatic reports whether the variable lives at a fixed address.
func (v *variable) isStatic() bool {
	return len(v.loc) == 9 && v.loc[0] == opAddr
}

// variables returns the parameters and local variables of fn visible at
// pc, a file address. Lexical blocks not containing pc are skipped.
func (fn *function) variables(pc uint64) []*variable {
	img := fn.img
	r := img.dwarf.Reader()
	r.Seek(fn.offset)
	e, err := r.Next()
	if err != nil || e == nil || !e.Children {
		return nil
	}
	var vars []*variable
	depth := 1
	for depth > 0 {
		e, err := r.Next()
		if err != nil || e == nil {
			break
		}
		switch e.Tag {
		case 0:
			depth--
			continue
		case dwarf.TagFormalParameter:
			if v := img.newVariable(e, engine.VariableArgument); v != nil {
				vars = append(vars, v)
			}
		case dwarf.TagVariable:
			if v := img.newVariable(e, engine.VariableLocal); v != nil {
				if v.isStatic() {
					v.vt = engine.VariableStatic
				}
				vars = append(vars, v)
			}
		case dwarf.TagLexDwarfBlock:
			if e.Children && img.entryContains(e, pc) {
				depth++
				continue
			}
		}
		if e.Children {
			r.SkipChildren()
		}
	}
	return vars
}

func (img *image) entryContains(e *dwarf.Entry, pc uint64) bool {
	ranges, err := img.dwarf.Ranges(e)
	if err != nil {
		return false
	}
	for _, rng := range ranges {
		if pc >= rng[0] && pc < rng[1] {
			return true
		}
	}
	return false
}

// Types

// typeConverter turns DWARF types into values.Type. Conversions are
// cached, recursive types resolve to the same *values.Type.
type typeConverter struct {
	d *dwarf.Data

	mu    sync.Mutex
	cache map[dwarf.Type]*values.Type
	// pending holds typedefs and qualified types whose contents are copied
	// from their underlying type once the conversion completes.
	pending map[*values.Type]*values.Type
}

func newTypeConverter(d *dwarf.Data) *typeConverter {
	return &typeConverter{d: d, cache: map[dwarf.Type]*values.Type{}, pending: map[*values.Type]*values.Type{}}
}

func (c *typeConverter) typeAt(off dwarf.Offset) (*values.Type, error) {
	dt, err := c.d.Type(off)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.convert(dt)
	for nt := range c.pending {
		c.fix(nt)
	}
	return t, nil
}

func (c *typeConverter) fix(nt *values.Type) {
	under, ok := c.pending[nt]
	if !ok {
		return
	}
	delete(c.pending, nt)
	c.fix(under)
	name := nt.Name
	*nt = *under
	nt.Name = name
}

func (c *typeConverter) convert(dt dwarf.Type) *values.Type {
	if dt == nil {
		return values.Void
	}
	if t, ok := c.cache[dt]; ok {
		return t
	}
	size := int(dt.Size())
	var t *values.Type
	switch dt := dt.(type) {
	case *dwarf.VoidType:
		t = values.Void
	case *dwarf.BoolType:
		t = &values.Type{Name: dt.Name, Class: engine.TypeBuiltin, Basic: engine.BasicBool, Size: size}
	case *dwarf.CharType:
		t = &values.Type{Name: dt.Name, Class: engine.TypeBuiltin, Basic: engine.BasicChar, Size: size}
	case *dwarf.UcharType:
		t = &values.Type{Name: dt.Name, Class: engine.TypeBuiltin, Basic: engine.BasicChar, Size: size}
	case *dwarf.IntType:
		t = values.Signed(dt.Name, size)
	case *dwarf.UintType:
		t = values.Unsigned(dt.Name, size)
	case *dwarf.AddrType:
		t = values.Unsigned(dt.Name, size)
	case *dwarf.FloatType:
		t = values.FloatType(dt.Name, size)
	case *dwarf.PtrType:
		t = &values.Type{Class: engine.TypePointer, Size: values.PtrSize}
		c.cache[dt] = t
		t.Elem = c.convert(dt.Type)
		t.Name = t.Elem.Name + " *"
	case *dwarf.StructType:
		t = &values.Type{Name: dt.StructName, Class: engine.TypeStruct, Size: size}
		switch dt.Kind {
		case "union":
			t.Class = engine.TypeUnion
		case "class":
			t.Class = engine.TypeCxxClass
		}
		if t.Name == "" {
			t.Name = "(anonymous " + dt.Kind + ")"
		}
		c.cache[dt] = t
		fields := make([]values.Field, 0, len(dt.Field))
		for _, f := range dt.Field {
			fields = append(fields, values.Field{Name: f.Name, Offset: int(f.ByteOffset), Type: c.convert(f.Type)})
		}
		t.Fields = fields
	case *dwarf.ArrayType:
		t = &values.Type{Class: engine.TypeArray, Size: size}
		c.cache[dt] = t
		t.Elem = c.convert(dt.Type)
		t.Len = int(max(dt.Count, 0))
		t.Name = fmt.Sprintf("%s[%d]", t.Elem.Name, t.Len)
	case *dwarf.EnumType:
		name := dt.EnumName
		if name == "" {
			name = "(anonymous enum)"
		}
		enums := make([]values.Enumerator, len(dt.Val))
		for i, v := range dt.Val {
			enums[i] = values.Enumerator{Name: v.Name, Value: v.Val}
		}
		t = values.EnumOf(name, size, enums...)
	case *dwarf.TypedefType:
		t = &values.Type{Name: dt.Name}
		c.cache[dt] = t
		c.pending[t] = c.convert(dt.Type)
	case *dwarf.QualType:
		t = &values.Type{}
		c.cache[dt] = t
		under := c.convert(dt.Type)
		t.Name = dt.Qual + " " + under.Name
		c.pending[t] = under
	case *dwarf.FuncType:
		t = &values.Type{Name: dt.String(), Class: engine.TypeFunction}
	default:
		t = &values.Type{Name: dt.String(), Class: engine.TypeOther, Size: max(size, 0)}
	}
	c.cache[dt] = t
	return t
}

// Location expressions

const (
	opAddr         = 0x03
	opDeref        = 0x06
	opConst1u      = 0x08
	opConst1s      = 0x09
	opConst2u      = 0x0a
	opConst2s      = 0x0b
	opConst4u      = 0x0c
	opConst4s      = 0x0d
	opConst8u      = 0x0e
	opConst8s      = 0x0f
	opConstu       = 0x10
	opConsts       = 0x11
	opDup          = 0x12
	opDrop         = 0x13
	opMinus        = 0x1c
	opPlus         = 0x22
	opPlusUconst   = 0x23
	opLit0         = 0x30
	opLit31        = 0x4f
	opReg0         = 0x50
	opReg31        = 0x6f
	opBreg0        = 0x70
	opBreg31       = 0x8f
	opRegx         = 0x90
	opFbreg        = 0x91
	opBregx        = 0x92
	opPiece        = 0x93
	opCallFrameCFA = 0x9c
	opStackValue   = 0x9f
)

// location is where the value of a variable is.
type location struct {
	addr uint64
	// reg names the register holding the value, when it is not in memory.
	reg string
	// value is the computed value of DW_OP_stack_value expressions.
	value   uint64
	isValue bool
}

// locContext supplies what location expressions refer to.
type locContext struct {
	arch      *archInfo
	reg       func(name string) (uint64, error)
	cfa       uint64
	frameBase []byte
	bias      uint64
	mem       values.Memory
}

var errOptimizedOut = errors.New("variable not available")

func (ctx *locContext) register(n int) (uint64, error) {
	name, ok := ctx.arch.dwarfRegs[n]
	if !ok || ctx.reg == nil {
		return 0, fmt.Errorf("unknown DWARF register %d", n)
	}
	return ctx.reg(name)
}

func (ctx *locContext) eval(expr []byte) (location, error) {
	buf := &opReader{b: expr}
	var stack []uint64
	push := func(v uint64) { stack = append(stack, v) }
	pop := func() (uint64, error) {
		if len(stack) == 0 {
			return 0, errors.New("location expression stack underflow")
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}

	for !buf.done() {
		op := buf.byte()
		switch {
		case op == opAddr:
			push(buf.uint(8) + ctx.bias)
		case op >= opLit0 && op <= opLit31:
			push(uint64(op - opLit0))
		case op == opConst1u:
			push(buf.uint(1))
		case op == opConst1s:
			push(uint64(int8(buf.uint(1))))
		case op == opConst2u:
			push(buf.uint(2))
		case op == opConst2s:
			push(uint64(int16(buf.uint(2))))
		case op == opConst4u:
			push(buf.uint(4))
		case op == opConst4s:
			push(uint64(int32(buf.uint(4))))
		case op == opConst8u, op == opConst8s:
			push(buf.uint(8))
		case op == opConstu:
			push(buf.uleb())
		case op == opConsts:
			push(uint64(buf.sleb()))
		case op >= opReg0 && op <= opReg31:
			if name, ok := ctx.arch.dwarfRegs[int(op-opReg0)]; ok {
				return location{reg: name}, nil
			}
			return location{}, fmt.Errorf("unknown DWARF register %d", op-opReg0)
		case op == opRegx:
			n := int(buf.uleb())
			if name, ok := ctx.arch.dwarfRegs[n]; ok {
				return location{reg: name}, nil
			}
			return location{}, fmt.Errorf("unknown DWARF register %d", n)
		case op >= opBreg0 && op <= opBreg31:
			r, err := ctx.register(int(op - opBreg0))
			if err != nil {
				return location{}, err
			}
			push(r + uint64(buf.sleb()))
		case op == opBregx:
			r, err := ctx.register(int(buf.uleb()))
			if err != nil {
				return location{}, err
			}
			push(r + uint64(buf.sleb()))
		case op == opFbreg:
			off := buf.sleb()
			base, err := ctx.frameBaseAddr()
			if err != nil {
				return location{}, err
			}
			push(base + uint64(off))
		case op == opCallFrameCFA:
			if ctx.cfa == 0 {
				return location{}, errors.New("no canonical frame address")
			}
			push(ctx.cfa)
		case op == opPlusUconst:
			v, err := pop()
			if err != nil {
				return location{}, err
			}
			push(v + buf.uleb())
		case op == opPlus, op == opMinus:
			b, err := pop()
			if err != nil {
				return location{}, err
			}
			a, err := pop()
			if err != nil {
				return location{}, err
			}
			if op == opPlus {
				push(a + b)
			} else {
				push(a - b)
			}
		case op == opDup:
			v, err := pop()
			if err != nil {
				return location{}, err
			}
			push(v)
			push(v)
		case op == opDrop:
			if _, err := pop(); err != nil {
				return location{}, err
			}
		case op == opDeref:
			a, err := pop()
			if err != nil {
				return location{}, err
			}
			if ctx.mem == nil {
				return location{}, errors.New("no memory to dereference")
			}
			var b [8]byte
			if _, err := ctx.mem.ReadMemory(a, b[:]); err != nil {
				return location{}, err
			}
			push(binary.LittleEndian.Uint64(b[:]))
		case op == opStackValue:
			v, err := pop()
			if err != nil {
				return location{}, err
			}
			return location{value: v, isValue: true}, nil
		case op == opPiece:
			// only the first piece is described
			buf.uleb()
			if len(stack) > 0 {
				return location{addr: stack[len(stack)-1]}, nil
			}
			return location{}, errOptimizedOut
		default:
			return location{}, fmt.Errorf("unsupported location operation 0x%x", op)
		}
		if buf.err != nil {
			return location{}, buf.err
		}
	}
	if len(stack) == 0 {
		return location{}, errOptimizedOut
	}
	return location{addr: stack[len(stack)-1]}, nil
}

// frameBaseAddr evaluates the frame base of the function.
func (ctx *locContext) frameBaseAddr() (uint64, error) {
	if len(ctx.frameBase) == 0 {
		return 0, errors.New("function has no frame base")
	}
	fb := *ctx
	fb.frameBase = nil
	loc, err := fb.eval(ctx.frameBase)
	if err != nil {
		return 0, err
	}
	if loc.reg != "" {
		return ctx.reg(loc.reg)
	}
	if loc.isValue {
		return loc.value, nil
	}
	return loc.addr, nil
}

// opReader decodes the operands of a location expression.
type opReader struct {
	b   []byte
	err error
}

var errShortExpression = errors.New("truncated location expression")

func (r *opReader) done() bool { return len(r.b) == 0 || r.err != nil }

func (r *opReader) byte() byte {
	if len(r.b) == 0 {
		r.err = errShortExpression
		return 0
	}
	c := r.b[0]
	r.b = r.b[1:]
	return c
}

func (r *opReader) uint(n int) uint64 {
	if len(r.b) < n {
		r.err = errShortExpression
		r.b = nil
		return 0
	}
	var v uint64
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint64(r.b[i])
	}
	r.b = r.b[n:]
	return v
}

func (r *opReader) uleb() uint64 {
	var v uint64
	var shift uint
	for {
		c := r.byte()
		if r.err != nil {
			return 0
		}
		v |= uint64(c&0x7f) << shift
		shift += 7
		if c&0x80 == 0 {
			return v
		}
	}
}

func (r *opReader) sleb() int64 {
	var v int64
	var shift uint
	for {
		c := r.byte()
		if r.err != nil {
			return 0
		}
		v |= int64(c&0x7f) << shift
		shift += 7
		if c&0x80 == 0 {
			if shift < 64 && c&0x40 != 0 {
				v |= -1 << shift
			}
			return v
		}
	}
}

// value builds the value of v in the context of a frame.
func (img *image) value(v *variable, ctx *locContext, mem values.Memory) *values.Value {
	if !v.hasType {
		return values.Invalid(v.name, errors.New("variable has no type"))
	}
	typ, err := img.types.typeAt(v.typ)
	if err != nil {
		return values.Invalid(v.name, err)
	}
	switch {
	case v.constValue != nil:
		data := make([]byte, typ.Size)
		switch c := v.constValue.(type) {
		case int64:
			putLittleEndian(data, uint64(c))
		case []byte:
			copy(data, c)
		}
		return values.Const(v.name, typ, data, mem).WithValueType(v.vt)
	case v.locList || len(v.loc) == 0:
		return values.Invalid(v.name, errOptimizedOut)
	}
	loc, err := ctx.eval(v.loc)
	if err != nil {
		return values.Invalid(v.name, err)
	}
	switch {
	case loc.reg != "":
		r, err := ctx.reg(loc.reg)
		if err != nil {
			return values.Invalid(v.name, err)
		}
		data := make([]byte, typ.Size)
		putLittleEndian(data, r)
		return values.Const(v.name, typ, data, mem).WithValueType(v.vt)
	case loc.isValue:
		data := make([]byte, typ.Size)
		putLittleEndian(data, loc.value)
		return values.Const(v.name, typ, data, mem).WithValueType(v.vt)
	}
	return values.New(v.name, typ, mem, loc.addr, v.vt)
}

func putLittleEndian(b []byte, n uint64) {
	for i := range b {
		if i >= 8 {
			break
		}
		b[i] = byte(n >> (8 * i))
	}
}
