package values

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/ndap/pkg/engine"
)

var point = StructOf("Point",
	Field{Name: "x", Type: Int},
	Field{Name: "y", Type: Int},
)

func newMemory() *Regions {
	mem := &Regions{}
	mem.Map(0x1000, 0x100, nil)
	mem.PutUint(0x1000, 4, 255)    // int x
	mem.PutUint(0x1010, 4, 1)      // Point pt
	mem.PutUint(0x1014, 4, 2)
	mem.PutUint(0x1020, 8, 0x1010) // Point *p
	mem.PutUint(0x1030, 4, 10)     // int arr[3]
	mem.PutUint(0x1034, 4, 20)
	mem.PutUint(0x1038, 4, 30)
	mem.PutUint(0x1040, 8, 0x1080) // char *s
	mem.PutUint(0x1048, 4, 0xfffffffe)
	mem.WriteMemory(0x1080, []byte("hello\x00"))
	return mem
}

func TestScalarFormats(t *testing.T) {
	mem := newMemory()
	x := New("x", Int, mem, 0x1000, engine.VariableLocal)
	for _, tc := range []struct {
		format engine.Format
		want   string
	}{
		{engine.FormatDefault, "255"},
		{engine.FormatHex, "0xff"},
		{engine.FormatOctal, "0377"},
		{engine.FormatBinary, "0b11111111"},
		{engine.FormatChar, "'\\xff'"},
		{engine.FormatPointer, "0x00000000000000ff"},
		{engine.FormatBytes, "ff 00 00 00"},
	} {
		x.SetFormat(tc.format)
		assert.Equal(t, tc.want, x.Value(), tc.format.String())
	}

	neg := New("neg", Int, mem, 0x1048, engine.VariableLocal)
	assert.Equal(t, "-2", neg.Value())
	n, err := neg.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(-2), n)
	neg.SetFormat(engine.FormatUnsigned)
	assert.Equal(t, "4294967294", neg.Value())
}

func TestStructChildren(t *testing.T) {
	mem := newMemory()
	pt := New("pt", point, mem, 0x1010, engine.VariableLocal)
	assert.Equal(t, "", pt.Value())
	require.Equal(t, 2, pt.NumChildren())
	y := pt.ChildByName("y")
	require.NotNil(t, y)
	assert.Equal(t, "2", y.Value())
	assert.Equal(t, "pt.y", y.ExpressionPath())
	addr, ok := y.LoadAddress()
	assert.True(t, ok)
	assert.Equal(t, uint64(0x1014), addr)
}

func TestPointerChildren(t *testing.T) {
	mem := newMemory()
	p := New("p", PointerTo(point), mem, 0x1020, engine.VariableLocal)
	assert.Equal(t, "0x0000000000001010", p.Value())
	assert.Equal(t, "Point *", p.TypeName())
	require.Equal(t, 2, p.NumChildren())
	x := p.Child(0)
	assert.Equal(t, "1", x.Value())
	assert.Equal(t, "p->x", x.ExpressionPath())

	d := p.Dereference()
	require.NoError(t, d.Error())
	assert.Equal(t, "*p", d.ExpressionPath())
	assert.Equal(t, "2", d.ChildByName("y").Value())

	nilp := New("q", PointerTo(Int), mem, 0x10f0, engine.VariableLocal)
	assert.Error(t, nilp.Dereference().Error())
}

func TestArrays(t *testing.T) {
	mem := newMemory()
	arr := New("arr", ArrayOf(Int, 3), mem, 0x1030, engine.VariableLocal)
	require.Equal(t, 3, arr.NumChildren())
	assert.Equal(t, "20", arr.Child(1).Value())
	assert.Equal(t, "arr[1]", arr.Child(1).ExpressionPath())

	// reinterpret &arr[0] as a two element array
	first := arr.Child(0).AddressOf()
	a, err := first.AsArray(2)
	require.NoError(t, err)
	assert.Equal(t, 2, a.NumChildren())
	assert.Equal(t, "10", a.Child(0).Value())
	assert.Equal(t, "int[2]", a.TypeName())
}

func TestCString(t *testing.T) {
	mem := newMemory()
	s := New("s", PointerTo(Char), mem, 0x1040, engine.VariableGlobal)
	assert.Equal(t, `"hello"`, s.Summary())
	s.SetFormat(engine.FormatCString)
	assert.Equal(t, `"hello"`, s.Value())

	a := New("buf", ArrayOf(Char, 8), mem, 0x1080, engine.VariableLocal)
	assert.Equal(t, `"hello"`, a.Summary())
}

func TestSetValueFromString(t *testing.T) {
	mem := newMemory()
	x := New("x", Int, mem, 0x1000, engine.VariableLocal)
	require.NoError(t, x.SetValueFromString("0x10"))
	assert.Equal(t, "16", x.Value())
	require.NoError(t, x.SetValueFromString("-5"))
	assert.Equal(t, "-5", x.Value())
	assert.Error(t, x.SetValueFromString("abc"))

	c := ConstInt("1", Int, 1)
	assert.Error(t, c.SetValueFromString("2"))

	e := New("e", EnumOf("Color", 4, Enumerator{"Red", 0}, Enumerator{"Green", 1}), mem, 0x1000, engine.VariableLocal)
	require.NoError(t, e.SetValueFromString("Green"))
	assert.Equal(t, "Green", e.Value())
}

func TestRegistersSet(t *testing.T) {
	rip := Register("rip", ULong, 0x401000)
	rip.SetFormat(engine.FormatHex)
	regs := Set("General Purpose Registers", engine.RegisterSet, rip)
	require.Equal(t, 1, regs.NumChildren())
	assert.Equal(t, "0x401000", regs.ChildByName("rip").Value())
	assert.Equal(t, "$rip", regs.Child(0).ExpressionPath())
}

func TestRegionsPartialRead(t *testing.T) {
	mem := &Regions{}
	mem.Map(0x2000, 4, []byte{1, 2, 3, 4})
	buf := make([]byte, 8)
	n, err := mem.ReadMemory(0x2002, buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = mem.ReadMemory(0x2004, buf)
	assert.Error(t, err)
}

type testScope struct {
	mem  *Regions
	vars map[string]*Value
}

func (s *testScope) Lookup(name string) (*Value, bool) {
	v, ok := s.vars[name]
	return v, ok
}

func (s *testScope) Memory() Memory { return s.mem }

func newScope() *testScope {
	mem := newMemory()
	return &testScope{mem: mem, vars: map[string]*Value{
		"x":    New("x", Int, mem, 0x1000, engine.VariableLocal),
		"pt":   New("pt", point, mem, 0x1010, engine.VariableLocal),
		"p":    New("p", PointerTo(point), mem, 0x1020, engine.VariableLocal),
		"arr":  New("arr", ArrayOf(Int, 3), mem, 0x1030, engine.VariableLocal),
		"$rip": Register("rip", ULong, 0x401000),
	}}
}

func TestEvaluate(t *testing.T) {
	scope := newScope()
	for _, tc := range []struct {
		expr string
		want string
	}{
		{"x", "255"},
		{"x + 1", "256"},
		{"x * 2 - 10", "500"},
		{"-x", "-255"},
		{"~0", "-1"},
		{"x % 16", "15"},
		{"x >> 4", "15"},
		{"pt.y", "2"},
		{"p->x + p->y", "3"},
		{"(*p).y", "2"},
		{"arr[2]", "30"},
		{"p[0].x", "1"},
		{"x == 255", "true"},
		{"x < 10 || pt.x == 1", "true"},
		{"!x", "false"},
		{"1.5 * 2", "3"},
		{"$rip", "4198400"},
	} {
		v, err := Evaluate(context.Background(), tc.expr, scope)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, v.Value(), tc.expr)
	}
}

func TestEvaluateAddressOf(t *testing.T) {
	v, err := Evaluate(context.Background(), "&arr[1]", newScope())
	require.NoError(t, err)
	assert.Equal(t, "int *", v.TypeName())
	assert.Equal(t, "0x0000000000001034", v.Value())
	assert.Equal(t, "&arr[1]", v.ExpressionPath())
}

func TestEvaluateErrors(t *testing.T) {
	scope := newScope()
	for _, tc := range []struct {
		expr string
		err  string
	}{
		{"y", "use of undeclared identifier 'y'"},
		{"pt.z", "no member named 'z' in 'Point'"},
		{"arr[3]", "array index 3 is out of bounds"},
		{"x / 0", "division by zero"},
		{"pt + 1", "invalid operands to binary expression ('Point' and 'int')"},
		{"f(1)", "function calls are not supported"},
		{"x +", `invalid expression "x +"`},
	} {
		_, err := Evaluate(context.Background(), tc.expr, scope)
		if assert.Error(t, err, tc.expr) {
			assert.Equal(t, tc.err, err.Error(), tc.expr)
		}
	}
}
