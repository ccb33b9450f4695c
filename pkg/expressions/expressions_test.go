package expressions

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/ndap/pkg/engine"
)

func assertTranslates(t *testing.T, in, want string) {
	t.Helper()
	got, err := TranslateSimple(in)
	require.NoError(t, err, "input %q", in)
	assert.Equal(t, want, got, "input %q", in)
}

func TestSimplePrimary(t *testing.T) {
	assertTranslates(t, " foo", "__eval('foo')")
	assertTranslates(t, " foo::bar  ", "__eval('foo::bar')")
	assertTranslates(t, " $foo::bar  ", "__eval('foo::bar')")
	assertTranslates(t, "  ${foo::bar + 3}  ", "__eval('foo::bar + 3')")
	assertTranslates(t, " 'st\ring'  ", "'st\ring'")
	assertTranslates(t, " \"string\"  ", "\"string\"")
	assertTranslates(t, "  std::numeric_limits<float>::digits ", "__eval('std::numeric_limits<float>::digits')")
}

func TestSimplePostfix(t *testing.T) {
	assertTranslates(t, " foo . bar", "__eval('foo').__getattr__('bar')")
	assertTranslates(t, " foo . 0", "__eval('foo').__getattr__('0')")
	assertTranslates(t, " foo -> bar", "Value.dereference(__eval('foo')).__getattr__('bar')")
	assertTranslates(t, " foo . 0 . bar . 42",
		"__eval('foo').__getattr__('0').__getattr__('bar').__getattr__('42')")
	assertTranslates(t, " foo::foo . bar . baz", "__eval('foo::foo').__getattr__('bar').__getattr__('baz')")
	assertTranslates(t, " foo::foo2 . bar [ 32 ] . baz",
		"__eval('foo::foo2').__getattr__('bar')[32].__getattr__('baz')")
	assertTranslates(t, " foo [ 0o77 ]", "__eval('foo')[0o77]")
	assertTranslates(t, " foo [ bar + 1 ]", "__eval('foo')[(__eval('bar') + 1)]")
}

func TestSimpleLogical(t *testing.T) {
	assertTranslates(t, "!true && not false ||True", "(((not True) and (not False)) or True)")
	assertTranslates(t, "  aa and not b or not True", "((__eval('aa') and (not __eval('b'))) or (not True))")
	assertTranslates(t, "  aa && !b || not True", "((__eval('aa') and (not __eval('b'))) or (not True))")
	assertTranslates(t, "  $and and not $not or not True", "((__eval('and') and (not __eval('not'))) or (not True))")
	assertTranslates(t, "  true && false", "(True and False)")
	assertTranslates(t, "nothing", "__eval('nothing')")
	assertTranslates(t, "trueValue", "__eval('trueValue')")
}

func TestSimpleArithmetic(t *testing.T) {
	tests := []struct{ in, want string }{
		{" 12 *2 /  3", "((12 * 2) / 3)"},
		{" 2* 3  *2 *2 /  3", "((((2 * 3) * 2) * 2) / 3)"},
		{" 48 +  3/2", "(48 + (3 / 2))"},
		{" 3 *foo/ 4 ", "((3 * __eval('foo')) / 4)"},
		{" 3 *'foo'/ 4 ", "((3 * 'foo') / 4)"},
		{" 3 *foo::bar/ 4 ", "((3 * __eval('foo::bar')) / 4)"},
		{" 3 *${foo::bar - 13}/ 4 ", "((3 * __eval('foo::bar - 13')) / 4)"},
		{" 1 +  2 ", "(1 + 2)"},
		{" 12 + 6 - 4+  3", "(((12 + 6) - 4) + 3)"},
		{" 1 + 2*3 + 4", "((1 + (2 * 3)) + 4)"},
		{" 1 + 2*${foo::bar - 13} + 4 ", "((1 + (2 * __eval('foo::bar - 13'))) + 4)"},
		{" (  2 )", "(2)"},
		{" 2* (  3 + 4 ) ", "(2 * ((3 + 4)))"},
		{" a << 12345", "(__eval('a') << 12345)"},
		{" a >> 12345", "(__eval('a') >> 12345)"},
		{" a >= 12345", "(__eval('a') >= 12345)"},
		{" a <= 12345", "(__eval('a') <= 12345)"},
		{" a // 12345", "(__eval('a') // 12345)"},
		{" 0xff + 0b10", "(0xff + 0b10)"},
		{"  2*2 / ( 5 - 1) + 3", "(((2 * 2) / ((5 - 1))) + 3)"},
		{"2 ** 2 ** 3", "(2 ** (2 ** 3))"},
		{" 1 + (2 * ${foo::bar - 13}** 4) + 4 ", "((1 + ((2 * (__eval('foo::bar - 13') ** 4)))) + 4)"},
		{" 1 + (2 * $foo::bar.baz[ $quoox ** 4 ] ) + 5 ",
			"((1 + ((2 * __eval('foo::bar').__getattr__('baz')[(__eval('quoox') ** 4)]))) + 5)"},
		{" * foo.bar", "Value.dereference(__eval('foo').__getattr__('bar'))"},
		{" & foo.bar", "Value.address_of(__eval('foo').__getattr__('bar'))"},
		{" & foo->bar", "Value.address_of(Value.dereference(__eval('foo')).__getattr__('bar'))"},
		{"3.14 * 6.02e23", "(3.14 * 6.02e23)"},
		{"-x ** 2", "-(__eval('x') ** 2)"},
		{"a | b ^ c & d", "(__eval('a') | (__eval('b') ^ (__eval('c') & __eval('d'))))"},
		{"a == b | c", "(__eval('a') == (__eval('b') | __eval('c')))"},
		{"~a % 3", "(~__eval('a') % 3)"},
	}
	for _, tt := range tests {
		assertTranslates(t, tt.in, tt.want)
	}
}

func TestSimpleStarlarkDialect(t *testing.T) {
	got, err := TranslateSimple("a ** 2 > 3", WithDialect(DialectStarlark))
	require.NoError(t, err)
	assert.Equal(t, "(Value.scalar(pow(__eval('a'), 2)) > Value.scalar(3))", got)
}

func TestSimpleSyntaxError(t *testing.T) {
	_, err := TranslateSimple("foo +")
	var serr *SyntaxError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 5, serr.Pos)
	assert.Equal(t, "Syntax error: foo +\n"+strings.Repeat(" ", 19)+"^", err.Error())

	_, err = TranslateSimple("foo bar")
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 4, serr.Pos)

	_, err = TranslateSimple("(1 + 2")
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 6, serr.Pos)
}

// Translations never leak an identifier outside __eval/__getattr__.
func TestSimpleEscapesIdentifiers(t *testing.T) {
	for _, in := range []string{"a + b.c", "x->y[z]", "*p + &q", "ns::f<int>::v * 2"} {
		out, err := TranslateSimple(in)
		require.NoError(t, err)
		stripped := out
		for {
			i := strings.Index(stripped, "('")
			if i < 0 {
				break
			}
			j := strings.Index(stripped[i+2:], "')")
			require.True(t, j >= 0, out)
			stripped = stripped[:i] + stripped[i+2+j+2:]
		}
		for _, id := range []string{"a", "b", "c", "x", "y", "z", "p", "q", "ns"} {
			for _, tok := range strings.FieldsFunc(stripped, func(r rune) bool {
				return !(r >= 'a' && r <= 'z' || r == '_')
			}) {
				assert.NotEqual(t, id, tok, "identifier %q leaked in %q", id, out)
			}
		}
	}
}

func TestPreprocessPython(t *testing.T) {
	pairs := [][2]string{
		{`for x in $foo: print x`, `for x in __eval('foo'): print x`},
		{`$xxx.yyy.zzz`, `__eval('xxx').yyy.zzz`},
		{`$xxx::yyy::zzz`, `__eval('xxx::yyy::zzz')`},
		{`$::xxx`, `__eval('::xxx')`},
		{`${foo::bar::baz}`, `__eval('foo::bar::baz')`},
		{` "$xxx::yyy::zzz"  `, ` "$xxx::yyy::zzz"  `},
		{`r'$x' + $y`, `r'$x' + __eval('y')`},
	}
	for _, p := range pairs {
		for _, pad := range [][2]string{{"", ""}, {"   ", ""}, {"", "   "}} {
			got, err := PreprocessPython(pad[0] + p[0] + pad[1])
			require.NoError(t, err)
			assert.Equal(t, pad[0]+p[1]+pad[1], got)
		}
	}
}

func TestParseFormatSpec(t *testing.T) {
	hex := engine.FormatHex
	dec := engine.FormatDecimal
	tests := []struct {
		in     string
		expr   string
		format *engine.Format
		array  int
	}{
		{"foo", "foo", nil, -1},
		{"foo,bar", "foo,bar", nil, -1},
		{"foo,h", "foo", &hex, -1},
		{"foo,x", "foo", &hex, -1},
		{"foo,[42]", "foo", nil, 42},
		{"foo,x[42]", "foo", &hex, 42},
		{"foo, x", "foo, x", nil, -1},
		{"foo,x [42]", "foo,x [42]", nil, -1},
		{"a[1,2],d", "a[1,2]", &dec, -1},
	}
	for _, tt := range tests {
		expr, spec, err := ParseFormatSpec(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.expr, expr, tt.in)
		if tt.format == nil {
			assert.Nil(t, spec.Format, tt.in)
		} else {
			require.NotNil(t, spec.Format, tt.in)
			assert.Equal(t, *tt.format, *spec.Format, tt.in)
		}
		if tt.array < 0 {
			assert.Nil(t, spec.Array, tt.in)
		} else {
			require.NotNil(t, spec.Array, tt.in)
			assert.Equal(t, tt.array, *spec.Array, tt.in)
		}
	}

	_, spec, err := ParseFormatSpec("foo,y")
	require.NoError(t, err)
	assert.Equal(t, engine.FormatBytes, *spec.Format)
	_, spec, err = ParseFormatSpec("foo,Y")
	require.NoError(t, err)
	assert.Equal(t, engine.FormatBytesWithASCII, *spec.Format)

	_, _, err = ParseFormatSpec("foo,Z")
	var ferr *FormatSpecError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "Invalid format specifier: Z", err.Error())
}

func TestParseHitCondition(t *testing.T) {
	ok := []struct {
		in    string
		op    HitOp
		count uint32
	}{
		{" 13   ", HitGE, 13},
		{" < 42", HitLT, 42},
		{" <=53 ", HitLE, 53},
		{"=  61", HitEQ, 61},
		{"==62 ", HitEQ, 62},
		{">=76 ", HitGE, 76},
		{">85", HitGT, 85},
		{"% 3", HitMod, 3},
	}
	for _, tt := range ok {
		hc, err := ParseHitCondition(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.op, hc.Op, tt.in)
		assert.Equal(t, tt.count, hc.Count, tt.in)
	}
	for _, in := range []string{"", "      ", "!90", "=>92", "<", "=AA", "XYZ"} {
		_, err := ParseHitCondition(in)
		var herr *HitConditionError
		assert.ErrorAs(t, err, &herr, in)
	}
}

func TestHitConditionRoundTrip(t *testing.T) {
	for _, in := range []string{"7", ">= 7", "< 7", "== 7", "% 7", "<= 7", "> 7"} {
		hc, err := ParseHitCondition(in)
		require.NoError(t, err)
		assert.Equal(t, in, hc.String())
	}
}

func TestHitConditionHit(t *testing.T) {
	mod, _ := ParseHitCondition("%3")
	assert.False(t, mod.Hit(1))
	assert.True(t, mod.Hit(3))
	assert.True(t, mod.Hit(6))
	bare, _ := ParseHitCondition("2")
	assert.False(t, bare.Hit(1))
	assert.True(t, bare.Hit(2))
	zero := HitCondition{Op: HitMod}
	assert.False(t, zero.Hit(4))
}

func TestPrepare(t *testing.T) {
	pp, err := Prepare("/nat a->b", Simple)
	require.NoError(t, err)
	assert.Equal(t, Prepared{Flavor: Native, Text: "a->b"}, pp)

	pp, err = Prepare("/py $x + 1", Simple)
	require.NoError(t, err)
	assert.Equal(t, Prepared{Flavor: Python, Text: "__eval('x') + 1"}, pp)

	pp, err = Prepare("x + 1", Simple)
	require.NoError(t, err)
	assert.Equal(t, Prepared{Flavor: Simple, Text: "(__eval('x') + 1)"}, pp)

	pp, spec, err := PrepareWithFormat("/se x,x", Native)
	require.NoError(t, err)
	assert.Equal(t, "__eval('x')", pp.Text)
	require.NotNil(t, spec.Format)
	assert.Equal(t, engine.FormatHex, *spec.Format)

	_, _, err = PrepareWithFormat("x,Z", Native)
	assert.Contains(t, err.Error(), "Invalid format specifier")

	f, err := ParseFlavor("Python")
	require.NoError(t, err)
	assert.Equal(t, Python, f)
	_, err = ParseFlavor("lisp")
	assert.Error(t, err)
}
