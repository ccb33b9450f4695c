package scripting

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/pkg/engine/enginetest"
	"github.com/go-delve/ndap/pkg/expressions"
)

// stoppedAtLine7 returns a scope stopped after main's locals are
// initialized.
func stoppedAtLine7(t *testing.T) Context {
	t.Helper()
	d := enginetest.New(nil)
	tgt, err := d.CreateTarget(enginetest.DefaultPath)
	require.NoError(t, err)
	_, err = tgt.SetBreakpoint(engine.BreakpointSpec{Kind: engine.BreakpointFileLine, File: "main.c", Line: 7})
	require.NoError(t, err)
	p, err := tgt.Launch(context.Background(), engine.LaunchInfo{})
	require.NoError(t, err)
	require.Equal(t, engine.StateStopped, p.State())
	return Context{Frame: p.SelectedThread().Frame(0), Target: tgt}
}

func evalSimple(t *testing.T, env *Env, sctx Context, expr string) (Result, error) {
	t.Helper()
	pp, err := expressions.Prepare(expr, expressions.Simple, expressions.WithDialect(expressions.DialectStarlark))
	require.NoError(t, err)
	code, err := env.Compile(pp.Text, ModeExpression)
	require.NoError(t, err)
	return env.Eval(context.Background(), code, sctx)
}

func TestEvalSimple(t *testing.T) {
	sctx := stoppedAtLine7(t)
	env := New(&bytes.Buffer{}, nil)

	for _, tc := range []struct {
		expr, text, typ string
	}{
		{"x + 1", "256", "int"},
		{"pt.y * 2", "4", "int"},
		{"p->x + p->y", "3", "int"},
		{"2 ** 10", "1024", "int"},
		{"x / 2.0", "127.5", "float"},
		{"'abc'", "abc", "string"},
	} {
		r, err := evalSimple(t, env, sctx, tc.expr)
		require.NoError(t, err, tc.expr)
		assert.Nil(t, r.Value, tc.expr)
		assert.Equal(t, tc.text, r.Text, tc.expr)
		assert.Equal(t, tc.typ, r.TypeName, tc.expr)
	}

	r, err := evalSimple(t, env, sctx, "arr[2]")
	require.NoError(t, err)
	require.NotNil(t, r.Value)
	assert.Equal(t, "30", r.Value.Value())

	r, err = evalSimple(t, env, sctx, "pt")
	require.NoError(t, err)
	require.NotNil(t, r.Value)
	assert.Equal(t, 2, r.Value.NumChildren())
}

func TestEvalBool(t *testing.T) {
	sctx := stoppedAtLine7(t)
	env := New(&bytes.Buffer{}, nil)
	for expr, want := range map[string]bool{
		"x > 200":             true,
		"x == 255 and pt.x":   true,
		"not arr[0]":          false,
		"g_total != 0":        false,
		"p->y < arr[0]":       true,
		"${arr[1]} == 20":     true,
		"x >= 255 or nothing": true,
	} {
		pp, err := expressions.Prepare(expr, expressions.Simple, expressions.WithDialect(expressions.DialectStarlark))
		require.NoError(t, err, expr)
		code, err := env.Compile(pp.Text, ModeExpression)
		require.NoError(t, err, expr)
		got, err := env.EvalBool(context.Background(), code, sctx)
		require.NoError(t, err, expr)
		assert.Equal(t, want, got, expr)
	}
}

func TestEvalErrors(t *testing.T) {
	sctx := stoppedAtLine7(t)
	env := New(&bytes.Buffer{}, nil)

	_, err := evalSimple(t, env, sctx, "nothing + 1")
	assert.ErrorContains(t, err, "use of undeclared identifier 'nothing'")

	_, err = env.Compile("undefined_name + 1", ModeExpression)
	assert.Error(t, err)

	_, err = evalSimple(t, env, sctx, "pt + 1")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	code, err := env.Compile("__eval('x')", ModeExpression)
	require.NoError(t, err)
	_, err = env.Eval(ctx, code, sctx)
	assert.Error(t, err)

	_, err = env.Eval(context.Background(), code, Context{})
	assert.Error(t, err)
}

func TestGlobalScope(t *testing.T) {
	sctx := stoppedAtLine7(t)
	sctx.Frame = nil
	env := New(&bytes.Buffer{}, nil)
	r, err := evalSimple(t, env, sctx, "g_total")
	require.NoError(t, err)
	require.NotNil(t, r.Value)
	assert.Equal(t, "0", r.Value.Value())

	_, err = evalSimple(t, env, sctx, "x")
	assert.Error(t, err)
}

func TestPython(t *testing.T) {
	sctx := stoppedAtLine7(t)
	env := New(&bytes.Buffer{}, nil)
	pp, err := expressions.Prepare("/py [$x, ${arr[0]} + 1]", expressions.Simple)
	require.NoError(t, err)
	code, err := env.Compile(pp.Text, ModeExpression)
	require.NoError(t, err)
	r, err := env.Eval(context.Background(), code, sctx)
	require.NoError(t, err)
	assert.Equal(t, "[255, 11]", r.Text)
	assert.Equal(t, "list", r.TypeName)

	code, err = env.Compile("Value.scalar(Value.dereference(__eval('p')).y)", ModeExpression)
	require.NoError(t, err)
	r, err = env.Eval(context.Background(), code, sctx)
	require.NoError(t, err)
	assert.Equal(t, "2", r.Text)
}

func TestExecKeepsGlobals(t *testing.T) {
	sctx := stoppedAtLine7(t)
	var out bytes.Buffer
	env := New(&out, nil)

	require.NoError(t, env.Exec(context.Background(), "def double(v):\n    return v * 2\n_hidden = 1\nprint('loaded')\n", sctx))
	assert.Equal(t, "loaded\n", out.String())

	code, err := env.Compile("double(__eval('x'))", ModeExpression)
	require.NoError(t, err)
	r, err := env.Eval(context.Background(), code, sctx)
	require.NoError(t, err)
	assert.Equal(t, "510", r.Text)

	_, err = env.Compile("_hidden", ModeExpression)
	assert.Error(t, err)
}

func TestMessages(t *testing.T) {
	var out bytes.Buffer
	var posted []json.RawMessage
	env := New(&out, func(msg json.RawMessage) { posted = append(posted, msg) })

	// without a handler messages are dropped
	require.NoError(t, env.OnMessage(json.RawMessage(`{"a":1}`)))

	src := "def on_message(m):\n    print(m['a'])\n    post_message({'echo': m['a']})\n"
	require.NoError(t, env.Exec(context.Background(), src, Context{}))
	require.NoError(t, env.OnMessage(json.RawMessage(`{"a":1}`)))
	assert.Equal(t, "1\n", out.String())
	require.Len(t, posted, 1)
	assert.JSONEq(t, `{"echo":1}`, string(posted[0]))
}

func TestDisabled(t *testing.T) {
	var s Scripting = Disabled{}
	_, err := s.Compile("1", ModeExpression)
	assert.Equal(t, ErrDisabled, err)
	assert.Equal(t, ErrDisabled, s.Exec(context.Background(), "x = 1", Context{}))
	assert.Equal(t, ErrDisabled, s.OnMessage(nil))
}
