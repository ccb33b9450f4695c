package scripting

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/big"
	"runtime"
	"strings"
	"sync"

	starjson "go.starlark.net/lib/json"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/go-delve/ndap/pkg/logflags"
)

const (
	evalBuiltinName        = "__eval"
	powBuiltinName         = "pow"
	postMessageBuiltinName = "post_message"
	onMessageFuncName      = "on_message"
	valueModuleName        = "Value"
	resultVar              = "__result__"

	contextLocal = "ndap_context"
	scopeLocal   = "ndap_scope"
)

func init() {
	resolve.AllowNestedDef = true
	resolve.AllowLambda = true
	resolve.AllowFloat = true
	resolve.AllowSet = true
	resolve.AllowBitwise = true
	resolve.AllowRecursion = true
	resolve.AllowGlobalReassign = true
}

// Env is the Starlark implementation of Scripting.
type Env struct {
	mu          sync.Mutex
	predeclared starlark.StringDict
	globals     starlark.StringDict

	out  io.Writer
	post func(json.RawMessage)
	log  logflags.Logger
}

var _ Scripting = (*Env)(nil)

// New creates a Starlark environment. Script output goes to out; messages
// posted with post_message are delivered to post.
func New(out io.Writer, post func(json.RawMessage)) *Env {
	env := &Env{
		out:     out,
		post:    post,
		globals: starlark.StringDict{},
		log:     logflags.ExpressionsLogger(),
	}

	env.predeclared = starlark.StringDict{
		"time": startime.Module,
		"json": starjson.Module,
	}

	env.predeclared[evalBuiltinName] = starlark.NewBuiltin(evalBuiltinName, func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := isCancelled(thread); err != nil {
			return nil, err
		}
		var expr string
		if err := starlark.UnpackPositionalArgs(evalBuiltinName, args, kwargs, 1, &expr); err != nil {
			return nil, err
		}
		return env.evalNative(thread, expr)
	})

	env.predeclared[powBuiltinName] = starlark.NewBuiltin(powBuiltinName, func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var x, y starlark.Value
		if err := starlark.UnpackPositionalArgs(powBuiltinName, args, kwargs, 2, &x, &y); err != nil {
			return nil, err
		}
		return pow(x, y)
	})

	env.predeclared[postMessageBuiltinName] = starlark.NewBuiltin(postMessageBuiltinName, func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var msg starlark.Value
		if err := starlark.UnpackPositionalArgs(postMessageBuiltinName, args, kwargs, 1, &msg); err != nil {
			return nil, err
		}
		encoded, err := starlark.Call(thread, starjson.Module.Members["encode"], starlark.Tuple{msg}, nil)
		if err != nil {
			return nil, err
		}
		if env.post != nil {
			env.post(json.RawMessage(encoded.(starlark.String)))
		}
		return starlark.None, nil
	})

	env.predeclared[valueModuleName] = &starlarkstruct.Module{
		Name: valueModuleName,
		Members: starlark.StringDict{
			"dereference": starlark.NewBuiltin("dereference", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				v, err := unpackValue("dereference", args, kwargs)
				if err != nil {
					return nil, err
				}
				return wrapValue(v.v.Dereference())
			}),
			"address_of": starlark.NewBuiltin("address_of", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				v, err := unpackValue("address_of", args, kwargs)
				if err != nil {
					return nil, err
				}
				return wrapValue(v.v.AddressOf())
			}),
			"scalar": starlark.NewBuiltin("scalar", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var x starlark.Value
				if err := starlark.UnpackPositionalArgs("scalar", args, kwargs, 1, &x); err != nil {
					return nil, err
				}
				return toScalar(x)
			}),
		},
	}
	return env
}

func (env *Env) isPredeclared(name string) bool {
	env.mu.Lock()
	defer env.mu.Unlock()
	if _, ok := env.predeclared[name]; ok {
		return true
	}
	_, ok := env.globals[name]
	return ok
}

// scope returns the names visible to a script: builtins plus the globals
// exported by previous Exec calls.
func (env *Env) scope() starlark.StringDict {
	env.mu.Lock()
	defer env.mu.Unlock()
	r := make(starlark.StringDict, len(env.predeclared)+len(env.globals))
	for k, v := range env.globals {
		r[k] = v
	}
	for k, v := range env.predeclared {
		r[k] = v
	}
	return r
}

// Compile compiles src. Expressions are compiled as an assignment to a
// hidden global so that one program shape serves both modes.
func (env *Env) Compile(src string, mode Mode) (*Code, error) {
	text := src
	if mode == ModeExpression {
		text = resultVar + " = (" + src + "\n)"
	}
	_, prog, err := starlark.SourceProgram("<expr>", text, env.isPredeclared)
	if err != nil {
		return nil, err
	}
	return &Code{Source: src, Mode: mode, impl: prog}, nil
}

func (env *Env) run(ctx context.Context, code *Code, sctx Context) (_ starlark.StringDict, err error) {
	prog, ok := code.impl.(*starlark.Program)
	if !ok {
		return nil, fmt.Errorf("code was not compiled by this runtime")
	}
	defer func() {
		if ierr := recover(); ierr != nil {
			buf := make([]byte, 4096)
			buf = buf[:runtime.Stack(buf, false)]
			env.log.Errorf("panic executing starlark script: %v\n%s", ierr, buf)
			err = fmt.Errorf("panic executing starlark script: %v", ierr)
		}
	}()

	thread := env.newThread(ctx, sctx)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()
	return prog.Init(thread, env.scope())
}

func (env *Env) newThread(ctx context.Context, sctx Context) *starlark.Thread {
	thread := &starlark.Thread{
		Name:  "ndap",
		Print: func(_ *starlark.Thread, msg string) { fmt.Fprintln(env.out, msg) },
	}
	thread.SetLocal(contextLocal, ctx)
	thread.SetLocal(scopeLocal, sctx)
	return thread
}

// Eval evaluates an expression compiled with ModeExpression. Statements
// evaluate to None.
func (env *Env) Eval(ctx context.Context, code *Code, sctx Context) (Result, error) {
	v, err := env.eval(ctx, code, sctx)
	if err != nil {
		return Result{}, err
	}
	switch v := v.(type) {
	case *value:
		return Result{Value: v.v}, nil
	case starlark.String:
		return Result{Text: string(v), TypeName: v.Type()}, nil
	}
	return Result{Text: v.String(), TypeName: v.Type()}, nil
}

// EvalBool evaluates code and converts the result to a boolean using the
// script language's truth rules.
func (env *Env) EvalBool(ctx context.Context, code *Code, sctx Context) (bool, error) {
	v, err := env.eval(ctx, code, sctx)
	if err != nil {
		return false, err
	}
	return bool(v.Truth()), nil
}

func (env *Env) eval(ctx context.Context, code *Code, sctx Context) (starlark.Value, error) {
	globals, err := env.run(ctx, code, sctx)
	if err != nil {
		return nil, err
	}
	if code.Mode != ModeExpression {
		return starlark.None, nil
	}
	v, ok := globals[resultVar]
	if !ok {
		return starlark.None, nil
	}
	return v, nil
}

// Exec runs src as statements and exports the globals it defines whose
// names do not start with an underscore.
func (env *Env) Exec(ctx context.Context, src string, sctx Context) error {
	code, err := env.Compile(src, ModeStatements)
	if err != nil {
		return err
	}
	globals, err := env.run(ctx, code, sctx)
	if err != nil {
		return err
	}
	env.mu.Lock()
	defer env.mu.Unlock()
	for name, v := range globals {
		if !strings.HasPrefix(name, "_") {
			env.globals[name] = v
		}
	}
	return nil
}

// OnMessage decodes msg and passes it to the script function on_message,
// if one was defined.
func (env *Env) OnMessage(msg json.RawMessage) error {
	env.mu.Lock()
	fn, ok := env.globals[onMessageFuncName].(starlark.Callable)
	env.mu.Unlock()
	if !ok {
		env.log.Debugf("no %s handler, message dropped", onMessageFuncName)
		return nil
	}
	thread := env.newThread(context.Background(), Context{})
	decoded, err := starlark.Call(thread, starjson.Module.Members["decode"], starlark.Tuple{starlark.String(msg)}, nil)
	if err != nil {
		return err
	}
	_, err = starlark.Call(thread, fn, starlark.Tuple{decoded}, nil)
	return err
}

func (env *Env) evalNative(thread *starlark.Thread, expr string) (starlark.Value, error) {
	sctx, _ := thread.Local(scopeLocal).(Context)
	ctx, _ := thread.Local(contextLocal).(context.Context)
	if ctx == nil {
		ctx = context.Background()
	}
	switch {
	case sctx.Frame != nil:
		if v := sctx.Frame.FindVariable(expr); v != nil && v.IsValid() && v.Error() == nil {
			return wrapValue(v)
		}
		v, err := sctx.Frame.Evaluate(ctx, expr)
		if err != nil {
			return nil, err
		}
		return wrapValue(v)
	case sctx.Target != nil:
		v, err := sctx.Target.Evaluate(ctx, expr)
		if err != nil {
			return nil, err
		}
		return wrapValue(v)
	}
	return nil, fmt.Errorf("no debuggee scope to evaluate %q in", expr)
}

func isCancelled(thread *starlark.Thread) error {
	if ctx, ok := thread.Local(contextLocal).(context.Context); ok {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func pow(x, y starlark.Value) (starlark.Value, error) {
	x, err := toScalar(x)
	if err != nil {
		return nil, err
	}
	y, err = toScalar(y)
	if err != nil {
		return nil, err
	}
	xi, xint := x.(starlark.Int)
	yi, yint := y.(starlark.Int)
	if xint && yint && yi.Sign() >= 0 {
		return starlark.MakeBigInt(new(big.Int).Exp(xi.BigInt(), yi.BigInt(), nil)), nil
	}
	xf, ok1 := starlark.AsFloat(x)
	yf, ok2 := starlark.AsFloat(y)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("unsupported operand types for pow: %s and %s", x.Type(), y.Type())
	}
	return starlark.Float(math.Pow(xf, yf)), nil
}
