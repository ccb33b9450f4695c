// Package scripting embeds the script runtime that evaluates translated
// Simple expressions, Python-flavored expressions, breakpoint conditions
// and log point interpolations.
package scripting

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/go-delve/ndap/pkg/engine"
)

// Mode says whether source is a single expression or a sequence of
// statements.
type Mode int

const (
	ModeExpression Mode = iota
	ModeStatements
)

// Context is the debuggee scope names are resolved in. Frame may be nil, in
// which case names are resolved in Target's global scope.
type Context struct {
	Frame  engine.Frame
	Target engine.Target
}

// Result of an evaluation: either an engine value, or a script value
// rendered as text.
type Result struct {
	Value    engine.Value
	Text     string
	TypeName string
}

// Code is compiled script source.
type Code struct {
	Source string
	Mode   Mode
	impl   interface{}
}

// Scripting is the runtime interface the debug session uses.
type Scripting interface {
	Compile(src string, mode Mode) (*Code, error)
	Eval(ctx context.Context, code *Code, sctx Context) (Result, error)
	EvalBool(ctx context.Context, code *Code, sctx Context) (bool, error)
	// Exec runs statements, keeping the globals they define for later
	// evaluations.
	Exec(ctx context.Context, src string, sctx Context) error
	// OnMessage delivers a _pythonMessage body from the client.
	OnMessage(msg json.RawMessage) error
}

// ErrDisabled is returned by Disabled for every operation.
var ErrDisabled = errors.New("Python expressions are disabled.")

// Disabled is the runtime used when scripting is turned off. It rejects
// every script.
type Disabled struct{}

func (Disabled) Compile(string, Mode) (*Code, error) { return nil, ErrDisabled }

func (Disabled) Eval(context.Context, *Code, Context) (Result, error) {
	return Result{}, ErrDisabled
}

func (Disabled) EvalBool(context.Context, *Code, Context) (bool, error) {
	return false, ErrDisabled
}

func (Disabled) Exec(context.Context, string, Context) error { return ErrDisabled }

func (Disabled) OnMessage(json.RawMessage) error { return ErrDisabled }
