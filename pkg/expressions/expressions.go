// Package expressions prepares user expressions for evaluation.
//
// An expression is written in one of three flavors, selected by a prefix
// or by the session default:
//
//	/nat <expr>   passed verbatim to the engine's native evaluator
//	/se <expr>    Simple: a small arithmetic and member access language,
//	              translated to a script that never runs arbitrary code
//	/py <expr>    Python-flavored script with $name and ${...} escapes
//
// A trailing ",<fmt>" suffix selects a display format, see ParseFormatSpec.
package expressions

import (
	"fmt"
	"strings"

	"github.com/go-delve/ndap/pkg/logflags"
)

// Flavor is the language an expression is written in.
type Flavor int

const (
	Native Flavor = iota
	Simple
	Python
)

func (f Flavor) String() string {
	switch f {
	case Native:
		return "native"
	case Simple:
		return "simple"
	case Python:
		return "python"
	}
	return fmt.Sprintf("Flavor(%d)", int(f))
}

// ParseFlavor parses the name used in launch configurations.
func ParseFlavor(s string) (Flavor, error) {
	switch strings.ToLower(s) {
	case "native":
		return Native, nil
	case "simple":
		return Simple, nil
	case "python":
		return Python, nil
	}
	return Simple, fmt.Errorf("unknown expression type %q", s)
}

// Prepared is an expression ready for evaluation. For Simple and Python
// expressions Text is script source; for Native it is the raw expression.
type Prepared struct {
	Flavor Flavor
	Text   string
}

// Dialect selects the scripting surface translated expressions target.
type Dialect int

const (
	// DialectPython renders the power operator as "**".
	DialectPython Dialect = iota
	// DialectStarlark renders "a ** b" as "pow(a, b)" and routes comparison
	// operands through Value.scalar, since Starlark has neither a power
	// operator nor cross-type comparison hooks.
	DialectStarlark
)

// Option customizes preparation.
type Option func(*options)

type options struct {
	dialect Dialect
}

// WithDialect selects the rendering of translated Simple expressions.
func WithDialect(d Dialect) Option {
	return func(o *options) {
		o.dialect = d
	}
}

func makeOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// SplitFlavor strips a flavor prefix from expr, returning def when there is
// none.
func SplitFlavor(expr string, def Flavor) (string, Flavor) {
	switch {
	case strings.HasPrefix(expr, "/nat "):
		return expr[5:], Native
	case strings.HasPrefix(expr, "/py "):
		return expr[4:], Python
	case strings.HasPrefix(expr, "/se "):
		return expr[4:], Simple
	}
	return expr, def
}

// Prepare detects the flavor of expr and preprocesses it.
func Prepare(expr string, def Flavor, opts ...Option) (Prepared, error) {
	text, flavor := SplitFlavor(expr, def)
	return prepare(text, flavor, makeOptions(opts))
}

// PrepareWithFormat is like Prepare but also extracts a trailing format
// specifier, for example "value,x" or "ptr,[50]".
func PrepareWithFormat(expr string, def Flavor, opts ...Option) (Prepared, FormatSpec, error) {
	text, flavor := SplitFlavor(expr, def)
	text, spec, err := ParseFormatSpec(text)
	if err != nil {
		return Prepared{}, FormatSpec{}, err
	}
	pp, err := prepare(text, flavor, makeOptions(opts))
	return pp, spec, err
}

func prepare(text string, flavor Flavor, o options) (Prepared, error) {
	var (
		out string
		err error
	)
	switch flavor {
	case Native:
		out = text
	case Simple:
		out, err = translateSimple(text, o)
	case Python:
		out, err = PreprocessPython(text)
	default:
		return Prepared{}, fmt.Errorf("unknown expression flavor %v", flavor)
	}
	if err != nil {
		return Prepared{}, err
	}
	if logflags.Expressions() {
		logflags.ExpressionsLogger().Debugf("prepared %v expression %q as %q", flavor, text, out)
	}
	return Prepared{Flavor: flavor, Text: out}, nil
}

// SyntaxError is returned for expressions that do not parse. Pos is the
// byte offset of the first character that could not be consumed.
type SyntaxError struct {
	Input string
	Pos   int
}

const syntaxErrorPrefix = "Syntax error: "

func (e *SyntaxError) Error() string {
	var b strings.Builder
	b.WriteString(syntaxErrorPrefix)
	b.WriteString(e.Input)
	b.WriteByte('\n')
	b.WriteString(strings.Repeat(" ", len(syntaxErrorPrefix)+e.Pos))
	b.WriteByte('^')
	return b.String()
}
