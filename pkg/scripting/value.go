package scripting

import (
	"errors"
	"fmt"
	"strconv"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/go-delve/ndap/pkg/engine"
)

const getattrName = "__getattr__"

// value exposes an engine.Value to scripts. Members are reachable as
// attributes and through __getattr__, elements through indexing; scalar
// values take part in arithmetic.
type value struct {
	v engine.Value
}

var (
	_ starlark.HasAttrs   = (*value)(nil)
	_ starlark.Mapping    = (*value)(nil)
	_ starlark.HasBinary  = (*value)(nil)
	_ starlark.HasUnary   = (*value)(nil)
	_ starlark.Comparable = (*value)(nil)
)

func wrapValue(v engine.Value) (starlark.Value, error) {
	if v == nil || !v.IsValid() {
		return nil, errors.New("invalid value")
	}
	if err := v.Error(); err != nil {
		return nil, err
	}
	return &value{v: v}, nil
}

// Unwrap returns the engine value behind a script value, if there is one.
func Unwrap(x starlark.Value) (engine.Value, bool) {
	if v, ok := x.(*value); ok {
		return v.v, true
	}
	return nil, false
}

func unpackValue(fnname string, args starlark.Tuple, kwargs []starlark.Tuple) (*value, error) {
	var x starlark.Value
	if err := starlark.UnpackPositionalArgs(fnname, args, kwargs, 1, &x); err != nil {
		return nil, err
	}
	v, ok := x.(*value)
	if !ok {
		return nil, fmt.Errorf("%s: argument is a %s, not a debuggee value", fnname, x.Type())
	}
	return v, nil
}

func (v *value) String() string {
	if s := v.v.Value(); s != "" {
		return s
	}
	return v.v.Summary()
}

func (v *value) Type() string { return "Value" }

func (v *value) Freeze() {}

func (v *value) Truth() starlark.Bool {
	if s, err := toScalar(v); err == nil {
		return s.Truth()
	}
	return true
}

func (v *value) Hash() (uint32, error) {
	return 0, fmt.Errorf("unhashable type: %s", v.Type())
}

func (v *value) Attr(name string) (starlark.Value, error) {
	if name == getattrName {
		return starlark.NewBuiltin(getattrName, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var member string
			if err := starlark.UnpackPositionalArgs(getattrName, args, kwargs, 1, &member); err != nil {
				return nil, err
			}
			return v.member(member)
		}), nil
	}
	r, err := v.member(name)
	if err != nil {
		// nil, nil reports a missing attribute
		return nil, nil
	}
	return r, nil
}

func (v *value) AttrNames() []string {
	n := v.v.NumChildren()
	names := make([]string, 0, n+1)
	for i := 0; i < n; i++ {
		if c := v.v.Child(i); c != nil {
			names = append(names, c.Name())
		}
	}
	return append(names, getattrName)
}

// member resolves a field by name; all-digit names select a child by
// position, for tuple-like values.
func (v *value) member(name string) (starlark.Value, error) {
	if c := v.v.ChildByName(name); c != nil && c.IsValid() {
		return wrapValue(c)
	}
	if i, err := strconv.Atoi(name); err == nil && i >= 0 && i < v.v.NumChildren() {
		return wrapValue(v.v.Child(i))
	}
	return nil, fmt.Errorf("%s has no member %q", v.v.Name(), name)
}

func (v *value) Get(k starlark.Value) (starlark.Value, bool, error) {
	if s, ok := k.(starlark.String); ok {
		r, err := v.member(string(s))
		return r, err == nil, err
	}
	k, err := toScalar(k)
	if err != nil {
		return nil, false, err
	}
	idx, err := starlark.AsInt32(k)
	if err != nil {
		return nil, false, err
	}
	r, err := v.index(idx)
	return r, err == nil, err
}

func (v *value) index(i int) (starlark.Value, error) {
	if v.v.TypeClass() == engine.TypePointer {
		arr, err := v.v.AsArray(i + 1)
		if err != nil {
			return nil, err
		}
		return wrapValue(arr.Child(i))
	}
	if i < 0 || i >= v.v.NumChildren() {
		return nil, fmt.Errorf("index %d out of range [0:%d]", i, v.v.NumChildren())
	}
	return wrapValue(v.v.Child(i))
}

func (v *value) Binary(op syntax.Token, y starlark.Value, side starlark.Side) (starlark.Value, error) {
	x, err := toScalar(v)
	if err != nil {
		return nil, err
	}
	y, err = toScalar(y)
	if err != nil {
		return nil, err
	}
	if side == starlark.Right {
		x, y = y, x
	}
	return starlark.Binary(op, x, y)
}

func (v *value) Unary(op syntax.Token) (starlark.Value, error) {
	x, err := toScalar(v)
	if err != nil {
		return nil, err
	}
	return starlark.Unary(op, x)
}

func (v *value) CompareSameType(op syntax.Token, y starlark.Value, depth int) (bool, error) {
	x, err := toScalar(v)
	if err != nil {
		return false, err
	}
	y, err = toScalar(y)
	if err != nil {
		return false, err
	}
	return starlark.CompareDepth(op, x, y, depth)
}

// toScalar converts a debuggee value to the script's int, float or bool.
// Script values are returned unchanged.
func toScalar(x starlark.Value) (starlark.Value, error) {
	v, ok := x.(*value)
	if !ok {
		return x, nil
	}
	ev := v.v
	switch ev.TypeClass() {
	case engine.TypePointer, engine.TypeReference:
		n, err := ev.Uint64()
		if err != nil {
			return nil, err
		}
		return starlark.MakeUint64(n), nil
	case engine.TypeEnum:
		n, err := ev.Int64()
		if err != nil {
			return nil, err
		}
		return starlark.MakeInt64(n), nil
	case engine.TypeBuiltin:
	default:
		return nil, fmt.Errorf("%s of type %s is not a scalar", ev.Name(), ev.TypeName())
	}
	switch ev.BasicType() {
	case engine.BasicBool:
		n, err := ev.Uint64()
		if err != nil {
			return nil, err
		}
		return starlark.Bool(n != 0), nil
	case engine.BasicSigned, engine.BasicChar:
		n, err := ev.Int64()
		if err != nil {
			return nil, err
		}
		return starlark.MakeInt64(n), nil
	case engine.BasicUnsigned:
		n, err := ev.Uint64()
		if err != nil {
			return nil, err
		}
		return starlark.MakeUint64(n), nil
	case engine.BasicFloat:
		f, err := ev.Float64()
		if err != nil {
			return nil, err
		}
		return starlark.Float(f), nil
	}
	return nil, fmt.Errorf("%s of type %s is not a scalar", ev.Name(), ev.TypeName())
}
