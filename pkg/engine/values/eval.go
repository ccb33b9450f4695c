package values

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/constant"
	"go/parser"
	"go/token"
	"math"
	"strconv"
	"strings"

	"github.com/go-delve/ndap/pkg/engine"
)

// Scope resolves the names used by an expression.
type Scope interface {
	// Lookup returns the variable or register called name. Registers are
	// looked up with their leading '$'.
	Lookup(name string) (*Value, bool)
	Memory() Memory
}

const regPrefix = "__reg_"

// Evaluate evaluates a C-like expression: names, literals, member access
// with '.' and '->', indexing, dereference, address-of and the arithmetic,
// bitwise, comparison and logical operators.
func Evaluate(ctx context.Context, expr string, scope Scope) (*Value, error) {
	src := strings.ReplaceAll(expr, "->", ".")
	src = strings.ReplaceAll(src, "$", regPrefix)
	t, err := parser.ParseExpr(src)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q", expr)
	}
	ev := &evaluator{ctx: ctx, scope: scope}
	v, err := ev.eval(t)
	if err != nil {
		return nil, err
	}
	if v.err != nil {
		return nil, v.err
	}
	return v.WithPath(strings.TrimSpace(expr)), nil
}

type evaluator struct {
	ctx   context.Context
	scope Scope
}

func (ev *evaluator) eval(node ast.Expr) (*Value, error) {
	if err := ev.ctx.Err(); err != nil {
		return nil, err
	}
	switch n := node.(type) {
	case *ast.ParenExpr:
		return ev.eval(n.X)

	case *ast.Ident:
		switch n.Name {
		case "true", "false":
			return boolValue(n.Name == "true"), nil
		case "nullptr", "NULL":
			return ConstInt(n.Name, PointerTo(Void), 0), nil
		}
		name := n.Name
		if strings.HasPrefix(name, regPrefix) {
			name = "$" + name[len(regPrefix):]
		}
		if v, ok := ev.scope.Lookup(name); ok {
			return v, v.err
		}
		return nil, fmt.Errorf("use of undeclared identifier '%s'", name)

	case *ast.BasicLit:
		return literal(n)

	case *ast.SelectorExpr:
		x, err := ev.eval(n.X)
		if err != nil {
			return nil, err
		}
		c := x.ChildByName(n.Sel.Name)
		if c == nil {
			return nil, fmt.Errorf("no member named '%s' in '%s'", n.Sel.Name, x.typ)
		}
		return c.(*Value), nil

	case *ast.IndexExpr:
		x, err := ev.eval(n.X)
		if err != nil {
			return nil, err
		}
		idx, err := ev.eval(n.Index)
		if err != nil {
			return nil, err
		}
		i, err := idx.Int64()
		if err != nil {
			return nil, err
		}
		return index(x, i)

	case *ast.StarExpr:
		x, err := ev.eval(n.X)
		if err != nil {
			return nil, err
		}
		d := x.deref()
		return d, d.err

	case *ast.UnaryExpr:
		x, err := ev.eval(n.X)
		if err != nil {
			return nil, err
		}
		return unary(n.Op, x)

	case *ast.BinaryExpr:
		x, err := ev.eval(n.X)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case token.LAND, token.LOR:
			a, err := truth(x)
			if err != nil {
				return nil, err
			}
			if n.Op == token.LAND && !a || n.Op == token.LOR && a {
				return boolValue(a), nil
			}
			y, err := ev.eval(n.Y)
			if err != nil {
				return nil, err
			}
			b, err := truth(y)
			if err != nil {
				return nil, err
			}
			return boolValue(b), nil
		}
		y, err := ev.eval(n.Y)
		if err != nil {
			return nil, err
		}
		return evalBinary(n.Op, x, y)

	case *ast.CallExpr:
		return nil, errors.New("function calls are not supported")
	}
	return nil, fmt.Errorf("unsupported expression %T", node)
}

func literal(n *ast.BasicLit) (*Value, error) {
	switch n.Kind {
	case token.INT:
		c := constant.MakeFromLiteral(n.Value, n.Kind, 0)
		i, exact := constant.Int64Val(c)
		if !exact {
			u, exact := constant.Uint64Val(c)
			if !exact {
				return nil, fmt.Errorf("integer literal %s is too large", n.Value)
			}
			return ConstInt(n.Value, ULong, int64(u)), nil
		}
		if i > math.MaxInt32 {
			return ConstInt(n.Value, Long, i), nil
		}
		return ConstInt(n.Value, Int, i), nil
	case token.FLOAT:
		f, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return nil, err
		}
		return floatValue(n.Value, f), nil
	case token.CHAR:
		s, err := strconv.Unquote(n.Value)
		if err != nil || len(s) != 1 {
			return nil, fmt.Errorf("invalid character literal %s", n.Value)
		}
		return ConstInt(n.Value, Char, int64(s[0])), nil
	}
	return nil, fmt.Errorf("unsupported literal %s", n.Value)
}

func index(x *Value, i int64) (*Value, error) {
	switch x.TypeClass() {
	case engine.TypeArray:
		if i < 0 || int(i) >= x.typ.Len {
			return nil, fmt.Errorf("array index %d is out of bounds", i)
		}
		return x.Child(int(i)).(*Value), nil
	case engine.TypePointer:
		if i < 0 {
			return nil, fmt.Errorf("negative index %d", i)
		}
		a, err := x.AsArray(int(i) + 1)
		if err != nil {
			return nil, err
		}
		c := a.Child(int(i)).(*Value)
		return c.WithPath(fmt.Sprintf("%s[%d]", x.path, i)), nil
	}
	return nil, fmt.Errorf("subscripted value is not an array or pointer")
}

func unary(op token.Token, x *Value) (*Value, error) {
	switch op {
	case token.AND:
		a := x.AddressOf().(*Value)
		return a, a.err
	case token.NOT:
		b, err := truth(x)
		if err != nil {
			return nil, err
		}
		return boolValue(!b), nil
	case token.ADD:
		return x, nil
	}
	if x.typ.Basic == engine.BasicFloat && op == token.SUB {
		f, err := x.Float64()
		if err != nil {
			return nil, err
		}
		return floatValue("", -f), nil
	}
	if !isInteger(x) {
		return nil, fmt.Errorf("invalid argument type '%s' to unary expression", x.typ)
	}
	n, err := x.Int64()
	if err != nil {
		return nil, err
	}
	t := promote(x.typ, x.typ)
	switch op {
	case token.SUB:
		return ConstInt("", t, -n), nil
	case token.XOR, token.TILDE:
		return ConstInt("", t, ^n), nil
	}
	return nil, fmt.Errorf("unsupported operator %s", op)
}

func evalBinary(op token.Token, x, y *Value) (*Value, error) {
	if x.typ.Class == engine.TypePointer && isInteger(y) && (op == token.ADD || op == token.SUB) {
		p, err := x.Uint64()
		if err != nil {
			return nil, err
		}
		n, err := y.Int64()
		if err != nil {
			return nil, err
		}
		if op == token.SUB {
			n = -n
		}
		data := make([]byte, PtrSize)
		putUint(data, p+uint64(n*int64(x.typ.Elem.Size)))
		return Const("", x.typ, data, x.mem), nil
	}

	if !isScalar(x) || !isScalar(y) {
		return nil, fmt.Errorf("invalid operands to binary expression ('%s' and '%s')", x.typ, y.typ)
	}

	if x.typ.Basic == engine.BasicFloat || y.typ.Basic == engine.BasicFloat {
		a, err := x.Float64()
		if err != nil {
			return nil, err
		}
		b, err := y.Float64()
		if err != nil {
			return nil, err
		}
		switch op {
		case token.ADD:
			return floatValue("", a+b), nil
		case token.SUB:
			return floatValue("", a-b), nil
		case token.MUL:
			return floatValue("", a*b), nil
		case token.QUO:
			return floatValue("", a/b), nil
		case token.EQL:
			return boolValue(a == b), nil
		case token.NEQ:
			return boolValue(a != b), nil
		case token.LSS:
			return boolValue(a < b), nil
		case token.GTR:
			return boolValue(a > b), nil
		case token.LEQ:
			return boolValue(a <= b), nil
		case token.GEQ:
			return boolValue(a >= b), nil
		}
		return nil, fmt.Errorf("invalid operands to binary expression ('%s' and '%s')", x.typ, y.typ)
	}

	t := promote(x.typ, y.typ)
	a, err := x.Int64()
	if err != nil {
		return nil, err
	}
	b, err := y.Int64()
	if err != nil {
		return nil, err
	}
	unsigned := t.Basic == engine.BasicUnsigned
	switch op {
	case token.ADD:
		return ConstInt("", t, a+b), nil
	case token.SUB:
		return ConstInt("", t, a-b), nil
	case token.MUL:
		return ConstInt("", t, a*b), nil
	case token.QUO, token.REM:
		if b == 0 {
			return nil, errors.New("division by zero")
		}
		var r int64
		switch {
		case unsigned && op == token.QUO:
			r = int64(uint64(a) / uint64(b))
		case unsigned:
			r = int64(uint64(a) % uint64(b))
		case op == token.QUO:
			r = a / b
		default:
			r = a % b
		}
		return ConstInt("", t, r), nil
	case token.AND:
		return ConstInt("", t, a&b), nil
	case token.OR:
		return ConstInt("", t, a|b), nil
	case token.XOR:
		return ConstInt("", t, a^b), nil
	case token.SHL:
		return ConstInt("", t, a<<uint64(b)), nil
	case token.SHR:
		if unsigned {
			return ConstInt("", t, int64(uint64(a)>>uint64(b))), nil
		}
		return ConstInt("", t, a>>uint64(b)), nil
	case token.EQL:
		return boolValue(a == b), nil
	case token.NEQ:
		return boolValue(a != b), nil
	}
	var lt, gt bool
	if unsigned {
		lt, gt = uint64(a) < uint64(b), uint64(a) > uint64(b)
	} else {
		lt, gt = a < b, a > b
	}
	switch op {
	case token.LSS:
		return boolValue(lt), nil
	case token.GTR:
		return boolValue(gt), nil
	case token.LEQ:
		return boolValue(!gt), nil
	case token.GEQ:
		return boolValue(!lt), nil
	}
	return nil, fmt.Errorf("unsupported operator %s", op)
}

// promote applies the usual arithmetic conversions to two integer types.
func promote(a, b *Type) *Type {
	size := max(a.Size, b.Size, Int.Size)
	unsigned := a.Basic == engine.BasicUnsigned && a.Size == size || b.Basic == engine.BasicUnsigned && b.Size == size
	switch {
	case size > Int.Size && unsigned:
		return ULong
	case size > Int.Size:
		return Long
	case unsigned:
		return UInt
	}
	return Int
}

func truth(v *Value) (bool, error) {
	if v.typ.Basic == engine.BasicFloat {
		f, err := v.Float64()
		return f != 0, err
	}
	if !isScalar(v) && v.typ.Class != engine.TypePointer {
		return false, fmt.Errorf("value of type '%s' is not contextually convertible to 'bool'", v.typ)
	}
	n, err := v.Uint64()
	return n != 0, err
}

func isInteger(v *Value) bool {
	switch v.typ.Basic {
	case engine.BasicBool, engine.BasicChar, engine.BasicSigned, engine.BasicUnsigned:
		return true
	}
	return false
}

func isScalar(v *Value) bool {
	return v.typ != nil && (v.typ.Class == engine.TypeBuiltin || v.typ.Class == engine.TypeEnum) && v.typ.Basic.IsScalar()
}

func boolValue(b bool) *Value {
	if b {
		return ConstInt("true", Bool, 1)
	}
	return ConstInt("false", Bool, 0)
}

func floatValue(name string, f float64) *Value {
	data := make([]byte, 8)
	putUint(data, math.Float64bits(f))
	return Const(name, Double, data, nil)
}
