package expressions

import "fmt"

// TranslateSimple translates a Simple expression into a script expression.
// Identifiers and $-escapes become __eval('...') calls, member access
// becomes __getattr__('...'), unary * and & become Value.dereference and
// Value.address_of. Nothing from the input reaches the script unescaped
// except literals and operators.
func TranslateSimple(expr string, opts ...Option) (string, error) {
	return translateSimple(expr, makeOptions(opts))
}

func translateSimple(expr string, o options) (string, error) {
	p := &simpleParser{scanner: scanner{src: expr}, dialect: o.dialect}
	out, ok := p.expression()
	if !ok {
		return "", &SyntaxError{Input: expr, Pos: p.failPos()}
	}
	if !p.eof() {
		return "", &SyntaxError{Input: expr, Pos: p.pos}
	}
	return out, nil
}

// simpleParser is a recursive descent parser for Simple expressions. From
// lowest to highest precedence:
//
//	or  and  not  comparisons  |  ^  &  << >>  + -  * / // %  unary - + ~ * &  **  postfix
type simpleParser struct {
	scanner
	dialect Dialect
	// far is the rightmost position at which an operand was expected and
	// not found.
	far int
}

func (p *simpleParser) fail() {
	if p.pos > p.far {
		p.far = p.pos
	}
}

func (p *simpleParser) failPos() int {
	if p.far > p.pos {
		return p.far
	}
	return p.pos
}

type binaryLevel struct {
	// ops lists the accepted spellings; each maps to its rendering.
	ops []binaryOp
}

type binaryOp struct {
	tok     string
	render  string
	keyword bool
	// not lists longer operators tok must not be a prefix of.
	not []string
}

var (
	orLevel   = binaryLevel{[]binaryOp{{tok: "or", render: "or", keyword: true}, {tok: "||", render: "or"}}}
	andLevel  = binaryLevel{[]binaryOp{{tok: "and", render: "and", keyword: true}, {tok: "&&", render: "and"}}}
	cmpLevel  = binaryLevel{[]binaryOp{{tok: "==", render: "=="}, {tok: "!=", render: "!="}, {tok: ">=", render: ">="}, {tok: ">", render: ">", not: []string{">>"}}, {tok: "<=", render: "<="}, {tok: "<", render: "<", not: []string{"<<"}}}}
	bitOr     = binaryLevel{[]binaryOp{{tok: "|", render: "|", not: []string{"||"}}}}
	bitXor    = binaryLevel{[]binaryOp{{tok: "^", render: "^"}}}
	bitAnd    = binaryLevel{[]binaryOp{{tok: "&", render: "&", not: []string{"&&"}}}}
	shiftOps  = binaryLevel{[]binaryOp{{tok: "<<", render: "<<"}, {tok: ">>", render: ">>"}}}
	sumOps    = binaryLevel{[]binaryOp{{tok: "+", render: "+"}, {tok: "-", render: "-", not: []string{"->"}}}}
	termOps   = binaryLevel{[]binaryOp{{tok: "*", render: "*", not: []string{"**"}}, {tok: "//", render: "//"}, {tok: "/", render: "/"}, {tok: "%", render: "%"}}}
	andLevels = []binaryLevel{cmpLevel, bitOr, bitXor, bitAnd, shiftOps, sumOps, termOps}
)

func (p *simpleParser) matchOp(lv binaryLevel) (binaryOp, bool) {
	save := p.pos
	p.skipSpace()
	for _, op := range lv.ops {
		var ok bool
		if op.keyword {
			ok = p.word(op.tok)
		} else {
			ok = p.op(op.tok, op.not...)
		}
		if ok {
			p.skipSpace()
			return op, true
		}
	}
	p.pos = save
	return binaryOp{}, false
}

func (p *simpleParser) expression() (string, bool) {
	return p.binary(orLevel, p.andExpr)
}

func (p *simpleParser) andExpr() (string, bool) {
	return p.binary(andLevel, p.notExpr)
}

// binary parses a left associative chain of operators of one level.
func (p *simpleParser) binary(lv binaryLevel, next func() (string, bool)) (string, bool) {
	lhs, ok := next()
	if !ok {
		return "", false
	}
	for {
		save := p.pos
		op, ok := p.matchOp(lv)
		if !ok {
			return lhs, true
		}
		rhs, ok := next()
		if !ok {
			p.pos = save
			return "", false
		}
		lhs = p.renderBinary(lhs, op.render, rhs)
	}
}

func (p *simpleParser) renderBinary(lhs, op, rhs string) string {
	if p.dialect == DialectStarlark {
		switch op {
		case "**":
			return fmt.Sprintf("pow(%s, %s)", lhs, rhs)
		case "==", "!=", ">=", ">", "<=", "<":
			return fmt.Sprintf("(Value.scalar(%s) %s Value.scalar(%s))", lhs, op, rhs)
		}
	}
	return fmt.Sprintf("(%s %s %s)", lhs, op, rhs)
}

func (p *simpleParser) notExpr() (string, bool) {
	save := p.pos
	p.skipSpace()
	if p.word("not") || p.op("!", "!=") {
		operand, ok := p.notExpr()
		if !ok {
			p.pos = save
			return "", false
		}
		return fmt.Sprintf("(not %s)", operand), true
	}
	p.pos = save
	return p.level(0)
}

// level parses the binary levels from comparisons down to multiplication.
func (p *simpleParser) level(i int) (string, bool) {
	if i == len(andLevels) {
		return p.unary()
	}
	return p.binary(andLevels[i], func() (string, bool) { return p.level(i + 1) })
}

func (p *simpleParser) unary() (string, bool) {
	save := p.pos
	p.skipSpace()
	var op string
	switch {
	case p.op("-", "->"):
		op = "-"
	case p.lit("+"):
		op = "+"
	case p.lit("~"):
		op = "~"
	case p.lit("*"):
		op = "*"
	case p.lit("&"):
		op = "&"
	default:
		p.pos = save
		return p.power()
	}
	operand, ok := p.unary()
	if !ok {
		p.pos = save
		return "", false
	}
	switch op {
	case "*":
		return fmt.Sprintf("Value.dereference(%s)", operand), true
	case "&":
		return fmt.Sprintf("Value.address_of(%s)", operand), true
	}
	return op + operand, true
}

// power is right associative and binds tighter than unary operators on
// its left: -a ** b is -(a ** b).
func (p *simpleParser) power() (string, bool) {
	base, ok := p.postfix()
	if !ok {
		return "", false
	}
	save := p.pos
	p.skipSpace()
	if !p.lit("**") {
		p.pos = save
		return base, true
	}
	p.skipSpace()
	exp, ok := p.unary()
	if !ok {
		p.pos = save
		return "", false
	}
	return p.renderBinary(base, "**", exp), true
}

func (p *simpleParser) postfix() (string, bool) {
	out, ok := p.operand()
	if !ok {
		return "", false
	}
	for {
		save := p.pos
		p.skipSpace()
		switch {
		case p.lit("->"):
			p.skipSpace()
			name, ok := p.ident()
			if !ok {
				p.pos = save
				return out, true
			}
			out = fmt.Sprintf("Value.dereference(%s).__getattr__('%s')", out, name)
		case p.lit("."):
			p.skipSpace()
			name, ok := p.ident()
			if !ok {
				name, ok = p.digits()
			}
			if !ok {
				p.pos = save
				return out, true
			}
			out = fmt.Sprintf("%s.__getattr__('%s')", out, name)
		case p.lit("["):
			index, ok := p.expression()
			if !ok {
				p.pos = save
				return out, true
			}
			p.skipSpace()
			if !p.lit("]") {
				p.fail()
				p.pos = save
				return out, true
			}
			out = fmt.Sprintf("%s[%s]", out, index)
		default:
			p.pos = save
			return out, true
		}
		p.skipSpace()
	}
}

func (p *simpleParser) operand() (string, bool) {
	save := p.pos
	p.skipSpace()
	out, ok := p.atom()
	if !ok {
		p.fail()
		p.pos = save
		return "", false
	}
	p.skipSpace()
	return out, true
}

func (p *simpleParser) atom() (string, bool) {
	if lex, ok := p.numericLiteral(); ok {
		return lex, true
	}
	if lex, ok := p.booleanLiteral(); ok {
		return lex, true
	}
	if lex, ok := p.pythonString(); ok {
		return lex, true
	}
	start := p.pos
	if !p.isKeyword() && p.qualifiedIdent() {
		return fmt.Sprintf("__eval('%s')", p.src[start:p.pos]), true
	}
	if text, ok := p.nativeExpr(); ok {
		return fmt.Sprintf("__eval('%s')", text), true
	}
	if p.lit("(") {
		inner, ok := p.expression()
		if ok {
			p.skipSpace()
			if p.lit(")") {
				return "(" + inner + ")", true
			}
			p.fail()
		}
		p.pos = start
	}
	return "", false
}

// isKeyword reports whether an operator keyword is next; keywords are not
// identifiers, $and is the escape for a variable named "and".
func (p *simpleParser) isKeyword() bool {
	save := p.pos
	defer func() { p.pos = save }()
	return p.word("and") || p.word("or") || p.word("not")
}
