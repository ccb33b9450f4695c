package expressions

import "strings"

// scanner is a backtracking cursor over an expression. Recognizers return
// false without moving the cursor when they do not match.
type scanner struct {
	src string
	pos int
}

func (s *scanner) eof() bool { return s.pos >= len(s.src) }

func (s *scanner) peek() byte {
	if s.eof() {
		return 0
	}
	return s.src[s.pos]
}

func (s *scanner) rest() string { return s.src[s.pos:] }

func (s *scanner) skipSpace() {
	for !s.eof() && (s.src[s.pos] == ' ' || s.src[s.pos] == '\t') {
		s.pos++
	}
}

// lit consumes tok if it is next.
func (s *scanner) lit(tok string) bool {
	if strings.HasPrefix(s.rest(), tok) {
		s.pos += len(tok)
		return true
	}
	return false
}

// op consumes the operator tok unless it is the prefix of one of the
// longer operators in not.
func (s *scanner) op(tok string, not ...string) bool {
	r := s.rest()
	if !strings.HasPrefix(r, tok) {
		return false
	}
	for _, n := range not {
		if strings.HasPrefix(r, n) {
			return false
		}
	}
	s.pos += len(tok)
	return true
}

// word consumes the keyword w when it is not followed by an identifier
// character.
func (s *scanner) word(w string) bool {
	r := s.rest()
	if !strings.HasPrefix(r, w) || (len(r) > len(w) && isIdentChar(r[len(w)])) {
		return false
	}
	s.pos += len(w)
	return true
}

func isAlpha(c byte) bool { return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }
func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isHex(c byte) bool   { return isDigit(c) || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F' }

func isIdentChar(c byte) bool { return isAlpha(c) || isDigit(c) || c == '_' }

func (s *scanner) ident() (string, bool) {
	start := s.pos
	if s.eof() || !(isAlpha(s.peek()) || s.peek() == '_') {
		return "", false
	}
	for !s.eof() && isIdentChar(s.peek()) {
		s.pos++
	}
	return s.src[start:s.pos], true
}

func (s *scanner) digits() (string, bool) {
	start := s.pos
	for !s.eof() && isDigit(s.peek()) {
		s.pos++
	}
	return s.src[start:s.pos], s.pos > start
}

// qualifiedIdent recognizes C++ style qualified names with template
// arguments: [::] seg {:: seg} where seg is ident [<params>].
func (s *scanner) qualifiedIdent() bool {
	start := s.pos
	if s.lit("::") {
		s.skipSpace()
	}
	if !s.qidentSegment() {
		s.pos = start
		return false
	}
	for {
		save := s.pos
		s.skipSpace()
		if !s.lit("::") {
			s.pos = save
			return true
		}
		s.skipSpace()
		if !s.qidentSegment() {
			s.pos = save
			return true
		}
	}
}

func (s *scanner) qidentSegment() bool {
	if _, ok := s.ident(); !ok {
		return false
	}
	save := s.pos
	s.skipSpace()
	if !s.templateParams() {
		s.pos = save
	}
	return true
}

func (s *scanner) templateParams() bool {
	start := s.pos
	if !s.lit("<") {
		return false
	}
	first := true
	for {
		save := s.pos
		if !first {
			s.skipSpace()
			if !s.lit(",") {
				s.pos = save
				break
			}
		}
		s.skipSpace()
		if !s.templateParam() {
			s.pos = save
			if !first {
				// a trailing comma is not a parameter list
				s.pos = start
				return false
			}
			break
		}
		s.skipSpace()
		first = false
	}
	if !s.lit(">") {
		s.pos = start
		return false
	}
	return true
}

func (s *scanner) templateParam() bool {
	save := s.pos
	if s.qualifiedIdent() {
		next := s.pos
		s.skipSpace()
		if c := s.peek(); c == ',' || c == '>' {
			s.pos = next
			return true
		}
		s.pos = save
	}
	for !s.eof() && !strings.ContainsRune("<,>", rune(s.peek())) {
		s.pos++
	}
	return s.pos > save
}

// numericLiteral recognizes float and integer literals (decimal, 0x, 0b,
// 0o).
func (s *scanner) numericLiteral() (string, bool) {
	if lex, ok := s.floatLiteral(); ok {
		return lex, true
	}
	return s.integerLiteral()
}

func (s *scanner) floatLiteral() (string, bool) {
	start := s.pos
	_, intPart := s.digits()
	dot := false
	if s.lit(".") {
		dot = true
		_, frac := s.digits()
		if !intPart && !frac {
			s.pos = start
			return "", false
		}
	} else if !intPart {
		s.pos = start
		return "", false
	}
	exp := false
	if c := s.peek(); c == 'e' || c == 'E' {
		save := s.pos
		s.pos++
		if c := s.peek(); c == '+' || c == '-' {
			s.pos++
		}
		if _, ok := s.digits(); ok {
			exp = true
		} else {
			s.pos = save
		}
	}
	if !dot && !exp {
		s.pos = start
		return "", false
	}
	return s.src[start:s.pos], true
}

func (s *scanner) integerLiteral() (string, bool) {
	start := s.pos
	prefixed := func(lower, upper string, ok func(byte) bool) bool {
		if !s.lit(lower) && !s.lit(upper) {
			return false
		}
		n := s.pos
		for !s.eof() && ok(s.peek()) {
			s.pos++
		}
		if s.pos == n {
			s.pos = start
			return false
		}
		return true
	}
	switch {
	case prefixed("0x", "0X", isHex),
		prefixed("0b", "0B", func(c byte) bool { return c == '0' || c == '1' }),
		prefixed("0o", "0O", func(c byte) bool { return c >= '0' && c <= '7' }):
		return s.src[start:s.pos], true
	}
	return s.digits()
}

// booleanLiteral recognizes true/True/false/False and returns the
// scripting spelling.
func (s *scanner) booleanLiteral() (string, bool) {
	switch {
	case s.word("true"), s.word("True"):
		return "True", true
	case s.word("false"), s.word("False"):
		return "False", true
	}
	return "", false
}

// pythonString recognizes single, double and raw string literals.
func (s *scanner) pythonString() (string, bool) {
	start := s.pos
	raw := false
	if s.lit(`r"`) || s.lit(`r'`) {
		raw = true
		s.pos--
	}
	q := s.peek()
	if q != '"' && q != '\'' {
		s.pos = start
		return "", false
	}
	s.pos++
	for !s.eof() {
		c := s.peek()
		switch {
		case c == q:
			s.pos++
			return s.src[start:s.pos], true
		case c == '\\' && !raw && s.pos+1 < len(s.src):
			s.pos += 2
		default:
			s.pos++
		}
	}
	s.pos = start
	return "", false
}

// nativeExpr recognizes $ident::path and ${any text} and returns the text
// to evaluate natively.
func (s *scanner) nativeExpr() (string, bool) {
	start := s.pos
	if !s.lit("$") {
		return "", false
	}
	if s.lit("{") {
		end := strings.IndexByte(s.rest(), '}')
		if end <= 0 {
			s.pos = start
			return "", false
		}
		text := s.src[s.pos : s.pos+end]
		s.pos += end + 1
		return text, true
	}
	qstart := s.pos
	if !s.qualifiedIdent() {
		s.pos = start
		return "", false
	}
	return s.src[qstart:s.pos], true
}
