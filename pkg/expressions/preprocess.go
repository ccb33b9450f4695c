package expressions

import "strings"

// PreprocessPython replaces the $name and ${...} escapes of a
// Python-flavored expression with __eval('...') calls. String literals are
// copied untouched.
func PreprocessPython(expr string) (string, error) {
	s := &scanner{src: expr}
	var b strings.Builder
	for !s.eof() {
		if lex, ok := s.pythonString(); ok {
			b.WriteString(lex)
			continue
		}
		if text, ok := s.nativeExpr(); ok {
			b.WriteString("__eval('")
			b.WriteString(text)
			b.WriteString("')")
			continue
		}
		b.WriteByte(s.peek())
		s.pos++
	}
	return b.String(), nil
}
