package expressions

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-delve/ndap/pkg/engine"
)

// FormatSpec is the display format requested by an expression suffix.
type FormatSpec struct {
	// Format is nil when no format letter was given.
	Format *engine.Format
	// Array, when non-nil, asks for the value to be shown as an array of
	// that many elements.
	Array *int
}

// IsZero reports whether the format spec requests nothing.
func (fs FormatSpec) IsZero() bool {
	return fs.Format == nil && fs.Array == nil
}

// FormatSpecError is returned for an unknown format letter.
type FormatSpecError struct {
	Spec rune
}

func (e *FormatSpecError) Error() string {
	return fmt.Sprintf("Invalid format specifier: %c", e.Spec)
}

var formatLetters = map[rune]engine.Format{
	'c': engine.FormatChar,
	'h': engine.FormatHex,
	'x': engine.FormatHex,
	'o': engine.FormatOctal,
	'd': engine.FormatDecimal,
	'b': engine.FormatBinary,
	'f': engine.FormatFloat,
	'p': engine.FormatPointer,
	'u': engine.FormatUnsigned,
	's': engine.FormatCString,
	'y': engine.FormatBytes,
	'Y': engine.FormatBytesWithASCII,
}

// FormatForLetter returns the format selected by a format spec letter.
func FormatForLetter(c rune) (engine.Format, bool) {
	f, ok := formatLetters[c]
	return f, ok
}

// ParseFormatSpec splits a trailing ",<letter>", ",[N]" or ",<letter>[N]"
// suffix off expr. A suffix that is not entirely a format spec is left
// in place and the expression is returned unchanged.
func ParseFormatSpec(expr string) (string, FormatSpec, error) {
	pos := strings.LastIndexByte(expr, ',')
	if pos < 0 {
		return expr, FormatSpec{}, nil
	}
	spec := expr[pos+1:]

	i := 0
	var letter rune
	if r, n := utf8.DecodeRuneInString(spec); n > 0 && unicode.IsLetter(r) {
		letter = r
		i += n
	}
	var array *int
	if rest := spec[i:]; strings.HasPrefix(rest, "[") {
		if end := strings.IndexByte(rest, ']'); end > 1 && isDigits(rest[1:end]) {
			if n, err := strconv.ParseUint(rest[1:end], 10, 32); err == nil {
				v := int(n)
				array = &v
				i += end + 1
			}
		}
	}
	if i != len(spec) {
		return expr, FormatSpec{}, nil
	}

	var fs FormatSpec
	if letter != 0 {
		f, ok := formatLetters[letter]
		if !ok {
			return "", FormatSpec{}, &FormatSpecError{Spec: letter}
		}
		fs.Format = &f
	}
	fs.Array = array
	return expr[:pos], fs, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
