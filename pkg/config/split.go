package config

import (
	"bufio"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

// SplitQuotedFields is like strings.Fields but ignores spaces inside areas
// surrounded by the specified quote character. Inside quotes a backslash
// escapes the next character. A pair of quotes with nothing between them
// yields an empty field.
func SplitQuotedFields(in string, quote rune) []string {
	var (
		fields  []string
		cur     strings.Builder
		started bool
		quoted  bool
		escaped bool
	)
	flush := func() {
		if started {
			fields = append(fields, cur.String())
		}
		cur.Reset()
		started = false
	}
	for _, ch := range in {
		switch {
		case escaped:
			cur.WriteRune(ch)
			escaped = false
		case quoted && ch == '\\':
			escaped = true
		case ch == quote:
			quoted = !quoted
			started = true
		case quoted:
			cur.WriteRune(ch)
		case unicode.IsSpace(ch):
			flush()
		default:
			cur.WriteRune(ch)
			started = true
		}
	}
	flush()
	if fields == nil {
		fields = []string{}
	}
	return fields
}

// ReadEnvFile parses a dotenv style file: one NAME=VALUE per line, blank
// lines and lines starting with '#' are skipped, an optional leading
// "export " is dropped and values may be double quoted.
func ReadEnvFile(path string) ([][2]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r [][2]string
	scan := bufio.NewScanner(f)
	lineno := 0
	for scan.Scan() {
		lineno++
		line := strings.TrimSpace(scan.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%s:%d: expected NAME=VALUE", path, lineno)
		}
		name := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])
		if strings.HasPrefix(value, `"`) {
			parts := SplitQuotedFields(value, '"')
			if len(parts) != 1 {
				return nil, fmt.Errorf("%s:%d: malformed quoted value", path, lineno)
			}
			value = parts[0]
		}
		r = append(r, [2]string{name, value})
	}
	return r, scan.Err()
}

// ConfigureListByName lists the value of the field of sargs (a pointer to
// a struct) whose tag cfgTag matches cfgname, in the form
// "name\tvalue\n". It returns the empty string if no field matches.
func ConfigureListByName(sargs interface{}, cfgname, cfgTag string) string {
	if cfgname == "" {
		return ""
	}
	it := IterateConfiguration(sargs, cfgTag)
	for it.Next() {
		name, field := it.Field()
		if name == cfgname {
			return fmt.Sprintf("%s\t%v\n", name, field.Interface())
		}
	}
	return ""
}

// ConfigureList lists every tagged field of sargs.
func ConfigureList(sargs interface{}, cfgTag string) string {
	var b strings.Builder
	it := IterateConfiguration(sargs, cfgTag)
	for it.Next() {
		name, field := it.Field()
		fmt.Fprintf(&b, "%s\t%v\n", name, field.Interface())
	}
	return b.String()
}

// ConfigureFindFieldByName returns the settable field of sargs tagged
// cfgname, or an invalid reflect.Value.
func ConfigureFindFieldByName(sargs interface{}, cfgname, cfgTag string) reflect.Value {
	it := IterateConfiguration(sargs, cfgTag)
	for it.Next() {
		if it.name == cfgname {
			return it.stored
		}
	}
	return reflect.Value{}
}

// ConfigurationIterator walks the tagged fields of a configuration struct.
type ConfigurationIterator struct {
	v      reflect.Value
	tag    string
	i      int
	name   string
	stored reflect.Value
}

// IterateConfiguration returns an iterator over the fields of the struct
// pointed to by conf that carry the tag cfgTag.
func IterateConfiguration(conf interface{}, cfgTag string) *ConfigurationIterator {
	return &ConfigurationIterator{v: reflect.ValueOf(conf).Elem(), tag: cfgTag, i: -1}
}

// Next advances to the next tagged field.
func (it *ConfigurationIterator) Next() bool {
	for {
		it.i++
		if it.i >= it.v.NumField() {
			return false
		}
		name := it.v.Type().Field(it.i).Tag.Get(it.tag)
		if name == "" || name == "-" {
			continue
		}
		it.name = name
		it.stored = it.v.Field(it.i)
		return true
	}
}

// Field returns the name and value of the current field.
func (it *ConfigurationIterator) Field() (string, reflect.Value) {
	f := it.stored
	if f.Kind() == reflect.Ptr {
		if f.IsNil() {
			return it.name, reflect.ValueOf("<not defined>")
		}
		f = f.Elem()
	}
	if !f.CanInterface() {
		// unexported field, read through a copy
		f = reflect.ValueOf(fmt.Sprintf("%v", f))
	}
	return it.name, f
}

// Split2PartsBySpace splits s at the first run of whitespace.
func Split2PartsBySpace(s string) []string {
	v := strings.SplitN(strings.TrimSpace(s), " ", 2)
	for i := range v {
		v[i] = strings.TrimSpace(v[i])
	}
	return v
}

// ConfigureSetSimple parses rest into field, the configuration parameter
// named cfgname. Only scalar fields, pointers to scalars and string lists
// are supported.
func ConfigureSetSimple(rest string, cfgname string, field reflect.Value) error {
	simpleArg := func(typ reflect.Type) (reflect.Value, error) {
		switch typ.Kind() {
		case reflect.Int:
			n, err := strconv.Atoi(rest)
			if err != nil {
				return reflect.ValueOf(nil), fmt.Errorf("argument to %q must be a number", cfgname)
			}
			if n < 0 {
				return reflect.ValueOf(nil), fmt.Errorf("argument to %q must be a number greater than zero", cfgname)
			}
			return reflect.ValueOf(&n).Convert(reflect.PtrTo(typ)), nil
		case reflect.Float64:
			f, err := strconv.ParseFloat(rest, 64)
			if err != nil || f < 0 {
				return reflect.ValueOf(nil), fmt.Errorf("argument to %q must be a positive number", cfgname)
			}
			return reflect.ValueOf(&f).Convert(reflect.PtrTo(typ)), nil
		case reflect.Bool:
			if rest != "true" && rest != "false" {
				return reflect.ValueOf(nil), fmt.Errorf("argument to %q must be true or false", cfgname)
			}
			v := rest == "true"
			return reflect.ValueOf(&v).Convert(reflect.PtrTo(typ)), nil
		case reflect.String:
			v := reflect.New(typ)
			v.Elem().SetString(rest)
			return v, nil
		case reflect.Slice:
			if typ.Elem().Kind() != reflect.String {
				break
			}
			fields := SplitQuotedFields(rest, '"')
			v := reflect.New(typ)
			v.Elem().Set(reflect.MakeSlice(typ, 0, len(fields)))
			for _, f := range fields {
				v.Elem().Set(reflect.Append(v.Elem(), reflect.ValueOf(f).Convert(typ.Elem())))
			}
			return v, nil
		}
		return reflect.ValueOf(nil), fmt.Errorf("unsupported type for configuration key %q", cfgname)
	}

	if field.Kind() == reflect.Ptr {
		val, err := simpleArg(field.Type().Elem())
		if err != nil {
			return err
		}
		field.Set(val)
	} else {
		val, err := simpleArg(field.Type())
		if err != nil {
			return err
		}
		field.Set(val.Elem())
	}
	return nil
}
