// Package values implements engine.Value over typed debuggee memory. The
// gdbserial backend builds Types from DWARF; tests build them by hand.
package values

import (
	"fmt"

	"github.com/go-delve/ndap/pkg/engine"
)

// PtrSize is the size of pointers in bytes. Only 64-bit targets are
// modelled.
const PtrSize = 8

// Type describes the layout of a value.
type Type struct {
	Name  string
	Class engine.TypeClass
	Basic engine.BasicType
	Size  int

	// Fields of structs, unions and classes.
	Fields []Field
	// Elem is the pointee of pointers and references and the element type
	// of arrays.
	Elem *Type
	// Len is the number of elements of an array.
	Len int
	// Enumerators of an enum. Basic and Size describe the underlying
	// integer type.
	Enumerators []Enumerator
}

type Field struct {
	Name   string
	Offset int
	Type   *Type
}

type Enumerator struct {
	Name  string
	Value int64
}

func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}
	return t.Name
}

// IsCharPointer reports whether t is a pointer to a char type, which is
// rendered as a C string.
func (t *Type) IsCharPointer() bool {
	return t != nil && t.Class == engine.TypePointer && t.Elem != nil && t.Elem.Basic == engine.BasicChar
}

func (t *Type) isCharArray() bool {
	return t != nil && t.Class == engine.TypeArray && t.Elem != nil && t.Elem.Basic == engine.BasicChar
}

var (
	Void   = &Type{Name: "void", Class: engine.TypeBuiltin, Basic: engine.BasicVoid}
	Bool   = &Type{Name: "bool", Class: engine.TypeBuiltin, Basic: engine.BasicBool, Size: 1}
	Char   = &Type{Name: "char", Class: engine.TypeBuiltin, Basic: engine.BasicChar, Size: 1}
	Int    = Signed("int", 4)
	Long   = Signed("long", 8)
	UInt   = Unsigned("unsigned int", 4)
	ULong  = Unsigned("unsigned long", 8)
	Float  = FloatType("float", 4)
	Double = FloatType("double", 8)
)

func Signed(name string, size int) *Type {
	return &Type{Name: name, Class: engine.TypeBuiltin, Basic: engine.BasicSigned, Size: size}
}

func Unsigned(name string, size int) *Type {
	return &Type{Name: name, Class: engine.TypeBuiltin, Basic: engine.BasicUnsigned, Size: size}
}

func FloatType(name string, size int) *Type {
	return &Type{Name: name, Class: engine.TypeBuiltin, Basic: engine.BasicFloat, Size: size}
}

func PointerTo(elem *Type) *Type {
	return &Type{Name: elem.Name + " *", Class: engine.TypePointer, Size: PtrSize, Elem: elem}
}

func ReferenceTo(elem *Type) *Type {
	return &Type{Name: elem.Name + " &", Class: engine.TypeReference, Size: PtrSize, Elem: elem}
}

func ArrayOf(elem *Type, n int) *Type {
	return &Type{Name: fmt.Sprintf("%s[%d]", elem.Name, n), Class: engine.TypeArray, Size: elem.Size * n, Elem: elem, Len: n}
}

// StructOf lays fields out in order, aligning each to its own size.
func StructOf(name string, fields ...Field) *Type {
	t := &Type{Name: name, Class: engine.TypeStruct}
	off := 0
	for _, f := range fields {
		if a := alignment(f.Type); a > 0 && off%a != 0 {
			off += a - off%a
		}
		f.Offset = off
		t.Fields = append(t.Fields, f)
		off += f.Type.Size
	}
	if a := maxAlignment(t.Fields); a > 0 && off%a != 0 {
		off += a - off%a
	}
	t.Size = off
	return t
}

func EnumOf(name string, size int, enumerators ...Enumerator) *Type {
	return &Type{Name: name, Class: engine.TypeEnum, Basic: engine.BasicSigned, Size: size, Enumerators: enumerators}
}

func alignment(t *Type) int {
	switch t.Class {
	case engine.TypeArray:
		return alignment(t.Elem)
	case engine.TypeStruct, engine.TypeUnion, engine.TypeCxxClass:
		return maxAlignment(t.Fields)
	}
	return t.Size
}

func maxAlignment(fields []Field) int {
	a := 0
	for _, f := range fields {
		if fa := alignment(f.Type); fa > a {
			a = fa
		}
	}
	return a
}
