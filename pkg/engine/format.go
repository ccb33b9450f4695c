package engine

// Format selects how a value is rendered to text.
type Format int

const (
	FormatDefault Format = iota
	FormatChar
	FormatHex
	FormatOctal
	FormatDecimal
	FormatBinary
	FormatFloat
	FormatPointer
	FormatUnsigned
	FormatCString
	FormatBytes
	FormatBytesWithASCII
)

var formatNames = [...]string{
	FormatDefault:        "default",
	FormatChar:           "char",
	FormatHex:            "hex",
	FormatOctal:          "octal",
	FormatDecimal:        "decimal",
	FormatBinary:         "binary",
	FormatFloat:          "float",
	FormatPointer:        "pointer",
	FormatUnsigned:       "unsigned",
	FormatCString:        "c-string",
	FormatBytes:          "bytes",
	FormatBytesWithASCII: "bytes with ASCII",
}

func (f Format) String() string {
	if int(f) >= 0 && int(f) < len(formatNames) {
		return formatNames[f]
	}
	return "unknown"
}

// TypeClass is the coarse category of a value's type.
type TypeClass int

const (
	TypeInvalid TypeClass = iota
	TypeBuiltin
	TypePointer
	TypeReference
	TypeArray
	TypeStruct
	TypeUnion
	TypeCxxClass
	TypeEnum
	TypeFunction
	TypeOther
)

// BasicType refines TypeBuiltin.
type BasicType int

const (
	BasicInvalid BasicType = iota
	BasicVoid
	BasicBool
	BasicChar
	BasicSigned
	BasicUnsigned
	BasicFloat
)

// IsScalar reports whether values of this basic type can be assigned from a
// literal.
func (b BasicType) IsScalar() bool {
	switch b {
	case BasicBool, BasicChar, BasicSigned, BasicUnsigned, BasicFloat:
		return true
	}
	return false
}

// ValueType says where a value lives.
type ValueType int

const (
	ValueInvalid ValueType = iota
	VariableGlobal
	VariableStatic
	VariableArgument
	VariableLocal
	Register
	RegisterSet
	ConstResult
	VariableThreadLocal
)
