package vm

import (
	"strconv"
)

// Kind identifies the dynamic type of a Value.
type Kind uint8

const (
	KindUnit Kind = iota
	KindBool
	KindInt
	KindString
)

var kindNames = [...]string{
	KindUnit:   "unit",
	KindBool:   "bool",
	KindInt:    "int",
	KindString: "string",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a script value. The zero Value is unit.
//
// Only the field matching Kind is meaningful; the others stay zero so that
// Values compare with == and encode deterministically.
type Value struct {
	_    struct{} `cbor:",toarray"`
	Kind Kind
	Int  int64
	Str  string
	Bool bool
}

// UnitValue returns the unit value ().
func UnitValue() Value { return Value{} }

// IntValue wraps an integer.
func IntValue(n int64) Value { return Value{Kind: KindInt, Int: n} }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// BoolValue wraps a boolean.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// IsInt reports whether v holds an integer.
func (v Value) IsInt() bool { return v.Kind == KindInt }

// IsString reports whether v holds a string.
func (v Value) IsString() bool { return v.Kind == KindString }

// Truthy reports the truth value used by conditionals: false, 0, "" and
// unit are false, everything else is true.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int != 0
	case KindString:
		return v.Str != ""
	default:
		return false
	}
}

// String renders v the way print and string concatenation see it.
func (v Value) String() string {
	switch v.Kind {
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindString:
		return v.Str
	default:
		return "()"
	}
}

// ExitCode maps the result of an entry function to a process exit status.
// Integers in 0..255 are used as-is and any other integer is 1, so no
// failure status truncates to 0. Non-integer results mean success.
func ExitCode(v Value) int {
	if !v.IsInt() {
		return 0
	}
	if v.Int < 0 || v.Int > 255 {
		return 1
	}
	return int(v.Int)
}
