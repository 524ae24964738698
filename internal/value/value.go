// Package value implements the universal tagged-value type shared by the
// slot store, the sandbox ABI, and snapshot files.
package value

import (
	"fmt"

	"github.com/slotvm/slotd/internal/oid"
)

// Kind discriminates the variants of Value. The byte values double as the
// wire-format type tag (§4.A of the design).
type Kind byte

const (
	KindI32 Kind = iota + 1
	KindI64
	KindF32
	KindF64
	KindU128
	KindString
	KindVector
	KindBinary
	KindProgram
	KindOID
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindI32:
		return "I32"
	case KindI64:
		return "I64"
	case KindF32:
		return "F32"
	case KindF64:
		return "F64"
	case KindU128:
		return "U128"
	case KindString:
		return "String"
	case KindVector:
		return "Vector"
	case KindBinary:
		return "Binary"
	case KindProgram:
		return "Program"
	case KindOID:
		return "OID"
	case KindError:
		return "Error"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// ErrorCode is the closed enumeration carried by the Error variant.
type ErrorCode byte

const (
	NoError ErrorCode = iota
	SlotDoesNotExist
	InvalidProgram
	PermissionDenied
	InternalError
	BadType
)

func (c ErrorCode) String() string {
	switch c {
	case NoError:
		return "NoError"
	case SlotDoesNotExist:
		return "SlotDoesNotExist"
	case InvalidProgram:
		return "InvalidProgram"
	case PermissionDenied:
		return "PermissionDenied"
	case InternalError:
		return "InternalError"
	case BadType:
		return "BadType"
	default:
		return fmt.Sprintf("ErrorCode(%d)", byte(c))
	}
}

// Value is the tagged union exchanged at every guest/host and store
// boundary. The zero Value is not meaningful; always construct one of the
// variant constructors below.
type Value struct {
	kind Kind

	i64  int64
	f64  float64
	u128 oid.Uint128
	str  string
	vec  []Value
	bin  []byte
	oid  oid.OID
	ec   ErrorCode
}

// Kind reports which variant v holds.
func (v Value) Kind() Kind { return v.kind }

// I32 constructs a signed 32-bit integer value.
func I32(n int32) Value { return Value{kind: KindI32, i64: int64(n)} }

// I64 constructs a signed 64-bit integer value.
func I64(n int64) Value { return Value{kind: KindI64, i64: n} }

// F32 constructs a 32-bit IEEE float value.
func F32(f float32) Value { return Value{kind: KindF32, f64: float64(f)} }

// F64 constructs a 64-bit IEEE float value.
func F64(f float64) Value { return Value{kind: KindF64, f64: f} }

// U128 constructs an unsigned 128-bit integer value.
func U128(u oid.Uint128) Value { return Value{kind: KindU128, u128: u} }

// String constructs a UTF-8 string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Vector constructs a vector of recursively-encoded values. The slice is
// copied defensively.
func Vector(vs ...Value) Value {
	cp := make([]Value, len(vs))
	copy(cp, vs)
	return Value{kind: KindVector, vec: cp}
}

// Binary constructs an opaque byte-array value.
func Binary(b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{kind: KindBinary, bin: cp}
}

// Program constructs a program value: a byte array tagged distinctly from
// Binary so the engine can refuse to execute any other variant.
func Program(b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{kind: KindProgram, bin: cp}
}

// IdKey constructs an OID value. It is called IdKey in the host-interface
// table of the design because that is how connection/destination
// identifiers are passed across the sandbox ABI.
func IdKey(o oid.OID) Value { return Value{kind: KindOID, oid: o} }

// Err constructs an Error value.
func Err(code ErrorCode) Value { return Value{kind: KindError, ec: code} }

// I32Val returns v's payload if v is an I32, else (0, false).
func (v Value) I32Val() (int32, bool) {
	if v.kind != KindI32 {
		return 0, false
	}
	return int32(v.i64), true
}

// I64Val returns v's payload if v is an I64, else (0, false).
func (v Value) I64Val() (int64, bool) {
	if v.kind != KindI64 {
		return 0, false
	}
	return v.i64, true
}

// F32Val returns v's payload if v is an F32, else (0, false).
func (v Value) F32Val() (float32, bool) {
	if v.kind != KindF32 {
		return 0, false
	}
	return float32(v.f64), true
}

// F64Val returns v's payload if v is an F64, else (0, false).
func (v Value) F64Val() (float64, bool) {
	if v.kind != KindF64 {
		return 0, false
	}
	return v.f64, true
}

// U128Val returns v's payload if v is a U128, else (zero, false).
func (v Value) U128Val() (oid.Uint128, bool) {
	if v.kind != KindU128 {
		return oid.Uint128{}, false
	}
	return v.u128, true
}

// StringVal returns v's payload if v is a String, else ("", false).
func (v Value) StringVal() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// VectorVal returns v's elements if v is a Vector, else (nil, false). The
// returned slice must not be mutated.
func (v Value) VectorVal() ([]Value, bool) {
	if v.kind != KindVector {
		return nil, false
	}
	return v.vec, true
}

// BinaryVal returns v's payload if v is a Binary, else (nil, false). The
// returned slice must not be mutated.
func (v Value) BinaryVal() ([]byte, bool) {
	if v.kind != KindBinary {
		return nil, false
	}
	return v.bin, true
}

// ProgramVal returns v's payload if v is a Program, else (nil, false). The
// returned slice must not be mutated.
func (v Value) ProgramVal() ([]byte, bool) {
	if v.kind != KindProgram {
		return nil, false
	}
	return v.bin, true
}

// OIDVal returns v's payload if v is an OID, else (zero, false).
func (v Value) OIDVal() (oid.OID, bool) {
	if v.kind != KindOID {
		return oid.OID{}, false
	}
	return v.oid, true
}

// ErrorVal returns v's payload if v is an Error, else (0, false).
func (v Value) ErrorVal() (ErrorCode, bool) {
	if v.kind != KindError {
		return 0, false
	}
	return v.ec, true
}

// Equal reports whether v and other are structurally equal, per §3's
// "Values... compare by structural equality."
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindI32, KindI64:
		return v.i64 == other.i64
	case KindF32, KindF64:
		return v.f64 == other.f64
	case KindU128:
		return v.u128 == other.u128
	case KindString:
		return v.str == other.str
	case KindBinary, KindProgram:
		if len(v.bin) != len(other.bin) {
			return false
		}
		for i := range v.bin {
			if v.bin[i] != other.bin[i] {
				return false
			}
		}
		return true
	case KindVector:
		if len(v.vec) != len(other.vec) {
			return false
		}
		for i := range v.vec {
			if !v.vec[i].Equal(other.vec[i]) {
				return false
			}
		}
		return true
	case KindOID:
		return v.oid == other.oid
	case KindError:
		return v.ec == other.ec
	}
	return false
}

// String renders a debug form; it is not the wire format.
func (v Value) String() string {
	switch v.kind {
	case KindI32:
		return fmt.Sprintf("I32(%d)", v.i64)
	case KindI64:
		return fmt.Sprintf("I64(%d)", v.i64)
	case KindF32:
		return fmt.Sprintf("F32(%v)", v.f64)
	case KindF64:
		return fmt.Sprintf("F64(%v)", v.f64)
	case KindU128:
		return fmt.Sprintf("U128(%d:%d)", v.u128.Hi, v.u128.Lo)
	case KindString:
		return fmt.Sprintf("String(%q)", v.str)
	case KindVector:
		return fmt.Sprintf("Vector(%v)", v.vec)
	case KindBinary:
		return fmt.Sprintf("Binary(%d bytes)", len(v.bin))
	case KindProgram:
		return fmt.Sprintf("Program(%d bytes)", len(v.bin))
	case KindOID:
		return fmt.Sprintf("OID(%s)", v.oid)
	case KindError:
		return fmt.Sprintf("Error(%s)", v.ec)
	default:
		return "Value(invalid)"
	}
}
