package value

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/slotvm/slotd/internal/oid"
)

// FormatVersion is the one-byte magic prepended to the codec's persistent
// forms (snapshot files, the store's value column). The sandbox ABI
// boundary does not carry this byte, since arguments and results are
// re-derived on every call and never persisted. See §4.A / §9 of the
// design for why the unversioned wire format needed this added.
const FormatVersion byte = 1

// maxDepth bounds recursive vector decoding so that a malicious or corrupt
// buffer cannot exhaust the goroutine stack.
const maxDepth = 64

// Encode serializes v into the self-describing byte format used at the
// sandbox ABI boundary (no version prefix).
func Encode(v Value) []byte {
	var buf []byte
	return appendValue(buf, v)
}

// EncodeVersioned serializes v with the one-byte format version prefix used
// by snapshot files and the store's value column.
func EncodeVersioned(v Value) []byte {
	buf := make([]byte, 0, 1)
	buf = append(buf, FormatVersion)
	return appendValue(buf, v)
}

func appendValue(buf []byte, v Value) []byte {
	buf = append(buf, byte(v.kind))
	switch v.kind {
	case KindI32:
		return appendU32(buf, uint32(v.i64))
	case KindI64:
		return appendU64(buf, uint64(v.i64))
	case KindF32:
		return appendU32(buf, math.Float32bits(float32(v.f64)))
	case KindF64:
		return appendU64(buf, math.Float64bits(v.f64))
	case KindU128:
		b := v.u128.Bytes()
		return append(buf, b[:]...)
	case KindString:
		return appendLenPrefixed(buf, []byte(v.str))
	case KindVector:
		buf = appendU32(buf, uint32(len(v.vec)))
		for _, e := range v.vec {
			buf = appendValue(buf, e)
		}
		return buf
	case KindBinary, KindProgram:
		return appendLenPrefixed(buf, v.bin)
	case KindOID:
		b := v.oid.Bytes()
		return append(buf, b[:]...)
	case KindError:
		return append(buf, byte(v.ec))
	default:
		panic(fmt.Sprintf("value: encode: invalid kind %d", v.kind))
	}
}

func appendU32(buf []byte, n uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], n)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, n uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], n)
	return append(buf, tmp[:]...)
}

func appendLenPrefixed(buf, data []byte) []byte {
	buf = appendU32(buf, uint32(len(data)))
	return append(buf, data...)
}

// Decode decodes exactly one value from the unversioned wire format (the
// sandbox ABI form) and requires the buffer to be fully consumed.
func Decode(b []byte) (Value, error) {
	v, rest, err := decodeAt(b, 0)
	if err != nil {
		return Value{}, err
	}
	if len(rest) != 0 {
		return Value{}, fmt.Errorf("value: decode: %d trailing bytes", len(rest))
	}
	return v, nil
}

// DecodeVersioned decodes a buffer produced by EncodeVersioned, validating
// the format version byte first.
func DecodeVersioned(b []byte) (Value, error) {
	if len(b) < 1 {
		return Value{}, fmt.Errorf("value: decode: empty buffer")
	}
	if b[0] != FormatVersion {
		return Value{}, fmt.Errorf("value: decode: unsupported format version %d", b[0])
	}
	return Decode(b[1:])
}

// decodeAt decodes one value starting at the head of b, returning the
// decoded value and the unconsumed remainder. depth bounds vector
// recursion.
func decodeAt(b []byte, depth int) (Value, []byte, error) {
	if depth > maxDepth {
		return Value{}, nil, fmt.Errorf("value: decode: nesting too deep")
	}
	if len(b) < 1 {
		return Value{}, nil, fmt.Errorf("value: decode: truncated tag")
	}
	kind := Kind(b[0])
	b = b[1:]
	switch kind {
	case KindI32:
		n, rest, err := takeU32(b)
		if err != nil {
			return Value{}, nil, err
		}
		return Value{kind: KindI32, i64: int64(int32(n))}, rest, nil
	case KindI64:
		n, rest, err := takeU64(b)
		if err != nil {
			return Value{}, nil, err
		}
		return Value{kind: KindI64, i64: int64(n)}, rest, nil
	case KindF32:
		n, rest, err := takeU32(b)
		if err != nil {
			return Value{}, nil, err
		}
		return Value{kind: KindF32, f64: float64(math.Float32frombits(n))}, rest, nil
	case KindF64:
		n, rest, err := takeU64(b)
		if err != nil {
			return Value{}, nil, err
		}
		return Value{kind: KindF64, f64: math.Float64frombits(n)}, rest, nil
	case KindU128:
		if len(b) < 16 {
			return Value{}, nil, fmt.Errorf("value: decode: truncated u128")
		}
		var raw [16]byte
		copy(raw[:], b[:16])
		return Value{kind: KindU128, u128: oid.Uint128FromBytes(raw)}, b[16:], nil
	case KindString:
		data, rest, err := takeLenPrefixed(b)
		if err != nil {
			return Value{}, nil, err
		}
		return Value{kind: KindString, str: string(data)}, rest, nil
	case KindVector:
		count, rest, err := takeU32(b)
		if err != nil {
			return Value{}, nil, err
		}
		// A vector of this many elements cannot possibly fit if the
		// remainder is shorter than one tag byte per element; reject
		// early rather than allocate based on an attacker-controlled
		// count.
		if uint64(count) > uint64(len(rest)) {
			return Value{}, nil, fmt.Errorf("value: decode: vector count %d exceeds remaining buffer", count)
		}
		vec := make([]Value, 0, count)
		for i := uint32(0); i < count; i++ {
			var e Value
			e, rest, err = decodeAt(rest, depth+1)
			if err != nil {
				return Value{}, nil, err
			}
			vec = append(vec, e)
		}
		return Value{kind: KindVector, vec: vec}, rest, nil
	case KindBinary:
		data, rest, err := takeLenPrefixed(b)
		if err != nil {
			return Value{}, nil, err
		}
		return Value{kind: KindBinary, bin: data}, rest, nil
	case KindProgram:
		data, rest, err := takeLenPrefixed(b)
		if err != nil {
			return Value{}, nil, err
		}
		return Value{kind: KindProgram, bin: data}, rest, nil
	case KindOID:
		if len(b) < 16 {
			return Value{}, nil, fmt.Errorf("value: decode: truncated oid")
		}
		o, err := oid.FromBytes(b[:16])
		if err != nil {
			return Value{}, nil, err
		}
		return Value{kind: KindOID, oid: o}, b[16:], nil
	case KindError:
		if len(b) < 1 {
			return Value{}, nil, fmt.Errorf("value: decode: truncated error code")
		}
		return Value{kind: KindError, ec: ErrorCode(b[0])}, b[1:], nil
	default:
		return Value{}, nil, fmt.Errorf("value: decode: tag %d out of range", byte(kind))
	}
}

func takeU32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, fmt.Errorf("value: decode: truncated u32")
	}
	return binary.BigEndian.Uint32(b[:4]), b[4:], nil
}

func takeU64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("value: decode: truncated u64")
	}
	return binary.BigEndian.Uint64(b[:8]), b[8:], nil
}

// takeLenPrefixed reads a 32-bit length prefix followed by that many raw
// bytes. It never allocates more than the declared length, and it rejects a
// declared length that the buffer could not possibly satisfy before
// allocating anything.
func takeLenPrefixed(b []byte) ([]byte, []byte, error) {
	n, rest, err := takeU32(b)
	if err != nil {
		return nil, nil, err
	}
	if uint64(n) > uint64(len(rest)) {
		return nil, nil, fmt.Errorf("value: decode: length %d exceeds remaining buffer", n)
	}
	data := make([]byte, n)
	copy(data, rest[:n])
	return data, rest[n:], nil
}
