package oid

// Uint128 is an unsigned 128-bit integer, stored as two big-endian halves.
// No library in the example corpus offers a 128-bit integer type —
// github.com/holiman/uint256 is 256 bits and would silently truncate or
// waste half its range — so this one type is hand-rolled. See DESIGN.md.
type Uint128 struct {
	Hi, Lo uint64
}

// Uint128FromBytes decodes the canonical big-endian 16-byte form used on the
// wire: the high 8 bytes first, then the low 8 bytes.
func Uint128FromBytes(b [16]byte) Uint128 {
	var hi, lo uint64
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(b[i])
	}
	for i := 8; i < 16; i++ {
		lo = lo<<8 | uint64(b[i])
	}
	return Uint128{Hi: hi, Lo: lo}
}

// Bytes encodes u into its canonical big-endian 16-byte form.
func (u Uint128) Bytes() [16]byte {
	var b [16]byte
	for i := 0; i < 8; i++ {
		b[7-i] = byte(u.Hi >> (8 * i))
	}
	for i := 0; i < 8; i++ {
		b[15-i] = byte(u.Lo >> (8 * i))
	}
	return b
}
