// Package oid defines the object identifier used throughout slotd: a
// 128-bit v4 UUID that names both objects and visibility keys.
package oid

import (
	"fmt"

	"github.com/google/uuid"
)

// OID is a 128-bit object identifier. The zero value is the system object.
type OID uuid.UUID

// System is the all-zero OID reserved for the system object.
var System OID

// New returns a fresh random (v4) OID.
func New() OID {
	return OID(uuid.New())
}

// IsSystem reports whether o is the system object.
func (o OID) IsSystem() bool {
	return o == System
}

// String returns the canonical hyphenated representation, e.g.
// "6ba7b810-9dad-11d1-80b4-00c04fd430c8".
func (o OID) String() string {
	return uuid.UUID(o).String()
}

// Bytes returns the raw 16-byte big-endian representation.
func (o OID) Bytes() [16]byte {
	return [16]byte(o)
}

// FromBytes builds an OID from its raw 16-byte representation. It returns an
// error if b is not exactly 16 bytes.
func FromBytes(b []byte) (OID, error) {
	if len(b) != 16 {
		return OID{}, fmt.Errorf("oid: want 16 bytes, got %d", len(b))
	}
	var o OID
	copy(o[:], b)
	return o, nil
}

// Parse parses the canonical hyphenated string form of an OID.
func Parse(s string) (OID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return OID{}, fmt.Errorf("oid: %w", err)
	}
	return OID(u), nil
}
