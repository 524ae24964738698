package store

import (
	"bytes"

	"github.com/slotvm/slotd/internal/oid"
)

// Key prefixes for the two logical tables sharing bbolt's one bucket. Fixed
// width components (the 16-byte OIDs) ensure the prefix ends exactly where
// the next component begins, so no escaping is needed and the natural
// lexicographic order of the encoded bytes matches the tuple order.
var (
	slotPrefix = []byte("SLOT")
	oidPrefix  = []byte("OID")
)

// encodeSlotKey builds the order-preserving row key for (location, key,
// name): prefix "SLOT", then location, then key, then the raw name bytes.
func encodeSlotKey(location, key oid.OID, name string) []byte {
	loc := location.Bytes()
	k := key.Bytes()
	buf := make([]byte, 0, len(slotPrefix)+16+16+len(name))
	buf = append(buf, slotPrefix...)
	buf = append(buf, loc[:]...)
	buf = append(buf, k[:]...)
	buf = append(buf, name...)
	return buf
}

// encodeSlotPrefix builds the scan prefix for all slots at (location, key).
func encodeSlotPrefix(location, key oid.OID) []byte {
	loc := location.Bytes()
	k := key.Bytes()
	buf := make([]byte, 0, len(slotPrefix)+32)
	buf = append(buf, slotPrefix...)
	buf = append(buf, loc[:]...)
	buf = append(buf, k[:]...)
	return buf
}

// encodeLocationPrefix builds the scan prefix for every slot whose location
// matches, crossing all key values, as dump_slots requires.
func encodeLocationPrefix(location oid.OID) []byte {
	loc := location.Bytes()
	buf := make([]byte, 0, len(slotPrefix)+16)
	buf = append(buf, slotPrefix...)
	buf = append(buf, loc[:]...)
	return buf
}

// decodeSlotKey splits a row key back into (location, key, name). ok is
// false if b does not have the SLOT prefix or is too short to contain both
// OIDs.
func decodeSlotKey(b []byte) (location, key oid.OID, name string, ok bool) {
	if !bytes.HasPrefix(b, slotPrefix) {
		return oid.OID{}, oid.OID{}, "", false
	}
	b = b[len(slotPrefix):]
	if len(b) < 32 {
		return oid.OID{}, oid.OID{}, "", false
	}
	location, _ = oid.FromBytes(b[:16])
	key, _ = oid.FromBytes(b[16:32])
	name = string(b[32:])
	return location, key, name, true
}

// encodeOIDKey builds the reserved "OID" row key, for directly addressing
// object identifiers should that ever be needed.
func encodeOIDKey(o oid.OID) []byte {
	raw := o.Bytes()
	buf := make([]byte, 0, len(oidPrefix)+16)
	buf = append(buf, oidPrefix...)
	buf = append(buf, raw[:]...)
	return buf
}
