// Package store implements the transactional slot store (§4.B of the
// design): a mapping (location, key, name) -> Value over an ordered
// key/value engine, go.etcd.io/bbolt.
package store

import (
	"bytes"
	"iter"

	"go.etcd.io/bbolt"

	"github.com/slotvm/slotd/internal/errs"
	"github.com/slotvm/slotd/internal/oid"
	"github.com/slotvm/slotd/internal/value"
)

// bucketName is the single bbolt bucket holding every slot row. Both table
// prefixes ("SLOT" and "OID") live in it; bbolt compares keys as raw bytes,
// so the prefixes alone prevent collisions between the two logical tables.
var bucketName = []byte("slots")

// Descriptor identifies a slot without its value.
type Descriptor struct {
	Location oid.OID
	Key      oid.OID
	Name     string
}

// DB is a transactional handle onto the slot store. It owns one bbolt
// database file.
type DB struct {
	bolt *bbolt.DB
}

// Open opens (creating if necessary) the bbolt database at path and ensures
// the slots bucket exists.
func Open(path string) (*DB, error) {
	b, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errs.ErrInternal.Wrapf("store: open %s: %v", path, err)
	}
	err = b.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = b.Close()
		return nil, errs.ErrInternal.Wrapf("store: init bucket: %v", err)
	}
	return &DB{bolt: b}, nil
}

// Close releases the database file.
func (d *DB) Close() error {
	return d.bolt.Close()
}

// Tx is a single in-progress transaction. Every slot operation in §4.B is a
// method on Tx; the handle does not retry — retry and conflict resolution
// belong to the caller, exactly as the design specifies.
type Tx struct {
	bolt   *bbolt.Tx
	bucket *bbolt.Bucket
}

// Update runs fn within a read-write transaction, committing on a nil
// return and rolling back otherwise.
func (d *DB) Update(fn func(*Tx) error) error {
	return d.bolt.Update(func(bt *bbolt.Tx) error {
		return fn(&Tx{bolt: bt, bucket: bt.Bucket(bucketName)})
	})
}

// View runs fn within a read-only transaction.
func (d *DB) View(fn func(*Tx) error) error {
	return d.bolt.View(func(bt *bbolt.Tx) error {
		return fn(&Tx{bolt: bt, bucket: bt.Bucket(bucketName)})
	})
}

// SetSlot writes a slot, overwriting any prior value. There is no error on
// non-existence: writing a slot is how an object implicitly comes into
// being (§3 "Lifecycle: implicit on first slot write").
func (t *Tx) SetSlot(location, key oid.OID, name string, v value.Value) error {
	row := value.EncodeVersioned(v)
	if err := t.bucket.Put(encodeSlotKey(location, key, name), row); err != nil {
		return errs.ErrInternal.Wrapf("store: set_slot: %v", err)
	}
	return nil
}

// GetSlot performs a point read. It returns ErrSlotDoesNotExist if no such
// slot is present, or ErrInternal if the stored row fails to decode.
func (t *Tx) GetSlot(location, key oid.OID, name string) (value.Value, error) {
	row := t.bucket.Get(encodeSlotKey(location, key, name))
	if row == nil {
		return value.Value{}, errs.ErrSlotDoesNotExist
	}
	v, err := value.DecodeVersioned(row)
	if err != nil {
		return value.Value{}, errs.ErrInternal.Wrapf("store: get_slot: %v", err)
	}
	return v, nil
}

// ClearSlot removes a single slot. It is not part of §4.B's operation list
// but is needed to implement object destruction ("destroyed by clearing all
// slots whose location equals the OID") and connection cleanup (§4.F).
func (t *Tx) ClearSlot(location, key oid.OID, name string) error {
	if err := t.bucket.Delete(encodeSlotKey(location, key, name)); err != nil {
		return errs.ErrInternal.Wrapf("store: clear_slot: %v", err)
	}
	return nil
}

// GetSlots streams the descriptors of every slot at (location, key),
// ordered by name lexicographically, via a Go 1.23 range-over-func
// iterator. Consuming less than the full sequence is fine; the underlying
// bbolt cursor is simply abandoned.
func (t *Tx) GetSlots(location, key oid.OID) iter.Seq[Descriptor] {
	prefix := encodeSlotPrefix(location, key)
	return func(yield func(Descriptor) bool) {
		c := t.bucket.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			loc, key, name, ok := decodeSlotKey(k)
			if !ok {
				continue
			}
			if !yield(Descriptor{Location: loc, Key: key, Name: name}) {
				return
			}
		}
	}
}

// SlotValue pairs a descriptor with its decoded value, as dump_slots
// produces.
type SlotValue struct {
	Descriptor Descriptor
	Value      value.Value
}

// DumpSlots streams every (descriptor, value) pair whose location matches,
// crossing all key values, ordered by the encoded (key, name) suffix.
// Decode failures are skipped rather than aborting the whole scan, since a
// single corrupt row should not make the rest of an object unreadable.
func (t *Tx) DumpSlots(location oid.OID) iter.Seq[SlotValue] {
	prefix := encodeLocationPrefix(location)
	return func(yield func(SlotValue) bool) {
		c := t.bucket.Cursor()
		for k, row := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, row = c.Next() {
			loc, key, name, ok := decodeSlotKey(k)
			if !ok {
				continue
			}
			v, err := value.DecodeVersioned(row)
			if err != nil {
				continue
			}
			if !yield(SlotValue{Descriptor: Descriptor{Location: loc, Key: key, Name: name}, Value: v}) {
				return
			}
		}
	}
}

// ClearObject deletes every slot whose location equals oid, destroying the
// object per §3's lifecycle rule.
func (t *Tx) ClearObject(location oid.OID) error {
	prefix := encodeLocationPrefix(location)
	c := t.bucket.Cursor()
	var keys [][]byte
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		cp := make([]byte, len(k))
		copy(cp, k)
		keys = append(keys, cp)
	}
	for _, k := range keys {
		if err := t.bucket.Delete(k); err != nil {
			return errs.ErrInternal.Wrapf("store: clear_object: %v", err)
		}
	}
	return nil
}

// PutOID addresses an OID object directly under the reserved "OID" prefix
// (§4.B: "if OID objects themselves ever need to be addressed directly").
// slotd's dispatch never calls this; it exists so a future extension has
// somewhere to put such records without colliding with slot rows.
func (t *Tx) PutOID(o oid.OID, payload []byte) error {
	if err := t.bucket.Put(encodeOIDKey(o), payload); err != nil {
		return errs.ErrInternal.Wrapf("store: put_oid: %v", err)
	}
	return nil
}
