// Package snapshot implements dump/load of slot ranges as on-disk files,
// for bootstrap and backup (§4.C of the design).
package snapshot

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/slotvm/slotd/internal/oid"
	"github.com/slotvm/slotd/internal/store"
	"github.com/slotvm/slotd/internal/value"
)

// record is the {slot_def, value} tuple a snapshot file holds, encoded as a
// four-element vector: location, key, name, value.
func encodeRecord(loc, key oid.OID, name string, v value.Value) []byte {
	return value.EncodeVersioned(value.Vector(
		value.IdKey(loc),
		value.IdKey(key),
		value.String(name),
		v,
	))
}

func decodeRecord(b []byte) (loc, key oid.OID, name string, v value.Value, err error) {
	rec, err := value.DecodeVersioned(b)
	if err != nil {
		return oid.OID{}, oid.OID{}, "", value.Value{}, err
	}
	elems, ok := rec.VectorVal()
	if !ok || len(elems) != 4 {
		return oid.OID{}, oid.OID{}, "", value.Value{}, errBadRecordShape
	}
	loc, ok = elems[0].OIDVal()
	if !ok {
		return oid.OID{}, oid.OID{}, "", value.Value{}, errBadRecordShape
	}
	key, ok = elems[1].OIDVal()
	if !ok {
		return oid.OID{}, oid.OID{}, "", value.Value{}, errBadRecordShape
	}
	name, ok = elems[2].StringVal()
	if !ok {
		return oid.OID{}, oid.OID{}, "", value.Value{}, errBadRecordShape
	}
	return loc, key, name, elems[3], nil
}

var errBadRecordShape = &recordShapeError{}

type recordShapeError struct{}

func (*recordShapeError) Error() string { return "snapshot: record is not {location, key, name, value}" }

// fileName returns the canonical "{location}-{key}.{name}" file name.
func fileName(loc, key oid.OID, name string) string {
	return loc.String() + "-" + key.String() + "." + name
}

// Load scans every non-directory file in dir, decodes it as a {slot_def,
// value} record, and writes it via SetSlot in tx. Invalid files are logged
// and skipped; they are not fatal. Load reports true if at least one valid
// file was loaded.
func Load(tx *store.Tx, dir string, log zerolog.Logger) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	loadedAny := false
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("file", path).Msg("snapshot: skipping unreadable file")
			continue
		}
		loc, key, name, v, err := decodeRecord(data)
		if err != nil {
			log.Warn().Err(err).Str("file", path).Msg("snapshot: skipping corrupt file")
			continue
		}
		if err := tx.SetSlot(loc, key, name, v); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("snapshot: skipping file: set_slot failed")
			continue
		}
		loadedAny = true
	}
	return loadedAny, nil
}

// Save streams dump_slots for each of oids and writes one file per slot
// into dir, which must already exist.
func Save(tx *store.Tx, dir string, oids []oid.OID) error {
	for _, o := range oids {
		for sv := range tx.DumpSlots(o) {
			d := sv.Descriptor
			path := filepath.Join(dir, fileName(d.Location, d.Key, d.Name))
			data := encodeRecord(d.Location, d.Key, d.Name, sv.Value)
			if err := os.WriteFile(path, data, 0o600); err != nil {
				return err
			}
		}
	}
	return nil
}
