// Package bootstrap seeds the minimal syslog/receive programs on the
// system object when no snapshot is present (§4.H of the design).
package bootstrap

import (
	_ "embed"

	"github.com/bytecodealliance/wasmtime-go/v25"
	"github.com/rs/zerolog"

	"github.com/slotvm/slotd/internal/errs"
	"github.com/slotvm/slotd/internal/oid"
	"github.com/slotvm/slotd/internal/snapshot"
	"github.com/slotvm/slotd/internal/store"
	"github.com/slotvm/slotd/internal/value"
)

//go:embed programs/syslog.wat
var syslogWat string

//go:embed programs/receive.wat
var receiveWat string

// Ensure loads dir's snapshot if one exists; otherwise it seeds the
// syslog and receive programs on the system object and writes a fresh
// snapshot to dir, so that every subsequent start of the same store takes
// the snapshot path instead. It reports whether a snapshot was loaded
// (false on first run, when bootstrap ran instead).
func Ensure(db *store.DB, dir string, log zerolog.Logger) (bool, error) {
	var loaded bool
	err := db.Update(func(tx *store.Tx) error {
		var err error
		loaded, err = snapshot.Load(tx, dir, log)
		if err != nil {
			return err
		}
		if loaded {
			return nil
		}

		syslog, err := wasmtime.Wat2Wasm(syslogWat)
		if err != nil {
			return errs.ErrInternal.Wrapf("bootstrap: compile syslog: %v", err)
		}
		receive, err := wasmtime.Wat2Wasm(receiveWat)
		if err != nil {
			return errs.ErrInternal.Wrapf("bootstrap: compile receive: %v", err)
		}
		if err := tx.SetSlot(oid.System, oid.System, "syslog", value.Program(syslog)); err != nil {
			return err
		}
		if err := tx.SetSlot(oid.System, oid.System, "receive", value.Program(receive)); err != nil {
			return err
		}
		log.Info().Msg("bootstrap: seeded syslog/receive on system object")
		return snapshot.Save(tx, dir, []oid.OID{oid.System})
	})
	if err != nil {
		return false, err
	}
	return loaded, nil
}
