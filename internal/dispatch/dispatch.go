// Package dispatch turns inbound messages into program invocations (§4.G
// of the design): the glue between the connection registry, the slot
// store, and the program engine.
package dispatch

import (
	"github.com/rs/zerolog"

	"github.com/slotvm/slotd/internal/conn"
	"github.com/slotvm/slotd/internal/engine"
	"github.com/slotvm/slotd/internal/errs"
	"github.com/slotvm/slotd/internal/oid"
	"github.com/slotvm/slotd/internal/store"
	"github.com/slotvm/slotd/internal/value"
)

// Dispatcher owns the two dispatch entry points. It is process-global,
// shared by every connection.
type Dispatcher struct {
	db       *store.DB
	registry *conn.Registry
	log      zerolog.Logger
}

// New creates a Dispatcher bound to db and registry.
func New(db *store.DB, registry *conn.Registry, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{db: db, registry: registry, log: log}
}

// ReceiveMessage implements §4.G's receive_message entry point. Execution
// errors are logged but do not propagate past the transaction boundary:
// the transaction still commits, because the message was validly received
// and routed even if the receive program itself misbehaved.
func (d *Dispatcher) ReceiveMessage(connection oid.OID, data []byte) error {
	c, ok := d.registry.Lookup(connection)
	if !ok {
		d.log.Warn().Stringer("connection", connection).Msg("dispatch: receive_message: connection not registered")
		return conn.ErrNoSuchConnection
	}
	d.logState(connection, Registered)

	err := d.db.Update(func(tx *store.Tx) error {
		d.logState(connection, ReceivingMessage)
		prog, err := tx.GetSlot(oid.System, oid.System, "receive")
		if errs.ToCode(err) == value.SlotDoesNotExist {
			d.log.Info().Msg("dispatch: receive_message: no receive program installed")
			return nil
		}
		if err != nil {
			d.log.Error().Err(err).Msg("dispatch: receive_message: get_slot(receive) failed")
			return nil
		}
		progBytes, ok := prog.ProgramVal()
		if !ok {
			d.log.Warn().Msg("dispatch: receive_message: receive slot is not a Program")
			return nil
		}

		if c.Binder != nil {
			c.Binder.BindTx(tx)
			defer c.Binder.UnbindTx()
		}

		d.logState(connection, Dispatched)
		arg := value.Vector(value.IdKey(connection), value.Binary(data))
		if _, err := c.Engine.Execute(progBytes, arg); err != nil {
			d.log.Error().Err(err).Stringer("connection", connection).Msg("dispatch: receive_message: execute failed")
		}
		return nil
	})
	if err != nil {
		// bbolt serializes writers, so there is no transaction conflict to
		// retry, and store.DB.Update runs the transaction once. Reaching
		// here means a write or the commit failed; the message is not
		// retried.
		d.log.Error().Err(err).Msg("dispatch: receive_message: transaction failed")
		return err
	}
	d.logState(connection, Committed)
	return nil
}

func (d *Dispatcher) logState(connection oid.OID, s State) {
	d.log.Debug().Stringer("connection", connection).Stringer("state", s).Msg("dispatch: state")
}

// SendVerbDispatch implements §4.G's send_verb_dispatch entry point. It
// reuses the caller's already-open transaction (when reached via
// host.invoke, that is the transaction ReceiveMessage opened) and the
// caller's engine, so the dispatched program executes under the same
// fuel-bounded, single-threaded engine as the message that triggered it.
func (d *Dispatcher) SendVerbDispatch(tx *store.Tx, vm *engine.Engine, destination oid.OID, method string, args []value.Value) (value.Value, error) {
	prog, err := tx.GetSlot(destination, destination, method)
	if errs.ToCode(err) == value.SlotDoesNotExist {
		return value.Err(value.SlotDoesNotExist), nil
	}
	if err != nil {
		return value.Err(value.InternalError), nil
	}
	progBytes, ok := prog.ProgramVal()
	if !ok {
		return value.Err(value.InvalidProgram), nil
	}
	result, err := vm.Execute(progBytes, value.Vector(args...))
	if err != nil {
		return value.Err(errs.ToCode(err)), nil
	}
	return result, nil
}
