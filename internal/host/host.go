// Package host implements the three sandbox intrinsics (§4.E of the
// design) as seen from a single connection: log, send, and invoke. An Env
// is created once per connection and handed to engine.Runtime.New; the
// dispatch package binds and unbinds the active transaction around each
// message it hands to the connection's engine.
package host

import (
	"github.com/rs/zerolog"

	"github.com/slotvm/slotd/internal/conn"
	"github.com/slotvm/slotd/internal/engine"
	"github.com/slotvm/slotd/internal/errs"
	"github.com/slotvm/slotd/internal/oid"
	"github.com/slotvm/slotd/internal/store"
	"github.com/slotvm/slotd/internal/value"
)

// Dispatcher is the subset of *dispatch.Dispatcher that host.invoke needs.
// It is expressed here as an interface, not an import of package dispatch,
// because dispatch already imports conn and conn.Connection.Binder is
// implemented by Env: dispatch -> host would close a cycle with
// host -> dispatch. cmd/slotd wires the concrete *dispatch.Dispatcher in.
type Dispatcher interface {
	SendVerbDispatch(tx *store.Tx, vm *engine.Engine, destination oid.OID, method string, args []value.Value) (value.Value, error)
}

// Env is the per-connection host environment: it implements both
// engine.HostEnv (called from inside a guest) and conn.TxBinder (called by
// dispatch around each message).
type Env struct {
	connection oid.OID
	registry   *conn.Registry
	dispatcher Dispatcher
	vm         *engine.Engine
	log        zerolog.Logger

	tx *store.Tx
}

// New creates an Env for one connection. vm is set after the connection's
// engine is constructed, via SetEngine, because the engine itself needs
// this Env to exist first (engine.Runtime.New(env) takes the HostEnv).
func New(connection oid.OID, registry *conn.Registry, dispatcher Dispatcher, log zerolog.Logger) *Env {
	return &Env{connection: connection, registry: registry, dispatcher: dispatcher, log: log}
}

// SetEngine records the engine this Env's invoke calls should dispatch
// through. It must be called once, after the engine bound to this Env has
// been constructed.
func (e *Env) SetEngine(vm *engine.Engine) {
	e.vm = vm
}

// SetConnection updates the connection OID this Env tags its log lines
// with. cmd/slotd calls this once, after conn.Registry.Accept has minted
// the connection's real OID — Env must already exist at that point, since
// Runtime.New(env) needs a HostEnv before the registry entry can exist.
func (e *Env) SetConnection(connection oid.OID) {
	e.connection = connection
}

// BindTx implements conn.TxBinder: it records the transaction that
// dispatch.ReceiveMessage has open, so Invoke can read and write slots
// within it.
func (e *Env) BindTx(tx *store.Tx) {
	e.tx = tx
}

// UnbindTx implements conn.TxBinder.
func (e *Env) UnbindTx() {
	e.tx = nil
}

// Log implements engine.HostEnv's log intrinsic (§4.E): it writes v to the
// structured log at info level, tagged with the owning connection.
func (e *Env) Log(v value.Value) error {
	e.log.Info().Stringer("connection", e.connection).Stringer("value", v).Msg("guest log")
	return nil
}

// Send implements engine.HostEnv's send intrinsic (§4.E): v must be a
// Vector(IdKey(destination), payload); payload is framed as a Binary-typed
// outbound frame (binary) or a String-typed one (text) and handed to the
// destination connection's Sender. It is not an error for the destination
// to have disconnected; the message is simply dropped, per §4.F's "best
// effort" delivery.
func (e *Env) Send(v value.Value) error {
	elems, ok := v.VectorVal()
	if !ok || len(elems) != 2 {
		return errs.ErrBadType.Wrap("host.send: want Vector(destination, payload)")
	}
	dest, ok := elems[0].OIDVal()
	if !ok {
		return errs.ErrBadType.Wrap("host.send: destination is not an OID")
	}

	var frame conn.Frame
	switch elems[1].Kind() {
	case value.KindBinary:
		b, _ := elems[1].BinaryVal()
		frame = conn.Frame{Binary: true, Data: b}
	case value.KindString:
		s, _ := elems[1].StringVal()
		frame = conn.Frame{Binary: false, Data: []byte(s)}
	default:
		return errs.ErrBadType.Wrap("host.send: payload is not Binary or String")
	}

	if err := e.registry.Send(dest, frame); err != nil {
		e.log.Debug().Stringer("destination", dest).Err(err).Msg("host.send: delivery dropped")
		return nil
	}
	return nil
}

// Invoke implements engine.HostEnv's invoke intrinsic (§4.E): v must be a
// Vector(IdKey(destination), String(method), Vector(args...)); it runs
// send_verb_dispatch against the transaction currently bound to this Env
// and returns its result, including any data-level Error value.
func (e *Env) Invoke(v value.Value) (value.Value, error) {
	if e.tx == nil {
		return value.Value{}, errs.ErrInternal.Wrap("host.invoke: called outside a bound transaction")
	}
	elems, ok := v.VectorVal()
	if !ok || len(elems) != 3 {
		return value.Value{}, errs.ErrBadType.Wrap("host.invoke: want Vector(destination, method, args)")
	}
	dest, ok := elems[0].OIDVal()
	if !ok {
		return value.Value{}, errs.ErrBadType.Wrap("host.invoke: destination is not an OID")
	}
	method, ok := elems[1].StringVal()
	if !ok {
		return value.Value{}, errs.ErrBadType.Wrap("host.invoke: method is not a String")
	}
	argVec, ok := elems[2].VectorVal()
	if !ok {
		return value.Value{}, errs.ErrBadType.Wrap("host.invoke: args is not a Vector")
	}

	return e.dispatcher.SendVerbDispatch(e.tx, e.vm, dest, method, argVec)
}
