// Package conn maintains the live set of client connections (§4.F of the
// design): their outbound senders and their bound per-connection engine.
package conn

import (
	"sync"

	"github.com/slotvm/slotd/internal/engine"
	"github.com/slotvm/slotd/internal/oid"
	"github.com/slotvm/slotd/internal/store"
)

// Frame is one outbound message, mirroring the Text/Binary frame kinds of
// the message-framed transport (§6).
type Frame struct {
	Binary bool
	Data   []byte
}

// Sender delivers outbound frames to one connected client. Implementations
// live alongside the WebSocket listener.
type Sender interface {
	Send(Frame) error
}

// TxBinder threads the currently-open store transaction into a
// connection's host environment for the duration of one dispatched
// message, so that a guest's host.invoke call can read and write slots
// within that same transaction rather than opening its own.
type TxBinder interface {
	BindTx(tx *store.Tx)
	UnbindTx()
}

// Connection is the process-local (not persisted) record of one live
// client session.
type Connection struct {
	OID     oid.OID
	Address string
	Sender  Sender
	Engine  *engine.Engine

	// Binder binds this connection's HostEnv to the transaction open for
	// the message currently being dispatched. Nil until cmd/slotd wires a
	// host.Env onto the connection after Accept.
	Binder TxBinder
}

// Registry is the process-global connection table. The mutex is held only
// to look up, insert, or remove — never across an engine call — per §4.F.
type Registry struct {
	mu    sync.Mutex
	conns map[oid.OID]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[oid.OID]*Connection)}
}

// Accept allocates a fresh OID for a newly accepted socket and registers
// its sender and engine. The caller constructs the engine bound to this
// connection's HostEnv before calling Accept, since the engine needs to
// exist before a guest can call host.send targeting this connection.
func (r *Registry) Accept(address string, sender Sender, eng *engine.Engine) *Connection {
	c := &Connection{OID: oid.New(), Address: address, Sender: sender, Engine: eng}
	r.mu.Lock()
	r.conns[c.OID] = c
	r.mu.Unlock()
	return c
}

// Lookup returns the connection for o, if still live.
func (r *Registry) Lookup(o oid.OID) (*Connection, bool) {
	r.mu.Lock()
	c, ok := r.conns[o]
	r.mu.Unlock()
	return c, ok
}

// Remove deletes a connection from the registry, e.g. on socket close.
// Slot cleanup for the connection's OID is the caller's responsibility
// (§4.F: "in a fresh store transaction delete any slots whose location
// equals the connection OID"), since that requires a store handle this
// package does not have.
func (r *Registry) Remove(o oid.OID) {
	r.mu.Lock()
	delete(r.conns, o)
	r.mu.Unlock()
}

// Len reports the number of live connections, for tests and diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Send enqueues an outbound frame on destination's sender. It returns
// ErrNoSuchConnection if destination is not (or no longer) registered.
func (r *Registry) Send(destination oid.OID, frame Frame) error {
	c, ok := r.Lookup(destination)
	if !ok {
		return ErrNoSuchConnection
	}
	return c.Sender.Send(frame)
}

// ErrNoSuchConnection is returned by Send when the destination connection
// is not registered.
var ErrNoSuchConnection = noSuchConnErr{}

type noSuchConnErr struct{}

func (noSuchConnErr) Error() string { return "conn: no such connection" }
