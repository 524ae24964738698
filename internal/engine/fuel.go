package engine

import (
	"math"
	"runtime"

	"github.com/bytecodealliance/wasmtime-go/v25"
)

// fuelIncrement is the size of each cooperative-yield fuel refill (§4.D.6:
// "cooperative yield every 10 000 instructions").
const fuelIncrement = 10_000

// fuelScheduler keeps a wasmtime Store topped up with fuel in bounded
// increments, yielding the calling goroutine on every refill so that other
// goroutines (other connections' engines, the scheduler, the registry) get
// a chance to run. It is not a wall-clock timeout: a guest that never
// returns keeps being refueled forever, up to the refill cap.
type fuelScheduler struct {
	store    *wasmtime.Store
	refills  uint64
	maxRefil uint64
}

// newFuelScheduler prepares a scheduler for store, pre-loading the first
// increment of fuel.
func newFuelScheduler(store *wasmtime.Store) (*fuelScheduler, error) {
	fs := &fuelScheduler{store: store, maxRefil: math.MaxUint64}
	if err := store.AddFuel(fuelIncrement); err != nil {
		return nil, err
	}
	fs.refills++
	return fs, nil
}

// refuel adds one more increment of fuel and yields the goroutine. It
// reports false once the refill cap (2^64-1 total refills) is reached,
// signaling that the caller must stop trying to resuscitate a runaway
// guest.
func (fs *fuelScheduler) refuel() bool {
	if fs.refills >= fs.maxRefil {
		return false
	}
	if err := fs.store.AddFuel(fuelIncrement); err != nil {
		return false
	}
	fs.refills++
	// Cooperative yield: give other goroutines (other connections' fuel
	// schedulers, the registry, the dispatch loop) a chance to run between
	// fuel top-ups, since the guest itself cannot be preempted.
	runtime.Gosched()
	return true
}

// isOutOfFuel reports whether err is the wasmtime trap raised when a store
// configured with ConsumeFuel runs out before a refill.
func isOutOfFuel(err error) bool {
	var trap *wasmtime.Trap
	if !asTrap(err, &trap) {
		return false
	}
	code := trap.Code()
	return code != nil && *code == wasmtime.OutOfFuel
}

// asTrap reports whether err is itself a *wasmtime.Trap, by plain type
// assertion rather than errors.As: a trap wrapped inside another error is
// not recognized.
func asTrap(err error, target **wasmtime.Trap) bool {
	t, ok := err.(*wasmtime.Trap)
	if ok {
		*target = t
	}
	return ok
}
