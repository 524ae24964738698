// Package engine implements the sandboxed program engine (§4.D of the
// design): instantiate a WebAssembly module, marshal arguments, run to
// completion under a fuel budget, and unmarshal the result.
package engine

import (
	"sync"
	"sync/atomic"

	"github.com/bytecodealliance/wasmtime-go/v25"

	"github.com/slotvm/slotd/internal/errs"
	"github.com/slotvm/slotd/internal/value"
)

// HostEnv is the per-connection implementation of the three host
// intrinsics (§4.E). An Engine calls back into it from inside a guest's
// invoke export. Implementations live in package host.
type HostEnv interface {
	Log(v value.Value) error
	Send(v value.Value) error
	Invoke(v value.Value) (value.Value, error)
}

// Runtime is the process-wide wasmtime engine and compiled-module cache.
// One Runtime backs every per-connection Engine, exactly as §5 requires
// ("Engine module cache: internally synchronized; safe for concurrent
// get-or-insert").
type Runtime struct {
	wt    *wasmtime.Engine
	cache *moduleCache
}

// NewRuntime prepares a Runtime with fuel consumption enabled, since every
// Engine it creates relies on fuel-bounded scheduling.
func NewRuntime() *Runtime {
	cfg := wasmtime.NewConfig()
	cfg.SetConsumeFuel(true)
	return &Runtime{
		wt:    wasmtime.NewEngineWithConfig(cfg),
		cache: newModuleCache(),
	}
}

// Compiles reports how many compilations this runtime has performed, for
// the module-cache testable property in §8. A program whose cache entry
// expired or was evicted is compiled, and counted, again.
func (rt *Runtime) Compiles() int64 { return rt.cache.Compiles() }

// Engine executes programs for exactly one connection. §4.D.7: "each client
// connection owns its own engine, so per-connection progress is
// independent; intra-connection execution is single-threaded," enforced
// here by mu.
type Engine struct {
	rt     *Runtime
	env    HostEnv
	mu     sync.Mutex
	store  *wasmtime.Store
	linker *wasmtime.Linker

	// depth tracks Execute calls nested via host.invoke: a verb dispatch
	// triggered from inside a guest's own invoke call reenters Execute on
	// this same Engine, synchronously, on the same goroutine that already
	// holds mu. mu is only taken at depth 0, so that reentry doesn't
	// deadlock against itself; the single-threaded-per-connection
	// invariant this type already documents is what makes skipping the
	// lock at deeper levels sound — nothing else can be mid-call on this
	// Engine's goroutine.
	depth int

	// refuels counts fuel top-ups performed across every Execute call on
	// this engine, for the fuel-yield testable property: a guest that
	// never returns on its own must still be seen refueling, not merely
	// hanging.
	refuels atomic.Int64
}

// Refuels reports how many times this engine has topped up a guest's
// fuel mid-call, for tests and diagnostics.
func (e *Engine) Refuels() int64 { return e.refuels.Load() }

// New creates an Engine bound to env. The store and linker are created
// once and reused across calls to Execute; only the module instance is
// fresh each time, so guest memory does not leak between programs. Fuel
// does carry over: each Execute adds its increment on top of whatever
// fuel the shared Store still holds from earlier calls.
func (rt *Runtime) New(env HostEnv) (*Engine, error) {
	store := wasmtime.NewStore(rt.wt)
	linker := wasmtime.NewLinker(rt.wt)
	e := &Engine{rt: rt, env: env, store: store, linker: linker}
	if err := e.linkHost(); err != nil {
		return nil, err
	}
	return e, nil
}

// linkHost defines the three host intrinsics under module name "host",
// each with signature (i32) -> (i32, i32) per §4.E/§6.
func (e *Engine) linkHost() error {
	logFn := func(v value.Value) (value.Value, error) {
		if err := e.env.Log(v); err != nil {
			return value.Value{}, err
		}
		return value.Err(value.NoError), nil
	}
	sendFn := func(v value.Value) (value.Value, error) {
		if err := e.env.Send(v); err != nil {
			return value.Value{}, err
		}
		return value.Err(value.NoError), nil
	}

	if err := e.linker.DefineFunc(e.store, "host", "log", e.hostTrampoline(logFn)); err != nil {
		return err
	}
	if err := e.linker.DefineFunc(e.store, "host", "send", e.hostTrampoline(sendFn)); err != nil {
		return err
	}
	if err := e.linker.DefineFunc(e.store, "host", "invoke", e.hostTrampoline(e.env.Invoke)); err != nil {
		return err
	}
	return nil
}

// hostTrampoline adapts a (Value) -> (Value, error) Go function into the
// wasmtime-visible (i32) -> (i32, i32) shape: decode the argument from
// linear memory up to argsEnd, call fn, encode the result immediately
// after, and return its (offset, size). A bad argsEnd or a decode failure
// surfaces as Error(BadType), and an fn error as an Error value carrying
// that error's code (errs.ToCode), rather than aborting the guest: the
// trampoline itself never traps.
func (e *Engine) hostTrampoline(fn func(value.Value) (value.Value, error)) func(caller *wasmtime.Caller, argsEnd int32) (int32, int32) {
	return func(caller *wasmtime.Caller, argsEnd int32) (int32, int32) {
		mem := caller.GetExport("memory").Memory()
		data := mem.UnsafeData(caller)
		if argsEnd < 0 || int(argsEnd) > len(data) {
			return writeResult(data, int32(argsEnd), value.Err(value.BadType))
		}
		arg, err := value.Decode(data[:argsEnd])
		if err != nil {
			return writeResult(data, argsEnd, value.Err(value.BadType))
		}
		result, err := fn(arg)
		if err != nil {
			return writeResult(data, argsEnd, value.Err(errs.ToCode(err)))
		}
		return writeResult(data, argsEnd, result)
	}
}

// writeResult encodes v starting at offset (immediately after the
// arguments, per §4.D's "results are written at offset L") and returns the
// (offset, size) pair the ABI expects.
func writeResult(data []byte, offset int32, v value.Value) (int32, int32) {
	enc := value.Encode(v)
	end := int(offset) + len(enc)
	if offset < 0 || end > len(data) {
		// The guest did not reserve enough linear memory past its
		// arguments; there is nowhere safe to write. Growing memory here
		// would violate the "program must not overlap [0, L+result_size)"
		// allocation discipline in §4.D, so this is the guest's bug, not
		// ours, and callers see a zero-size result.
		return offset, 0
	}
	copy(data[offset:end], enc)
	return offset, int32(len(enc))
}

// Execute runs programBytes with argument, returning its decoded result.
// It implements §4.D steps 1-5 plus the fuel-bounded scheduling of step 6,
// all under the single per-engine lock of step 7.
func (e *Engine) Execute(programBytes []byte, argument value.Value) (value.Value, error) {
	if e.depth == 0 {
		e.mu.Lock()
		defer e.mu.Unlock()
	}
	e.depth++
	defer func() { e.depth-- }()

	mod, err := e.rt.cache.getOrCompile(e.rt.wt, programBytes)
	if err != nil {
		return value.Value{}, errs.ErrInvalidProgram.Wrapf("compile: %v", err)
	}

	instance, err := e.linker.Instantiate(e.store, mod)
	if err != nil {
		return value.Value{}, errs.ErrInvalidProgram.Wrapf("instantiate: %v", err)
	}
	memExport := instance.GetExport(e.store, "memory")
	invokeExport := instance.GetExport(e.store, "invoke")
	if memExport == nil || memExport.Memory() == nil || invokeExport == nil || invokeExport.Func() == nil {
		return value.Value{}, errs.ErrInvalidProgram.Wrap("missing required export memory/invoke")
	}
	mem := memExport.Memory()
	invokeFn := invokeExport.Func()

	encoded := value.Encode(argument)
	data := mem.UnsafeData(e.store)
	if len(encoded) > len(data) {
		return value.Value{}, errs.ErrInvalidProgram.Wrap("argument exceeds guest linear memory")
	}
	copy(data, encoded)
	L := int32(len(encoded))

	fuel, err := newFuelScheduler(e.store)
	if err != nil {
		return value.Value{}, errs.ErrInternal.Wrapf("fuel: %v", err)
	}

	var results []wasmtime.Val
	for {
		results, err = invokeFn.Call(e.store, L)
		if err == nil {
			break
		}
		if isOutOfFuel(err) {
			// True mid-call resumption would need wasmtime's async/fiber
			// support to suspend and later continue the same call frame;
			// absent that, a fuel-exhausted call is retried from the top
			// once more fuel is available. Idempotent bootstrap programs
			// tolerate this; it is the one place this engine's fuel model
			// diverges from genuine cooperative resumption.
			if !fuel.refuel() {
				return value.Value{}, errs.ErrInternal.Wrap("guest exceeded maximum fuel refills")
			}
			e.refuels.Add(1)
			continue
		}
		return value.Value{}, errs.ErrInternal.Wrapf("trap: %v", err)
	}
	if len(results) != 2 {
		return value.Value{}, errs.ErrInvalidProgram.Wrap("invoke did not return (offset, size)")
	}
	offset := results[0].I32()
	size := results[1].I32()
	if offset < 0 || size < 0 {
		return value.Value{}, errs.ErrInvalidProgram.Wrap("invoke returned negative offset/size")
	}
	// A zero-size result is the guest's shorthand for Error(NoError): the
	// common case of "ran fine, nothing to report" needs no encoding round
	// trip, and it is what every bootstrap program (§4.H) returns.
	if size == 0 {
		return value.Err(value.NoError), nil
	}
	data = mem.UnsafeData(e.store)
	end := int64(offset) + int64(size)
	if end > int64(len(data)) {
		return value.Value{}, errs.ErrInvalidProgram.Wrap("invoke result out of bounds")
	}
	result, err := value.Decode(data[offset:end])
	if err != nil {
		return value.Value{}, errs.ErrInternal.Wrapf("decode result: %v", err)
	}
	return result, nil
}
