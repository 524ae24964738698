package engine_test

import (
	"testing"
	"time"

	"github.com/bytecodealliance/wasmtime-go/v25"
	"github.com/stretchr/testify/require"

	"github.com/slotvm/slotd/internal/engine"
	"github.com/slotvm/slotd/internal/value"
)

// echoWat is a minimal guest: it ignores its argument bytes and echoes them
// straight back by reporting (offset=0, size=argsEnd), since the arguments
// are already sitting at offset 0 per the ABI's allocation discipline.
const echoWat = `
(module
  (memory (export "memory") 2)
  (func (export "invoke") (param i32) (result i32 i32)
    (i32.const 0)
    (local.get 0)))
`

// logCallWat calls host.log with its own argument bytes, then returns a
// zero-length result.
const logCallWat = `
(module
  (import "host" "log" (func $log (param i32) (result i32 i32)))
  (memory (export "memory") 2)
  (func (export "invoke") (param i32) (result i32 i32)
    (call $log (local.get 0))
    (drop)
    (drop)
    (i32.const 0)
    (i32.const 0)))
`

// spinWat never returns on its own: an unconditional branch back to the
// top of the loop burns fuel forever, so the only way Execute ever returns
// for this guest is the refill cap in fuelScheduler, which this test does
// not wait for.
const spinWat = `
(module
  (memory (export "memory") 2)
  (func (export "invoke") (param i32) (result i32 i32)
    (loop $l
      (br $l))))
`

type fakeHost struct {
	logged []value.Value
}

func (f *fakeHost) Log(v value.Value) error {
	f.logged = append(f.logged, v)
	return nil
}

func (f *fakeHost) Send(value.Value) error { return nil }

func (f *fakeHost) Invoke(value.Value) (value.Value, error) {
	return value.Err(value.NoError), nil
}

func mustWasm(t *testing.T, wat string) []byte {
	t.Helper()
	wasm, err := wasmtime.Wat2Wasm(wat)
	require.NoError(t, err)
	return wasm
}

func TestExecuteEcho(t *testing.T) {
	rt := engine.NewRuntime()
	e, err := rt.New(&fakeHost{})
	require.NoError(t, err)

	wasm := mustWasm(t, echoWat)
	result, err := e.Execute(wasm, value.String("hi"))
	require.NoError(t, err)
	require.True(t, result.Equal(value.String("hi")))
}

func TestExecuteCallsHostLog(t *testing.T) {
	rt := engine.NewRuntime()
	host := &fakeHost{}
	e, err := rt.New(host)
	require.NoError(t, err)

	wasm := mustWasm(t, logCallWat)
	_, err = e.Execute(wasm, value.String("hi"))
	require.NoError(t, err)
	require.Len(t, host.logged, 1)
	require.True(t, host.logged[0].Equal(value.String("hi")))
}

func TestModuleCacheCompilesOnce(t *testing.T) {
	rt := engine.NewRuntime()
	e, err := rt.New(&fakeHost{})
	require.NoError(t, err)

	wasm := mustWasm(t, echoWat)
	_, err = e.Execute(wasm, value.I32(1))
	require.NoError(t, err)
	_, err = e.Execute(wasm, value.I32(2))
	require.NoError(t, err)

	require.Equal(t, int64(1), rt.Compiles())
}

func TestExecuteInvalidProgram(t *testing.T) {
	rt := engine.NewRuntime()
	e, err := rt.New(&fakeHost{})
	require.NoError(t, err)

	_, err = e.Execute([]byte{0x00, 0x01, 0x02}, value.I32(1))
	require.Error(t, err)
}

// TestFuelYieldingDoesNotStarveOtherEngines exercises the fuel scheduler's
// refill path directly: a guest stuck in an unbounded loop must keep
// yielding to the Go scheduler rather than monopolizing a thread, so a
// second engine's independent Execute calls on an unrelated program keep
// completing promptly the whole time the first one is spinning.
func TestFuelYieldingDoesNotStarveOtherEngines(t *testing.T) {
	rt := engine.NewRuntime()
	spin := mustWasm(t, spinWat)
	echo := mustWasm(t, echoWat)

	spinner, err := rt.New(&fakeHost{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		spinner.Execute(spin, value.I32(0))
	}()

	other, err := rt.New(&fakeHost{})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		select {
		case <-done:
			t.Fatal("spinning engine returned on its own")
		default:
		}
		resultCh := make(chan error, 1)
		go func() {
			_, err := other.Execute(echo, value.I32(int32(i)))
			resultCh <- err
		}()
		select {
		case err := <-resultCh:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("other engine starved while spinning engine held fuel")
		}
	}

	require.Eventually(t, func() bool {
		return spinner.Refuels() > 0
	}, 5*time.Second, 10*time.Millisecond, "spinning engine never refueled")
}

func TestConcurrentEnginesRunInParallel(t *testing.T) {
	rt := engine.NewRuntime()
	wasm := mustWasm(t, echoWat)

	const n = 8
	errsCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			e, err := rt.New(&fakeHost{})
			if err != nil {
				errsCh <- err
				return
			}
			_, err = e.Execute(wasm, value.I32(int32(i)))
			errsCh <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errsCh)
	}
}
