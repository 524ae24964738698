package engine

import (
	"crypto/sha512"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/bytecodealliance/wasmtime-go/v25"
)

// moduleCacheTTL is the time-to-live for a cached compiled module (§4.D.1:
// "bounded by time-to-live (30 minutes) and evicts least-recently-used
// entries").
const moduleCacheTTL = 30 * time.Minute

// moduleCacheSize bounds the cache independently of TTL so that a burst of
// distinct programs cannot hold unbounded memory before their entries age
// out. The design does not name a count; this is a conservative default
// sized for one process serving many connections.
const moduleCacheSize = 4096

// moduleHash is the SHA-512 digest used as the cache key. A collision is
// treated as impossible, per §9's design note; bytes are not additionally
// compared on a cache hit.
type moduleHash [sha512.Size]byte

func hashProgram(programBytes []byte) moduleHash {
	return sha512.Sum512(programBytes)
}

// moduleCache memoizes compiled wasmtime modules by the SHA-512 hash of
// their source bytes. It is internally synchronized and safe for
// concurrent get-or-insert, as §5 requires ("Engine module cache:
// internally synchronized; safe for concurrent get-or-insert").
type moduleCache struct {
	c *lru.LRU[moduleHash, *wasmtime.Module]

	// compiles counts compilations performed (cache misses), for tests
	// that assert "executing the same program twice performs exactly one
	// compile." Accessed atomically since engines on different goroutines
	// share one cache.
	compiles atomic.Int64

	// group collapses concurrent misses for the same hash (distinct
	// connections first executing the same program at once) into a single
	// compile, so "exactly one compile" holds under concurrency too, not
	// just sequentially.
	group singleflight.Group
}

func newModuleCache() *moduleCache {
	return &moduleCache{c: lru.NewLRU[moduleHash, *wasmtime.Module](moduleCacheSize, nil, moduleCacheTTL)}
}

// getOrCompile returns the cached module for programBytes, compiling and
// inserting on a miss. Compilation failure is returned as an error; the
// caller maps it to InvalidProgram.
func (mc *moduleCache) getOrCompile(wt *wasmtime.Engine, programBytes []byte) (*wasmtime.Module, error) {
	h := hashProgram(programBytes)
	if m, ok := mc.c.Get(h); ok {
		return m, nil
	}

	v, err, _ := mc.group.Do(string(h[:]), func() (any, error) {
		if m, ok := mc.c.Get(h); ok {
			return m, nil
		}
		m, err := wasmtime.NewModule(wt, programBytes)
		if err != nil {
			return nil, err
		}
		mc.compiles.Add(1)
		mc.c.Add(h, m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*wasmtime.Module), nil
}

// Compiles reports how many compilations this cache has performed, for
// tests and diagnostics.
func (mc *moduleCache) Compiles() int64 { return mc.compiles.Load() }
