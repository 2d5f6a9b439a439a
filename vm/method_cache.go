package vm

import (
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// MethodCache: global (class, selector) -> body cache
// ---------------------------------------------------------------------------

// DefaultMethodCacheSize bounds the global method cache when no config is given.
const DefaultMethodCacheSize = 4096

type methodCacheKey struct {
	class uint32
	sel   Symbol
}

type methodCacheEntry struct {
	me         *MethodEntry
	generation uint64
}

// MethodCache memoizes resolveMethodBody. A single global generation counter
// invalidates every entry at once; entries are trusted only when their stamp
// equals the current generation.
//
// The legacy hot path skipped the stamp comparison and relied on the table
// being cleared on every redefinition. Comparing the stamp on lookup makes a
// missed clear harmless.
type MethodCache struct {
	mu       sync.Mutex
	entries  map[methodCacheKey]methodCacheEntry
	capacity int

	generation atomic.Uint64
	hits       atomic.Uint64
	misses     atomic.Uint64
	flushes    atomic.Uint64
}

// NewMethodCache creates a cache bounded to capacity entries.
func NewMethodCache(capacity int) *MethodCache {
	if capacity <= 0 {
		capacity = DefaultMethodCacheSize
	}
	mc := &MethodCache{
		entries:  make(map[methodCacheKey]methodCacheEntry, capacity),
		capacity: capacity,
	}
	mc.generation.Store(1)
	return mc
}

// Generation returns the current global method generation.
func (mc *MethodCache) Generation() uint64 {
	return mc.generation.Load()
}

// Lookup returns the method entry for sel on class, consulting the cache
// first and walking the ancestor chain on a miss.
func (mc *MethodCache) Lookup(class *Class, sel Symbol) (*MethodEntry, bool) {
	if class == nil {
		return nil, false
	}
	gen := mc.generation.Load()
	key := methodCacheKey{class: class.ID, sel: sel}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if e, ok := mc.entries[key]; ok && e.generation == gen {
		mc.hits.Add(1)
		return e.me, e.me != nil
	}
	mc.misses.Add(1)

	me := resolveMethodBody(class, sel)
	if len(mc.entries) >= mc.capacity {
		clear(mc.entries)
		mc.flushes.Add(1)
	}
	// Negative results are cached too so repeated method_missing paths stay cheap.
	mc.entries[key] = methodCacheEntry{me: me, generation: gen}
	return me, me != nil
}

// Invalidate advances the global generation. class identifies the mutated
// class for diagnostics only; every entry becomes stale.
func (mc *MethodCache) Invalidate(class *Class) {
	gen := mc.generation.Add(1)
	name := "<nil>"
	if class != nil {
		name = class.Name
	}
	log.Debugf("method cache invalidated by %s (generation %d)", name, gen)

	mc.mu.Lock()
	clear(mc.entries)
	mc.mu.Unlock()
}

// Len returns the number of cached entries, stale ones included.
func (mc *MethodCache) Len() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.entries)
}

// MethodCacheStats is a snapshot of cache counters.
type MethodCacheStats struct {
	Hits       uint64
	Misses     uint64
	Flushes    uint64
	Generation uint64
}

// Stats returns the current counters.
func (mc *MethodCache) Stats() MethodCacheStats {
	return MethodCacheStats{
		Hits:       mc.hits.Load(),
		Misses:     mc.misses.Load(),
		Flushes:    mc.flushes.Load(),
		Generation: mc.generation.Load(),
	}
}
