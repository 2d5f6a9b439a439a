package vm

// Inline caching for method dispatch.
//
// Each send site owns an InlineCache keyed by receiver class. Most sites
// stay monomorphic; sites that see more than MaxPICEntries classes go
// megamorphic and always defer to the global MethodCache. Every entry is
// stamped with the method generation it was filled under, so a
// redefinition anywhere empties all sites lazily.

// CacheState represents the current state of an inline cache.
type CacheState uint8

const (
	CacheEmpty       CacheState = iota // No cached lookup yet
	CacheMonomorphic                   // Single (class, method) cached
	CachePolymorphic                   // 2-6 entries in PIC
	CacheMegamorphic                   // Too many types, use full lookup
)

// MaxPICEntries is the maximum number of entries in a polymorphic inline cache.
const MaxPICEntries = 6

// InlineCacheEntry holds a single cached method lookup result.
type InlineCacheEntry struct {
	Class  *Class
	Method *MethodEntry
}

// InlineCache is the cache for a single call site.
type InlineCache struct {
	State      CacheState
	Entries    [MaxPICEntries]InlineCacheEntry
	Count      int
	Generation uint64

	Hits   uint64
	Misses uint64
}

// Lookup returns the cached method for class under generation gen, or nil.
func (ic *InlineCache) Lookup(class *Class, gen uint64) *MethodEntry {
	if ic.Generation != gen && ic.State != CacheEmpty {
		ic.flush()
	}
	switch ic.State {
	case CacheMonomorphic, CachePolymorphic:
		for i := 0; i < ic.Count; i++ {
			if ic.Entries[i].Class == class {
				ic.Hits++
				return ic.Entries[i].Method
			}
		}
	}
	ic.Misses++
	return nil
}

// Update records a (class, method) pair resolved under generation gen.
func (ic *InlineCache) Update(class *Class, me *MethodEntry, gen uint64) {
	if me == nil {
		return
	}
	if ic.Generation != gen {
		ic.flush()
		ic.Generation = gen
	}

	switch ic.State {
	case CacheEmpty:
		ic.State = CacheMonomorphic
		ic.Entries[0] = InlineCacheEntry{Class: class, Method: me}
		ic.Count = 1

	case CacheMonomorphic, CachePolymorphic:
		for i := 0; i < ic.Count; i++ {
			if ic.Entries[i].Class == class {
				return
			}
		}
		if ic.Count < MaxPICEntries {
			ic.Entries[ic.Count] = InlineCacheEntry{Class: class, Method: me}
			ic.Count++
			ic.State = CachePolymorphic
			return
		}
		ic.State = CacheMegamorphic
		ic.Entries = [MaxPICEntries]InlineCacheEntry{}
		ic.Count = 0

	case CacheMegamorphic:
	}
}

// flush drops entries but keeps statistics. A megamorphic site stays
// megamorphic.
func (ic *InlineCache) flush() {
	if ic.State == CacheMegamorphic {
		return
	}
	ic.State = CacheEmpty
	ic.Count = 0
	ic.Entries = [MaxPICEntries]InlineCacheEntry{}
}

// HitRate returns the cache hit rate as a percentage (0-100).
func (ic *InlineCache) HitRate() float64 {
	total := ic.Hits + ic.Misses
	if total == 0 {
		return 0
	}
	return float64(ic.Hits) * 100 / float64(total)
}

// InlineCacheTable maps bytecode PCs of one iseq to their call site caches.
type InlineCacheTable struct {
	caches map[int]*InlineCache
}

// NewInlineCacheTable creates a new inline cache table.
func NewInlineCacheTable() *InlineCacheTable {
	return &InlineCacheTable{caches: make(map[int]*InlineCache)}
}

// GetOrCreate returns the cache for a given PC, creating one if needed.
func (t *InlineCacheTable) GetOrCreate(pc int) *InlineCache {
	if ic := t.caches[pc]; ic != nil {
		return ic
	}
	ic := &InlineCache{}
	t.caches[pc] = ic
	return ic
}

// Stats returns aggregate statistics for all caches in the table.
func (t *InlineCacheTable) Stats() (mono, poly, mega, empty int, totalHits, totalMisses uint64) {
	for _, ic := range t.caches {
		switch ic.State {
		case CacheMonomorphic:
			mono++
		case CachePolymorphic:
			poly++
		case CacheMegamorphic:
			mega++
		case CacheEmpty:
			empty++
		}
		totalHits += ic.Hits
		totalMisses += ic.Misses
	}
	return
}

// inlineCache returns the call site cache for the send at pc. Caches are
// runtime state hung off the otherwise immutable iseq and are only touched
// under the GIL.
func (s *ISeq) inlineCache(pc int) *InlineCache {
	if s.caches == nil {
		s.caches = NewInlineCacheTable()
	}
	return s.caches.GetOrCreate(pc)
}

// CallSiteStats reports the inline cache statistics of s.
func (s *ISeq) CallSiteStats() (mono, poly, mega, empty int, hits, misses uint64) {
	if s.caches == nil {
		return
	}
	return s.caches.Stats()
}
