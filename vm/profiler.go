package vm

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Profiler counts method and block invocations per instruction sequence.
// Counting is off unless enabled; a disabled profiler costs one atomic load
// per call.

// InvocationProfile holds the counters for one iseq.
type InvocationProfile struct {
	InvocationCount atomic.Uint64
	IsHot           atomic.Bool
}

// Profiler manages profiling for all methods and blocks in the VM.
type Profiler struct {
	enabled atomic.Bool

	methodProfiles sync.Map // *ISeq -> *InvocationProfile
	blockProfiles  sync.Map // *ISeq -> *InvocationProfile

	MethodHotThreshold uint64
	BlockHotThreshold  uint64

	// OnHot is called once per iseq when it crosses its threshold.
	OnHot func(iseq *ISeq, count uint64)

	hotMethodCount atomic.Uint64
	hotBlockCount  atomic.Uint64
}

// NewProfiler creates a disabled profiler with default thresholds.
func NewProfiler() *Profiler {
	return &Profiler{
		MethodHotThreshold: 100,
		BlockHotThreshold:  500,
	}
}

// SetEnabled turns counting on or off.
func (p *Profiler) SetEnabled(enabled bool) { p.enabled.Store(enabled) }

// Enabled reports whether counting is on.
func (p *Profiler) Enabled() bool { return p.enabled.Load() }

// RecordMethod counts one method invocation. Returns true if this call made
// the method hot.
func (p *Profiler) RecordMethod(iseq *ISeq) bool {
	if !p.enabled.Load() {
		return false
	}
	return p.record(&p.methodProfiles, iseq, p.MethodHotThreshold, &p.hotMethodCount)
}

// RecordBlock counts one block invocation.
func (p *Profiler) RecordBlock(iseq *ISeq) bool {
	if !p.enabled.Load() {
		return false
	}
	return p.record(&p.blockProfiles, iseq, p.BlockHotThreshold, &p.hotBlockCount)
}

func (p *Profiler) record(m *sync.Map, iseq *ISeq, threshold uint64, hot *atomic.Uint64) bool {
	val, _ := m.LoadOrStore(iseq, &InvocationProfile{})
	profile := val.(*InvocationProfile)

	count := profile.InvocationCount.Add(1)
	if count >= threshold && profile.IsHot.CompareAndSwap(false, true) {
		hot.Add(1)
		if p.OnHot != nil {
			p.OnHot(iseq, count)
		}
		return true
	}
	return false
}

// MethodCount returns how often iseq ran as a method.
func (p *Profiler) MethodCount(iseq *ISeq) uint64 {
	if val, ok := p.methodProfiles.Load(iseq); ok {
		return val.(*InvocationProfile).InvocationCount.Load()
	}
	return 0
}

// BlockCount returns how often iseq ran as a block.
func (p *Profiler) BlockCount(iseq *ISeq) uint64 {
	if val, ok := p.blockProfiles.Load(iseq); ok {
		return val.(*InvocationProfile).InvocationCount.Load()
	}
	return 0
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	TotalMethods      int
	TotalBlocks       int
	HotMethods        int
	HotBlocks         int
	TotalInvocations  uint64
	MethodInvocations uint64
	BlockInvocations  uint64
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	var stats ProfilerStats

	p.methodProfiles.Range(func(_, value any) bool {
		profile := value.(*InvocationProfile)
		stats.TotalMethods++
		stats.MethodInvocations += profile.InvocationCount.Load()
		if profile.IsHot.Load() {
			stats.HotMethods++
		}
		return true
	})

	p.blockProfiles.Range(func(_, value any) bool {
		profile := value.(*InvocationProfile)
		stats.TotalBlocks++
		stats.BlockInvocations += profile.InvocationCount.Load()
		if profile.IsHot.Load() {
			stats.HotBlocks++
		}
		return true
	})

	stats.TotalInvocations = stats.MethodInvocations + stats.BlockInvocations
	return stats
}

// ProfileEntry is one row of a snapshot.
type ProfileEntry struct {
	Name  string
	Kind  string // "method" or "block"
	Count uint64
	Hot   bool

	// Call-site cache counters of the iseq.
	CacheHits   uint64
	CacheMisses uint64
}

// Snapshot returns every profiled iseq, most invoked first.
func (p *Profiler) Snapshot() []ProfileEntry {
	var out []ProfileEntry
	collect := func(kind string) func(key, value any) bool {
		return func(key, value any) bool {
			iseq := key.(*ISeq)
			profile := value.(*InvocationProfile)
			_, _, _, _, hits, misses := iseq.CallSiteStats()
			out = append(out, ProfileEntry{
				Name:        iseq.Name,
				Kind:        kind,
				Count:       profile.InvocationCount.Load(),
				Hot:         profile.IsHot.Load(),
				CacheHits:   hits,
				CacheMisses: misses,
			})
			return true
		}
	}
	p.methodProfiles.Range(collect("method"))
	p.blockProfiles.Range(collect("block"))

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Reset clears all profiles.
func (p *Profiler) Reset() {
	p.methodProfiles.Range(func(key, _ any) bool {
		p.methodProfiles.Delete(key)
		return true
	})
	p.blockProfiles.Range(func(key, _ any) bool {
		p.blockProfiles.Delete(key)
		return true
	})
	p.hotMethodCount.Store(0)
	p.hotBlockCount.Store(0)
}
