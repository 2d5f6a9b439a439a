package vm

import (
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Root marking
// ---------------------------------------------------------------------------

// Marker receives the values the VM keeps alive.
type Marker interface {
	Mark(v Value)
	MarkRange(vs []Value)
}

// MarkRoots reports every root the execution core holds: the live part of
// each thread's stacks (and of every fiber on a resume chain), frame
// selves, procs and scopes, $!, pending interrupts and the literals of all
// reachable instruction sequences.
func (vm *VM) MarkRoots(m Marker) {
	seen := make(map[*ISeq]struct{})
	markISeq := func(s *ISeq) { vm.markISeq(m, s, seen) }

	m.Mark(vm.mainObject)
	for _, th := range vm.Threads() {
		th.markRoots(m, markISeq)
	}

	vm.classes.mu.RLock()
	classes := append([]*Class(nil), vm.classes.byID[1:]...)
	vm.classes.mu.RUnlock()
	for _, c := range classes {
		for _, me := range c.methods {
			if s, ok := me.Body.(*ISeq); ok {
				markISeq(s)
			}
		}
	}
}

func (th *Thread) markRoots(m Marker, markISeq func(*ISeq)) {
	m.Mark(th.errinfo)
	m.Mark(th.result)
	th.mu.Lock()
	m.MarkRange(th.pending)
	th.mu.Unlock()

	th.root.markRoots(m, markISeq)
	for f := th.fiber; f != nil; f = f.prev {
		m.Mark(f.handle)
		f.ec.markRoots(m, markISeq)
	}
}

func (ec *ExecContext) markRoots(m Marker, markISeq func(*ISeq)) {
	m.MarkRange(ec.stack[:ec.StackTop()])
	for i := 0; i <= ec.cfp; i++ {
		f := &ec.frames[i]
		m.Mark(f.Self)
		m.Mark(f.Proc)
		markRef(m, f.DFP)
		markRef(m, f.LFP)
		markRef(m, f.prev)
		markBlock(m, f.block)
		markBlock(m, &f.captured)
		markSpecial(m, f.special)
		if f.ISeq != nil {
			markISeq(f.ISeq)
		}
	}
}

func markRef(m Marker, r EnvRef) {
	if r.OnHeap() {
		m.Mark(FromEnvHandle(r.env))
	}
}

func markBlock(m Marker, b *Block) {
	if b == nil {
		return
	}
	m.Mark(b.Self)
	if b.Proc != nil {
		m.Mark(b.Proc.Value)
	}
	markRef(m, b.DFP)
	markRef(m, b.LFP)
}

func markSpecial(m Marker, sv *SpecialVars) {
	if sv != nil {
		m.Mark(sv.LastMatch)
		m.Mark(sv.LastLine)
	}
}

func (vm *VM) markISeq(m Marker, s *ISeq, seen map[*ISeq]struct{}) {
	if s == nil {
		return
	}
	if _, ok := seen[s]; ok {
		return
	}
	seen[s] = struct{}{}
	m.MarkRange(s.Literals)
	for _, c := range s.Children {
		vm.markISeq(m, c, seen)
	}
	for i := range s.Catch {
		vm.markISeq(m, s.Catch[i].ISeq, seen)
	}
}

// ---------------------------------------------------------------------------
// Collector: mark/sweep over the heap and env arena
// ---------------------------------------------------------------------------

// GCStats holds statistics from a single collection.
type GCStats struct {
	MarkedObjects int
	MarkedEnvs    int
	SweptObjects  int
	SweptEnvs     int
	Duration      time.Duration
	Timestamp     time.Time
}

// Collector traces from MarkRoots and frees unreachable heap objects and
// Envs. A collection holds the GIL, so it only observes threads parked at a
// checkpoint or outside the VM. Values a native holds only in Go variables
// are not roots.
type Collector struct {
	vm       *VM
	interval time.Duration
	enabled  atomic.Bool
	stop     chan struct{}
	stopped  chan struct{}
	mu       sync.Mutex // protects start/stop lifecycle

	runs      atomic.Uint64
	lastStats atomic.Pointer[GCStats]
}

// DefaultGCInterval is used by Start when the collector was built without one.
const DefaultGCInterval = 30 * time.Second

// NewCollector creates a collector for vm.
func NewCollector(vm *VM, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultGCInterval
	}
	gc := &Collector{vm: vm, interval: interval}
	gc.enabled.Store(true)
	return gc
}

// Start begins periodic collection. Calling it again is a no-op.
func (gc *Collector) Start() {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	if gc.stop != nil {
		return
	}
	gc.stop = make(chan struct{})
	gc.stopped = make(chan struct{})
	go gc.loop(gc.stop, gc.stopped)
}

// Stop halts periodic collection and waits for the loop to exit. Safe to
// call on a collector that was never started.
func (gc *Collector) Stop() {
	gc.mu.Lock()
	stopCh := gc.stop
	stoppedCh := gc.stopped
	gc.stop = nil
	gc.stopped = nil
	gc.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
	}
}

// SetEnabled enables or disables periodic collection.
func (gc *Collector) SetEnabled(enabled bool) { gc.enabled.Store(enabled) }

// Runs returns the number of completed collections.
func (gc *Collector) Runs() uint64 { return gc.runs.Load() }

// LastStats returns the most recent collection's statistics, or nil.
func (gc *Collector) LastStats() *GCStats { return gc.lastStats.Load() }

func (gc *Collector) loop(stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if gc.enabled.Load() {
				gc.Collect()
			}
		}
	}
}

// Collect runs one full collection, taking the GIL unless the calling
// goroutine's thread already holds it.
func (gc *Collector) Collect() *GCStats {
	vm := gc.vm
	if th := vm.CurrentThread(); th == nil || !th.held {
		vm.gil.acquire(nil)
		defer vm.gil.release()
	}

	start := time.Now()
	t := newTracer(vm)
	vm.MarkRoots(t)
	t.drain()

	stats := &GCStats{
		MarkedObjects: len(t.objects),
		MarkedEnvs:    len(t.envs),
		SweptObjects:  vm.heap.sweep(t.objects),
		SweptEnvs:     vm.envs.sweep(t.envs),
		Timestamp:     start,
	}
	stats.Duration = time.Since(start)

	gc.runs.Add(1)
	gc.lastStats.Store(stats)
	log.Debugf("gc: marked %d objects %d envs, swept %d objects %d envs in %s",
		stats.MarkedObjects, stats.MarkedEnvs, stats.SweptObjects, stats.SweptEnvs, stats.Duration)
	return stats
}

// tracer is the Marker used by Collect: it records marks and follows
// children through a worklist.
type tracer struct {
	vm      *VM
	objects map[uint32]struct{}
	envs    map[uint32]struct{}
	iseqs   map[*ISeq]struct{}
	work    []Value
}

func newTracer(vm *VM) *tracer {
	return &tracer{
		vm:      vm,
		objects: make(map[uint32]struct{}),
		envs:    make(map[uint32]struct{}),
		iseqs:   make(map[*ISeq]struct{}),
	}
}

func (t *tracer) Mark(v Value) {
	switch {
	case v.IsObject():
		id := v.ObjectID()
		if _, ok := t.objects[id]; ok {
			return
		}
		t.objects[id] = struct{}{}
		t.work = append(t.work, v)
	case v.IsEnv():
		idx := v.EnvHandle().index
		if _, ok := t.envs[idx]; ok {
			return
		}
		t.envs[idx] = struct{}{}
		t.work = append(t.work, v)
	}
}

func (t *tracer) MarkRange(vs []Value) {
	for _, v := range vs {
		t.Mark(v)
	}
}

func (t *tracer) drain() {
	vm := t.vm
	for len(t.work) > 0 {
		v := t.work[len(t.work)-1]
		t.work = t.work[:len(t.work)-1]

		if v.IsEnv() {
			e := vm.envs.Get(v.EnvHandle())
			if e == nil {
				continue
			}
			t.MarkRange(e.Locals)
			t.Mark(e.Self)
			markRef(t, e.Prev)
			markBlock(t, e.Block)
			markSpecial(t, e.Special)
			vm.markISeq(t, e.ISeq, t.iseqs)
			continue
		}

		obj := vm.heap.Get(v)
		if obj == nil {
			continue
		}
		obj.children(t.Mark)
		switch o := obj.(type) {
		case *Proc:
			markRef(t, o.Block.DFP)
			markRef(t, o.Block.LFP)
			vm.markISeq(t, o.Block.ISeq, t.iseqs)
		case *Fiber:
			if o.state != FiberTerminated {
				o.ec.markRoots(t, func(s *ISeq) { vm.markISeq(t, s, t.iseqs) })
			}
		}
	}
}
