package vm

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/petermattis/goid"
	"github.com/sasha-s/go-deadlock"
)

// ---------------------------------------------------------------------------
// GIL
// ---------------------------------------------------------------------------

// gil is the process-wide lock held while a thread executes bytecode.
// Holders poll waiting at checkpoints and hand the lock over when another
// thread is queued.
type gil struct {
	mu      deadlock.Mutex
	waiting atomic.Int32
	owner   atomic.Pointer[Thread]
}

func (g *gil) acquire(th *Thread) {
	g.waiting.Add(1)
	g.mu.Lock()
	g.waiting.Add(-1)
	g.owner.Store(th)
}

func (g *gil) release() {
	g.owner.Store(nil)
	g.mu.Unlock()
}

// configureDeadlockDetection applies the GIL deadlock timeout. Zero turns
// detection off. Reports are logged instead of terminating the process.
func configureDeadlockDetection(timeout time.Duration) {
	deadlock.Opts.Disable = timeout <= 0
	deadlock.Opts.DeadlockTimeout = timeout
	deadlock.Opts.OnPotentialDeadlock = func() {
		log.Errorf("GIL not acquired within %s; possible deadlock", timeout)
	}
}

// ---------------------------------------------------------------------------
// Thread
// ---------------------------------------------------------------------------

// Thread is a language-level thread: one goroutine, one execution context
// (plus one per fiber it runs), pending interrupts and $!.
type Thread struct {
	ID uuid.UUID

	vm   *VM
	ec   *ExecContext // current context: root or the running fiber's
	root *ExecContext

	fiber *Fiber // running fiber, nil on the root context
	held  bool   // this thread owns the GIL

	safeLevel int
	errinfo   Value

	mu          sync.Mutex
	pending     []Value
	interrupted atomic.Bool

	done   chan struct{}
	result Value
	err    error
}

func (vm *VM) newThread() *Thread {
	th := &Thread{
		ID:        uuid.New(),
		vm:        vm,
		safeLevel: vm.config.VM.SafeLevel,
		errinfo:   Nil,
		result:    Nil,
		done:      make(chan struct{}),
	}
	th.root = newExecContext(th, vm.config.VM.StackSize, vm.config.VM.FrameDepth)
	th.ec = th.root
	return th
}

// VM returns the thread's VM.
func (th *Thread) VM() *VM { return th.vm }

// Context returns the execution context currently running on th.
func (th *Thread) Context() *ExecContext { return th.ec }

// SafeLevel returns the thread's current safe level.
func (th *Thread) SafeLevel() int { return th.safeLevel }

// Alive reports whether the thread's body is still running.
func (th *Thread) Alive() bool {
	select {
	case <-th.done:
		return false
	default:
		return true
	}
}

// lock takes the GIL for th unless it already holds it. The returned
// function undoes exactly what lock did.
func (th *Thread) lock() func() {
	if th.held {
		return func() {}
	}
	th.vm.gil.acquire(th)
	th.held = true
	return func() {
		th.held = false
		th.vm.gil.release()
	}
}

// WithoutLock runs fn with the GIL released. fn must not touch VM state.
func (th *Thread) WithoutLock(fn func()) {
	if !th.held {
		fn()
		return
	}
	th.held = false
	th.vm.gil.release()
	defer func() {
		th.vm.gil.acquire(th)
		th.held = true
	}()
	fn()
}

// yieldGIL hands the lock to a waiting thread.
func (th *Thread) yieldGIL() {
	th.WithoutLock(runtime.Gosched)
}

// Interrupt queues exc to be raised in th at its next checkpoint. Safe to
// call from any goroutine.
func (th *Thread) Interrupt(exc Value) {
	th.mu.Lock()
	th.pending = append(th.pending, exc)
	th.mu.Unlock()
	th.interrupted.Store(true)
}

// checkInts runs at calls and backward branches: it delivers one pending
// interrupt and lets waiting threads take the GIL.
func (th *Thread) checkInts() error {
	if th.interrupted.Load() {
		th.mu.Lock()
		var exc Value
		n := len(th.pending)
		if n > 0 {
			exc = th.pending[0]
			th.pending = th.pending[1:]
		}
		th.interrupted.Store(n > 1)
		th.mu.Unlock()
		if n > 0 {
			return th.Raise(exc)
		}
	}
	if th.held && th.vm.gil.waiting.Load() > 0 {
		th.yieldGIL()
	}
	return nil
}

// Protect runs fn and hands back any control signal it produced instead
// of letting it propagate, restoring the frame stack to its depth at entry.
// Fatal errors are returned with state StateNormal.
func (th *Thread) Protect(fn func() (Value, error)) (Value, ThrowState, error) {
	depth := th.ec.Depth()
	v, err := fn()
	if err == nil {
		return v, StateNormal, nil
	}
	if th.ec.Depth() > depth {
		th.ec.unwindTo(depth)
	}
	td, ok := AsThrow(err)
	if !ok {
		return Nil, StateNormal, err
	}
	if td.State == StateRaise {
		th.errinfo = td.Payload
	}
	return Nil, td.State, td
}

// Backtrace renders the live frames innermost first.
func (th *Thread) Backtrace() []string {
	ec := th.ec
	var out []string
	for i := ec.cfp; i >= 0; i-- {
		f := &ec.frames[i]
		switch {
		case f.Magic == MagicFinish:
		case f.Magic == MagicCFunc:
			name := "?"
			if f.Method != nil {
				if nb, ok := f.Method.Body.(*NativeBody); ok {
					name = nb.Name
				}
			}
			out = append(out, "<native:"+name+">")
		case f.ISeq != nil:
			out = append(out, fmt.Sprintf("%s:%d", f.ISeq.Name, f.PC))
		}
	}
	return out
}

// Join waits for th to finish, releasing the caller's GIL meanwhile.
func (th *Thread) Join() (Value, error) {
	if cur := th.vm.CurrentThread(); cur != nil && cur != th {
		cur.WithoutLock(func() { <-th.done })
	} else {
		<-th.done
	}
	return th.result, th.err
}

func (th *Thread) finish(v Value, err error) {
	th.result, th.err = v, err
	switch {
	case err == nil:
	case IsStackOverflow(err):
		log.Errorf("thread %s terminated: %s", th.ID, err)
	default:
		if exc := th.vm.ExceptionOf(err); exc != nil {
			log.Warningf("thread %s terminated with exception (%s)", th.ID, exc.describe())
		} else {
			log.Warningf("thread %s terminated: %s", th.ID, err)
		}
	}
	close(th.done)
}

// ---------------------------------------------------------------------------
// Goroutine binding
// ---------------------------------------------------------------------------

func (vm *VM) bind(th *Thread) int64 {
	id := goid.Get()
	vm.goroutines.Store(id, th)
	return id
}

func (vm *VM) unbind(id int64) {
	vm.goroutines.Delete(id)
}

// CurrentThread returns the thread running on the calling goroutine, or
// nil if the goroutine is not executing for this VM.
func (vm *VM) CurrentThread() *Thread {
	if v, ok := vm.goroutines.Load(goid.Get()); ok {
		return v.(*Thread)
	}
	return nil
}
