package vm

import "fmt"

// ---------------------------------------------------------------------------
// Fibers: cooperative coroutines with their own execution context
// ---------------------------------------------------------------------------

// FiberState is the lifecycle state of a fiber.
type FiberState uint8

const (
	FiberCreated FiberState = iota
	FiberResumed
	FiberSuspended
	FiberTerminated
)

var fiberStateNames = [...]string{"created", "resumed", "suspended", "terminated"}

func (s FiberState) String() string {
	if int(s) < len(fiberStateNames) {
		return fiberStateNames[s]
	}
	return fmt.Sprintf("fiber(%d)", s)
}

type fiberMsg struct {
	args []Value
	err  error
}

// Fiber runs a proc on its own goroutine and execution context. Control
// passes back and forth over channels, so exactly one of the resumer and
// the fiber runs at a time and the owning thread's hold on the GIL is
// shared by both.
type Fiber struct {
	th     *Thread
	ec     *ExecContext
	proc   Value
	handle Value
	state  FiberState

	// Resumer while running: its fiber (nil for the root context) and
	// execution context.
	prev   *Fiber
	prevEC *ExecContext

	resumeCh chan fiberMsg
	yieldCh  chan fiberMsg
}

func (f *Fiber) children(visit func(Value)) {
	visit(f.proc)
}

// State returns the fiber's lifecycle state.
func (f *Fiber) State() FiberState { return f.state }

// Alive reports whether the fiber can still be resumed.
func (f *Fiber) Alive() bool { return f.state != FiberTerminated }

// NewFiber creates a suspended fiber that will run the proc pv on its first
// resume. The fiber belongs to th.
func (th *Thread) NewFiber(pv Value) (Value, error) {
	vm := th.vm
	if vm.heap.Proc(pv) == nil {
		return Nil, th.RaiseError(vm.TypeError, "wrong argument type %s (expected Proc)", vm.ClassOf(pv).Name)
	}
	f := &Fiber{
		th:       th,
		ec:       newExecContext(th, vm.config.VM.StackSize, vm.config.VM.FrameDepth),
		proc:     pv,
		state:    FiberCreated,
		resumeCh: make(chan fiberMsg),
		yieldCh:  make(chan fiberMsg),
	}
	f.ec.fiber = f
	f.handle = vm.heap.Register(f)
	return f.handle, nil
}

// Fiber returns the fiber behind v, or nil.
func (h *Heap) Fiber(v Value) *Fiber {
	f, _ := h.Get(v).(*Fiber)
	return f
}

// CurrentFiber returns the fiber running on th, or nil on the root context.
func (th *Thread) CurrentFiber() *Fiber { return th.fiber }

// Resume transfers control into the fiber fv until it yields or finishes.
// On the first resume args become the proc's arguments; afterwards they
// become the value of the pending Fiber.yield.
func (th *Thread) Resume(fv Value, args ...Value) (Value, error) {
	vm := th.vm
	f := vm.heap.Fiber(fv)
	if f == nil {
		return Nil, th.RaiseError(vm.TypeError, "not a fiber")
	}
	switch {
	case f.th != th:
		return Nil, th.RaiseError(vm.FiberError, "fiber called across threads")
	case f.state == FiberTerminated:
		return Nil, th.RaiseError(vm.FiberError, "dead fiber called")
	case f.state == FiberResumed && f == th.fiber:
		return Nil, th.RaiseError(vm.FiberError, "attempt to resume the current fiber")
	case f.state == FiberResumed:
		return Nil, th.RaiseError(vm.FiberError, "attempt to resume a resumed fiber (double resume)")
	}

	f.prev, f.prevEC = th.fiber, th.ec
	th.fiber, th.ec = f, f.ec
	created := f.state == FiberCreated
	f.state = FiberResumed
	log.Debugf("thread %s: resume fiber %s", th.ID, f.handle)

	cp := append([]Value(nil), args...)
	if created {
		go f.run(cp)
	} else {
		f.resumeCh <- fiberMsg{args: cp}
	}
	msg := <-f.yieldCh

	th.fiber, th.ec = f.prev, f.prevEC
	f.prev, f.prevEC = nil, nil
	if f.state != FiberTerminated {
		f.state = FiberSuspended
	}
	if msg.err != nil {
		return Nil, msg.err
	}
	return th.packValues(msg.args), nil
}

func (f *Fiber) run(args []Value) {
	th := f.th
	id := th.vm.bind(th)
	defer th.vm.unbind(id)

	v, err := th.InvokeProc(f.proc, args, nil)
	f.state = FiberTerminated
	log.Debugf("thread %s: fiber %s terminated", th.ID, f.handle)
	f.yieldCh <- fiberMsg{args: []Value{v}, err: err}
}

// FiberYield suspends the running fiber, handing vals to its resumer, and
// returns what the next Resume passes in.
func (th *Thread) FiberYield(vals ...Value) (Value, error) {
	f := th.fiber
	if f == nil {
		return Nil, th.RaiseError(th.vm.FiberError, "can't yield from root fiber")
	}
	log.Debugf("thread %s: fiber %s yields", th.ID, f.handle)
	f.yieldCh <- fiberMsg{args: append([]Value(nil), vals...)}
	msg := <-f.resumeCh
	return th.packValues(msg.args), nil
}

// packValues turns a transfer's value list into one value: nil, the value,
// or an Array.
func (th *Thread) packValues(vs []Value) Value {
	switch len(vs) {
	case 0:
		return Nil
	case 1:
		return vs[0]
	}
	return th.vm.heap.NewArray(vs)
}
