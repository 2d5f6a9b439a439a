package vm

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// Scope references
// ---------------------------------------------------------------------------

// EnvHandle is a generation-checked index into the EnvArena.
type EnvHandle struct {
	index uint32
	gen   uint16
}

// IsZero reports whether h refers to nothing.
func (h EnvHandle) IsZero() bool { return h.index == 0 }

func (h EnvHandle) String() string { return fmt.Sprintf("env#%d.%d", h.index, h.gen) }

// EnvRef names a variable scope: either a live frame on some execution
// context's stack, identified by frame index and generation, or an Env in the
// arena. The zero EnvRef names no scope.
type EnvRef struct {
	ec    *ExecContext
	frame int32
	gen   uint32
	env   EnvHandle
}

func heapRef(h EnvHandle) EnvRef { return EnvRef{env: h} }

// IsZero reports whether r names no scope.
func (r EnvRef) IsZero() bool { return r.ec == nil && r.env.IsZero() }

// OnStack reports whether r names a frame.
func (r EnvRef) OnStack() bool { return r.ec != nil }

// OnHeap reports whether r names an Env.
func (r EnvRef) OnHeap() bool { return !r.env.IsZero() }

// Handle returns the Env handle of a heap ref.
func (r EnvRef) Handle() EnvHandle { return r.env }

func (r EnvRef) String() string {
	switch {
	case r.OnHeap():
		return r.env.String()
	case r.OnStack():
		return fmt.Sprintf("frame#%d.%d", r.frame, r.gen)
	}
	return "<none>"
}

// ---------------------------------------------------------------------------
// Env: heap-resident scope
// ---------------------------------------------------------------------------

// Env is a promoted scope. It outlives the frame it was copied from and is
// freed only by the collector.
type Env struct {
	Locals  []Value
	Spec    Value // the rewritten special-value slot: this Env's own handle
	Prev    EnvRef
	Block   *Block // escaped block handler, backed by a Proc
	Special *SpecialVars
	ISeq    *ISeq
	Self    Value
}

type envSlot struct {
	env *Env
	gen uint16
}

// EnvArena owns every Env. Slot 0 is reserved so the zero handle is invalid.
type EnvArena struct {
	mu    sync.Mutex
	slots []envSlot
	free  []uint32
	live  int
}

// NewEnvArena creates an empty arena.
func NewEnvArena() *EnvArena {
	return &EnvArena{slots: make([]envSlot, 1, 64)}
}

// Alloc stores e and returns its handle.
func (a *EnvArena) Alloc(e *Env) EnvHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.live++
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[idx].env = e
		return EnvHandle{index: idx, gen: a.slots[idx].gen}
	}
	a.slots = append(a.slots, envSlot{env: e, gen: 1})
	return EnvHandle{index: uint32(len(a.slots) - 1), gen: 1}
}

// Get returns the Env for h, or nil if h is stale.
func (a *EnvArena) Get(h EnvHandle) *Env {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h.index == 0 || int(h.index) >= len(a.slots) {
		return nil
	}
	s := a.slots[h.index]
	if s.gen != h.gen {
		return nil
	}
	return s.env
}

// Len returns the number of live Envs.
func (a *EnvArena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// sweep frees every Env whose index is not in marked.
func (a *EnvArena) sweep(marked map[uint32]struct{}) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	swept := 0
	for i := 1; i < len(a.slots); i++ {
		s := &a.slots[i]
		if s.env == nil {
			continue
		}
		if _, ok := marked[uint32(i)]; ok {
			continue
		}
		s.env = nil
		s.gen++
		if s.gen == 0 {
			s.gen = 1
		}
		a.free = append(a.free, uint32(i))
		a.live--
		swept++
	}
	return swept
}

// ---------------------------------------------------------------------------
// Scope access
// ---------------------------------------------------------------------------

// liveFrame returns the frame r names if it is still on its stack.
func liveFrame(r EnvRef) (*ControlFrame, bool) {
	if !r.OnStack() || int(r.frame) > r.ec.cfp {
		return nil, false
	}
	f := &r.ec.frames[r.frame]
	if f.gen != r.gen {
		return nil, false
	}
	return f, true
}

// normalize maps a stack ref to a promoted frame onto its Env. Scopes are
// equal exactly when their normalized refs are equal.
func (vm *VM) normalize(r EnvRef) EnvRef {
	f, ok := liveFrame(r)
	if !ok {
		return r
	}
	if slot := r.ec.stack[f.specSlot()]; slot.IsEnv() {
		return heapRef(slot.EnvHandle())
	}
	return r
}

func (vm *VM) env(r EnvRef) *Env {
	e := vm.envs.Get(r.env)
	if e == nil {
		bug("stale env handle %s", r.env)
	}
	return e
}

func (vm *VM) frameOf(r EnvRef) *ControlFrame {
	f, ok := liveFrame(r)
	if !ok {
		bug("scope %s refers to a popped frame", r)
	}
	return f
}

// localsOf returns the local slots of a scope.
func (vm *VM) localsOf(r EnvRef) []Value {
	r = vm.normalize(r)
	if r.OnHeap() {
		return vm.env(r).Locals
	}
	f := vm.frameOf(r)
	return r.ec.stack[f.localBase : f.localBase+f.localSize]
}

// prevOf returns the lexical parent of a scope.
func (vm *VM) prevOf(r EnvRef) EnvRef {
	r = vm.normalize(r)
	if r.OnHeap() {
		return vm.env(r).Prev
	}
	return vm.frameOf(r).prev
}

// blockOf returns the block handler of a method-level scope.
func (vm *VM) blockOf(r EnvRef) *Block {
	r = vm.normalize(r)
	if r.OnHeap() {
		return vm.env(r).Block
	}
	return vm.frameOf(r).block
}

// specialOf returns the special variables of a method-level scope,
// allocating them when create is set.
func (vm *VM) specialOf(r EnvRef, create bool) *SpecialVars {
	r = vm.normalize(r)
	if r.OnHeap() {
		e := vm.env(r)
		if e.Special == nil && create {
			e.Special = newSpecialVars()
		}
		return e.Special
	}
	f := vm.frameOf(r)
	if f.special == nil && create {
		f.special = newSpecialVars()
	}
	return f.special
}

// scopeAt walks level lexical parents up from the frame's own scope.
func (vm *VM) scopeAt(f *ControlFrame, level int) EnvRef {
	s := f.DFP
	for ; level > 0; level-- {
		s = vm.prevOf(s)
		if s.IsZero() {
			bug("scope level out of range in %s", f.ISeq.Name)
		}
	}
	return s
}

// ---------------------------------------------------------------------------
// Promotion
// ---------------------------------------------------------------------------

// Promote moves the scope r, and every on-stack scope it lexically nests in,
// to the heap. The frame keeps running against the Env from then on;
// references captured earlier are redirected through the rewritten special
// slot. Promoting an already heap-resident scope returns it unchanged.
func (th *Thread) Promote(r EnvRef) EnvRef {
	vm := th.vm
	r = vm.normalize(r)
	if r.IsZero() || r.OnHeap() {
		return r
	}
	f := vm.frameOf(r)

	prev := th.Promote(f.prev)

	locals := make([]Value, f.localSize)
	copy(locals, r.ec.stack[f.localBase:f.localBase+f.localSize])

	blk := f.block
	if blk != nil {
		// The block handler would dangle once the caller returns.
		p := vm.heap.Proc(th.MakeProc(blk, false))
		blk = &p.Block
	}

	e := &Env{
		Locals:  locals,
		Prev:    prev,
		Block:   blk,
		Special: f.special,
		ISeq:    f.ISeq,
		Self:    f.Self,
	}
	h := vm.envs.Alloc(e)
	e.Spec = FromEnvHandle(h)
	ref := heapRef(h)

	r.ec.stack[f.specSlot()] = e.Spec
	if f.LFP == f.DFP {
		f.LFP = ref
	}
	f.DFP = ref
	f.prev = prev
	f.block = blk

	name := "<native>"
	if f.ISeq != nil {
		name = f.ISeq.Name
	}
	log.Debugf("promoted %s frame %d (%s) to %s", f.Magic, r.frame, name, h)
	return ref
}
