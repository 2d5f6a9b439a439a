package vm

import (
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Heap: VM-local registry for every boxed object
// ---------------------------------------------------------------------------

// HeapObject is anything a Value can refer to through an object handle.
type HeapObject interface {
	// children reports the Values this object keeps alive.
	children(visit func(Value))
}

// Object is a plain instance with instance variables.
type Object struct {
	Class *Class
	Ivars map[Symbol]Value
}

func (o *Object) children(visit func(Value)) {
	for _, v := range o.Ivars {
		visit(v)
	}
}

// ArrayObject is the minimal array used by argument adaptation.
type ArrayObject struct {
	Elems []Value
}

func (a *ArrayObject) children(visit func(Value)) {
	for _, v := range a.Elems {
		visit(v)
	}
}

// StringObject is an immutable string payload.
type StringObject struct {
	S string
}

func (s *StringObject) children(func(Value)) {}

// Heap maps object ids to objects. Values hold ids, never pointers, so the
// Go collector keeps seeing every live object through this table; the VM's
// own mark/sweep (gc.go) removes unreachable entries.
type Heap struct {
	mu      sync.RWMutex
	objects map[uint32]HeapObject
	nextID  atomic.Uint32
}

// NewHeap creates an empty heap. IDs start at 1.
func NewHeap() *Heap {
	h := &Heap{objects: make(map[uint32]HeapObject)}
	h.nextID.Store(0)
	return h
}

// Register stores obj and returns its handle.
func (h *Heap) Register(obj HeapObject) Value {
	id := h.nextID.Add(1)
	h.mu.Lock()
	h.objects[id] = obj
	h.mu.Unlock()
	return FromObjectID(id)
}

// Get returns the object behind v, or nil if v is not a live handle.
func (h *Heap) Get(v Value) HeapObject {
	if !v.IsObject() {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.objects[v.ObjectID()]
}

// Len returns the number of live objects.
func (h *Heap) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.objects)
}

// sweep drops every object whose id is not in marked.
func (h *Heap) sweep(marked map[uint32]struct{}) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	swept := 0
	for id := range h.objects {
		if _, ok := marked[id]; !ok {
			delete(h.objects, id)
			swept++
		}
	}
	return swept
}

// NewArray registers a fresh array holding a copy of elems.
func (h *Heap) NewArray(elems []Value) Value {
	cp := make([]Value, len(elems))
	copy(cp, elems)
	return h.Register(&ArrayObject{Elems: cp})
}

// NewString registers a string.
func (h *Heap) NewString(s string) Value {
	return h.Register(&StringObject{S: s})
}

// Array returns the array behind v, or nil.
func (h *Heap) Array(v Value) *ArrayObject {
	a, _ := h.Get(v).(*ArrayObject)
	return a
}

// String returns the string behind v, or nil.
func (h *Heap) String(v Value) *StringObject {
	s, _ := h.Get(v).(*StringObject)
	return s
}

// Proc returns the proc behind v, or nil.
func (h *Heap) Proc(v Value) *Proc {
	p, _ := h.Get(v).(*Proc)
	return p
}

// Exception returns the exception behind v, or nil.
func (h *Heap) Exception(v Value) *ExceptionObject {
	e, _ := h.Get(v).(*ExceptionObject)
	return e
}

// Object returns the plain instance behind v, or nil.
func (h *Heap) Object(v Value) *Object {
	o, _ := h.Get(v).(*Object)
	return o
}
