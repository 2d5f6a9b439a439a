package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Exception objects
// ---------------------------------------------------------------------------

// ExceptionObject is a raised (or raisable) exception instance.
type ExceptionObject struct {
	Class     *Class
	Message   string
	Backtrace []string

	// Payload and Reason are set on LocalJumpError: the value the orphan
	// break or return carried, and which construct failed.
	Payload Value
	Reason  string
}

func (e *ExceptionObject) children(visit func(Value)) {
	visit(e.Payload)
}

func (e *ExceptionObject) describe() string {
	if e.Message == "" {
		return e.Class.Name
	}
	return e.Class.Name + ": " + e.Message
}

// NewException registers an exception of class with the given message. The
// backtrace is filled in when it is raised.
func (vm *VM) NewException(class *Class, msg string) Value {
	return vm.heap.Register(&ExceptionObject{Class: class, Message: msg, Payload: Nil})
}

// ExceptionOf returns the exception carried by a RAISE signal, or nil.
func (vm *VM) ExceptionOf(err error) *ExceptionObject {
	td, ok := AsThrow(err)
	if !ok || td.State != StateRaise {
		return nil
	}
	return vm.heap.Exception(td.Payload)
}

// ---------------------------------------------------------------------------
// Raising
// ---------------------------------------------------------------------------

// Raise starts a RAISE signal. exc may be an exception object, an exception
// class (instantiated without a message) or a String (a RuntimeError).
// The returned error must be propagated by the caller.
func (th *Thread) Raise(exc Value) error {
	vm := th.vm
	if exc.IsClass() {
		c := vm.classes.ByID(exc.ClassID())
		if c == nil || !c.IsKindOf(vm.ExceptionClass) {
			return th.RaiseError(vm.TypeError, "exception class/object expected")
		}
		exc = vm.NewException(c, "")
	} else if s := vm.heap.String(exc); s != nil {
		exc = vm.NewException(vm.RuntimeError, s.S)
	}

	obj := vm.heap.Exception(exc)
	if obj == nil {
		return th.RaiseError(vm.TypeError, "exception class/object expected")
	}
	if obj.Backtrace == nil {
		obj.Backtrace = th.Backtrace()
	}
	return &ThrowData{State: StateRaise, Payload: exc, desc: obj.describe()}
}

// RaiseError raises a new exception of class with a formatted message.
func (th *Thread) RaiseError(class *Class, format string, args ...any) error {
	return th.Raise(th.vm.NewException(class, fmt.Sprintf(format, args...)))
}

// localJumpError builds the rescuable error for an orphan break, return or
// retry. reason is "break", "return", "retry" or "noreason".
func (th *Thread) localJumpError(msg, reason string, payload Value) *ThrowData {
	vm := th.vm
	v := vm.NewException(vm.LocalJumpError, msg)
	obj := vm.heap.Exception(v)
	obj.Payload = payload
	obj.Reason = reason
	return th.Raise(v).(*ThrowData)
}

// Errinfo returns the exception most recently rescued on this thread ($!).
func (th *Thread) Errinfo() Value { return th.errinfo }
