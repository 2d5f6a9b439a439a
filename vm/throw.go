package vm

import (
	"fmt"

	"github.com/pkg/errors"
)

// ---------------------------------------------------------------------------
// Control signals
// ---------------------------------------------------------------------------

// ThrowState is the thread's unwinding state. The numbering matches the
// operand of the throw instruction.
type ThrowState uint8

const (
	StateNormal ThrowState = iota
	StateReturn
	StateBreak
	StateNext
	StateRetry
	StateRedo
	StateRaise
)

var stateNames = [...]string{"normal", "return", "break", "next", "retry", "redo", "raise"}

func (s ThrowState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

// ThrowData is an in-flight control signal. It travels as a Go error out
// of the interpreter loop and through natives until the resolver finds a
// catch entry for it.
type ThrowData struct {
	State   ThrowState
	Payload Value

	// CatchPoint is the normalized scope that must be reached before a
	// break, next, redo, retry or return is caught.
	CatchPoint EnvRef

	// NoEscape signals match the first same-kind entry regardless of scope.
	NoEscape bool

	desc   string
	handle Value
}

func (t *ThrowData) Error() string {
	if t.desc != "" {
		return t.desc
	}
	return fmt.Sprintf("unhandled %s", t.State)
}

func (t *ThrowData) children(visit func(Value)) {
	visit(t.Payload)
}

// errinfo is the value a rescue or ensure handler receives in local 0: the
// exception for a raise, otherwise a heap handle to the signal itself so
// that "throw 0" can resume it.
func (t *ThrowData) errinfo(vm *VM) Value {
	if t.State == StateRaise {
		return t.Payload
	}
	if !t.handle.IsObject() {
		t.handle = vm.heap.Register(t)
	}
	return t.handle
}

// AsThrow extracts the control signal carried by err.
func AsThrow(err error) (*ThrowData, bool) {
	var td *ThrowData
	if errors.As(err, &td) {
		return td, true
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// Throw-time validation
// ---------------------------------------------------------------------------

// throwStart computes the catch point of a signal thrown from the current
// frame. Breaks and returns with no live target become LocalJumpError.
func (th *Thread) throwStart(state ThrowState, payload Value, noEscape bool) *ThrowData {
	vm := th.vm
	ec := th.ec

	switch state {
	case StateBreak:
		i := ec.ownerFrame(vm, ec.cfp)
		if noEscape {
			return &ThrowData{State: state, Payload: payload, NoEscape: true}
		}
		f := &ec.frames[i]
		if f.Magic == MagicLambda {
			return &ThrowData{State: StateReturn, Payload: payload, CatchPoint: vm.normalize(f.DFP)}
		}
		if f.Magic != MagicBlock {
			return th.localJumpError("break from proc-closure", "break", payload)
		}
		target := vm.normalize(f.prev)
		j := ec.findFrame(vm, target, i-1)
		if j < 0 || !breakTargetValid(&ec.frames[j], f.ISeq) {
			return th.localJumpError("break from proc-closure", "break", payload)
		}
		return &ThrowData{State: state, Payload: payload, CatchPoint: target}

	case StateNext, StateRedo:
		i := ec.ownerFrame(vm, ec.cfp)
		if noEscape {
			return &ThrowData{State: state, Payload: payload, NoEscape: true}
		}
		return &ThrowData{State: state, Payload: payload, CatchPoint: vm.normalize(ec.frames[i].DFP)}

	case StateRetry:
		f := ec.Current()
		if f.Magic != MagicRescue {
			return th.localJumpError("retry outside of rescue clause", "retry", payload)
		}
		return &ThrowData{State: state, Payload: Nil, CatchPoint: vm.normalize(f.prev)}

	case StateReturn:
		if cp, ok := th.returnTarget(); ok {
			return &ThrowData{State: state, Payload: payload, CatchPoint: cp}
		}
		return th.localJumpError("unexpected return", "return", payload)

	case StateRaise:
		return th.Raise(payload).(*ThrowData)
	}
	bug("throw with invalid state %d", state)
	return nil
}

// breakTargetValid reports whether f is suspended exactly at a call that
// passed a block literal of blockISeq, so a break can resume it.
func breakTargetValid(f *ControlFrame, blockISeq *ISeq) bool {
	if f.ISeq == nil {
		return false
	}
	for i := range f.ISeq.Catch {
		e := &f.ISeq.Catch[i]
		if e.Kind != CatchBreak || (e.ISeq != nil && e.ISeq != blockISeq) || !e.covers(f.PC) {
			continue
		}
		return e.Cont == f.PC
	}
	return false
}

// returnTarget walks the lexical scopes out from the current frame. The
// innermost live lambda wins; otherwise the method-level scope must still
// be running as a method or top-level frame.
func (th *Thread) returnTarget() (EnvRef, bool) {
	vm := th.vm
	ec := th.ec
	scope := vm.normalize(ec.Current().DFP)
	from := ec.cfp
	for {
		j := ec.findFrame(vm, scope, from)
		var magic FrameMagic
		if j >= 0 {
			magic = ec.frames[j].Magic
			if magic == MagicLambda {
				return scope, true
			}
			from = j
		}
		prev := vm.prevOf(scope)
		if prev.IsZero() {
			if j >= 0 && (magic == MagicMethod || magic == MagicTop) {
				return scope, true
			}
			return EnvRef{}, false
		}
		scope = vm.normalize(prev)
	}
}

// ---------------------------------------------------------------------------
// Native throw API
// ---------------------------------------------------------------------------

// CurrentScope returns the normalized scope of the current frame.
func (th *Thread) CurrentScope() EnvRef {
	return th.vm.normalize(th.ec.Current().DFP)
}

// ThrowBreak, ThrowNext, ThrowRedo, ThrowRetry and ThrowReturn build signals
// aimed at an explicit catch point. Natives return them as errors.
func (th *Thread) ThrowBreak(payload Value, catchPoint EnvRef) error {
	return &ThrowData{State: StateBreak, Payload: payload, CatchPoint: catchPoint}
}

func (th *Thread) ThrowNext(payload Value, catchPoint EnvRef) error {
	return &ThrowData{State: StateNext, Payload: payload, CatchPoint: catchPoint}
}

func (th *Thread) ThrowRedo(catchPoint EnvRef) error {
	return &ThrowData{State: StateRedo, Payload: Nil, CatchPoint: catchPoint}
}

func (th *Thread) ThrowRetry(catchPoint EnvRef) error {
	return &ThrowData{State: StateRetry, Payload: Nil, CatchPoint: catchPoint}
}

func (th *Thread) ThrowReturn(payload Value, catchPoint EnvRef) error {
	return &ThrowData{State: StateReturn, Payload: payload, CatchPoint: catchPoint}
}

// IterBreak breaks out of the innermost native method on the stack: the
// caller of that method resumes with value as the call's result.
func (th *Thread) IterBreak(value Value) error {
	ec := th.ec
	for i := ec.cfp; i > 0; i-- {
		if ec.frames[i].Magic == MagicCFunc {
			return &ThrowData{State: StateBreak, Payload: value, CatchPoint: th.vm.normalize(ec.frames[i-1].DFP)}
		}
	}
	return th.localJumpError("break from proc-closure", "break", value)
}

// ---------------------------------------------------------------------------
// Resolver
// ---------------------------------------------------------------------------

// toSignal classifies an error leaving the interpreter loop. Go errors
// from natives become a RuntimeError raise.
func (th *Thread) toSignal(err error) (*ThrowData, error) {
	if td, ok := AsThrow(err); ok {
		return td, nil
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return nil, fe
	}
	return th.RaiseError(th.vm.RuntimeError, "%s", err.Error()).(*ThrowData), nil
}

// exec runs the interpreter from the current frame until the Finish
// sentinel below it is reached, resolving signals as they arrive. A
// non-nil err starts with resolution instead of stepping.
func (th *Thread) exec(err error) (Value, error) {
	for {
		if err == nil {
			var v Value
			v, err = th.run()
			if err == nil {
				return v, nil
			}
		}
		sig, fatal := th.toSignal(err)
		if fatal != nil {
			th.unwindFinish()
			return Nil, fatal
		}
		v, resume, err2 := th.handleSignal(sig)
		if !resume {
			return v, err2
		}
		err = nil
	}
}

// unwindFinish pops frames through the nearest Finish sentinel without
// consulting catch tables.
func (th *Thread) unwindFinish() {
	ec := th.ec
	for ec.cfp >= 0 {
		m := ec.frames[ec.cfp].Magic
		ec.cfp--
		if m == MagicFinish {
			return
		}
	}
}

// handleSignal unwinds frames until sig is caught (resume is true and the
// current frame continues) or the Finish sentinel is reached (the result or
// error is returned to the Go caller).
func (th *Thread) handleSignal(sig *ThrowData) (v Value, resume bool, err error) {
	vm := th.vm
	ec := th.ec

	for {
		f := ec.Current()
		if f == nil {
			bug("signal %s ran off the frame stack", sig.State)
		}

		switch f.Magic {
		case MagicFinish:
			ec.PopFrame()
			if sig.State == StateBreak && !sig.CatchPoint.IsZero() && vm.normalize(f.DFP) == sig.CatchPoint {
				return sig.Payload, false, nil
			}
			return Nil, false, sig
		case MagicCFunc:
			ec.PopFrame()
			continue
		}

		pc := f.PC
		atCatch := !sig.CatchPoint.IsZero() && vm.normalize(f.DFP) == sig.CatchPoint

		switch {
		case sig.State == StateReturn && atCatch:
			if e := findEntry(f, pc, CatchEnsure, CatchEnsure); e != nil {
				return th.enterHandler(f, e, sig)
			}
			ec.PopFrame()
			caller := ec.Current()
			if caller.Magic == MagicFinish {
				ec.PopFrame()
				return sig.Payload, false, nil
			}
			ec.stack[caller.SP] = sig.Payload
			caller.SP++
			return Nil, true, nil

		case sig.State == StateBreak && atCatch:
			if e := findEntry(f, pc, CatchBreak, CatchBreak); e != nil {
				f.SP = f.BP + e.SP
				f.PC = e.Cont
			}
			ec.stack[f.SP] = sig.Payload
			f.SP++
			return Nil, true, nil

		case sig.State == StateRaise:
			if e := findEntry(f, pc, CatchRescue, CatchEnsure); e != nil {
				return th.enterHandler(f, e, sig)
			}

		case sig.State == StateRetry:
			if e := findEntry(f, pc, CatchEnsure, landingKind(CatchRetry, atCatch)); e != nil {
				if e.Kind == CatchEnsure {
					return th.enterHandler(f, e, sig)
				}
				f.SP = f.BP + e.SP
				f.PC = e.Cont
				return Nil, true, nil
			}

		case sig.State == StateBreak || sig.State == StateNext || sig.State == StateRedo:
			if e := findEntry(f, pc, CatchEnsure, landingKind(catchKindOf(sig.State), atCatch || sig.NoEscape)); e != nil {
				if e.Kind == CatchEnsure {
					return th.enterHandler(f, e, sig)
				}
				f.SP = f.BP + e.SP
				f.PC = e.Cont
				if sig.State != StateRedo {
					ec.stack[f.SP] = sig.Payload
					f.SP++
				}
				return Nil, true, nil
			}

		default:
			if e := findEntry(f, pc, CatchEnsure, CatchEnsure); e != nil {
				return th.enterHandler(f, e, sig)
			}
		}

		log.Debugf("unwinding %s through %s frame %s", sig.State, f.Magic, f.ISeq.Name)
		ec.PopFrame()
	}
}

func catchKindOf(s ThrowState) CatchKind {
	switch s {
	case StateBreak:
		return CatchBreak
	case StateNext:
		return CatchNext
	case StateRedo:
		return CatchRedo
	}
	bug("no catch kind for %s", s)
	return 0
}

// landingKind is the entry kind a signal may land on in a frame. A frame the
// signal only passes through has nowhere to land, so only its ensure
// entries apply.
func landingKind(kind CatchKind, landing bool) CatchKind {
	if landing {
		return kind
	}
	return CatchEnsure
}

// findEntry returns the first catch entry covering pc whose kind is a or b.
func findEntry(f *ControlFrame, pc int, a, b CatchKind) *CatchEntry {
	for i := range f.ISeq.Catch {
		e := &f.ISeq.Catch[i]
		if (e.Kind == a || e.Kind == b) && e.covers(pc) {
			return e
		}
	}
	return nil
}

// enterHandler truncates f to the entry's depth, moves it to the
// continuation and runs the rescue or ensure iseq above it with the error
// info in local 0. It reports the same results as handleSignal.
func (th *Thread) enterHandler(f *ControlFrame, e *CatchEntry, sig *ThrowData) (Value, bool, error) {
	vm := th.vm
	ec := th.ec
	f.SP = f.BP + e.SP
	f.PC = e.Cont

	h := e.ISeq
	if err := ec.checkStack(f.SP, h); err != nil {
		th.unwindFinish()
		return Nil, false, err
	}
	info := sig.errinfo(vm)
	if sig.State == StateRaise {
		th.errinfo = info
	}
	ec.stack[f.SP] = info

	magic := MagicRescue
	if e.Kind == CatchEnsure {
		magic = MagicEnsure
	}
	params := h.ParamSize()
	ec.PushFrame(magic, f.Self, SpecVal{Prev: f.DFP}, h, 0, f.SP+params, f.LFP, h.LocalSize()-params)
	return Nil, true, nil
}

// rethrow implements "throw 0": resume the signal a handler received.
func (th *Thread) rethrow(info Value) error {
	switch obj := th.vm.heap.Get(info).(type) {
	case *ThrowData:
		return obj
	case *ExceptionObject:
		return &ThrowData{State: StateRaise, Payload: info, desc: obj.describe()}
	}
	bug("rethrow of non-signal %s", info)
	return nil
}
