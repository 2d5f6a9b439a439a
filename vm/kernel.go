package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Core natives
// ---------------------------------------------------------------------------

// ThreadObject is the language-level handle of a Thread.
type ThreadObject struct {
	Thread *Thread
}

func (t *ThreadObject) children(visit func(Value)) {
	visit(t.Thread.result)
}

func (vm *VM) registerKernel() {
	vm.registerKernelMethods()
	vm.registerModuleMethods()
	vm.registerIntegerMethods()
	vm.registerArrayMethods()
	vm.registerStringMethods()
	vm.registerProcMethods()
	vm.registerExceptionMethods()
	vm.registerThreadMethods()
	vm.registerFiberMethods()
}

// callerFrame returns the frame that called the running native.
func (th *Thread) callerFrame() *ControlFrame {
	ec := th.ec
	if ec.cfp < 1 || ec.frames[ec.cfp].Magic != MagicCFunc {
		bug("callerFrame outside a native call")
	}
	return &ec.frames[ec.cfp-1]
}

func (vm *VM) registerKernelMethods() {
	k := vm.KernelModule

	vm.DefineNative(k, "raise", -1, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		switch len(args) {
		case 0:
			if th.errinfo.IsObject() {
				return Nil, th.Raise(th.errinfo)
			}
			return Nil, th.RaiseError(vm.RuntimeError, "unhandled exception")
		case 1:
			return Nil, th.Raise(args[0])
		case 2:
			c := vm.ClassByValue(args[0])
			s := vm.heap.String(args[1])
			if c == nil || !c.IsKindOf(vm.ExceptionClass) || s == nil {
				return Nil, th.RaiseError(vm.TypeError, "exception class/object expected")
			}
			return Nil, th.Raise(vm.NewException(c, s.S))
		}
		return Nil, th.RaiseError(vm.ArgumentError, "wrong number of arguments (given %d, expected 0..2)", len(args))
	})

	vm.DefineNative(k, "proc", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		if blk == nil {
			return Nil, th.RaiseError(vm.ArgumentError, "tried to create Proc object without a block")
		}
		return th.MakeProc(blk, false), nil
	})

	vm.DefineNative(k, "lambda", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		if blk == nil {
			return Nil, th.RaiseError(vm.ArgumentError, "tried to create Proc object without a block")
		}
		return th.MakeProc(blk, true), nil
	})

	vm.DefineNative(k, "block_given?", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return FromBool(vm.blockOf(th.callerFrame().LFP) != nil), nil
	})

	vm.DefineNative(k, "loop", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		if blk == nil {
			return Nil, th.localJumpError("no block given (yield)", "noreason", Nil)
		}
		for {
			if err := th.checkInts(); err != nil {
				return Nil, err
			}
			if _, err := th.Yield(blk); err != nil {
				if exc := vm.ExceptionOf(err); exc != nil && exc.Class.IsKindOf(vm.StopIteration) {
					return exc.Payload, nil
				}
				return Nil, err
			}
		}
	})

	vm.DefineNative(k, "class", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return ClassValue(vm.realClassOf(self)), nil
	})

	vm.DefineNative(k, "==", 1, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return FromBool(self == args[0]), nil
	})

	vm.DefineNative(k, "equal?", 1, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return FromBool(self == args[0]), nil
	})

	vm.DefineNative(k, "nil?", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return FromBool(self == Nil), nil
	})

	vm.DefineNative(k, "is_a?", 1, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		c := vm.ClassByValue(args[0])
		if c == nil {
			return Nil, th.RaiseError(vm.TypeError, "class or module required")
		}
		return FromBool(vm.ClassOf(self).IsKindOf(c)), nil
	})
	vm.AliasMethod(k, vm.Intern("kind_of?"), vm.Intern("is_a?"))

	vm.DefineNative(k, "respond_to?", 1, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		if !args[0].IsSymbol() {
			return Nil, th.RaiseError(vm.TypeError, "%s is not a symbol", vm.Inspect(args[0]))
		}
		return FromBool(vm.RespondTo(self, Symbol(args[0].SymbolID()))), nil
	})

	vm.DefineNative(k, "inspect", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return vm.heap.NewString(vm.Inspect(self)), nil
	})

	vm.DefineNative(k, "safe_level", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return FromSmallInt(int64(th.safeLevel)), nil
	})

	vm.DefineNative(vm.ObjectClass, "initialize", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return Nil, nil
	})
}

func (vm *VM) registerModuleMethods() {
	m := vm.ModuleClass

	vm.DefineNative(vm.ClassClass, "new", -1, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		c := vm.ClassByValue(self)
		switch {
		case c.IsKindOf(vm.ExceptionClass):
			msg := ""
			if len(args) > 0 {
				s := vm.heap.String(args[0])
				if s == nil {
					return Nil, th.RaiseError(vm.TypeError, "exception message must be a String")
				}
				msg = s.S
			}
			return vm.NewException(c, msg), nil
		case c == vm.ArrayClass:
			return vm.heap.NewArray(args), nil
		}
		obj := vm.heap.Register(&Object{Class: c, Ivars: make(map[Symbol]Value)})
		if _, err := th.InvokeMethod(obj, vm.selInitialize, args, blk); err != nil {
			return Nil, err
		}
		return obj, nil
	})

	vm.DefineNative(m, "name", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return vm.heap.NewString(vm.ClassByValue(self).Name), nil
	})

	vm.DefineNative(m, "include", 1, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		mod := vm.ClassByValue(args[0])
		if mod == nil || !mod.IsModule {
			return Nil, th.RaiseError(vm.TypeError, "wrong argument type %s (expected Module)", vm.Inspect(args[0]))
		}
		vm.Include(vm.ClassByValue(self), mod)
		return self, nil
	})

	vm.DefineNative(m, "alias_method", 2, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		if !args[0].IsSymbol() || !args[1].IsSymbol() {
			return Nil, th.RaiseError(vm.TypeError, "alias_method expects symbols")
		}
		if err := vm.AliasMethod(vm.ClassByValue(self), Symbol(args[0].SymbolID()), Symbol(args[1].SymbolID())); err != nil {
			return Nil, th.RaiseError(vm.NameError, "%s", err.Error())
		}
		return args[0], nil
	})

	vm.DefineNative(m, "undef_method", 1, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		if !args[0].IsSymbol() {
			return Nil, th.RaiseError(vm.TypeError, "%s is not a symbol", vm.Inspect(args[0]))
		}
		vm.UndefMethod(vm.ClassByValue(self), Symbol(args[0].SymbolID()))
		return self, nil
	})

	vm.DefineNative(m, "===", 1, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return FromBool(vm.isA(args[0], self)), nil
	})
}

func (vm *VM) intArg(th *Thread, v Value) (int64, error) {
	if !v.IsSmallInt() {
		return 0, th.RaiseError(vm.TypeError, "%s can't be coerced into Integer", vm.realClassOf(v).Name)
	}
	return v.SmallInt(), nil
}

func (vm *VM) registerIntegerMethods() {
	c := vm.IntegerClass

	arith := func(name string, op func(a, b int64) (int64, bool)) {
		vm.DefineNative(c, name, 1, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
			b, err := vm.intArg(th, args[0])
			if err != nil {
				return Nil, err
			}
			r, ok := op(self.SmallInt(), b)
			if !ok {
				return Nil, th.RaiseError(vm.RangeError, "integer overflow in %s", name)
			}
			v, ok := TryFromSmallInt(r)
			if !ok {
				return Nil, th.RaiseError(vm.RangeError, "integer overflow in %s", name)
			}
			return v, nil
		})
	}
	arith("+", func(a, b int64) (int64, bool) { return a + b, true })
	arith("-", func(a, b int64) (int64, bool) { return a - b, true })
	arith("*", func(a, b int64) (int64, bool) {
		r := a * b
		return r, a == 0 || r/a == b
	})

	vm.DefineNative(c, "/", 1, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		b, err := vm.intArg(th, args[0])
		if err != nil {
			return Nil, err
		}
		if b == 0 {
			return Nil, th.RaiseError(vm.ZeroDivisionError, "divided by 0")
		}
		a := self.SmallInt()
		q := a / b
		if (a%b != 0) && ((a < 0) != (b < 0)) {
			q--
		}
		return FromSmallInt(q), nil
	})

	compare := func(name string, op func(a, b int64) bool) {
		vm.DefineNative(c, name, 1, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
			b, err := vm.intArg(th, args[0])
			if err != nil {
				return Nil, err
			}
			return FromBool(op(self.SmallInt(), b)), nil
		})
	}
	compare("<", func(a, b int64) bool { return a < b })
	compare(">", func(a, b int64) bool { return a > b })
	compare("<=", func(a, b int64) bool { return a <= b })
	compare(">=", func(a, b int64) bool { return a >= b })

	vm.DefineNative(c, "==", 1, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return FromBool(self == args[0]), nil
	})

	vm.DefineNative(c, "times", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		if blk == nil {
			return Nil, th.localJumpError("no block given (yield)", "noreason", Nil)
		}
		n := self.SmallInt()
		for i := int64(0); i < n; i++ {
			if _, err := th.Yield(blk, FromSmallInt(i)); err != nil {
				return Nil, err
			}
		}
		return self, nil
	})
}

func (vm *VM) registerArrayMethods() {
	c := vm.ArrayClass

	vm.DefineNative(c, "each", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		if blk == nil {
			return Nil, th.localJumpError("no block given (yield)", "noreason", Nil)
		}
		arr := vm.heap.Array(self)
		for i := 0; i < len(arr.Elems); i++ {
			if _, err := th.Yield(blk, arr.Elems[i]); err != nil {
				return Nil, err
			}
		}
		return self, nil
	})

	vm.DefineNative(c, "size", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return FromSmallInt(int64(len(vm.heap.Array(self).Elems))), nil
	})
	vm.AliasMethod(c, vm.Intern("length"), vm.Intern("size"))

	vm.DefineNative(c, "[]", 1, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		i, err := vm.intArg(th, args[0])
		if err != nil {
			return Nil, err
		}
		elems := vm.heap.Array(self).Elems
		if i < 0 {
			i += int64(len(elems))
		}
		if i < 0 || i >= int64(len(elems)) {
			return Nil, nil
		}
		return elems[i], nil
	})

	vm.DefineNative(c, "<<", 1, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		arr := vm.heap.Array(self)
		arr.Elems = append(arr.Elems, args[0])
		return self, nil
	})

	vm.DefineNative(c, "push", -1, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		arr := vm.heap.Array(self)
		arr.Elems = append(arr.Elems, args...)
		return self, nil
	})
}

func (vm *VM) registerStringMethods() {
	vm.DefineNative(vm.StringClass, "==", 1, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		other := vm.heap.String(args[0])
		return FromBool(other != nil && other.S == vm.heap.String(self).S), nil
	})
	vm.DefineNative(vm.StringClass, "size", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return FromSmallInt(int64(len([]rune(vm.heap.String(self).S)))), nil
	})
}

func (vm *VM) registerProcMethods() {
	c := vm.ProcClass

	vm.DefineNative(c, "call", -1, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return th.InvokeProc(self, args, blk)
	})
	vm.AliasMethod(c, vm.Intern("[]"), vm.Intern("call"))
	vm.AliasMethod(c, vm.Intern("yield"), vm.Intern("call"))

	vm.DefineNative(c, "arity", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return FromSmallInt(int64(vm.heap.Proc(self).Arity())), nil
	})

	vm.DefineNative(c, "lambda?", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return FromBool(vm.heap.Proc(self).Lambda), nil
	})
}

func (vm *VM) registerExceptionMethods() {
	c := vm.ExceptionClass

	vm.DefineNative(c, "message", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return vm.heap.NewString(vm.heap.Exception(self).Message), nil
	})

	vm.DefineNative(c, "backtrace", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		exc := vm.heap.Exception(self)
		if exc.Backtrace == nil {
			return Nil, nil
		}
		lines := make([]Value, len(exc.Backtrace))
		for i, l := range exc.Backtrace {
			lines[i] = vm.heap.NewString(l)
		}
		return vm.heap.NewArray(lines), nil
	})

	vm.DefineNative(vm.LocalJumpError, "exit_value", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return vm.heap.Exception(self).Payload, nil
	})

	vm.DefineNative(vm.LocalJumpError, "reason", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return vm.symbols.SymbolValue(vm.heap.Exception(self).Reason), nil
	})

	vm.DefineNative(vm.StopIteration, "result", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return vm.heap.Exception(self).Payload, nil
	})
}

func (vm *VM) registerThreadMethods() {
	c := vm.ThreadClass

	vm.DefineSingletonNative(c, "new", -1, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		if blk == nil {
			return Nil, th.RaiseError(vm.ArgumentError, "must be called with a block")
		}
		pv := th.MakeProc(blk, false)
		cp := append([]Value(nil), args...)
		t := vm.Spawn(func(t *Thread) (Value, error) {
			return t.InvokeProc(pv, cp, nil)
		})
		return vm.heap.Register(&ThreadObject{Thread: t}), nil
	})

	thread := func(v Value) *Thread {
		obj, _ := vm.heap.Get(v).(*ThreadObject)
		if obj == nil {
			bug("Thread method on %s", v)
		}
		return obj.Thread
	}

	joined := func(th *Thread, t *Thread) error {
		_, err := t.Join()
		if err == nil {
			return nil
		}
		if exc := vm.ExceptionOf(err); exc != nil {
			td, _ := AsThrow(err)
			return th.Raise(td.Payload)
		}
		return th.RaiseError(vm.RuntimeError, "thread %s terminated: %s", t.ID, err)
	}

	vm.DefineNative(c, "join", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		if err := joined(th, thread(self)); err != nil {
			return Nil, err
		}
		return self, nil
	})

	vm.DefineNative(c, "value", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		t := thread(self)
		if err := joined(th, t); err != nil {
			return Nil, err
		}
		return t.result, nil
	})

	vm.DefineNative(c, "alive?", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return FromBool(thread(self).Alive()), nil
	})

	vm.DefineNative(c, "raise", -1, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		exc := vm.NewException(vm.RuntimeError, "unhandled exception")
		if len(args) > 0 {
			exc = args[0]
		}
		thread(self).Interrupt(exc)
		return Nil, nil
	})
}

func (vm *VM) registerFiberMethods() {
	c := vm.FiberClass

	vm.DefineSingletonNative(c, "new", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		if blk == nil {
			return Nil, th.RaiseError(vm.ArgumentError, "tried to create Proc object without a block")
		}
		return th.NewFiber(th.MakeProc(blk, false))
	})

	vm.DefineSingletonNative(c, "yield", -1, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return th.FiberYield(args...)
	})

	vm.DefineNative(c, "resume", -1, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return th.Resume(self, args...)
	})

	vm.DefineNative(c, "alive?", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return FromBool(vm.heap.Fiber(self).Alive()), nil
	})
}

// String implements fmt.Stringer for diagnostics.
func (t *ThreadObject) String() string {
	return fmt.Sprintf("#<Thread:%s>", t.Thread.ID)
}
