package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Interpreter loop
// ---------------------------------------------------------------------------

// run steps instructions of the current frame and its callees until the
// frame above the nearest Finish sentinel leaves (its value is returned) or
// a control signal is raised (returned as the error, with every frame still
// in place for the resolver).
func (th *Thread) run() (Value, error) {
	vm := th.vm
	ec := th.ec
	stack := ec.stack
	f := ec.Current()

	push := func(v Value) {
		stack[f.SP] = v
		f.SP++
	}
	pop := func() Value {
		f.SP--
		return stack[f.SP]
	}

	for {
		bc := f.ISeq.Code
		op := Opcode(bc[f.PC])
		f.PC++

		switch op {
		// --- Stack operations ---
		case OpNop:

		case OpPop:
			f.SP--

		case OpDup:
			push(stack[f.SP-1])

		// --- Push constants ---
		case OpPutNil:
			push(Nil)

		case OpPutTrue:
			push(True)

		case OpPutFalse:
			push(False)

		case OpPutSelf:
			push(f.Self)

		case OpPutInt8:
			val := int8(bc[f.PC])
			f.PC++
			push(FromSmallInt(int64(val)))

		case OpPutObject:
			idx := binary.LittleEndian.Uint16(bc[f.PC:])
			f.PC += 2
			push(f.ISeq.Literals[idx])

		// --- Variables ---
		case OpGetLocal:
			idx, level := int(bc[f.PC]), int(bc[f.PC+1])
			f.PC += 2
			push(vm.localsOf(vm.scopeAt(f, level))[idx])

		case OpSetLocal:
			idx, level := int(bc[f.PC]), int(bc[f.PC+1])
			f.PC += 2
			vm.localsOf(vm.scopeAt(f, level))[idx] = pop()

		case OpGetSpecial:
			key := bc[f.PC]
			f.PC++
			push(vm.specialOf(f.LFP, false).get(key))

		case OpSetSpecial:
			key := bc[f.PC]
			f.PC++
			vm.specialOf(f.LFP, true).set(key, pop())

		case OpNewArray:
			n := int(bc[f.PC])
			f.PC++
			arr := vm.heap.NewArray(stack[f.SP-n : f.SP])
			f.SP -= n
			push(arr)

		// --- Calls ---
		case OpSend:
			site := f.PC - 1
			sel := f.ISeq.selector(binary.LittleEndian.Uint16(bc[f.PC:]))
			argc := int(bc[f.PC+2])
			flags := bc[f.PC+3]
			child := binary.LittleEndian.Uint16(bc[f.PC+4:])
			f.PC += 6

			if err := th.checkInts(); err != nil {
				return Nil, err
			}

			var blk *Block
			if flags&SendFlagBlockArg != 0 {
				b, err := th.blockFromValue(pop())
				if err != nil {
					return Nil, err
				}
				blk = b
			} else if child != NoBlock {
				f.captured = Block{Self: f.Self, LFP: f.LFP, DFP: f.DFP, ISeq: f.ISeq.Children[child]}
				blk = &f.captured
			}

			recvSlot := f.SP - argc - 1
			v, pushed, err := th.callMethod(f, stack[recvSlot], sel, recvSlot, argc, blk, f.ISeq.inlineCache(site))
			if err != nil {
				return Nil, err
			}
			if pushed {
				f = ec.Current()
				continue
			}
			push(v)

		case OpInvokeBlock:
			argc := int(bc[f.PC])
			f.PC++
			v, pushed, err := th.yieldBlock(f, argc)
			if err != nil {
				return Nil, err
			}
			if pushed {
				f = ec.Current()
				continue
			}
			push(v)

		case OpLeave:
			v := stack[f.SP-1]
			f = ec.PopFrame()
			if f.Magic == MagicFinish {
				ec.PopFrame()
				return v, nil
			}
			push(v)

		case OpThrow:
			operand := bc[f.PC]
			f.PC++
			v := pop()
			state := ThrowState(operand &^ ThrowNoEscape)
			if state == StateNormal {
				return Nil, th.rethrow(v)
			}
			return Nil, th.throwStart(state, v, operand&ThrowNoEscape != 0)

		// --- Optimized sends ---
		case OpOptPlus, OpOptMinus, OpOptLT, OpOptEQ:
			a, b := stack[f.SP-2], stack[f.SP-1]
			if a.IsSmallInt() && b.IsSmallInt() {
				if r, ok := smallIntOp(op, a.SmallInt(), b.SmallInt()); ok {
					f.SP--
					stack[f.SP-1] = r
					continue
				}
			}
			if err := th.checkInts(); err != nil {
				return Nil, err
			}
			v, pushed, err := th.callMethod(f, a, vm.optSelector(op), f.SP-2, 1, nil, nil)
			if err != nil {
				return Nil, err
			}
			if pushed {
				f = ec.Current()
				continue
			}
			push(v)

		// --- Control flow ---
		case OpJump:
			offset := int(int16(binary.LittleEndian.Uint16(bc[f.PC:])))
			f.PC += 2 + offset
			if offset < 0 {
				if err := th.checkInts(); err != nil {
					return Nil, err
				}
			}

		case OpBranchIf, OpBranchUnless:
			offset := int(int16(binary.LittleEndian.Uint16(bc[f.PC:])))
			f.PC += 2
			if pop().IsTruthy() == (op == OpBranchIf) {
				f.PC += offset
				if offset < 0 {
					if err := th.checkInts(); err != nil {
						return Nil, err
					}
				}
			}

		// --- Object model ---
		case OpCheckMatch:
			pattern := pop()
			target := pop()
			push(FromBool(vm.isA(target, pattern)))

		case OpDefineMethod:
			sel := f.ISeq.selector(binary.LittleEndian.Uint16(bc[f.PC:]))
			body := f.ISeq.Children[binary.LittleEndian.Uint16(bc[f.PC+2:])]
			f.PC += 4
			vm.DefineMethod(vm.definee(f.Self), sel, body)
			push(FromSymbolID(uint32(sel)))

		default:
			bug("unknown opcode %s at %s:%d", op, f.ISeq.Name, f.PC-1)
		}
	}
}

func smallIntOp(op Opcode, a, b int64) (Value, bool) {
	switch op {
	case OpOptPlus:
		return TryFromSmallInt(a + b)
	case OpOptMinus:
		return TryFromSmallInt(a - b)
	case OpOptLT:
		return FromBool(a < b), true
	case OpOptEQ:
		return FromBool(a == b), true
	}
	return Nil, false
}

// ---------------------------------------------------------------------------
// Method calls
// ---------------------------------------------------------------------------

// callMethod dispatches sel on recv, whose arguments sit on f's operand
// stack at recvSlot+1. An iseq method gets a new frame (pushed is true and
// the caller's SP is left at recvSlot for the result); a native runs to
// completion and its result is returned.
func (th *Thread) callMethod(f *ControlFrame, recv Value, sel Symbol, recvSlot, argc int, blk *Block, ic *InlineCache) (Value, bool, error) {
	vm := th.vm
	class := vm.ClassOf(recv)

	var me *MethodEntry
	gen := vm.cache.Generation()
	if ic != nil {
		me = ic.Lookup(class, gen)
	}
	if me == nil {
		me, _ = vm.cache.Lookup(class, sel)
		if me == nil {
			f.SP = recvSlot
			return Nil, false, th.RaiseError(vm.NoMethodError, "undefined method '%s' for %s",
				vm.symbols.Name(sel), vm.Inspect(recv))
		}
		if ic != nil {
			ic.Update(class, me, gen)
		}
	}
	return th.invokeEntry(f, me, recv, recvSlot, argc, blk)
}

func (th *Thread) invokeEntry(f *ControlFrame, me *MethodEntry, recv Value, recvSlot, argc int, blk *Block) (Value, bool, error) {
	vm := th.vm
	ec := th.ec

	switch body := me.Body.(type) {
	case *ISeq:
		base := recvSlot + 1
		if err := ec.checkStack(base, body); err != nil {
			return Nil, false, err
		}
		pc, err := th.setupArgs(body, base, argc, blk, true)
		if err != nil {
			f.SP = recvSlot
			return Nil, false, err
		}
		f.SP = recvSlot
		params := body.ParamSize()
		nf := ec.PushFrame(MagicMethod, recv, SpecVal{Block: blk}, body, pc, base+params, EnvRef{}, body.LocalSize()-params)
		nf.Method = me
		vm.profiler.RecordMethod(body)
		return Nil, true, nil

	case *NativeBody:
		if body.Argc >= 0 && argc != body.Argc {
			f.SP = recvSlot
			return Nil, false, th.RaiseError(vm.ArgumentError,
				"wrong number of arguments (given %d, expected %d)", argc, body.Argc)
		}
		top := recvSlot + 1 + argc
		if err := ec.checkStack(top, nil); err != nil {
			return Nil, false, err
		}
		depth := ec.Depth()
		cf := ec.PushFrame(MagicCFunc, recv, SpecVal{Block: blk}, nil, 0, top, EnvRef{}, 0)
		cf.Method = me

		v, err := body.Fn(th, recv, ec.stack[recvSlot+1:top], blk)

		if ec.Depth() != depth+1 {
			bug("native %s left the frame stack at depth %d, want %d", body.Name, ec.Depth(), depth+1)
		}
		ec.PopFrame()
		f.SP = recvSlot
		return v, false, err
	}
	bug("method %s has unknown body %T", vm.symbols.Name(me.Selector), me.Body)
	return Nil, false, nil
}

// InvokeMethod calls sel on recv from Go and runs it to completion.
func (th *Thread) InvokeMethod(recv Value, sel Symbol, args []Value, blk *Block) (Value, error) {
	ec := th.ec
	finish, err := ec.pushFinish()
	if err != nil {
		return Nil, err
	}
	recvSlot := finish.BP
	if recvSlot+1+len(args) > len(ec.stack) {
		ec.PopFrame()
		return Nil, errStackOverflow
	}
	ec.stack[recvSlot] = recv
	copy(ec.stack[recvSlot+1:], args)
	finish.SP = recvSlot + 1 + len(args)

	v, pushed, err := th.callMethod(finish, recv, sel, recvSlot, len(args), blk, nil)
	if err != nil {
		return th.exec(err)
	}
	if pushed {
		return th.exec(nil)
	}
	ec.PopFrame()
	return v, nil
}

// Send is InvokeMethod with the selector given by name.
func (th *Thread) Send(recv Value, sel string, args ...Value) (Value, error) {
	return th.InvokeMethod(recv, th.vm.symbols.Intern(sel), args, nil)
}

// runFrame runs iseq as a new frame of the given kind above a Finish
// sentinel. Used for top-level code and class bodies.
func (th *Thread) runFrame(magic FrameMagic, self Value, iseq *ISeq) (Value, error) {
	ec := th.ec
	finish, err := ec.pushFinish()
	if err != nil {
		return Nil, err
	}
	if err := ec.checkStack(finish.BP, iseq); err != nil {
		ec.PopFrame()
		return Nil, err
	}
	if iseq.ParamSize() != 0 {
		ec.PopFrame()
		return Nil, fmt.Errorf("%s: top-level iseq cannot take parameters", iseq.Name)
	}
	ec.PushFrame(magic, self, SpecVal{}, iseq, 0, finish.BP, EnvRef{}, iseq.LocalSize())
	return th.exec(nil)
}
