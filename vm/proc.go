package vm

import "strconv"

// ---------------------------------------------------------------------------
// Blocks and procs
// ---------------------------------------------------------------------------

// NativeBlockFunc implements a block in Go.
type NativeBlockFunc func(th *Thread, args []Value, blk *Block) (Value, error)

// Block is a captured block: self, the scopes it closes over and its code.
// A Block does not own its scopes; while Proc is nil its DFP may name a
// frame that is still on the stack.
type Block struct {
	Self   Value
	LFP    EnvRef
	DFP    EnvRef
	ISeq   *ISeq
	Proc   *Proc
	Native NativeBlockFunc
}

// IsLambda reports whether invoking b uses lambda semantics.
func (b *Block) IsLambda() bool {
	return b.Proc != nil && b.Proc.Lambda
}

// Proc is a Block whose scopes have been promoted to the heap.
type Proc struct {
	Block     Block
	Env       EnvHandle
	Lambda    bool
	SafeLevel int
	Value     Value
}

func (p *Proc) children(visit func(Value)) {
	visit(p.Block.Self)
	if !p.Env.IsZero() {
		visit(FromEnvHandle(p.Env))
	}
}

// Arity follows Proc#arity: lambdas with optional or rest parameters and
// procs with a rest parameter report -(required+1).
func (p *Proc) Arity() int {
	if p.Block.ISeq == nil {
		return -1
	}
	a := p.Block.ISeq.Args
	if a.Rest >= 0 || (p.Lambda && a.Opt > 0) {
		return -(a.Lead + 1)
	}
	return a.Lead
}

// NewNativeBlock wraps fn as a block.
func NewNativeBlock(self Value, fn NativeBlockFunc) *Block {
	return &Block{Self: self, Native: fn}
}

// MakeProc converts blk into a Proc, promoting its scopes. The result is
// cached on blk, so converting the same block twice yields the same Proc
// and procs created from one scope share its Env.
func (th *Thread) MakeProc(blk *Block, lambda bool) Value {
	if blk.Proc != nil {
		return blk.Proc.Value
	}
	vm := th.vm
	p := &Proc{Lambda: lambda, SafeLevel: th.safeLevel}
	p.Block = Block{Self: blk.Self, ISeq: blk.ISeq, Native: blk.Native}
	if blk.Native == nil {
		dfp := th.Promote(blk.DFP)
		p.Env = dfp.Handle()
		p.Block.DFP = dfp
		p.Block.LFP = vm.normalize(blk.LFP)
	}
	p.Block.Proc = p
	p.Value = vm.heap.Register(p)
	blk.Proc = p
	return p.Value
}

// blockFromValue turns a &block argument into a block handler.
func (th *Thread) blockFromValue(v Value) (*Block, error) {
	if v.IsNil() {
		return nil, nil
	}
	if p := th.vm.heap.Proc(v); p != nil {
		return &p.Block, nil
	}
	return nil, th.RaiseError(th.vm.TypeError, "wrong argument type %s (expected Proc)", th.vm.ClassOf(v).Name)
}

// ---------------------------------------------------------------------------
// Argument setup
// ---------------------------------------------------------------------------

// autoSplattable reports whether a non-lambda block spreads a lone Array
// argument over its parameters. This legacy rule is kept on purpose.
func autoSplattable(a ArgShape) bool {
	return a.Lead+a.Opt > 1 || (a.Lead >= 1 && a.Rest >= 0)
}

// setupArgs adapts argc arguments at stack[base:] in place to iseq's
// parameter slots and returns the entry PC. Strict (method and lambda)
// calls fail on an arity mismatch before anything is written.
func (th *Thread) setupArgs(iseq *ISeq, base, argc int, blockArg *Block, strict bool) (int, error) {
	vm := th.vm
	stack := th.ec.stack
	a := iseq.Args

	if !strict && argc == 1 && autoSplattable(a) {
		if arr := vm.heap.Array(stack[base]); arr != nil {
			if base+len(arr.Elems)+1 > len(stack) {
				return 0, errStackOverflow
			}
			argc = copy(stack[base:], arr.Elems)
		}
	}

	positional := a.Lead + a.Opt
	if strict {
		if argc < a.Lead || (a.Rest < 0 && argc > positional) {
			return 0, th.arityError(argc, a)
		}
	} else {
		for ; argc < a.Lead; argc++ {
			stack[base+argc] = Nil
		}
		if a.Rest < 0 && argc > positional {
			argc = positional
		}
	}

	optGiven := min(max(argc-a.Lead, 0), a.Opt)
	pc := 0
	if a.Opt > 0 {
		pc = a.OptTable[optGiven]
	}
	for i := a.Lead + optGiven; i < positional; i++ {
		stack[base+i] = Nil
	}

	if a.Rest >= 0 {
		var rest []Value
		if argc > positional {
			rest = stack[base+positional : base+argc]
		}
		stack[base+a.Rest] = vm.heap.NewArray(rest)
	}

	if a.Block >= 0 {
		if blockArg != nil {
			stack[base+a.Block] = th.MakeProc(blockArg, false)
		} else {
			stack[base+a.Block] = Nil
		}
	}
	return pc, nil
}

func (th *Thread) arityError(given int, a ArgShape) error {
	var expected string
	switch {
	case a.Rest >= 0:
		expected = strconv.Itoa(a.Lead) + "+"
	case a.Opt > 0:
		expected = strconv.Itoa(a.Lead) + ".." + strconv.Itoa(a.Lead+a.Opt)
	default:
		expected = strconv.Itoa(a.Lead)
	}
	return th.RaiseError(th.vm.ArgumentError, "wrong number of arguments (given %d, expected %s)", given, expected)
}

// ---------------------------------------------------------------------------
// Block invocation
// ---------------------------------------------------------------------------

// pushBlockFrame adapts the argc arguments at base and pushes a frame
// running blk. The caller's SP must already be at base.
func (th *Thread) pushBlockFrame(blk *Block, self Value, base, argc int, blockArg *Block) error {
	ec := th.ec
	iseq := blk.ISeq
	if err := ec.checkStack(base, iseq); err != nil {
		return err
	}
	lambda := blk.IsLambda()
	pc, err := th.setupArgs(iseq, base, argc, blockArg, lambda)
	if err != nil {
		return err
	}

	magic := MagicBlock
	if lambda {
		magic = MagicLambda
	}
	params := iseq.ParamSize()
	f := ec.PushFrame(magic, self, SpecVal{Prev: blk.DFP}, iseq, pc, base+params, blk.LFP, iseq.LocalSize()-params)
	if blk.Proc != nil {
		f.Proc = blk.Proc.Value
	}
	th.vm.profiler.RecordBlock(iseq)
	return nil
}

// InvokeBlock runs blk with args to completion. self replaces the block's
// self unless it is Undef; blockArg is passed to a &block parameter.
// Control signals that are not caught inside the block come back as errors.
func (th *Thread) InvokeBlock(blk *Block, self Value, args []Value, blockArg *Block) (Value, error) {
	if blk == nil {
		return Nil, th.localJumpError("no block given (yield)", "noreason", Nil)
	}
	if blk.Native != nil {
		return blk.Native(th, args, blockArg)
	}
	if self == Undef {
		self = blk.Self
	}

	ec := th.ec
	finish, err := ec.pushFinish()
	if err != nil {
		return Nil, err
	}
	base := finish.BP
	if base+len(args) > len(ec.stack) {
		ec.PopFrame()
		return Nil, errStackOverflow
	}
	copy(ec.stack[base:], args)

	if err := th.pushBlockFrame(blk, self, base, len(args), blockArg); err != nil {
		ec.PopFrame()
		return Nil, err
	}
	return th.exec(nil)
}

// Yield invokes blk with its own self and no block argument.
func (th *Thread) Yield(blk *Block, args ...Value) (Value, error) {
	return th.InvokeBlock(blk, Undef, args, nil)
}

// InvokeProc calls a Proc value. The proc's safe level is in effect while
// it runs.
func (th *Thread) InvokeProc(pv Value, args []Value, blockArg *Block) (Value, error) {
	p := th.vm.heap.Proc(pv)
	if p == nil {
		return Nil, th.RaiseError(th.vm.TypeError, "not a proc")
	}
	saved := th.safeLevel
	th.safeLevel = p.SafeLevel
	defer func() { th.safeLevel = saved }()
	return th.InvokeBlock(&p.Block, Undef, args, blockArg)
}

// CurrentBlock returns the block handler of the current method-level scope.
func (th *Thread) CurrentBlock() *Block {
	f := th.ec.Current()
	if f == nil {
		return nil
	}
	return th.vm.blockOf(f.LFP)
}

// yieldBlock implements invokeblock: argc values on f's operand stack are
// passed to the block of f's method-level scope.
func (th *Thread) yieldBlock(f *ControlFrame, argc int) (Value, bool, error) {
	blk := th.vm.blockOf(f.LFP)
	if blk == nil {
		return Nil, false, th.localJumpError("no block given (yield)", "noreason", Nil)
	}
	argsBase := f.SP - argc
	if blk.Native != nil {
		args := make([]Value, argc)
		copy(args, th.ec.stack[argsBase:f.SP])
		f.SP = argsBase
		v, err := blk.Native(th, args, nil)
		return v, false, err
	}
	f.SP = argsBase
	if err := th.pushBlockFrame(blk, blk.Self, argsBase, argc, nil); err != nil {
		return Nil, false, err
	}
	return Nil, true, nil
}
