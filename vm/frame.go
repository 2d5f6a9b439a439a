package vm

import "fmt"

// ---------------------------------------------------------------------------
// Control frames
// ---------------------------------------------------------------------------

// FrameMagic is the kind of a control frame.
type FrameMagic uint8

const (
	MagicMethod FrameMagic = iota + 1
	MagicBlock
	MagicLambda
	MagicClass
	MagicCFunc
	MagicTop
	MagicFinish
	MagicRescue
	MagicEnsure
)

var magicNames = map[FrameMagic]string{
	MagicMethod: "method",
	MagicBlock:  "block",
	MagicLambda: "lambda",
	MagicClass:  "class",
	MagicCFunc:  "cfunc",
	MagicTop:    "top",
	MagicFinish: "finish",
	MagicRescue: "rescue",
	MagicEnsure: "ensure",
}

func (m FrameMagic) String() string {
	if s, ok := magicNames[m]; ok {
		return s
	}
	return fmt.Sprintf("magic(%d)", m)
}

// SpecVal is the special-value slot content of a new frame: its lexical
// parent scope (blocks, handlers) or its block handler (methods).
type SpecVal struct {
	Prev  EnvRef
	Block *Block
}

// ControlFrame is one activation record. Locals live on the value stack at
// [localBase, localBase+localSize), followed by the special-value slot;
// the operand stack starts at BP.
type ControlFrame struct {
	PC     int
	SP     int
	BP     int
	ISeq   *ISeq
	Magic  FrameMagic
	Self   Value
	LFP    EnvRef // method-level scope
	DFP    EnvRef // this frame's scope; switches to the heap on promotion
	Method *MethodEntry
	Proc   Value // proc being called, Nil otherwise

	gen       uint32
	localBase int
	localSize int
	prev      EnvRef
	block     *Block
	special   *SpecialVars

	// captured is the block literal of the send being executed from this
	// frame; callees see it by pointer.
	captured Block
}

// Gen returns the frame's generation stamp.
func (f *ControlFrame) Gen() uint32 { return f.gen }

// specSlot is the index of the special-value slot. It holds Undef until
// the frame is promoted, then the Env handle.
func (f *ControlFrame) specSlot() int { return f.localBase + f.localSize }

// ---------------------------------------------------------------------------
// ExecContext: value stack plus frame stack
// ---------------------------------------------------------------------------

// Default sizes used when no configuration is supplied.
const (
	DefaultStackSize  = 64 * 1024
	DefaultFrameDepth = 4 * 1024
)

// ExecContext is one thread's (or fiber's) execution state. Both arrays
// are allocated once; pushes and pops never allocate.
type ExecContext struct {
	stack   []Value
	frames  []ControlFrame
	cfp     int
	nextGen uint32

	thread *Thread
	fiber  *Fiber
}

func newExecContext(th *Thread, stackSize, frameDepth int) *ExecContext {
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	if frameDepth <= 0 {
		frameDepth = DefaultFrameDepth
	}
	return &ExecContext{
		stack:  make([]Value, stackSize),
		frames: make([]ControlFrame, frameDepth),
		cfp:    -1,
		thread: th,
	}
}

// Depth returns the number of live frames.
func (ec *ExecContext) Depth() int { return ec.cfp + 1 }

// Current returns the innermost frame, or nil when the stack is empty.
func (ec *ExecContext) Current() *ControlFrame {
	if ec.cfp < 0 {
		return nil
	}
	return &ec.frames[ec.cfp]
}

// Frame returns frame i counted from the bottom.
func (ec *ExecContext) Frame(i int) *ControlFrame {
	if i < 0 || i > ec.cfp {
		return nil
	}
	return &ec.frames[i]
}

// StackTop returns the first free value stack slot.
func (ec *ExecContext) StackTop() int {
	if ec.cfp < 0 {
		return 0
	}
	return ec.frames[ec.cfp].SP
}

// PushFrame pushes an activation. sp is the slot just past the parameters
// already placed on the stack; extraLocals more slots are reserved and set
// to nil, followed by the special-value slot. A zero lfp makes the frame its
// own method-level scope. The caller must have run checkStack.
func (ec *ExecContext) PushFrame(magic FrameMagic, self Value, spec SpecVal, iseq *ISeq, pc, sp int, lfp EnvRef, extraLocals int) *ControlFrame {
	params := 0
	if iseq != nil {
		params = iseq.ParamSize()
	}
	for i := 0; i < extraLocals; i++ {
		ec.stack[sp+i] = Nil
	}
	slot := sp + extraLocals
	ec.stack[slot] = Undef

	ec.cfp++
	ec.nextGen++
	f := &ec.frames[ec.cfp]
	*f = ControlFrame{
		PC:        pc,
		SP:        slot + 1,
		BP:        slot + 1,
		ISeq:      iseq,
		Magic:     magic,
		Self:      self,
		Proc:      Nil,
		gen:       ec.nextGen,
		localBase: sp - params,
		localSize: params + extraLocals,
		prev:      spec.Prev,
		block:     spec.Block,
	}
	f.DFP = EnvRef{ec: ec, frame: int32(ec.cfp), gen: f.gen}
	if lfp.IsZero() {
		f.LFP = f.DFP
	} else {
		f.LFP = lfp
	}
	return f
}

// PopFrame discards the innermost frame and returns the caller.
func (ec *ExecContext) PopFrame() *ControlFrame {
	if ec.cfp < 0 {
		bug("pop from empty frame stack")
	}
	ec.cfp--
	return ec.Current()
}

// checkStack reports a fatal overflow if a frame for iseq with its locals
// starting at base would not fit. Runs before every call.
func (ec *ExecContext) checkStack(base int, iseq *ISeq) error {
	need := base + 1
	if iseq != nil {
		need += iseq.LocalSize() + iseq.StackMax
	}
	if ec.cfp+2 >= len(ec.frames) || need > len(ec.stack) {
		return errStackOverflow
	}
	return nil
}

// pushFinish pushes the sentinel that ends a nested run of the interpreter.
func (ec *ExecContext) pushFinish() (*ControlFrame, error) {
	sp := ec.StackTop()
	if err := ec.checkStack(sp, nil); err != nil {
		return nil, err
	}
	self := Nil
	if f := ec.Current(); f != nil {
		self = f.Self
	}
	return ec.PushFrame(MagicFinish, self, SpecVal{}, nil, 0, sp, EnvRef{}, 0), nil
}

// unwindTo pops frames until depth frames remain.
func (ec *ExecContext) unwindTo(depth int) {
	if depth > ec.Depth() {
		bug("unwind to depth %d above current %d", depth, ec.Depth())
	}
	ec.cfp = depth - 1
}

// findFrame searches frames from index from downward for the live frame
// whose scope is scope (already normalized).
func (ec *ExecContext) findFrame(vm *VM, scope EnvRef, from int) int {
	if scope.IsZero() {
		return -1
	}
	for i := from; i >= 0; i-- {
		if vm.normalize(ec.frames[i].DFP) == scope {
			return i
		}
	}
	return -1
}

// ownerFrame skips rescue and ensure handler frames, returning the frame
// whose catch table spawned them.
func (ec *ExecContext) ownerFrame(vm *VM, i int) int {
	for i >= 0 {
		f := &ec.frames[i]
		if f.Magic != MagicRescue && f.Magic != MagicEnsure {
			return i
		}
		j := ec.findFrame(vm, vm.normalize(f.prev), i-1)
		if j < 0 {
			bug("handler frame %d has no live owner", i)
		}
		i = j
	}
	return i
}
