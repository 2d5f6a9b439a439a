package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// ISeq: compiled instruction sequence
// ---------------------------------------------------------------------------

// ISeqType classifies an instruction sequence.
type ISeqType uint8

const (
	ISeqTop ISeqType = iota
	ISeqMethod
	ISeqBlock
	ISeqClass
	ISeqRescue
	ISeqEnsure
)

var iseqTypeNames = [...]string{"top", "method", "block", "class", "rescue", "ensure"}

func (t ISeqType) String() string {
	if int(t) < len(iseqTypeNames) {
		return iseqTypeNames[t]
	}
	return fmt.Sprintf("iseqtype(%d)", t)
}

// ArgShape describes positional parameters. Parameter slots occupy the first
// locals in order: lead, optional, rest, block. Rest and Block are local
// indices, -1 when absent.
type ArgShape struct {
	Lead     int
	Opt      int
	OptTable []int // Opt+1 entry PCs; OptTable[i] is used when i optionals were given
	Rest     int
	Block    int
}

// CatchKind is the type of a catch table entry.
type CatchKind uint8

const (
	CatchRescue CatchKind = iota
	CatchEnsure
	CatchRetry
	CatchBreak
	CatchRedo
	CatchNext
)

var catchKindNames = [...]string{"rescue", "ensure", "retry", "break", "redo", "next"}

func (k CatchKind) String() string {
	if int(k) < len(catchKindNames) {
		return catchKindNames[k]
	}
	return fmt.Sprintf("catch(%d)", k)
}

// CatchEntry covers the PCs in (Start, End]; PCs recorded in frames point
// just past the instruction being executed. SP is the operand stack depth
// (relative to the frame's base) restored before jumping to Cont. Rescue and
// ensure entries run ISeq as a handler frame; break entries name the block
// iseq they accept breaks from (nil accepts any).
type CatchEntry struct {
	Kind  CatchKind
	Start int
	End   int
	Cont  int
	SP    int
	ISeq  *ISeq
}

// covers reports whether pc lies inside the entry's range.
func (e *CatchEntry) covers(pc int) bool {
	return e.Start < pc && pc <= e.End
}

// ISeq is an immutable compiled instruction sequence.
type ISeq struct {
	Name      string
	Type      ISeqType
	Code      []byte
	Literals  []Value
	Locals    []Symbol
	Args      ArgShape
	Catch     []CatchEntry
	Children  []*ISeq
	Parent    *ISeq
	LocalISeq *ISeq
	StackMax  int

	caches *InlineCacheTable
}

// ParamSize returns the number of locals filled by argument setup.
func (s *ISeq) ParamSize() int {
	n := s.Args.Lead + s.Args.Opt
	if s.Args.Rest >= 0 {
		n++
	}
	if s.Args.Block >= 0 {
		n++
	}
	return n
}

// LocalSize returns the number of local variable slots.
func (s *ISeq) LocalSize() int {
	return len(s.Locals)
}

// String implements the Stringer interface.
func (s *ISeq) String() string {
	return fmt.Sprintf("<iseq:%s@%s>", s.Name, s.Type)
}

// Disassemble renders the code and catch table.
func (s *ISeq) Disassemble(syms *SymbolTable) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "== %s (%s) ", s.Name, s.Type)
	names := make([]string, len(s.Locals))
	for i, l := range s.Locals {
		names[i] = syms.Name(l)
	}
	fmt.Fprintf(&sb, "locals=[%s]\n", strings.Join(names, ", "))
	if len(s.Catch) > 0 {
		sb.WriteString("catch table\n")
		for _, e := range s.Catch {
			fmt.Fprintf(&sb, "  %-6s st:%04d ed:%04d cont:%04d sp:%d", e.Kind, e.Start, e.End, e.Cont, e.SP)
			if e.ISeq != nil {
				fmt.Fprintf(&sb, " %s", e.ISeq.Name)
			}
			sb.WriteByte('\n')
		}
	}
	sb.WriteString(Disassemble(s.Code))
	return sb.String()
}

// selector returns the symbol stored at literal index idx.
func (s *ISeq) selector(idx uint16) Symbol {
	v := s.Literals[idx]
	if !v.IsSymbol() {
		bug("literal %d of %s is not a selector", idx, s.Name)
	}
	return Symbol(v.SymbolID())
}

// ---------------------------------------------------------------------------
// ISeqBuilder: assembles instruction sequences
// ---------------------------------------------------------------------------

type catchSpec struct {
	kind  CatchKind
	start *Label
	end   *Label
	cont  *Label
	sp    int
	iseq  *ISeq
}

// ISeqBuilder assembles an ISeq: parameters and locals, instructions with
// labels, child iseqs and the catch table.
type ISeqBuilder struct {
	syms     *SymbolTable
	name     string
	typ      ISeqType
	code     *BytecodeBuilder
	literals []Value
	locals   []Symbol
	args     ArgShape
	optPCs   []*Label
	children []*ISeq
	catches  []catchSpec
}

// NewISeqBuilder creates a builder. Rescue and ensure iseqs get their error
// info parameter as local 0.
func NewISeqBuilder(syms *SymbolTable, name string, typ ISeqType) *ISeqBuilder {
	b := &ISeqBuilder{
		syms: syms,
		name: name,
		typ:  typ,
		code: NewBytecodeBuilder(),
		args: ArgShape{Rest: -1, Block: -1},
	}
	if typ == ISeqRescue || typ == ISeqEnsure {
		b.Param("$!")
	}
	return b
}

func (b *ISeqBuilder) addLocal(name string) int {
	b.locals = append(b.locals, b.syms.Intern(name))
	return len(b.locals) - 1
}

func (b *ISeqBuilder) requireOrder(what string, ok bool) {
	if !ok {
		panic(fmt.Sprintf("%s: %s declared out of order", b.name, what))
	}
}

// Param declares a required positional parameter.
func (b *ISeqBuilder) Param(name string) int {
	b.requireOrder("lead parameter", len(b.locals) == b.args.Lead)
	b.args.Lead++
	return b.addLocal(name)
}

// OptParam declares an optional parameter. Each optional parameter needs an
// OptEntry label, plus one for the body.
func (b *ISeqBuilder) OptParam(name string) int {
	b.requireOrder("optional parameter", len(b.locals) == b.args.Lead+b.args.Opt)
	b.args.Opt++
	return b.addLocal(name)
}

// OptEntry appends an entry to the optional-argument table.
func (b *ISeqBuilder) OptEntry(l *Label) {
	b.optPCs = append(b.optPCs, l)
}

// RestParam declares the rest parameter.
func (b *ISeqBuilder) RestParam(name string) int {
	b.requireOrder("rest parameter", len(b.locals) == b.args.Lead+b.args.Opt && b.args.Rest < 0)
	b.args.Rest = b.addLocal(name)
	return b.args.Rest
}

// BlockParam declares the block parameter.
func (b *ISeqBuilder) BlockParam(name string) int {
	b.requireOrder("block parameter", len(b.locals) == b.paramCount() && b.args.Block < 0)
	b.args.Block = b.addLocal(name)
	return b.args.Block
}

func (b *ISeqBuilder) paramCount() int {
	n := b.args.Lead + b.args.Opt
	if b.args.Rest >= 0 {
		n++
	}
	return n
}

// Local declares a non-parameter local variable.
func (b *ISeqBuilder) Local(name string) int {
	return b.addLocal(name)
}

// Literal adds v to the literal frame, reusing an equal entry.
func (b *ISeqBuilder) Literal(v Value) uint16 {
	for i, l := range b.literals {
		if l == v {
			return uint16(i)
		}
	}
	b.literals = append(b.literals, v)
	return uint16(len(b.literals) - 1)
}

func (b *ISeqBuilder) selector(name string) uint16 {
	return b.Literal(b.syms.SymbolValue(name))
}

// Child registers a child iseq (block literal or method body).
func (b *ISeqBuilder) Child(child *ISeq) uint16 {
	for i, c := range b.children {
		if c == child {
			return uint16(i)
		}
	}
	b.children = append(b.children, child)
	return uint16(len(b.children) - 1)
}

// NewLabel creates a label.
func (b *ISeqBuilder) NewLabel() *Label { return b.code.NewLabel() }

// Mark binds l to the current position.
func (b *ISeqBuilder) Mark(l *Label) { b.code.Mark(l) }

// Here returns a label bound to the current position.
func (b *ISeqBuilder) Here() *Label {
	l := b.code.NewLabel()
	b.code.Mark(l)
	return l
}

func (b *ISeqBuilder) Nop()      { b.code.Emit(OpNop) }
func (b *ISeqBuilder) Pop()      { b.code.Emit(OpPop) }
func (b *ISeqBuilder) Dup()      { b.code.Emit(OpDup) }
func (b *ISeqBuilder) PutNil()   { b.code.Emit(OpPutNil) }
func (b *ISeqBuilder) PutTrue()  { b.code.Emit(OpPutTrue) }
func (b *ISeqBuilder) PutFalse() { b.code.Emit(OpPutFalse) }
func (b *ISeqBuilder) PutSelf()  { b.code.Emit(OpPutSelf) }
func (b *ISeqBuilder) Leave()    { b.code.Emit(OpLeave) }

// PutObject pushes a literal.
func (b *ISeqBuilder) PutObject(v Value) {
	b.code.EmitUint16(OpPutObject, b.Literal(v))
}

// PutInt pushes a small integer.
func (b *ISeqBuilder) PutInt(n int64) {
	if n >= -128 && n <= 127 {
		b.code.EmitByte(OpPutInt8, byte(int8(n)))
		return
	}
	b.PutObject(FromSmallInt(n))
}

// PutSymbol pushes a symbol literal.
func (b *ISeqBuilder) PutSymbol(name string) {
	b.PutObject(b.syms.SymbolValue(name))
}

// PutClass pushes a class handle.
func (b *ISeqBuilder) PutClass(c *Class) {
	b.PutObject(FromClassID(c.ID))
}

// GetLocal pushes local idx from the scope level frames out.
func (b *ISeqBuilder) GetLocal(idx, level int) {
	b.code.EmitBytes2(OpGetLocal, byte(idx), byte(level))
}

// SetLocal pops into local idx of the scope level frames out.
func (b *ISeqBuilder) SetLocal(idx, level int) {
	b.code.EmitBytes2(OpSetLocal, byte(idx), byte(level))
}

// GetSpecial pushes $~ or $_.
func (b *ISeqBuilder) GetSpecial(key uint8) { b.code.EmitByte(OpGetSpecial, key) }

// SetSpecial pops into $~ or $_.
func (b *ISeqBuilder) SetSpecial(key uint8) { b.code.EmitByte(OpSetSpecial, key) }

// NewArray pops n values into a new array.
func (b *ISeqBuilder) NewArray(n int) { b.code.EmitByte(OpNewArray, byte(n)) }

// Send calls sel on the receiver below argc arguments.
func (b *ISeqBuilder) Send(sel string, argc int) {
	b.code.EmitSend(b.selector(sel), uint8(argc), 0, NoBlock)
}

// SendWithBlock calls sel passing block as a block literal.
func (b *ISeqBuilder) SendWithBlock(sel string, argc int, block *ISeq) {
	b.code.EmitSend(b.selector(sel), uint8(argc), 0, b.Child(block))
}

// SendBlockArg calls sel passing the value above the arguments as &block.
func (b *ISeqBuilder) SendBlockArg(sel string, argc int) {
	b.code.EmitSend(b.selector(sel), uint8(argc), SendFlagBlockArg, NoBlock)
}

// InvokeBlock yields argc values to the current block.
func (b *ISeqBuilder) InvokeBlock(argc int) { b.code.EmitByte(OpInvokeBlock, byte(argc)) }

// Throw raises a control signal with the value on top of the stack.
// State 0 re-throws the error info of a rescue or ensure frame.
func (b *ISeqBuilder) Throw(state ThrowState) { b.code.EmitByte(OpThrow, byte(state)) }

// ThrowNoEscape throws a loop-level signal from inside a rescue frame.
func (b *ISeqBuilder) ThrowNoEscape(state ThrowState) {
	b.code.EmitByte(OpThrow, byte(state)|ThrowNoEscape)
}

func (b *ISeqBuilder) OptPlus()  { b.code.Emit(OpOptPlus) }
func (b *ISeqBuilder) OptMinus() { b.code.Emit(OpOptMinus) }
func (b *ISeqBuilder) OptLT()    { b.code.Emit(OpOptLT) }
func (b *ISeqBuilder) OptEQ()    { b.code.Emit(OpOptEQ) }

// Jump jumps to l.
func (b *ISeqBuilder) Jump(l *Label) { b.code.EmitJump(OpJump, l) }

// BranchIf pops and jumps to l when truthy.
func (b *ISeqBuilder) BranchIf(l *Label) { b.code.EmitJump(OpBranchIf, l) }

// BranchUnless pops and jumps to l when falsy.
func (b *ISeqBuilder) BranchUnless(l *Label) { b.code.EmitJump(OpBranchUnless, l) }

// CheckMatch pops a class and a value and pushes value.is_a?(class).
func (b *ISeqBuilder) CheckMatch() { b.code.Emit(OpCheckMatch) }

// DefineMethod defines body as method sel on self (or self's class).
func (b *ISeqBuilder) DefineMethod(sel string, body *ISeq) {
	b.code.EmitUint16x2(OpDefineMethod, b.selector(sel), b.Child(body))
}

// Catch appends a catch table entry. Entries are scanned in the order they
// are declared; inner regions must be declared first.
func (b *ISeqBuilder) Catch(kind CatchKind, start, end, cont *Label, sp int, handler *ISeq) {
	b.catches = append(b.catches, catchSpec{kind: kind, start: start, end: end, cont: cont, sp: sp, iseq: handler})
}

// Build finalizes the iseq and links children to it.
func (b *ISeqBuilder) Build() *ISeq {
	iseq := &ISeq{
		Name:     b.name,
		Type:     b.typ,
		Code:     b.code.Bytes(),
		Literals: b.literals,
		Locals:   b.locals,
		Args:     b.args,
		Children: b.children,
		StackMax: b.code.Instructions() + 1,
	}

	if b.args.Opt > 0 {
		if len(b.optPCs) != b.args.Opt+1 {
			panic(fmt.Sprintf("%s: %d optional parameters need %d opt entries, have %d",
				b.name, b.args.Opt, b.args.Opt+1, len(b.optPCs)))
		}
		iseq.Args.OptTable = make([]int, len(b.optPCs))
		for i, l := range b.optPCs {
			iseq.Args.OptTable[i] = l.Position()
		}
	}

	for _, c := range b.catches {
		iseq.Catch = append(iseq.Catch, CatchEntry{
			Kind:  c.kind,
			Start: c.start.Position(),
			End:   c.end.Position(),
			Cont:  c.cont.Position(),
			SP:    c.sp,
			ISeq:  c.iseq,
		})
	}

	iseq.link(nil)
	return iseq
}

// Link recomputes Parent and LocalISeq for a tree assembled without the
// builder (the wire decoder).
func (s *ISeq) Link() { s.link(nil) }

// link sets Parent and LocalISeq down the tree rooted at s.
func (s *ISeq) link(parent *ISeq) {
	s.Parent = parent
	switch {
	case s.Type == ISeqBlock && parent != nil:
		s.LocalISeq = parent.LocalISeq
	case (s.Type == ISeqRescue || s.Type == ISeqEnsure) && parent != nil:
		s.LocalISeq = parent.LocalISeq
	default:
		s.LocalISeq = s
	}
	for _, c := range s.Children {
		if c.Type == ISeqMethod || c.Type == ISeqClass {
			c.link(nil)
			c.Parent = s
			continue
		}
		c.link(s)
	}
	for i := range s.Catch {
		if h := s.Catch[i].ISeq; h != nil && (h.Type == ISeqRescue || h.Type == ISeqEnsure) {
			h.link(s)
		}
	}
}
