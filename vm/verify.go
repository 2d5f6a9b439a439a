package vm

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ---------------------------------------------------------------------------
// Verifier: structural checks for iseq trees built outside the builder
// ---------------------------------------------------------------------------

// ErrMalformed is wrapped by every error Verify returns.
var ErrMalformed = errors.New("malformed iseq")

// Verify checks the tree rooted at s before it is linked and run. Operands
// must name existing literals, locals and children; jumps, optional entry
// points and catch continuations must land on instruction boundaries; every
// path must end in leave, throw or a jump; and the operand stack must stay
// within StackMax. The tree may not contain cycles.
func (s *ISeq) Verify() error {
	v := &verifier{
		state: make(map[*ISeq]uint8),
		outer: make(map[*ISeq]*ISeq),
	}
	return v.visit(s, nil)
}

const (
	visiting uint8 = iota + 1
	verified
)

type verifier struct {
	state map[*ISeq]uint8
	outer map[*ISeq]*ISeq // lexical scope that level 1 resolves to
}

// insn is one decoded instruction.
type insn struct {
	pc     int
	next   int
	pop    int
	push   int
	target int // branch destination, -1 if none
	term   bool
}

func malformed(s *ISeq, format string, args ...any) error {
	return errors.Wrapf(ErrMalformed, "%s: "+format, append([]any{s.Name}, args...)...)
}

func (v *verifier) visit(s, outer *ISeq) error {
	switch v.state[s] {
	case visiting:
		return malformed(s, "iseq tree contains a cycle")
	case verified:
		return nil
	}
	v.state[s] = visiting
	v.outer[s] = outer

	if err := v.check(s); err != nil {
		return err
	}
	for i, c := range s.Children {
		if c == nil {
			return malformed(s, "child %d is nil", i)
		}
		var o *ISeq
		switch c.Type {
		case ISeqBlock, ISeqRescue, ISeqEnsure:
			o = s
		}
		if err := v.visit(c, o); err != nil {
			return err
		}
	}
	for i := range s.Catch {
		e := &s.Catch[i]
		if e.Kind == CatchRescue || e.Kind == CatchEnsure {
			if err := v.visit(e.ISeq, s); err != nil {
				return err
			}
		}
	}
	v.state[s] = verified
	return nil
}

// scope resolves the iseq whose locals a level-n access reads.
func (v *verifier) scope(s *ISeq, level int) *ISeq {
	for ; level > 0 && s != nil; level-- {
		s = v.outer[s]
	}
	return s
}

func (v *verifier) check(s *ISeq) error {
	if int(s.Type) >= len(iseqTypeNames) {
		return malformed(s, "unknown iseq type %d", s.Type)
	}
	if err := checkArgs(s); err != nil {
		return err
	}
	insns, at, err := v.decode(s)
	if err != nil {
		return err
	}
	for _, in := range insns {
		if in.target < 0 {
			continue
		}
		if _, ok := at[in.target]; !ok {
			return malformed(s, "pc %d: jump target %d is not an instruction", in.pc, in.target)
		}
	}
	for i, pc := range s.Args.OptTable {
		if _, ok := at[pc]; !ok {
			return malformed(s, "opt entry %d at %d is not an instruction", i, pc)
		}
	}
	for i := range s.Catch {
		if err := checkCatch(s, i, at); err != nil {
			return err
		}
	}
	return stackDepth(s, insns, at)
}

func checkArgs(s *ISeq) error {
	a := &s.Args
	n := len(s.Locals)
	switch {
	case a.Lead < 0 || a.Opt < 0:
		return malformed(s, "negative parameter count (lead %d, opt %d)", a.Lead, a.Opt)
	case a.Rest < -1 || a.Rest >= n:
		return malformed(s, "rest parameter %d out of range for %d locals", a.Rest, n)
	case a.Block < -1 || a.Block >= n:
		return malformed(s, "block parameter %d out of range for %d locals", a.Block, n)
	case s.ParamSize() > n:
		return malformed(s, "%d parameters but %d locals", s.ParamSize(), n)
	case a.Opt > 0 && len(a.OptTable) != a.Opt+1:
		return malformed(s, "opt table has %d entries, want %d", len(a.OptTable), a.Opt+1)
	}
	return nil
}

func checkCatch(s *ISeq, i int, at map[int]int) error {
	e := &s.Catch[i]
	if int(e.Kind) >= len(catchKindNames) {
		return malformed(s, "catch %d: unknown kind %d", i, e.Kind)
	}
	if e.Start < 0 || e.Start > e.End || e.End > len(s.Code) {
		return malformed(s, "catch %d: range (%d, %d] outside code of length %d", i, e.Start, e.End, len(s.Code))
	}
	if _, ok := at[e.Cont]; !ok {
		return malformed(s, "catch %d: continuation %d is not an instruction", i, e.Cont)
	}
	if e.SP < 0 || contDepth(e) > s.StackMax {
		return malformed(s, "catch %d: stack depth %d exceeds stack max %d", i, e.SP, s.StackMax)
	}
	switch e.Kind {
	case CatchRescue, CatchEnsure:
		if e.ISeq == nil {
			return malformed(s, "catch %d: %s entry has no handler", i, e.Kind)
		}
		if e.ISeq.Type != ISeqRescue && e.ISeq.Type != ISeqEnsure {
			return malformed(s, "catch %d: handler %s is a %s iseq", i, e.ISeq.Name, e.ISeq.Type)
		}
	case CatchBreak:
		if e.ISeq != nil && e.ISeq.Type != ISeqBlock {
			return malformed(s, "catch %d: break entry names %s iseq %s", i, e.ISeq.Type, e.ISeq.Name)
		}
	}
	return nil
}

// contDepth is the operand stack depth at an entry's continuation. Landing
// a rescue, ensure, break or next pushes a value there; retry and redo do not.
func contDepth(e *CatchEntry) int {
	switch e.Kind {
	case CatchRetry, CatchRedo:
		return e.SP
	}
	return e.SP + 1
}

func (v *verifier) decode(s *ISeq) ([]insn, map[int]int, error) {
	code := s.Code
	if len(code) == 0 {
		return nil, nil, malformed(s, "empty code")
	}
	var insns []insn
	at := make(map[int]int)

	for pc := 0; pc < len(code); {
		op := Opcode(code[pc])
		info, ok := opcodeTable[op]
		if !ok {
			return nil, nil, malformed(s, "pc %d: unknown opcode 0x%02x", pc, byte(op))
		}
		next := pc + 1 + info.OperandBytes
		if next > len(code) {
			return nil, nil, malformed(s, "pc %d: %s operands run past the end", pc, op)
		}
		operand := code[pc+1 : next]
		in := insn{pc: pc, next: next, target: -1}

		switch op {
		case OpNop:
		case OpPop, OpSetSpecial, OpBranchIf, OpBranchUnless:
			in.pop = 1
		case OpDup:
			in.pop, in.push = 1, 2
		case OpPutNil, OpPutTrue, OpPutFalse, OpPutSelf, OpPutInt8:
			in.push = 1
		case OpOptPlus, OpOptMinus, OpOptLT, OpOptEQ, OpCheckMatch:
			in.pop, in.push = 2, 1

		case OpPutObject:
			if idx := int(binary.LittleEndian.Uint16(operand)); idx >= len(s.Literals) {
				return nil, nil, malformed(s, "pc %d: literal %d out of range", pc, idx)
			}
			in.push = 1

		case OpGetLocal, OpSetLocal:
			idx, level := int(operand[0]), int(operand[1])
			scope := v.scope(s, level)
			if scope == nil {
				return nil, nil, malformed(s, "pc %d: no scope at level %d", pc, level)
			}
			if idx >= scope.LocalSize() {
				return nil, nil, malformed(s, "pc %d: local %d out of range for %s", pc, idx, scope.Name)
			}
			if op == OpGetLocal {
				in.push = 1
			} else {
				in.pop = 1
			}

		case OpGetSpecial:
			in.push = 1
		case OpNewArray:
			in.pop, in.push = int(operand[0]), 1
		case OpInvokeBlock:
			in.pop, in.push = int(operand[0]), 1

		case OpSend:
			if err := checkSelector(s, pc, binary.LittleEndian.Uint16(operand)); err != nil {
				return nil, nil, err
			}
			argc, flags := int(operand[2]), operand[3]
			if flags&^SendFlagBlockArg != 0 {
				return nil, nil, malformed(s, "pc %d: unknown send flags 0x%02x", pc, flags)
			}
			if child := binary.LittleEndian.Uint16(operand[4:]); child != NoBlock {
				if int(child) >= len(s.Children) || s.Children[child] == nil || s.Children[child].Type != ISeqBlock {
					return nil, nil, malformed(s, "pc %d: child %d is not a block", pc, child)
				}
			}
			in.pop, in.push = argc+1, 1
			if flags&SendFlagBlockArg != 0 {
				in.pop++
			}

		case OpDefineMethod:
			if err := checkSelector(s, pc, binary.LittleEndian.Uint16(operand)); err != nil {
				return nil, nil, err
			}
			child := int(binary.LittleEndian.Uint16(operand[2:]))
			if child >= len(s.Children) || s.Children[child] == nil || s.Children[child].Type != ISeqMethod {
				return nil, nil, malformed(s, "pc %d: child %d is not a method", pc, child)
			}
			in.push = 1

		case OpLeave:
			in.pop, in.push, in.term = 1, 1, true
		case OpThrow:
			if state := ThrowState(operand[0] &^ ThrowNoEscape); state > StateRaise {
				return nil, nil, malformed(s, "pc %d: invalid throw state %d", pc, state)
			}
			in.pop, in.term = 1, true
		case OpJump:
			in.target = next + int(int16(binary.LittleEndian.Uint16(operand)))
			in.term = true
		}
		if op == OpBranchIf || op == OpBranchUnless {
			in.target = next + int(int16(binary.LittleEndian.Uint16(operand)))
		}
		if op == OpGetSpecial || op == OpSetSpecial {
			if key := operand[0]; key != SpecialLastMatch && key != SpecialLastLine {
				return nil, nil, malformed(s, "pc %d: unknown special variable %d", pc, key)
			}
		}

		at[pc] = len(insns)
		insns = append(insns, in)
		pc = next
	}
	return insns, at, nil
}

func checkSelector(s *ISeq, pc int, idx uint16) error {
	if int(idx) >= len(s.Literals) {
		return malformed(s, "pc %d: selector literal %d out of range", pc, idx)
	}
	if !s.Literals[idx].IsSymbol() {
		return malformed(s, "pc %d: literal %d is not a selector", pc, idx)
	}
	return nil
}

// stackDepth walks every path from the entry points and checks that each
// instruction sees one operand stack depth, never pops below the frame's
// base and never grows past StackMax.
func stackDepth(s *ISeq, insns []insn, at map[int]int) error {
	depth := make([]int, len(insns))
	for i := range depth {
		depth[i] = -1
	}
	var work []int
	enter := func(pc, d int) error {
		i := at[pc]
		switch {
		case depth[i] < 0:
			depth[i] = d
			work = append(work, i)
		case depth[i] != d:
			return malformed(s, "pc %d: stack depth %d here, %d on another path", pc, d, depth[i])
		}
		return nil
	}

	if err := enter(0, 0); err != nil {
		return err
	}
	for _, pc := range s.Args.OptTable {
		if err := enter(pc, 0); err != nil {
			return err
		}
	}
	for i := range s.Catch {
		if err := enter(s.Catch[i].Cont, contDepth(&s.Catch[i])); err != nil {
			return err
		}
	}

	for len(work) > 0 {
		in := insns[work[len(work)-1]]
		work = work[:len(work)-1]
		d := depth[at[in.pc]]
		if d < in.pop {
			return malformed(s, "pc %d: stack underflow (depth %d, pops %d)", in.pc, d, in.pop)
		}
		d += in.push - in.pop
		if d > s.StackMax {
			return malformed(s, "pc %d: stack depth %d exceeds stack max %d", in.pc, d, s.StackMax)
		}
		if in.target >= 0 {
			if err := enter(in.target, d); err != nil {
				return err
			}
		}
		if in.term {
			continue
		}
		if in.next == len(s.Code) {
			return malformed(s, "pc %d: control falls off the end", in.pc)
		}
		if err := enter(in.next, d); err != nil {
			return err
		}
	}
	return nil
}
