package vm

import (
	"errors"
	"strings"
	"testing"
)

func TestVerifyAcceptsBuiltISeqs(t *testing.T) {
	vm := newTestVM(t)

	// def m(a = 1) = a
	mb := vm.Builder("m", ISeqMethod)
	a := mb.OptParam("a")
	noArg, body := mb.NewLabel(), mb.NewLabel()
	mb.OptEntry(noArg)
	mb.OptEntry(body)
	mb.Mark(noArg)
	mb.PutInt(1)
	mb.SetLocal(a, 0)
	mb.Mark(body)
	mb.GetLocal(a, 0)
	mb.Leave()

	bb := vm.Builder("block in main", ISeqBlock)
	x := bb.Param("x")
	bb.GetLocal(x, 0)
	bb.GetLocal(0, 1)
	bb.OptPlus()
	bb.Leave()

	// n = 3; n -= 1 while n > 0 (as a do-while); 2.times { |x| x + n }
	b := vm.Builder("main", ISeqTop)
	n := b.Local("n")
	b.DefineMethod("m", mb.Build())
	b.Pop()
	b.PutInt(3)
	b.SetLocal(n, 0)
	loop := b.Here()
	b.GetLocal(n, 0)
	b.PutInt(1)
	b.OptMinus()
	b.Dup()
	b.SetLocal(n, 0)
	b.BranchIf(loop)
	b.PutInt(2)
	b.SendWithBlock("times", 0, bb.Build())
	b.Leave()

	if err := b.Build().Verify(); err != nil {
		t.Errorf("Verify = %v, want nil", err)
	}
}

func TestVerifyRejects(t *testing.T) {
	vm := newTestVM(t)
	raw := func(code ...byte) *ISeq {
		return &ISeq{Name: "raw", Type: ISeqTop, Code: code, Args: ArgShape{Rest: -1, Block: -1}, StackMax: 4}
	}
	block := func() *ISeq {
		bb := vm.Builder("block", ISeqBlock)
		bb.PutNil()
		bb.Leave()
		return bb.Build()
	}

	notSelector := raw(byte(OpPutSelf), byte(OpSend), 0, 0, 0, 0, 0xff, 0xff, byte(OpLeave))
	notSelector.Literals = []Value{FromSmallInt(1)}

	sendMethod := raw(byte(OpPutSelf), byte(OpSend), 0, 0, 0, 0, 0, 0, byte(OpLeave))
	sendMethod.Literals = []Value{vm.symbols.SymbolValue("each")}
	sendMethod.Children = []*ISeq{{Name: "m", Type: ISeqMethod, Code: []byte{byte(OpPutNil), byte(OpLeave)},
		Args: ArgShape{Rest: -1, Block: -1}, StackMax: 2}}

	defineBlock := vm.Builder("main", ISeqTop)
	defineBlock.DefineMethod("m", block())
	defineBlock.Leave()

	outerLocal := vm.Builder("main", ISeqTop)
	outerLocal.Local("x")
	outerLocal.GetLocal(0, 1)
	outerLocal.Leave()

	special := vm.Builder("main", ISeqTop)
	special.GetSpecial(7)
	special.Leave()

	throw := vm.Builder("main", ISeqTop)
	throw.PutNil()
	throw.Throw(ThrowState(9))

	tests := []struct {
		name string
		iseq *ISeq
		want string
	}{
		{"empty", raw(), "empty code"},
		{"unknown opcode", raw(0xee), "unknown opcode 0xee"},
		{"truncated operand", raw(byte(OpPutObject), 0), "run past the end"},
		{"underflow", raw(byte(OpPop), byte(OpPutNil), byte(OpLeave)), "stack underflow"},
		{"leave on empty stack", raw(byte(OpLeave)), "stack underflow"},
		// putint8 5; jump -4 lands inside putint8's operand
		{"jump into operand", raw(byte(OpPutInt8), 5, byte(OpJump), 0xfc, 0xff), "jump target 1"},
		// puttrue; branchif +1; putnil; putnil; leave: pc 5 is reached at depth 0 and 1
		{"depth mismatch", raw(byte(OpPutTrue), byte(OpBranchIf), 1, 0, byte(OpPutNil), byte(OpPutNil), byte(OpLeave)), "on another path"},
		{"falls off end", raw(byte(OpPutNil)), "falls off the end"},
		{"stack max", raw(byte(OpPutNil), byte(OpPutNil), byte(OpPutNil), byte(OpPutNil), byte(OpPutNil), byte(OpLeave)), "exceeds stack max"},
		{"literal", raw(byte(OpPutObject), 3, 0, byte(OpLeave)), "literal 3 out of range"},
		{"selector", notSelector, "not a selector"},
		{"send child", sendMethod, "child 0 is not a block"},
		{"define child", defineBlock.Build(), "child 0 is not a method"},
		{"outer local", outerLocal.Build(), "no scope at level 1"},
		{"special", special.Build(), "unknown special variable 7"},
		{"throw state", throw.Build(), "invalid throw state 9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.iseq.Verify()
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("Verify = %v, want ErrMalformed", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Verify = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestVerifyCatchTable(t *testing.T) {
	vm := newTestVM(t)
	build := func(kind CatchKind, sp int, handler *ISeq) *ISeq {
		b := vm.Builder("main", ISeqTop)
		start := b.Here()
		b.PutSelf()
		b.Send("work", 0)
		end := b.Here()
		cont := b.Here()
		b.Leave()
		b.Catch(kind, start, end, cont, sp, handler)
		return b.Build()
	}
	rescue := func() *ISeq {
		rb := vm.Builder("rescue", ISeqRescue)
		rb.PutInt(1)
		rb.Leave()
		return rb.Build()
	}

	if err := build(CatchRescue, 0, rescue()).Verify(); err != nil {
		t.Errorf("Verify(rescue) = %v, want nil", err)
	}

	tests := []struct {
		name string
		iseq *ISeq
		want string
	}{
		{"no handler", build(CatchRescue, 0, nil), "has no handler"},
		{"block handler", build(CatchEnsure, 0, vm.Builder("b", ISeqBlock).Build()), "is a block iseq"},
		// a retry lands at cont with nothing for leave to return
		{"retry depth", build(CatchRetry, 0, nil), "stack underflow"},
		{"negative sp", build(CatchBreak, -1, nil), "stack depth -1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.iseq.Verify()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Verify = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestVerifyDetectsCycles(t *testing.T) {
	vm := newTestVM(t)
	b := vm.Builder("main", ISeqTop)
	b.PutNil()
	b.Leave()
	root := b.Build()
	root.Children = append(root.Children, root)

	if err := root.Verify(); !errors.Is(err, ErrMalformed) || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("Verify = %v, want cycle error", err)
	}
}
