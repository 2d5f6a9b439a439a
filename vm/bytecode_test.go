package vm

import (
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Opcode metadata tests
// ---------------------------------------------------------------------------

func TestOpcodeInfo(t *testing.T) {
	tests := []struct {
		op           Opcode
		name         string
		operandBytes int
	}{
		{OpNop, "nop", 0},
		{OpPop, "pop", 0},
		{OpPutSelf, "putself", 0},
		{OpPutInt8, "putint8", 1},
		{OpPutObject, "putobject", 2},
		{OpGetLocal, "getlocal", 2},
		{OpSetSpecial, "setspecial", 1},
		{OpSend, "send", 6},
		{OpInvokeBlock, "invokeblock", 1},
		{OpThrow, "throw", 1},
		{OpOptPlus, "opt_plus", 0},
		{OpJump, "jump", 2},
		{OpBranchUnless, "branchunless", 2},
		{OpNewArray, "newarray", 1},
		{OpDefineMethod, "definemethod", 4},
	}

	for _, tt := range tests {
		info := tt.op.Info()
		if info.Name != tt.name {
			t.Errorf("%s: Name = %q, want %q", tt.op, info.Name, tt.name)
		}
		if info.OperandBytes != tt.operandBytes {
			t.Errorf("%s: OperandBytes = %d, want %d", tt.op, info.OperandBytes, tt.operandBytes)
		}
	}
}

func TestUnknownOpcode(t *testing.T) {
	if name := Opcode(0xFE).String(); name != "unknown_fe" {
		t.Errorf("String() = %q, want unknown_fe", name)
	}
}

// ---------------------------------------------------------------------------
// BytecodeBuilder tests
// ---------------------------------------------------------------------------

func TestBytecodeBuilderEmitSend(t *testing.T) {
	b := NewBytecodeBuilder()
	b.EmitSend(0x0102, 3, SendFlagBlockArg, NoBlock)

	want := []byte{byte(OpSend), 0x02, 0x01, 3, SendFlagBlockArg, 0xFF, 0xFF}
	got := b.Bytes()
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}
	if b.Instructions() != 1 {
		t.Errorf("Instructions() = %d, want 1", b.Instructions())
	}
}

func TestLabelForwardJump(t *testing.T) {
	b := NewBytecodeBuilder()
	l := b.NewLabel()
	b.EmitJump(OpJump, l)
	b.Emit(OpNop)
	b.Emit(OpNop)
	b.Mark(l)

	r := NewBytecodeReader(b.Bytes())
	r.ReadOpcode()
	if off := r.ReadInt16(); off != 2 {
		t.Errorf("offset = %d, want 2", off)
	}
	if l.Position() != 5 {
		t.Errorf("Position() = %d, want 5", l.Position())
	}
}

func TestLabelBackwardJump(t *testing.T) {
	b := NewBytecodeBuilder()
	l := b.NewLabel()
	b.Mark(l)
	b.Emit(OpNop)
	b.EmitJump(OpJump, l)

	r := NewBytecodeReader(b.Bytes())
	r.Skip(2)
	if off := r.ReadInt16(); off != -4 {
		t.Errorf("offset = %d, want -4", off)
	}
}

func TestLabelDoubleMark(t *testing.T) {
	b := NewBytecodeBuilder()
	l := b.NewLabel()
	b.Mark(l)
	defer func() {
		if recover() == nil {
			t.Error("marking a label twice should panic")
		}
	}()
	b.Mark(l)
}

func TestBytecodeReaderUnderflow(t *testing.T) {
	r := NewBytecodeReader([]byte{byte(OpPutObject), 1})
	r.ReadOpcode()
	defer func() {
		if recover() == nil {
			t.Error("reading past the end should panic")
		}
	}()
	r.ReadUint16()
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

func TestDisassemble(t *testing.T) {
	vm := newTestVM(t)
	b := vm.Builder("main", ISeqTop)
	x := b.Local("x")
	done := b.NewLabel()
	b.PutInt(-3)
	b.SetLocal(x, 0)
	b.GetLocal(x, 0)
	b.BranchUnless(done)
	b.PutSelf()
	b.Send("puts", 0)
	b.Pop()
	b.Mark(done)
	b.PutNil()
	b.ThrowNoEscape(StateBreak)
	iseq := b.Build()

	want := []string{
		"0000  putint8 -3",
		"0002  setlocal 0, 0",
		"0005  getlocal 0, 0",
		"0008  branchunless 0020",
		"0011  putself",
		"0012  send #0 argc=0",
		"0019  pop",
		"0020  putnil",
		"0021  throw break noescape",
	}
	got := strings.Split(Disassemble(iseq.Code), "\n")
	if len(got) != len(want) {
		t.Fatalf("Disassemble =\n%s", Disassemble(iseq.Code))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestISeqDisassembleCatchTable(t *testing.T) {
	vm := newTestVM(t)
	blk := vm.Builder("block in main", ISeqBlock)
	blk.PutNil()
	blk.Leave()
	block := blk.Build()

	b := vm.Builder("main", ISeqTop)
	start := b.Here()
	b.PutSelf()
	b.SendWithBlock("each", 0, block)
	end := b.Here()
	b.Leave()
	b.Catch(CatchBreak, start, end, end, 0, block)
	iseq := b.Build()

	out := iseq.Disassemble(vm.Symbols())
	for _, want := range []string{
		"== main (top) locals=[]",
		"break  st:0000 ed:0008 cont:0008 sp:0 block in main",
		"0001  send #0 argc=0 block=0",
		"0008  leave",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Disassemble missing %q:\n%s", want, out)
		}
	}
	if block.Parent != iseq {
		t.Errorf("block parent = %v, want main", block.Parent)
	}
}
