package vm

import (
	"testing"
)

// pairBlock builds { |a, b| [a, b] }.
func pairBlock(vm *VM) *ISeq {
	bb := vm.Builder("block in main", ISeqBlock)
	a := bb.Param("a")
	b := bb.Param("b")
	bb.GetLocal(a, 0)
	bb.GetLocal(b, 0)
	bb.NewArray(2)
	bb.Leave()
	return bb.Build()
}

func ints(vm *VM, v Value) []int64 {
	arr := vm.Heap().Array(v)
	if arr == nil {
		return nil
	}
	out := make([]int64, len(arr.Elems))
	for i, e := range arr.Elems {
		if e == Nil {
			out[i] = -1
			continue
		}
		out[i] = e.SmallInt()
	}
	return out
}

func equalInts(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Promotion
// ---------------------------------------------------------------------------

func TestPromoteIsIdempotent(t *testing.T) {
	vm := newTestVM(t)
	var first, second EnvRef
	var grown int
	vm.DefineNative(vm.ObjectClass, "promote_caller", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		before := vm.Envs().Len()
		first = th.Promote(th.callerFrame().DFP)
		second = th.Promote(th.callerFrame().DFP)
		grown = vm.Envs().Len() - before
		return Nil, nil
	})

	mustRunTop(t, vm, func(b *ISeqBuilder) {
		b.PutSelf()
		b.Send("promote_caller", 0)
		b.Leave()
	})
	if !first.OnHeap() {
		t.Errorf("Promote = %s, want a heap scope", first)
	}
	if first != second {
		t.Errorf("second Promote = %s, want %s", second, first)
	}
	if grown != 1 {
		t.Errorf("Envs allocated = %d, want 1", grown)
	}
}

func TestPromoteCarriesOuterScopes(t *testing.T) {
	vm := newTestVM(t)
	var inner EnvRef
	vm.DefineNative(vm.ObjectClass, "promote_caller", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		inner = th.Promote(th.callerFrame().DFP)
		return Nil, nil
	})
	vm.DefineNative(vm.ObjectClass, "call_block", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return th.Yield(blk)
	})

	bb := vm.Builder("block in main", ISeqBlock)
	bb.PutSelf()
	bb.Send("promote_caller", 0)
	bb.Leave()
	block := bb.Build()

	mustRunTop(t, vm, func(b *ISeqBuilder) {
		b.PutSelf()
		b.SendWithBlock("call_block", 0, block)
		b.Leave()
	})

	if !inner.OnHeap() {
		t.Fatalf("block scope not promoted: %s", inner)
	}
	env := vm.env(inner)
	if env.ISeq.Name != "block in main" {
		t.Errorf("inner Env iseq = %s", env.ISeq.Name)
	}
	if !env.Prev.OnHeap() {
		t.Fatalf("outer scope left on the stack: %s", env.Prev)
	}
	outer := vm.env(env.Prev)
	if outer.ISeq.Name != "main" || !outer.Prev.IsZero() {
		t.Errorf("outer Env = %s prev %s, want main with no prev", outer.ISeq.Name, outer.Prev)
	}
	if outer.Spec != FromEnvHandle(env.Prev.Handle()) {
		t.Errorf("outer special slot = %v, want its own handle", outer.Spec)
	}
}

func TestProcsShareEnv(t *testing.T) {
	vm := newTestVM(t)

	// x = 1; p1 = proc { x }; p2 = proc { x = x + 10 }; p2.call; x + p1.call
	v := mustRunTop(t, vm, func(b *ISeqBuilder) {
		x := b.Local("x")
		p1 := b.Local("p1")
		p2 := b.Local("p2")

		read := vm.Builder("block in main", ISeqBlock)
		read.GetLocal(x, 1)
		read.Leave()

		write := vm.Builder("block in main", ISeqBlock)
		write.GetLocal(x, 1)
		write.PutInt(10)
		write.OptPlus()
		write.SetLocal(x, 1)
		write.GetLocal(x, 1)
		write.Leave()

		b.PutInt(1)
		b.SetLocal(x, 0)
		b.PutSelf()
		b.SendWithBlock("proc", 0, read.Build())
		b.SetLocal(p1, 0)
		b.PutSelf()
		b.SendWithBlock("proc", 0, write.Build())
		b.SetLocal(p2, 0)
		b.GetLocal(p2, 0)
		b.Send("call", 0)
		b.Pop()
		b.GetLocal(x, 0)
		b.GetLocal(p1, 0)
		b.Send("call", 0)
		b.OptPlus()
		b.Leave()
	})
	if v != FromSmallInt(22) {
		t.Errorf("result = %v, want 22", v)
	}
	assertClean(t, vm)
}

func TestMakeProcCachesOnBlock(t *testing.T) {
	vm := newTestVM(t)
	_, err := vm.Execute(func(th *Thread) (Value, error) {
		blk := &Block{Self: vm.MainObject(), ISeq: pairBlock(vm)}
		p1 := th.MakeProc(blk, false)
		p2 := th.MakeProc(blk, true)
		if p1 != p2 {
			t.Errorf("MakeProc twice = %v, %v, want the same proc", p1, p2)
		}
		if vm.Heap().Proc(p1).Lambda {
			t.Error("cached proc became a lambda")
		}
		return Nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// ---------------------------------------------------------------------------
// Argument setup
// ---------------------------------------------------------------------------

func TestBlockArgumentAdaptation(t *testing.T) {
	vm := newTestVM(t)
	block := pairBlock(vm)

	tests := []struct {
		name string
		args func() []Value
		want []int64
	}{
		{"exact", func() []Value { return []Value{FromSmallInt(1), FromSmallInt(2)} }, []int64{1, 2}},
		{"missing filled with nil", func() []Value { return []Value{FromSmallInt(1)} }, []int64{1, -1}},
		{"extra dropped", func() []Value { return []Value{FromSmallInt(1), FromSmallInt(2), FromSmallInt(3)} }, []int64{1, 2}},
		{"auto-splat", func() []Value {
			return []Value{vm.Heap().NewArray([]Value{FromSmallInt(1), FromSmallInt(2)})}
		}, []int64{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := vm.Execute(func(th *Thread) (Value, error) {
				return th.InvokeBlock(&Block{Self: vm.MainObject(), ISeq: block}, Undef, tt.args(), nil)
			})
			if err != nil {
				t.Fatal(err)
			}
			if got := ints(vm, v); !equalInts(got, tt.want) {
				t.Errorf("block(%d args) = %v, want %v", len(tt.args()), got, tt.want)
			}
			assertClean(t, vm)
		})
	}
}

func TestSingleParamBlockDoesNotSplat(t *testing.T) {
	vm := newTestVM(t)
	bb := vm.Builder("block in main", ISeqBlock)
	a := bb.Param("a")
	bb.GetLocal(a, 0)
	bb.Leave()
	block := bb.Build()

	arr := vm.Heap().NewArray([]Value{FromSmallInt(1), FromSmallInt(2)})
	v, err := vm.Execute(func(th *Thread) (Value, error) {
		return th.Yield(&Block{Self: vm.MainObject(), ISeq: block}, arr)
	})
	if err != nil || v != arr {
		t.Errorf("{ |a| a }.call([1, 2]) = %s, %v, want the array", vm.Inspect(v), err)
	}
}

func TestAutoSplattable(t *testing.T) {
	tests := []struct {
		shape ArgShape
		want  bool
	}{
		{ArgShape{Lead: 0, Rest: -1, Block: -1}, false},
		{ArgShape{Lead: 1, Rest: -1, Block: -1}, false},
		{ArgShape{Lead: 2, Rest: -1, Block: -1}, true},
		{ArgShape{Lead: 1, Opt: 1, Rest: -1, Block: -1}, true},
		{ArgShape{Lead: 0, Opt: 1, Rest: -1, Block: -1}, false},
		{ArgShape{Lead: 1, Rest: 1, Block: -1}, true},
		{ArgShape{Lead: 0, Rest: 0, Block: -1}, false},
	}
	for _, tt := range tests {
		if got := autoSplattable(tt.shape); got != tt.want {
			t.Errorf("autoSplattable(lead=%d opt=%d rest=%d) = %v, want %v",
				tt.shape.Lead, tt.shape.Opt, tt.shape.Rest, got, tt.want)
		}
	}
}

func TestLambdaArityIsStrict(t *testing.T) {
	vm := newTestVM(t)
	block := pairBlock(vm)
	arr := vm.Heap().NewArray([]Value{FromSmallInt(1), FromSmallInt(2)})

	_, err := vm.Execute(func(th *Thread) (Value, error) {
		depth := th.Context().Depth()
		top := th.Context().StackTop()
		pv := th.MakeProc(&Block{Self: vm.MainObject(), ISeq: block}, true)
		_, err := th.InvokeProc(pv, []Value{arr}, nil)
		if th.Context().Depth() != depth || th.Context().StackTop() != top {
			t.Errorf("failed lambda call left depth %d sp %d, want %d %d",
				th.Context().Depth(), th.Context().StackTop(), depth, top)
		}
		return Nil, err
	})
	exc := assertRaised(t, vm, err, vm.ArgumentError)
	if exc.Message != "wrong number of arguments (given 1, expected 2)" {
		t.Errorf("message = %q", exc.Message)
	}
	assertClean(t, vm)
}

func TestOptionalAndRestParams(t *testing.T) {
	vm := newTestVM(t)

	// def add(a, b = 5) = a + b
	mb := vm.Builder("add", ISeqMethod)
	a := mb.Param("a")
	b := mb.OptParam("b")
	noB := mb.NewLabel()
	body := mb.NewLabel()
	mb.OptEntry(noB)
	mb.OptEntry(body)
	mb.Mark(noB)
	mb.PutInt(5)
	mb.SetLocal(b, 0)
	mb.Mark(body)
	mb.GetLocal(a, 0)
	mb.GetLocal(b, 0)
	mb.OptPlus()
	mb.Leave()
	vm.DefineMethod(vm.ObjectClass, vm.Intern("add"), mb.Build())

	// def tail(a, *rest) = rest
	rb := vm.Builder("tail", ISeqMethod)
	rb.Param("a")
	rest := rb.RestParam("rest")
	rb.GetLocal(rest, 0)
	rb.Leave()
	vm.DefineMethod(vm.ObjectClass, vm.Intern("tail"), rb.Build())

	send := func(sel string, args ...Value) (Value, error) {
		return vm.Execute(func(th *Thread) (Value, error) {
			return th.Send(vm.MainObject(), sel, args...)
		})
	}

	if v, err := send("add", FromSmallInt(1)); err != nil || v != FromSmallInt(6) {
		t.Errorf("add(1) = %v, %v, want 6", v, err)
	}
	if v, err := send("add", FromSmallInt(1), FromSmallInt(2)); err != nil || v != FromSmallInt(3) {
		t.Errorf("add(1, 2) = %v, %v, want 3", v, err)
	}
	_, err := send("add")
	exc := assertRaised(t, vm, err, vm.ArgumentError)
	if exc.Message != "wrong number of arguments (given 0, expected 1..2)" {
		t.Errorf("message = %q", exc.Message)
	}

	v, err := send("tail", FromSmallInt(1), FromSmallInt(2), FromSmallInt(3))
	if err != nil {
		t.Fatal(err)
	}
	if got := ints(vm, v); !equalInts(got, []int64{2, 3}) {
		t.Errorf("tail(1, 2, 3) = %v, want [2 3]", got)
	}
	_, err = send("tail")
	exc = assertRaised(t, vm, err, vm.ArgumentError)
	if exc.Message != "wrong number of arguments (given 0, expected 1+)" {
		t.Errorf("message = %q", exc.Message)
	}
	assertClean(t, vm)
}

func TestProcArity(t *testing.T) {
	shape := func(lead, opt, rest int) *ISeq {
		return &ISeq{Args: ArgShape{Lead: lead, Opt: opt, Rest: rest, Block: -1}}
	}
	tests := []struct {
		name   string
		iseq   *ISeq
		lambda bool
		want   int
	}{
		{"proc { |a, b| }", shape(2, 0, -1), false, 2},
		{"proc { |a, b = 1| }", shape(1, 1, -1), false, 1},
		{"lambda { |a, b = 1| }", shape(1, 1, -1), true, -2},
		{"proc { |a, *r| }", shape(1, 0, 1), false, -2},
		{"lambda { |*r| }", shape(0, 0, 0), true, -1},
	}
	for _, tt := range tests {
		p := &Proc{Block: Block{ISeq: tt.iseq}, Lambda: tt.lambda}
		if got := p.Arity(); got != tt.want {
			t.Errorf("%s.arity = %d, want %d", tt.name, got, tt.want)
		}
	}
	if got := (&Proc{Block: Block{Native: func(*Thread, []Value, *Block) (Value, error) { return Nil, nil }}}).Arity(); got != -1 {
		t.Errorf("native proc arity = %d, want -1", got)
	}
}

// ---------------------------------------------------------------------------
// Yield
// ---------------------------------------------------------------------------

func TestYieldWithoutBlock(t *testing.T) {
	vm := newTestVM(t)
	mb := vm.Builder("m", ISeqMethod)
	mb.InvokeBlock(0)
	mb.Leave()
	vm.DefineMethod(vm.ObjectClass, vm.Intern("m"), mb.Build())

	_, err := runTop(t, vm, func(b *ISeqBuilder) {
		b.PutSelf()
		b.Send("m", 0)
		b.Leave()
	})
	exc := assertRaised(t, vm, err, vm.LocalJumpError)
	if exc.Message != "no block given (yield)" {
		t.Errorf("message = %q", exc.Message)
	}
	assertClean(t, vm)
}

func TestYieldToNativeBlock(t *testing.T) {
	vm := newTestVM(t)
	mb := vm.Builder("m", ISeqMethod)
	mb.PutInt(20)
	mb.PutInt(22)
	mb.InvokeBlock(2)
	mb.Leave()
	vm.DefineMethod(vm.ObjectClass, vm.Intern("m"), mb.Build())

	sum := NewNativeBlock(Nil, func(th *Thread, args []Value, blk *Block) (Value, error) {
		return FromSmallInt(args[0].SmallInt() + args[1].SmallInt()), nil
	})
	v, err := vm.Execute(func(th *Thread) (Value, error) {
		return th.InvokeMethod(vm.MainObject(), vm.Intern("m"), nil, sum)
	})
	if err != nil || v != FromSmallInt(42) {
		t.Errorf("m { |a, b| a + b } = %v, %v, want 42", v, err)
	}
}

func TestBlockGiven(t *testing.T) {
	vm := newTestVM(t)
	mb := vm.Builder("m", ISeqMethod)
	mb.PutSelf()
	mb.Send("block_given?", 0)
	mb.Leave()
	vm.DefineMethod(vm.ObjectClass, vm.Intern("m"), mb.Build())

	bb := vm.Builder("block in main", ISeqBlock)
	bb.PutNil()
	bb.Leave()
	block := bb.Build()

	with := mustRunTop(t, vm, func(b *ISeqBuilder) {
		b.PutSelf()
		b.SendWithBlock("m", 0, block)
		b.Leave()
	})
	without := mustRunTop(t, vm, func(b *ISeqBuilder) {
		b.PutSelf()
		b.Send("m", 0)
		b.Leave()
	})
	if with != True || without != False {
		t.Errorf("block_given? = %v with a block, %v without", with, without)
	}
}
