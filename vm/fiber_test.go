package vm

import (
	"testing"
)

func newNativeFiber(t *testing.T, th *Thread, fn NativeBlockFunc) Value {
	t.Helper()
	fv, err := th.NewFiber(th.MakeProc(NewNativeBlock(Nil, fn), false))
	if err != nil {
		t.Fatalf("NewFiber: %v", err)
	}
	return fv
}

func TestFiberResumeYield(t *testing.T) {
	vm := newTestVM(t)
	_, err := vm.Execute(func(th *Thread) (Value, error) {
		fv := newNativeFiber(t, th, func(th *Thread, args []Value, blk *Block) (Value, error) {
			got, err := th.FiberYield(FromSmallInt(args[0].SmallInt() * 2))
			if err != nil {
				return Nil, err
			}
			return FromSmallInt(got.SmallInt() + 1), nil
		})
		f := vm.Heap().Fiber(fv)
		if f.State() != FiberCreated {
			t.Errorf("state = %s, want created", f.State())
		}

		if v, err := th.Resume(fv, FromSmallInt(5)); err != nil || v != FromSmallInt(10) {
			t.Errorf("first resume = %v, %v, want 10", v, err)
		}
		if f.State() != FiberSuspended {
			t.Errorf("state = %s, want suspended", f.State())
		}
		if v, err := th.Resume(fv, FromSmallInt(7)); err != nil || v != FromSmallInt(8) {
			t.Errorf("second resume = %v, %v, want 8", v, err)
		}
		if f.Alive() {
			t.Error("finished fiber still alive")
		}

		_, err := th.Resume(fv)
		exc := assertRaised(t, vm, err, vm.FiberError)
		if exc.Message != "dead fiber called" {
			t.Errorf("message = %q", exc.Message)
		}
		if th.CurrentFiber() != nil {
			t.Error("root context not restored")
		}
		return Nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestFiberYieldFromRoot(t *testing.T) {
	vm := newTestVM(t)
	_, err := vm.Execute(func(th *Thread) (Value, error) {
		return th.FiberYield(Nil)
	})
	exc := assertRaised(t, vm, err, vm.FiberError)
	if exc.Message != "can't yield from root fiber" {
		t.Errorf("message = %q", exc.Message)
	}
}

func TestFiberResumeSelf(t *testing.T) {
	vm := newTestVM(t)
	_, err := vm.Execute(func(th *Thread) (Value, error) {
		var fv Value
		fv = newNativeFiber(t, th, func(th *Thread, args []Value, blk *Block) (Value, error) {
			return th.Resume(fv)
		})
		_, err := th.Resume(fv)
		exc := assertRaised(t, vm, err, vm.FiberError)
		if exc.Message != "attempt to resume the current fiber" {
			t.Errorf("message = %q", exc.Message)
		}
		return Nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestFiberExceptionReachesResumer(t *testing.T) {
	vm := newTestVM(t)
	_, err := vm.Execute(func(th *Thread) (Value, error) {
		fv := newNativeFiber(t, th, func(th *Thread, args []Value, blk *Block) (Value, error) {
			return Nil, th.RaiseError(vm.ArgumentError, "inside fiber")
		})
		_, err := th.Resume(fv)
		exc := assertRaised(t, vm, err, vm.ArgumentError)
		if exc.Message != "inside fiber" {
			t.Errorf("message = %q", exc.Message)
		}
		if vm.Heap().Fiber(fv).Alive() {
			t.Error("fiber alive after raising")
		}
		return Nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	assertClean(t, vm)
}

func TestFiberNatives(t *testing.T) {
	vm := newTestVM(t)

	// Fiber.new { Fiber.yield(1); 2 }
	bb := vm.Builder("block in main", ISeqBlock)
	bb.PutClass(vm.FiberClass)
	bb.PutInt(1)
	bb.Send("yield", 1)
	bb.Pop()
	bb.PutInt(2)
	bb.Leave()
	block := bb.Build()

	// f = Fiber.new { ... }; [f.resume, f.resume, f.alive?]
	v := mustRunTop(t, vm, func(b *ISeqBuilder) {
		f := b.Local("f")
		b.PutClass(vm.FiberClass)
		b.SendWithBlock("new", 0, block)
		b.SetLocal(f, 0)
		b.GetLocal(f, 0)
		b.Send("resume", 0)
		b.GetLocal(f, 0)
		b.Send("resume", 0)
		b.GetLocal(f, 0)
		b.Send("alive?", 0)
		b.NewArray(3)
		b.Leave()
	})
	arr := vm.Heap().Array(v)
	if arr == nil || len(arr.Elems) != 3 {
		t.Fatalf("result = %s", vm.Inspect(v))
	}
	if arr.Elems[0] != FromSmallInt(1) || arr.Elems[1] != FromSmallInt(2) || arr.Elems[2] != False {
		t.Errorf("result = %s, want [1, 2, false]", vm.Inspect(v))
	}
	assertClean(t, vm)
}
