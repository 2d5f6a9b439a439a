package vm

import (
	"strings"
	"testing"

	"github.com/chazu/yarv/config"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestVM(t *testing.T) *VM {
	t.Helper()
	vm := NewVM()
	t.Cleanup(vm.Close)
	return vm
}

// runTop assembles a top-level iseq with build and runs it on the main thread.
func runTop(t *testing.T, vm *VM, build func(b *ISeqBuilder)) (Value, error) {
	t.Helper()
	b := vm.Builder("main", ISeqTop)
	build(b)
	return vm.Run(b.Build())
}

func mustRunTop(t *testing.T, vm *VM, build func(b *ISeqBuilder)) Value {
	t.Helper()
	v, err := runTop(t, vm, build)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return v
}

// defineNote installs Object#note, which records its integer argument.
func defineNote(vm *VM) *[]int64 {
	notes := new([]int64)
	vm.DefineNative(vm.ObjectClass, "note", 1, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		*notes = append(*notes, args[0].SmallInt())
		return args[0], nil
	})
	return notes
}

func assertNotes(t *testing.T, got *[]int64, want ...int64) {
	t.Helper()
	if len(*got) != len(want) {
		t.Fatalf("notes = %v, want %v", *got, want)
	}
	for i := range want {
		if (*got)[i] != want[i] {
			t.Fatalf("notes = %v, want %v", *got, want)
		}
	}
}

// assertRaised checks that err is a RAISE of class (or a subclass) and
// returns the exception.
func assertRaised(t *testing.T, vm *VM, err error, class *Class) *ExceptionObject {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got no error", class.Name)
	}
	exc := vm.ExceptionOf(err)
	if exc == nil {
		t.Fatalf("expected %s, got %v", class.Name, err)
	}
	if !exc.Class.IsKindOf(class) {
		t.Fatalf("raised %s, want %s", exc.describe(), class.Name)
	}
	return exc
}

func assertClean(t *testing.T, vm *VM) {
	t.Helper()
	ec := vm.MainThread().Context()
	if d := ec.Depth(); d != 0 {
		t.Errorf("frame depth after run = %d, want 0", d)
	}
	if sp := ec.StackTop(); sp != 0 {
		t.Errorf("stack top after run = %d, want 0", sp)
	}
}

// ---------------------------------------------------------------------------
// VM construction and top-level runs
// ---------------------------------------------------------------------------

func TestNewVMWithConfigRejectsInvalid(t *testing.T) {
	cfg := config.Default()
	cfg.VM.StackSize = 10
	if _, err := NewVMWithConfig(cfg); err == nil {
		t.Error("NewVMWithConfig accepted a 10-slot stack")
	}
}

func TestNewVMWithConfigSizes(t *testing.T) {
	cfg := config.Default()
	cfg.VM.StackSize = 2048
	cfg.VM.FrameDepth = 64
	cfg.VM.SafeLevel = 2
	vm, err := NewVMWithConfig(cfg)
	if err != nil {
		t.Fatalf("NewVMWithConfig: %v", err)
	}
	defer vm.Close()

	th := vm.MainThread()
	if n := len(th.Context().stack); n != 2048 {
		t.Errorf("stack size = %d, want 2048", n)
	}
	if n := len(th.Context().frames); n != 64 {
		t.Errorf("frame depth = %d, want 64", n)
	}
	if th.SafeLevel() != 2 {
		t.Errorf("SafeLevel = %d, want 2", th.SafeLevel())
	}
}

func TestRunReturnsValue(t *testing.T) {
	vm := newTestVM(t)
	v := mustRunTop(t, vm, func(b *ISeqBuilder) {
		b.PutInt(40)
		b.PutInt(2)
		b.OptPlus()
		b.Leave()
	})
	if v != FromSmallInt(42) {
		t.Errorf("result = %v, want 42", v)
	}
	assertClean(t, vm)
}

func TestMethodCall(t *testing.T) {
	vm := newTestVM(t)

	mb := vm.Builder("add", ISeqMethod)
	a := mb.Param("a")
	c := mb.Param("b")
	mb.GetLocal(a, 0)
	mb.GetLocal(c, 0)
	mb.OptPlus()
	mb.Leave()
	vm.DefineMethod(vm.ObjectClass, vm.Intern("add"), mb.Build())

	v := mustRunTop(t, vm, func(b *ISeqBuilder) {
		b.PutSelf()
		b.PutInt(2)
		b.PutInt(3)
		b.Send("add", 2)
		b.Leave()
	})
	if v != FromSmallInt(5) {
		t.Errorf("add(2, 3) = %v, want 5", v)
	}
	assertClean(t, vm)
}

func TestMethodArityError(t *testing.T) {
	vm := newTestVM(t)

	mb := vm.Builder("one", ISeqMethod)
	mb.Param("a")
	mb.PutNil()
	mb.Leave()
	vm.DefineMethod(vm.ObjectClass, vm.Intern("one"), mb.Build())

	_, err := runTop(t, vm, func(b *ISeqBuilder) {
		b.PutSelf()
		b.PutInt(1)
		b.PutInt(2)
		b.Send("one", 2)
		b.Leave()
	})
	exc := assertRaised(t, vm, err, vm.ArgumentError)
	if exc.Message != "wrong number of arguments (given 2, expected 1)" {
		t.Errorf("message = %q", exc.Message)
	}
	assertClean(t, vm)
}

func TestNoMethodError(t *testing.T) {
	vm := newTestVM(t)
	_, err := runTop(t, vm, func(b *ISeqBuilder) {
		b.PutSelf()
		b.Send("missing", 0)
		b.Leave()
	})
	exc := assertRaised(t, vm, err, vm.NoMethodError)
	if !strings.Contains(exc.Message, "undefined method 'missing'") {
		t.Errorf("message = %q", exc.Message)
	}
	if !exc.Class.IsKindOf(vm.NameError) {
		t.Error("NoMethodError should descend from NameError")
	}
	assertClean(t, vm)
}

func TestSendFromGo(t *testing.T) {
	vm := newTestVM(t)
	v, err := vm.Execute(func(th *Thread) (Value, error) {
		return th.Send(FromSmallInt(6), "*", FromSmallInt(7))
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if v != FromSmallInt(42) {
		t.Errorf("6 * 7 = %v, want 42", v)
	}
	assertClean(t, vm)
}

func TestExecuteNested(t *testing.T) {
	vm := newTestVM(t)
	v, err := vm.Execute(func(th *Thread) (Value, error) {
		return vm.Execute(func(inner *Thread) (Value, error) {
			if inner != th {
				t.Error("nested Execute switched threads")
			}
			return FromSmallInt(1), nil
		})
	})
	if err != nil || v != FromSmallInt(1) {
		t.Errorf("nested Execute = %v, %v", v, err)
	}
}

// ---------------------------------------------------------------------------
// Class model
// ---------------------------------------------------------------------------

func TestClassOf(t *testing.T) {
	vm := newTestVM(t)
	tests := []struct {
		v    Value
		want *Class
	}{
		{FromSmallInt(1), vm.IntegerClass},
		{FromFloat64(1.5), vm.FloatClass},
		{Nil, vm.NilClass},
		{True, vm.TrueClass},
		{False, vm.FalseClass},
		{vm.Symbols().SymbolValue("x"), vm.SymbolClass},
		{vm.Heap().NewString("s"), vm.StringClass},
		{vm.Heap().NewArray(nil), vm.ArrayClass},
		{vm.MainObject(), vm.ObjectClass},
		{vm.NewException(vm.RuntimeError, "x"), vm.RuntimeError},
	}
	for _, tt := range tests {
		if got := vm.ClassOf(tt.v); got != tt.want {
			t.Errorf("ClassOf(%s) = %s, want %s", vm.Inspect(tt.v), got, tt.want)
		}
	}
}

func TestIncludeModule(t *testing.T) {
	vm := newTestVM(t)
	m := vm.DefineModule("Greeter")
	vm.DefineNative(m, "greet", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return FromSmallInt(7), nil
	})
	c := vm.DefineClass("Person", vm.ObjectClass)
	vm.Include(c, m)
	vm.Include(c, m) // second include is a no-op

	names := c.AncestorNames()
	if !strings.HasPrefix(names, "Person < Greeter < Object < Kernel") {
		t.Errorf("ancestors = %s", names)
	}

	v, err := vm.Execute(func(th *Thread) (Value, error) {
		obj, err := th.Send(ClassValue(c), "new")
		if err != nil {
			return Nil, err
		}
		return th.Send(obj, "greet")
	})
	if err != nil {
		t.Fatalf("greet: %v", err)
	}
	if v != FromSmallInt(7) {
		t.Errorf("greet = %v, want 7", v)
	}
}

func TestUndefMethodHidesAncestor(t *testing.T) {
	vm := newTestVM(t)
	c := vm.DefineClass("Quiet", vm.ObjectClass)
	vm.UndefMethod(c, vm.Intern("inspect"))

	_, err := vm.Execute(func(th *Thread) (Value, error) {
		obj, err := th.Send(ClassValue(c), "new")
		if err != nil {
			return Nil, err
		}
		return th.Send(obj, "inspect")
	})
	assertRaised(t, vm, err, vm.NoMethodError)
}

func TestSingletonMethods(t *testing.T) {
	vm := newTestVM(t)
	c := vm.DefineClass("Base", vm.ObjectClass)
	sub := vm.DefineClass("Derived", c)
	vm.DefineSingletonNative(c, "kind", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return vm.Symbols().SymbolValue("base"), nil
	})

	v, err := vm.Execute(func(th *Thread) (Value, error) {
		return th.Send(ClassValue(sub), "kind")
	})
	if err != nil {
		t.Fatalf("Derived.kind: %v", err)
	}
	if v != vm.Symbols().SymbolValue("base") {
		t.Errorf("Derived.kind = %s, want :base", vm.Inspect(v))
	}

	obj := vm.Heap().Register(&Object{Class: c})
	sc, ok := vm.SingletonClass(obj)
	if !ok {
		t.Fatal("SingletonClass of a plain object failed")
	}
	vm.DefineNative(sc, "only_me", 0, func(th *Thread, self Value, args []Value, blk *Block) (Value, error) {
		return True, nil
	})
	if !vm.RespondTo(obj, vm.Intern("only_me")) {
		t.Error("object should respond to its singleton method")
	}
	if vm.realClassOf(obj) != c {
		t.Errorf("realClassOf = %s, want Base", vm.realClassOf(obj))
	}
	other := vm.Heap().Register(&Object{Class: c})
	if vm.RespondTo(other, vm.Intern("only_me")) {
		t.Error("singleton method leaked to another instance")
	}
}

func TestAliasMethod(t *testing.T) {
	vm := newTestVM(t)
	if err := vm.AliasMethod(vm.ObjectClass, vm.Intern("x"), vm.Intern("no_such")); err == nil {
		t.Error("AliasMethod of a missing method should fail")
	}
	if err := vm.AliasMethod(vm.IntegerClass, vm.Intern("plus"), vm.Intern("+")); err != nil {
		t.Fatalf("AliasMethod: %v", err)
	}
	v, err := vm.Execute(func(th *Thread) (Value, error) {
		return th.Send(FromSmallInt(1), "plus", FromSmallInt(2))
	})
	if err != nil || v != FromSmallInt(3) {
		t.Errorf("1.plus(2) = %v, %v", v, err)
	}
}

func TestDefineMethodInstruction(t *testing.T) {
	vm := newTestVM(t)

	body := vm.Builder("answer", ISeqMethod)
	body.PutInt(42)
	body.Leave()
	answer := body.Build()

	v := mustRunTop(t, vm, func(b *ISeqBuilder) {
		b.DefineMethod("answer", answer)
		b.Pop()
		b.PutSelf()
		b.Send("answer", 0)
		b.Leave()
	})
	if v != FromSmallInt(42) {
		t.Errorf("answer = %v, want 42", v)
	}
}

func TestClassBody(t *testing.T) {
	vm := newTestVM(t)
	c := vm.DefineClass("Widget", vm.ObjectClass)

	size := vm.Builder("size", ISeqMethod)
	size.PutInt(3)
	size.Leave()

	body := vm.Builder("<class:Widget>", ISeqClass)
	body.DefineMethod("size", size.Build())
	body.Leave()

	v, err := vm.Execute(func(th *Thread) (Value, error) {
		if _, err := th.RunClassBody(c, body.Build()); err != nil {
			return Nil, err
		}
		obj, err := th.Send(ClassValue(c), "new")
		if err != nil {
			return Nil, err
		}
		return th.Send(obj, "size")
	})
	if err != nil {
		t.Fatalf("Widget.new.size: %v", err)
	}
	if v != FromSmallInt(3) {
		t.Errorf("Widget.new.size = %v, want 3", v)
	}
}

func TestInspect(t *testing.T) {
	vm := newTestVM(t)
	tests := []struct {
		v    Value
		want string
	}{
		{Nil, "nil"},
		{FromSmallInt(-3), "-3"},
		{vm.Symbols().SymbolValue("sym"), ":sym"},
		{vm.Heap().NewString("hi"), `"hi"`},
		{ClassValue(vm.ArrayClass), "Array"},
		{vm.NewException(vm.TypeError, "bad"), "#<TypeError: bad>"},
		{vm.MainObject(), "an instance of Object"},
	}
	for _, tt := range tests {
		if got := vm.Inspect(tt.v); got != tt.want {
			t.Errorf("Inspect = %q, want %q", got, tt.want)
		}
	}
}
