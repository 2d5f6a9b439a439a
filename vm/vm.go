package vm

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/yarv/config"
)

// ---------------------------------------------------------------------------
// VM: the execution core
// ---------------------------------------------------------------------------

// VM owns everything shared by its threads: the symbol and class tables,
// the heap and env arena, the global method cache and the GIL.
type VM struct {
	symbols  *SymbolTable
	classes  *ClassTable
	heap     *Heap
	envs     *EnvArena
	cache    *MethodCache
	profiler *Profiler
	config   *config.Config

	gil       gil
	collector *Collector

	// Thread registry. goroutines maps goroutine ids to the thread (or the
	// thread owning the fiber) running there.
	threadsMu  sync.Mutex
	threads    map[uuid.UUID]*Thread
	group      *errgroup.Group
	goroutines sync.Map // int64 -> *Thread

	mainThread *Thread
	mainObject Value

	// Core classes
	ObjectClass  *Class
	ModuleClass  *Class
	ClassClass   *Class
	KernelModule *Class
	IntegerClass *Class
	FloatClass   *Class
	StringClass  *Class
	SymbolClass  *Class
	ArrayClass   *Class
	ProcClass    *Class
	NilClass     *Class
	TrueClass    *Class
	FalseClass   *Class
	ThreadClass  *Class
	FiberClass   *Class

	// Exception hierarchy
	ExceptionClass    *Class
	StandardError     *Class
	RuntimeError      *Class
	ArgumentError     *Class
	TypeError         *Class
	NameError         *Class
	NoMethodError     *Class
	LocalJumpError    *Class
	ZeroDivisionError *Class
	RangeError        *Class
	FiberError        *Class
	IndexError        *Class
	StopIteration     *Class

	// Selectors the interpreter sends on its own
	selPlus, selMinus, selLT, selEQ Symbol
	selInitialize                   Symbol
}

// NewVM creates a VM with the default configuration.
func NewVM() *VM {
	vm, err := NewVMWithConfig(config.Default())
	if err != nil {
		bug("default configuration rejected: %v", err)
	}
	return vm
}

// NewVMWithConfig creates a VM sized and tuned by cfg.
func NewVMWithConfig(cfg *config.Config) (*VM, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	vm := &VM{
		symbols:  NewSymbolTable(),
		classes:  NewClassTable(),
		heap:     NewHeap(),
		envs:     NewEnvArena(),
		cache:    NewMethodCache(cfg.VM.MethodCacheSize),
		profiler: NewProfiler(),
		config:   cfg,
		threads:  make(map[uuid.UUID]*Thread),
		group:    new(errgroup.Group),
	}
	vm.profiler.SetEnabled(cfg.Profile.Enabled)
	configureDeadlockDetection(cfg.GIL.DeadlockTimeout.Duration)

	vm.selPlus = vm.symbols.Intern("+")
	vm.selMinus = vm.symbols.Intern("-")
	vm.selLT = vm.symbols.Intern("<")
	vm.selEQ = vm.symbols.Intern("==")
	vm.selInitialize = vm.symbols.Intern("initialize")

	vm.bootstrap()

	vm.mainObject = vm.heap.Register(&Object{Class: vm.ObjectClass})
	vm.mainThread = vm.newThread()
	vm.threads[vm.mainThread.ID] = vm.mainThread

	vm.collector = NewCollector(vm, cfg.GC.Interval.Duration)
	if cfg.GC.Interval.Duration > 0 {
		vm.collector.Start()
	}
	return vm, nil
}

func (vm *VM) bootstrap() {
	vm.ObjectClass = vm.DefineClass("Object", nil)
	vm.ModuleClass = vm.DefineClass("Module", vm.ObjectClass)
	vm.ClassClass = vm.DefineClass("Class", vm.ModuleClass)
	vm.KernelModule = vm.DefineModule("Kernel")
	vm.Include(vm.ObjectClass, vm.KernelModule)

	vm.IntegerClass = vm.DefineClass("Integer", vm.ObjectClass)
	vm.FloatClass = vm.DefineClass("Float", vm.ObjectClass)
	vm.StringClass = vm.DefineClass("String", vm.ObjectClass)
	vm.SymbolClass = vm.DefineClass("Symbol", vm.ObjectClass)
	vm.ArrayClass = vm.DefineClass("Array", vm.ObjectClass)
	vm.ProcClass = vm.DefineClass("Proc", vm.ObjectClass)
	vm.NilClass = vm.DefineClass("NilClass", vm.ObjectClass)
	vm.TrueClass = vm.DefineClass("TrueClass", vm.ObjectClass)
	vm.FalseClass = vm.DefineClass("FalseClass", vm.ObjectClass)
	vm.ThreadClass = vm.DefineClass("Thread", vm.ObjectClass)
	vm.FiberClass = vm.DefineClass("Fiber", vm.ObjectClass)

	vm.ExceptionClass = vm.DefineClass("Exception", vm.ObjectClass)
	vm.StandardError = vm.DefineClass("StandardError", vm.ExceptionClass)
	vm.RuntimeError = vm.DefineClass("RuntimeError", vm.StandardError)
	vm.ArgumentError = vm.DefineClass("ArgumentError", vm.StandardError)
	vm.TypeError = vm.DefineClass("TypeError", vm.StandardError)
	vm.NameError = vm.DefineClass("NameError", vm.StandardError)
	vm.NoMethodError = vm.DefineClass("NoMethodError", vm.NameError)
	vm.LocalJumpError = vm.DefineClass("LocalJumpError", vm.StandardError)
	vm.ZeroDivisionError = vm.DefineClass("ZeroDivisionError", vm.StandardError)
	vm.RangeError = vm.DefineClass("RangeError", vm.StandardError)
	vm.FiberError = vm.DefineClass("FiberError", vm.StandardError)
	vm.IndexError = vm.DefineClass("IndexError", vm.StandardError)
	vm.StopIteration = vm.DefineClass("StopIteration", vm.IndexError)

	vm.registerKernel()
}

// Close stops the periodic collector.
func (vm *VM) Close() {
	vm.collector.Stop()
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Symbols returns the symbol table.
func (vm *VM) Symbols() *SymbolTable { return vm.symbols }

// Classes returns the class table.
func (vm *VM) Classes() *ClassTable { return vm.classes }

// Heap returns the object heap.
func (vm *VM) Heap() *Heap { return vm.heap }

// Envs returns the env arena.
func (vm *VM) Envs() *EnvArena { return vm.envs }

// MethodCache returns the global method cache.
func (vm *VM) MethodCache() *MethodCache { return vm.cache }

// Profiler returns the invocation profiler.
func (vm *VM) Profiler() *Profiler { return vm.profiler }

// Collector returns the garbage collector.
func (vm *VM) Collector() *Collector { return vm.collector }

// Config returns the configuration the VM was built with.
func (vm *VM) Config() *config.Config { return vm.config }

// MainThread returns the thread that runs Run and Execute.
func (vm *VM) MainThread() *Thread { return vm.mainThread }

// MainObject returns self of top-level code.
func (vm *VM) MainObject() Value { return vm.mainObject }

// Intern returns the symbol for name.
func (vm *VM) Intern(name string) Symbol { return vm.symbols.Intern(name) }

// Builder starts an iseq bound to this VM's symbol table.
func (vm *VM) Builder(name string, typ ISeqType) *ISeqBuilder {
	return NewISeqBuilder(vm.symbols, name, typ)
}

// ---------------------------------------------------------------------------
// Running code
// ---------------------------------------------------------------------------

// Execute runs fn on the main thread with the GIL held.
func (vm *VM) Execute(fn func(th *Thread) (Value, error)) (Value, error) {
	th := vm.mainThread
	if vm.CurrentThread() == th {
		return fn(th)
	}
	id := vm.bind(th)
	unlock := th.lock()
	defer func() {
		unlock()
		vm.unbind(id)
	}()
	return fn(th)
}

// Run executes a top-level iseq on the main thread with the main object
// as self.
func (vm *VM) Run(iseq *ISeq) (Value, error) {
	return vm.Execute(func(th *Thread) (Value, error) {
		return th.runFrame(MagicTop, vm.mainObject, iseq)
	})
}

// RunClassBody executes body with the class c as self.
func (th *Thread) RunClassBody(c *Class, body *ISeq) (Value, error) {
	return th.runFrame(MagicClass, FromClassID(c.ID), body)
}

// Spawn starts a new thread running fn on its own goroutine.
func (vm *VM) Spawn(fn func(th *Thread) (Value, error)) *Thread {
	th := vm.newThread()

	vm.threadsMu.Lock()
	vm.threads[th.ID] = th
	g := vm.group
	vm.threadsMu.Unlock()

	g.Go(func() error {
		id := vm.bind(th)
		defer vm.unbind(id)
		defer func() {
			vm.threadsMu.Lock()
			delete(vm.threads, th.ID)
			vm.threadsMu.Unlock()
		}()

		v, err := th.runLocked(fn)
		th.finish(v, err)
		if err != nil {
			return fmt.Errorf("thread %s: %w", th.ID, err)
		}
		return nil
	})
	log.Debugf("spawned thread %s", th.ID)
	return th
}

// runLocked runs fn holding the GIL. A panic in fn ends the thread with a
// FatalError and the lock is still released.
func (th *Thread) runLocked(fn func(th *Thread) (Value, error)) (v Value, err error) {
	unlock := th.lock()
	defer unlock()
	defer func() {
		if r := recover(); r != nil {
			log.Criticalf("thread %s panicked: %v", th.ID, r)
			v, err = Nil, &FatalError{Reason: fmt.Sprintf("thread %s panicked: %v", th.ID, r)}
		}
	}()
	return fn(th)
}

// Wait blocks until every spawned thread has finished and returns the
// first error one of them ended with. The caller must not hold the GIL.
func (vm *VM) Wait() error {
	vm.threadsMu.Lock()
	g := vm.group
	vm.group = new(errgroup.Group)
	vm.threadsMu.Unlock()
	return g.Wait()
}

// Threads returns the registered threads, main thread included.
func (vm *VM) Threads() []*Thread {
	vm.threadsMu.Lock()
	defer vm.threadsMu.Unlock()
	out := make([]*Thread, 0, len(vm.threads))
	for _, th := range vm.threads {
		out = append(out, th)
	}
	return out
}

// ---------------------------------------------------------------------------
// Class model
// ---------------------------------------------------------------------------

// DefineClass creates and registers a class, or returns the existing class
// of that name.
func (vm *VM) DefineClass(name string, super *Class) *Class {
	if c := vm.classes.Lookup(name); c != nil {
		return c
	}
	return vm.classes.Register(NewClass(name, super))
}

// DefineModule creates and registers a module.
func (vm *VM) DefineModule(name string) *Class {
	if c := vm.classes.Lookup(name); c != nil {
		return c
	}
	return vm.classes.Register(NewModule(name))
}

// ClassValue returns the Value naming c.
func ClassValue(c *Class) Value { return FromClassID(c.ID) }

// ClassByValue returns the class a class handle names, or nil.
func (vm *VM) ClassByValue(v Value) *Class {
	if !v.IsClass() {
		return nil
	}
	return vm.classes.ByID(v.ClassID())
}

// DefineMethod installs body as sel on c, replacing any earlier definition.
func (vm *VM) DefineMethod(c *Class, sel Symbol, body CallableBody) *MethodEntry {
	me := &MethodEntry{Selector: sel, Owner: c, Body: body}
	c.methodTable()[sel] = me
	vm.cache.Invalidate(c)
	return me
}

// DefineNative installs a Go method. argc < 0 accepts any count.
func (vm *VM) DefineNative(c *Class, name string, argc int, fn NativeFunc) *MethodEntry {
	return vm.DefineMethod(c, vm.symbols.Intern(name), &NativeBody{Name: c.Name + "#" + name, Argc: argc, Fn: fn})
}

// DefineSingletonNative installs a Go method on c's singleton class.
func (vm *VM) DefineSingletonNative(c *Class, name string, argc int, fn NativeFunc) *MethodEntry {
	meta := vm.metaclass(c)
	return vm.DefineMethod(meta, vm.symbols.Intern(name), &NativeBody{Name: c.Name + "." + name, Argc: argc, Fn: fn})
}

// UndefMethod makes sel unanswerable on c and its subclasses.
func (vm *VM) UndefMethod(c *Class, sel Symbol) {
	c.methodTable()[sel] = &MethodEntry{Selector: sel, Owner: c, Undefined: true}
	vm.cache.Invalidate(c)
}

// AliasMethod defines newSel on c with the body oldSel currently resolves to.
func (vm *VM) AliasMethod(c *Class, newSel, oldSel Symbol) error {
	me := resolveMethodBody(c, oldSel)
	if me == nil {
		return fmt.Errorf("undefined method '%s' for class '%s'", vm.symbols.Name(oldSel), c.Name)
	}
	vm.DefineMethod(c, newSel, me.Body)
	return nil
}

// Include inserts an include-class for module m directly above c.
func (vm *VM) Include(c, m *Class) {
	if !m.IsModule {
		bug("include of non-module %s", m.Name)
	}
	if c == m || c.includes(m) {
		return
	}
	ic := &Class{Name: m.Name, module: m, Super: c.Super}
	vm.classes.Register(ic)
	c.Super = ic
	vm.cache.Invalidate(c)
}

// SingletonClass returns v's singleton class, creating it on first use.
func (vm *VM) SingletonClass(v Value) (*Class, bool) {
	if c := vm.ClassByValue(v); c != nil {
		return vm.metaclass(c), true
	}
	switch obj := vm.heap.Get(v).(type) {
	case *Object:
		if !obj.Class.singleton {
			obj.Class = vm.newSingleton(obj.Class, "#<Class:"+obj.Class.Name+">")
		}
		return obj.Class, true
	case *ExceptionObject:
		if !obj.Class.singleton {
			obj.Class = vm.newSingleton(obj.Class, "#<Class:"+obj.Class.Name+">")
		}
		return obj.Class, true
	}
	return nil, false
}

func (vm *VM) newSingleton(super *Class, name string) *Class {
	s := NewClass(name, super)
	s.singleton = true
	vm.classes.Register(s)
	vm.cache.Invalidate(s)
	return s
}

// metaclass returns c's singleton class. Its superclass is the nearest
// ancestor's metaclass, so class methods are inherited.
func (vm *VM) metaclass(c *Class) *Class {
	if c.meta != nil {
		return c.meta
	}
	c.meta = vm.newSingleton(vm.classLevelSuper(c.Super, c.IsModule), "#<Class:"+c.Name+">")
	return c.meta
}

func (vm *VM) classLevelSuper(k *Class, module bool) *Class {
	for ; k != nil; k = k.Super {
		if k.meta != nil && k.module == nil {
			return k.meta
		}
	}
	if module {
		return vm.ModuleClass
	}
	return vm.ClassClass
}

// ClassOf returns the class method lookup starts from for v.
func (vm *VM) ClassOf(v Value) *Class {
	switch {
	case v.IsSmallInt():
		return vm.IntegerClass
	case v == Nil:
		return vm.NilClass
	case v == True:
		return vm.TrueClass
	case v == False:
		return vm.FalseClass
	case v.IsSymbol():
		return vm.SymbolClass
	case v.IsClass():
		c := vm.classes.ByID(v.ClassID())
		if c == nil {
			bug("dangling class handle %s", v)
		}
		return vm.classLevelSuper(c, c.IsModule)
	case v.IsObject():
		switch obj := vm.heap.Get(v).(type) {
		case *Object:
			return obj.Class
		case *ExceptionObject:
			return obj.Class
		case *ArrayObject:
			return vm.ArrayClass
		case *StringObject:
			return vm.StringClass
		case *Proc:
			return vm.ProcClass
		case *ThreadObject:
			return vm.ThreadClass
		case *Fiber:
			return vm.FiberClass
		}
		return vm.ObjectClass
	case v.IsFloat():
		return vm.FloatClass
	}
	bug("no class for %s", v)
	return nil
}

// realClassOf skips singleton classes.
func (vm *VM) realClassOf(v Value) *Class {
	c := vm.ClassOf(v)
	for c != nil && c.singleton {
		c = c.Super
	}
	return c
}

// isA implements the rescue-clause match: a class pattern matches its
// instances, anything else matches by identity.
func (vm *VM) isA(target, pattern Value) bool {
	if c := vm.ClassByValue(pattern); c != nil {
		return vm.ClassOf(target).IsKindOf(c)
	}
	return target == pattern
}

// definee returns the class a def in a frame with this self defines into.
func (vm *VM) definee(self Value) *Class {
	if c := vm.ClassByValue(self); c != nil {
		return c
	}
	return vm.realClassOf(self)
}

// RespondTo reports whether sel resolves on v.
func (vm *VM) RespondTo(v Value, sel Symbol) bool {
	me, _ := vm.cache.Lookup(vm.ClassOf(v), sel)
	return me != nil
}

func (vm *VM) optSelector(op Opcode) Symbol {
	switch op {
	case OpOptPlus:
		return vm.selPlus
	case OpOptMinus:
		return vm.selMinus
	case OpOptLT:
		return vm.selLT
	case OpOptEQ:
		return vm.selEQ
	}
	bug("no selector for %s", op)
	return 0
}

// Inspect renders v for diagnostics and error messages.
func (vm *VM) Inspect(v Value) string {
	switch {
	case v == Nil, v == True, v == False, v.IsSmallInt():
		return v.String()
	case v.IsFloat():
		return strconv.FormatFloat(v.Float64(), 'g', -1, 64)
	case v.IsSymbol():
		return ":" + vm.symbols.Name(Symbol(v.SymbolID()))
	case v.IsClass():
		if c := vm.ClassByValue(v); c != nil {
			return c.Name
		}
	case v.IsObject():
		switch obj := vm.heap.Get(v).(type) {
		case *StringObject:
			return strconv.Quote(obj.S)
		case *ExceptionObject:
			return "#<" + obj.Class.Name + ": " + obj.Message + ">"
		case nil:
			return "#<freed " + v.String() + ">"
		}
		return "an instance of " + vm.realClassOf(v).Name
	}
	return v.String()
}
