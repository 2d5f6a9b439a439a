package vm

import (
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// Class: the minimal object model needed to find a callable body
// ---------------------------------------------------------------------------

// Class is a class, a module, or an include-class standing in for a module
// in some class's superclass chain.
type Class struct {
	ID       uint32
	Name     string
	Super    *Class
	IsModule bool

	// module is set on include-classes; their method table is the module's.
	module *Class

	// singleton marks a per-object class created for singleton redefinition.
	singleton bool

	// meta is the singleton class holding this class's own methods.
	meta *Class

	methods map[Symbol]*MethodEntry
}

// MethodEntry is a resolved method: its body plus the class that defines it.
type MethodEntry struct {
	Selector Symbol
	Owner    *Class
	Body     CallableBody

	// Undefined entries stop the ancestor walk (undef_method).
	Undefined bool
}

// CallableBody is either an instruction sequence or a native function.
type CallableBody interface {
	Arity() int
}

// NativeFunc implements a method in Go. args aliases the caller's value
// stack and must be copied if retained; blk is nil when no block was given.
type NativeFunc func(th *Thread, self Value, args []Value, blk *Block) (Value, error)

// NativeBody is a Go-implemented method. Argc < 0 accepts any count.
type NativeBody struct {
	Name string
	Argc int
	Fn   NativeFunc
}

// Arity returns the declared argument count (-1 for variadic).
func (n *NativeBody) Arity() int { return n.Argc }

// Arity returns the iseq's required argument count, negated when optional
// or rest parameters exist (Method#arity convention).
func (s *ISeq) Arity() int {
	if s.Args.Opt > 0 || s.Args.Rest >= 0 {
		return -(s.Args.Lead + 1)
	}
	return s.Args.Lead
}

// NewClass creates an unregistered class. Use VM.DefineClass to register it.
func NewClass(name string, super *Class) *Class {
	return &Class{
		Name:    name,
		Super:   super,
		methods: make(map[Symbol]*MethodEntry),
	}
}

// NewModule creates an unregistered module.
func NewModule(name string) *Class {
	m := NewClass(name, nil)
	m.IsModule = true
	return m
}

// IsIncludeClass reports whether c stands in for an included module.
func (c *Class) IsIncludeClass() bool { return c.module != nil }

// Module returns the included module for an include-class.
func (c *Class) Module() *Class { return c.module }

// String implements the Stringer interface.
func (c *Class) String() string { return c.Name }

// methodTable returns the table searched for c: the module's for include-classes.
func (c *Class) methodTable() map[Symbol]*MethodEntry {
	if c.module != nil {
		return c.module.methods
	}
	return c.methods
}

// lookupLocal finds an entry defined directly on c (or its module).
func (c *Class) lookupLocal(sel Symbol) *MethodEntry {
	return c.methodTable()[sel]
}

// Ancestors returns the lookup order starting at c. Include-classes report
// their module.
func (c *Class) Ancestors() []*Class {
	var out []*Class
	for k := c; k != nil; k = k.Super {
		if k.module != nil {
			out = append(out, k.module)
			continue
		}
		out = append(out, k)
	}
	return out
}

// AncestorNames renders Ancestors for diagnostics.
func (c *Class) AncestorNames() string {
	anc := c.Ancestors()
	names := make([]string, len(anc))
	for i, a := range anc {
		names[i] = a.Name
	}
	return strings.Join(names, " < ")
}

// IsKindOf reports whether target appears in c's ancestor chain.
func (c *Class) IsKindOf(target *Class) bool {
	for k := c; k != nil; k = k.Super {
		if k == target || k.module == target {
			return true
		}
	}
	return false
}

// includes reports whether module m is already in c's chain.
func (c *Class) includes(m *Class) bool {
	for k := c.Super; k != nil; k = k.Super {
		if k.module == m {
			return true
		}
	}
	return false
}

// resolveMethodBody walks the ancestor chain following superclass links,
// include-classes included. An undefined entry hides everything above it.
func resolveMethodBody(class *Class, sel Symbol) *MethodEntry {
	for k := class; k != nil; k = k.Super {
		if me := k.lookupLocal(sel); me != nil {
			if me.Undefined {
				return nil
			}
			return me
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// ClassTable: class registry
// ---------------------------------------------------------------------------

// ClassTable manages registered classes by id and name.
type ClassTable struct {
	mu     sync.RWMutex
	byID   []*Class
	byName map[string]*Class
}

// NewClassTable creates a new class table. ID 0 is reserved.
func NewClassTable() *ClassTable {
	return &ClassTable{
		byID:   []*Class{nil},
		byName: make(map[string]*Class),
	}
}

// Register assigns c an id. Named, non-singleton classes become
// reachable through Lookup.
func (ct *ClassTable) Register(c *Class) *Class {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	c.ID = uint32(len(ct.byID))
	ct.byID = append(ct.byID, c)
	if c.Name != "" && !c.singleton && c.module == nil {
		ct.byName[c.Name] = c
	}
	return c
}

// Lookup finds a class by name.
func (ct *ClassTable) Lookup(name string) *Class {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.byName[name]
}

// ByID returns the class with the given id, or nil.
func (ct *ClassTable) ByID(id uint32) *Class {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	if int(id) >= len(ct.byID) {
		return nil
	}
	return ct.byID[id]
}

// Len returns the number of registered classes.
func (ct *ClassTable) Len() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return len(ct.byID) - 1
}
