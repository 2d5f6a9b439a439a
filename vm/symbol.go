package vm

import "sync"

// ---------------------------------------------------------------------------
// SymbolTable: Interned identifiers
// ---------------------------------------------------------------------------

// Symbol is an interned identifier. Method selectors, local variable names
// and symbol literals all share one id space.
type Symbol uint32

// SymbolTable interns identifier strings to unique IDs.
//
// The table is append-only and safe for concurrent use; selectors are
// interned while iseqs are built and looked up on every cache miss.
type SymbolTable struct {
	mu     sync.RWMutex
	byName map[string]Symbol
	byID   []string
}

// NewSymbolTable creates a new empty symbol table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		byName: make(map[string]Symbol),
		byID:   make([]string, 0, 256),
	}
}

// Intern returns the ID for a name, creating a new one if needed.
func (st *SymbolTable) Intern(name string) Symbol {
	st.mu.RLock()
	if id, ok := st.byName[name]; ok {
		st.mu.RUnlock()
		return id
	}
	st.mu.RUnlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	// Double-check after acquiring write lock
	if id, ok := st.byName[name]; ok {
		return id
	}

	id := Symbol(len(st.byID))
	st.byName[name] = id
	st.byID = append(st.byID, name)
	return id
}

// Lookup returns the ID for a name, or false if it was never interned.
func (st *SymbolTable) Lookup(name string) (Symbol, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	id, ok := st.byName[name]
	return id, ok
}

// Name returns the name for an ID, or "" if invalid.
func (st *SymbolTable) Name(id Symbol) string {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if int(id) >= len(st.byID) {
		return ""
	}
	return st.byID[id]
}

// Len returns the number of interned symbols.
func (st *SymbolTable) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byID)
}

// SymbolValue creates a symbol Value from a name.
func (st *SymbolTable) SymbolValue(name string) Value {
	return FromSymbolID(uint32(st.Intern(name)))
}
