package vm

// SpecialVars holds the method-scoped special variables $~ and $_. They are
// attached to the method-level scope (frame or Env) and shared by every
// block nested in it.
type SpecialVars struct {
	LastMatch Value
	LastLine  Value
}

func newSpecialVars() *SpecialVars {
	return &SpecialVars{LastMatch: Nil, LastLine: Nil}
}

func (sv *SpecialVars) get(key uint8) Value {
	if sv == nil {
		return Nil
	}
	switch key {
	case SpecialLastMatch:
		return sv.LastMatch
	case SpecialLastLine:
		return sv.LastLine
	}
	bug("unknown special variable key %d", key)
	return Nil
}

func (sv *SpecialVars) set(key uint8, v Value) {
	switch key {
	case SpecialLastMatch:
		sv.LastMatch = v
	case SpecialLastLine:
		sv.LastLine = v
	default:
		bug("unknown special variable key %d", key)
	}
}
