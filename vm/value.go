package vm

import (
	"fmt"
	"math"
)

// Value represents a VM value using NaN-boxing.
//
// All values are represented as 64-bit IEEE 754 doubles. Non-float values
// are encoded in the NaN space using the quiet NaN prefix and tag bits to
// distinguish types.
//
// Encoding scheme:
//   - Float: Native IEEE 754 double (if not a NaN, it's a float)
//   - SmallInt: Quiet NaN + tagInt + 48-bit signed payload
//   - Object: Quiet NaN + tagObject + heap registry id
//   - Symbol: Quiet NaN + tagSymbol + symbol ID
//   - Special: Quiet NaN + tagSpecial + special value ID (nil/true/false/undef)
//   - Class: Quiet NaN + tagClass + class table id
//   - Env: Quiet NaN + tagEnv + env arena handle (only ever stored in the
//     special-value slot of a promoted frame)
//
// Heap objects are never referenced by raw pointer; the payload is an id into
// the VM heap so the Go collector keeps tracking them.
type Value uint64

// NaN-boxing constants
const (
	// Quiet NaN prefix: exponent all 1s, quiet bit set, sign bit 0
	nanBits uint64 = 0x7FF8000000000000

	// Tag mask: 3 bits within the NaN mantissa space
	tagMask uint64 = 0x0007000000000000

	// Payload mask: 48 bits for int/id
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	tagObject  uint64 = 0x0001000000000000
	tagInt     uint64 = 0x0002000000000000
	tagSpecial uint64 = 0x0003000000000000
	tagSymbol  uint64 = 0x0004000000000000
	tagClass   uint64 = 0x0005000000000000
	tagEnv     uint64 = 0x0006000000000000

	intSignBit    uint64 = 0x0000800000000000
	intSignExtend uint64 = 0xFFFF000000000000
)

const (
	specialNil   uint64 = 0
	specialTrue  uint64 = 1
	specialFalse uint64 = 2
	specialUndef uint64 = 3
)

// Pre-defined special values
const (
	Nil   Value = Value(nanBits | tagSpecial | specialNil)
	True  Value = Value(nanBits | tagSpecial | specialTrue)
	False Value = Value(nanBits | tagSpecial | specialFalse)

	// Undef marks an unset slot. It never escapes to user code.
	Undef Value = Value(nanBits | tagSpecial | specialUndef)
)

// SmallInt range (48-bit signed)
const (
	MaxSmallInt int64 = (1 << 47) - 1
	MinSmallInt int64 = -(1 << 47)
)

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsFloat returns true if v represents a float64 value.
func (v Value) IsFloat() bool {
	bits := uint64(v)
	if (bits & 0x7FF0000000000000) != 0x7FF0000000000000 {
		return true
	}
	// Infinities
	if bits&0x000FFFFFFFFFFFFF == 0 {
		return true
	}
	if (bits & nanBits) != nanBits {
		return true
	}
	// A quiet NaN without tag bits is a real NaN.
	return bits&tagMask == 0
}

func (v Value) hasTag(tag uint64) bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tag)
}

// IsSmallInt returns true if v represents a small integer.
func (v Value) IsSmallInt() bool { return v.hasTag(tagInt) }

// IsObject returns true if v is a heap object handle.
func (v Value) IsObject() bool { return v.hasTag(tagObject) }

// IsSymbol returns true if v represents an interned symbol.
func (v Value) IsSymbol() bool { return v.hasTag(tagSymbol) }

// IsClass returns true if v is a class handle.
func (v Value) IsClass() bool { return v.hasTag(tagClass) }

// IsEnv returns true if v is an env arena handle.
func (v Value) IsEnv() bool { return v.hasTag(tagEnv) }

// IsNil returns true if v is the nil value.
func (v Value) IsNil() bool { return v == Nil }

// IsSpecial returns true if v is nil, true, false or undef.
func (v Value) IsSpecial() bool { return v.hasTag(tagSpecial) }

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

// Float64 returns v as a float64.
// Panics if v is not a float.
func (v Value) Float64() float64 {
	if !v.IsFloat() {
		panic("Value.Float64: not a float")
	}
	return math.Float64frombits(uint64(v))
}

// FromFloat64 creates a Value from a float64.
func FromFloat64(f float64) Value {
	return Value(math.Float64bits(f))
}

// SmallInt returns v as an int64.
// Panics if v is not a small integer.
func (v Value) SmallInt() int64 {
	if !v.IsSmallInt() {
		panic("Value.SmallInt: not a small integer")
	}
	payload := uint64(v) & payloadMask
	if (payload & intSignBit) != 0 {
		payload |= intSignExtend
	}
	return int64(payload)
}

// FromSmallInt creates a Value from an int64.
// Panics if n is outside the SmallInt range.
func FromSmallInt(n int64) Value {
	if n > MaxSmallInt || n < MinSmallInt {
		panic("FromSmallInt: value out of range")
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask))
}

// TryFromSmallInt creates a Value from an int64, returning false if out of range.
func TryFromSmallInt(n int64) (Value, bool) {
	if n > MaxSmallInt || n < MinSmallInt {
		return Nil, false
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask)), true
}

// ObjectID returns the heap id encoded in v.
func (v Value) ObjectID() uint32 {
	if !v.IsObject() {
		panic("Value.ObjectID: not an object")
	}
	return uint32(uint64(v) & payloadMask)
}

// FromObjectID creates an object handle Value.
func FromObjectID(id uint32) Value {
	return Value(nanBits | tagObject | uint64(id))
}

// SymbolID returns the symbol ID encoded in v.
func (v Value) SymbolID() uint32 {
	if !v.IsSymbol() {
		panic("Value.SymbolID: not a symbol")
	}
	return uint32(uint64(v) & payloadMask)
}

// FromSymbolID creates a Value from a symbol ID.
func FromSymbolID(id uint32) Value {
	return Value(nanBits | tagSymbol | uint64(id))
}

// ClassID returns the class table id encoded in v.
func (v Value) ClassID() uint32 {
	if !v.IsClass() {
		panic("Value.ClassID: not a class")
	}
	return uint32(uint64(v) & payloadMask)
}

// FromClassID creates a class handle Value.
func FromClassID(id uint32) Value {
	return Value(nanBits | tagClass | uint64(id))
}

// EnvHandle returns the env arena handle encoded in v.
func (v Value) EnvHandle() EnvHandle {
	if !v.IsEnv() {
		panic("Value.EnvHandle: not an env")
	}
	p := uint64(v) & payloadMask
	return EnvHandle{index: uint32(p & 0xFFFFFFFF), gen: uint16(p >> 32)}
}

// FromEnvHandle creates an env handle Value.
func FromEnvHandle(h EnvHandle) Value {
	return Value(nanBits | tagEnv | uint64(h.gen)<<32 | uint64(h.index))
}

// FromBool creates a Value from a bool.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// IsTruthy returns true unless v is nil or false.
func (v Value) IsTruthy() bool {
	return v != False && v != Nil
}

// String renders immediates; heap objects print as their handle.
func (v Value) String() string {
	switch {
	case v == Nil:
		return "nil"
	case v == True:
		return "true"
	case v == False:
		return "false"
	case v == Undef:
		return "undef"
	case v.IsSmallInt():
		return fmt.Sprintf("%d", v.SmallInt())
	case v.IsSymbol():
		return fmt.Sprintf("sym#%d", v.SymbolID())
	case v.IsObject():
		return fmt.Sprintf("obj#%d", v.ObjectID())
	case v.IsClass():
		return fmt.Sprintf("class#%d", v.ClassID())
	case v.IsEnv():
		h := v.EnvHandle()
		return fmt.Sprintf("env#%d.%d", h.index, h.gen)
	case v.IsFloat():
		return fmt.Sprintf("%g", v.Float64())
	}
	return fmt.Sprintf("value(%#x)", uint64(v))
}
