package vm

import (
	"math"
)

// Value represents a Sable value using NaN-boxing.
//
// All values are represented as 64-bit IEEE 754 doubles. Non-float values
// are encoded in the NaN (Not-a-Number) space using the quiet NaN prefix
// and tag bits to distinguish types.
//
// Encoding scheme:
//   - Float: Native IEEE 754 double (if not a NaN, it's a float)
//   - SmallInt: Quiet NaN + tagInt + 48-bit signed payload
//   - Object: Quiet NaN + tagObject + 48-bit heap handle
//   - Special: Quiet NaN + tagSpecial + special value ID (nil/true/false)
//
// Heap objects are referenced by Handle (arena index + generation), never by
// raw pointer, so a Value survives arena compaction and a stale reference is
// detectable rather than silently dangling.
type Value uint64

// NaN-boxing constants
const (
	// Quiet NaN prefix: exponent all 1s, quiet bit set, sign bit 0
	// 0x7FF8_0000_0000_0000
	nanBits uint64 = 0x7FF8000000000000

	// Tag mask: 3 bits within the NaN mantissa space
	// 0x0007_0000_0000_0000
	tagMask uint64 = 0x0007000000000000

	// Payload mask: 48 bits for handle/int/id
	// 0x0000_FFFF_FFFF_FFFF
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	// Tag values (shifted into position)
	tagObject  uint64 = 0x0001000000000000 // Heap object handle
	tagInt     uint64 = 0x0002000000000000 // 48-bit signed integer
	tagSpecial uint64 = 0x0003000000000000 // nil, true, false

	// Sign bit for 48-bit integer sign extension
	intSignBit uint64 = 0x0000800000000000

	// Mask for sign extension
	intSignExtend uint64 = 0xFFFF000000000000
)

// Special value payloads
const (
	specialNil   uint64 = 0
	specialTrue  uint64 = 1
	specialFalse uint64 = 2
)

// Pre-defined special values
const (
	Nil   Value = Value(nanBits | tagSpecial | specialNil)
	True  Value = Value(nanBits | tagSpecial | specialTrue)
	False Value = Value(nanBits | tagSpecial | specialFalse)
)

// SmallInt range (48-bit signed)
const (
	MaxSmallInt int64 = (1 << 47) - 1 // 140,737,488,355,327
	MinSmallInt int64 = -(1 << 47)    // -140,737,488,355,328
)

// ---------------------------------------------------------------------------
// Handles
// ---------------------------------------------------------------------------

// Handle identifies a heap object in the VM's arena. The low 32 bits are the
// arena slot index, the next 16 bits are the slot generation. Index 0 is
// reserved, so the zero Handle never names an object.
type Handle uint64

// HandleNone is the null handle.
const HandleNone Handle = 0

func makeHandle(index uint32, gen uint16) Handle {
	return Handle(uint64(index) | uint64(gen)<<32)
}

// Index returns the arena slot index of h.
func (h Handle) Index() uint32 {
	return uint32(h)
}

// Gen returns the arena slot generation of h.
func (h Handle) Gen() uint16 {
	return uint16(h >> 32)
}

// IsNone returns true if h is the null handle.
func (h Handle) IsNone() bool {
	return h == HandleNone
}

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsFloat returns true if v represents a float64 value.
// A value is a float if it's not one of our tagged NaN values.
// This includes regular numbers, infinities, and "real" NaN values.
func (v Value) IsFloat() bool {
	bits := uint64(v)

	// Check if it's a NaN or Infinity (exponent all 1s)
	if (bits & 0x7FF0000000000000) != 0x7FF0000000000000 {
		// Exponent is not all 1s, so it's a regular float
		return true
	}

	// Exponent is all 1s. Could be Infinity or NaN.
	// Infinity has mantissa == 0 (ignoring sign bit)
	mantissa := bits & 0x000FFFFFFFFFFFFF
	if mantissa == 0 {
		// It's +Inf or -Inf, which are valid floats
		return true
	}

	// It's a NaN. Check if it's one of our tagged values.
	if (bits & nanBits) != nanBits {
		// Quiet NaN bit not set - it's a signaling NaN, treat as float
		return true
	}

	// It's a quiet NaN. Check tag bits.
	tag := bits & tagMask
	if tag == 0 {
		// No tag bits set - it's a "real" quiet NaN, treat as float
		return true
	}

	// It's one of our tagged non-float values
	return false
}

// IsSmallInt returns true if v represents a small integer.
func (v Value) IsSmallInt() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagInt)
}

// IsObject returns true if v represents a heap object handle.
// This is the "collectable" predicate: only object values are subject to
// garbage collection.
func (v Value) IsObject() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagObject)
}

// IsNil returns true if v is the nil value.
func (v Value) IsNil() bool {
	return v == Nil
}

// IsTrue returns true if v is the true value.
func (v Value) IsTrue() bool {
	return v == True
}

// IsFalse returns true if v is the false value.
func (v Value) IsFalse() bool {
	return v == False
}

// IsBool returns true if v is true or false.
func (v Value) IsBool() bool {
	return v == True || v == False
}

// IsSpecial returns true if v is nil, true, or false.
func (v Value) IsSpecial() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagSpecial)
}

// ---------------------------------------------------------------------------
// Float operations
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

// ---------------------------------------------------------------------------
// SmallInt operations
// ---------------------------------------------------------------------------

// SmallInt returns v as an int64.
// Panics if v is not a small integer.
func (v Value) SmallInt() int64 {
	if !v.IsSmallInt() {
		panic("Value.SmallInt: not a small integer")
	}
	payload := uint64(v) & payloadMask

	// Sign extend from 48 bits to 64 bits
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

// ---------------------------------------------------------------------------
// Object handle operations
// ---------------------------------------------------------------------------

// Object returns the heap handle encoded in v.
// Panics if v is not an object.
func (v Value) Object() Handle {
	if !v.IsObject() {
		panic("Value.Object: not an object")
	}
	return Handle(uint64(v) & payloadMask)
}

// objectOrNone returns the heap handle encoded in v, or HandleNone for
// non-object values. Used by GC traversal, which skips non-collectables.
func (v Value) objectOrNone() Handle {
	if !v.IsObject() {
		return HandleNone
	}
	return Handle(uint64(v) & payloadMask)
}

// FromHandle creates an object Value from a heap handle.
// Panics if h is the null handle.
func FromHandle(h Handle) Value {
	if h.IsNone() {
		panic("FromHandle: null handle")
	}
	return Value(nanBits | tagObject | (uint64(h) & payloadMask))
}

// ---------------------------------------------------------------------------
// Boolean operations
// ---------------------------------------------------------------------------

// Bool returns v as a bool.
// Panics if v is not true or false.
func (v Value) Bool() bool {
	switch v {
	case True:
		return true
	case False:
		return false
	default:
		panic("Value.Bool: not a boolean")
	}
}

// FromBool creates a Value from a bool.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Truthy reports whether v is considered true in a condition:
// everything except nil and false.
func (v Value) Truthy() bool {
	return v != Nil && v != False
}
