package device

// ValueKind enumerates the closed set of kernel launch argument kinds.
type ValueKind int

const (
	// KindPtr is a device pointer argument
	KindPtr ValueKind = iota
	// KindInt8 is a signed 8-bit scalar argument
	KindInt8
	// KindInt16 is a signed 16-bit scalar argument
	KindInt16
	// KindInt32 is a signed 32-bit scalar argument
	KindInt32
	// KindInt64 is a signed 64-bit scalar argument
	KindInt64
	// KindFloat32 is a 32-bit float scalar argument
	KindFloat32
	// KindFloat64 is a 64-bit float scalar argument
	KindFloat64
)

// Value is one kernel launch argument: a device pointer or a scalar passed
// by value. The set of kinds is closed; anything else is rejected at
// marshaling time, before any device allocation happens.
type Value struct {
	kind ValueKind
	ptr  Ptr
	i    int64
	f    float64
}

// PtrValue wraps a device pointer argument.
func PtrValue(p Ptr) Value { return Value{kind: KindPtr, ptr: p} }

// Int8Value wraps a signed 8-bit scalar argument.
func Int8Value(v int8) Value { return Value{kind: KindInt8, i: int64(v)} }

// Int16Value wraps a signed 16-bit scalar argument.
func Int16Value(v int16) Value { return Value{kind: KindInt16, i: int64(v)} }

// Int32Value wraps a signed 32-bit scalar argument.
func Int32Value(v int32) Value { return Value{kind: KindInt32, i: int64(v)} }

// Int64Value wraps a signed 64-bit scalar argument.
func Int64Value(v int64) Value { return Value{kind: KindInt64, i: v} }

// Float32Value wraps a 32-bit float scalar argument.
func Float32Value(v float32) Value { return Value{kind: KindFloat32, f: float64(v)} }

// Float64Value wraps a 64-bit float scalar argument.
func Float64Value(v float64) Value { return Value{kind: KindFloat64, f: v} }

// Kind returns the argument kind.
func (v Value) Kind() ValueKind { return v.kind }

// Ptr returns the device pointer of a KindPtr value.
func (v Value) Ptr() Ptr { return v.ptr }

// Int64 returns the integer payload widened to 64 bits.
func (v Value) Int64() int64 { return v.i }

// Float64 returns the float payload widened to 64 bits.
func (v Value) Float64() float64 { return v.f }
