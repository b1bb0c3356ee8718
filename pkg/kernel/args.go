package kernel

import (
	"encoding/binary"
	"math"

	"github.com/heliosdata/helios/pkg/device"
	"github.com/heliosdata/helios/pkg/errors"
)

// Arg is one free-variable or constant kernel argument: a scalar of a
// supported primitive kind, passed by value, or an array of one, copied to
// a fresh device buffer at launch time. The kind set is closed; anything
// outside it is rejected at construction with an unsupported-argument
// error, before any device allocation can happen.
type Arg struct {
	scalar  device.Value
	payload []byte
	isArray bool
}

// IsArray reports whether the argument is an array.
func (a Arg) IsArray() bool { return a.isArray }

// Int8Arg builds a signed 8-bit scalar argument.
func Int8Arg(v int8) Arg { return Arg{scalar: device.Int8Value(v)} }

// Int16Arg builds a signed 16-bit scalar argument.
func Int16Arg(v int16) Arg { return Arg{scalar: device.Int16Value(v)} }

// Int32Arg builds a signed 32-bit scalar argument.
func Int32Arg(v int32) Arg { return Arg{scalar: device.Int32Value(v)} }

// Int64Arg builds a signed 64-bit scalar argument.
func Int64Arg(v int64) Arg { return Arg{scalar: device.Int64Value(v)} }

// Float32Arg builds a 32-bit float scalar argument.
func Float32Arg(v float32) Arg { return Arg{scalar: device.Float32Value(v)} }

// Float64Arg builds a 64-bit float scalar argument.
func Float64Arg(v float64) Arg { return Arg{scalar: device.Float64Value(v)} }

// ArrayArg builds an array argument from a primitive slice. The payload is
// encoded little-endian, matching the column wire layout.
func ArrayArg(v interface{}) (Arg, error) {
	payload, ok := encodeArray(v)
	if !ok {
		return Arg{}, errors.Newf(errors.ErrorTypeUnsupportedArgument,
			"array argument of type %T is not a supported primitive slice", v)
	}
	return Arg{payload: payload, isArray: true}, nil
}

// FromValue builds an argument from a dynamically typed value, accepting
// the supported scalar kinds and slices of them.
func FromValue(v interface{}) (Arg, error) {
	switch x := v.(type) {
	case int8:
		return Int8Arg(x), nil
	case int16:
		return Int16Arg(x), nil
	case int32:
		return Int32Arg(x), nil
	case int64:
		return Int64Arg(x), nil
	case int:
		return Int64Arg(int64(x)), nil
	case float32:
		return Float32Arg(x), nil
	case float64:
		return Float64Arg(x), nil
	case []int8, []int16, []int32, []int64, []float32, []float64:
		return ArrayArg(x)
	default:
		return Arg{}, errors.Newf(errors.ErrorTypeUnsupportedArgument,
			"argument of type %T is not a supported kernel argument", v)
	}
}

func encodeArray(v interface{}) ([]byte, bool) {
	switch xs := v.(type) {
	case []int8:
		out := make([]byte, len(xs))
		for i, x := range xs {
			out[i] = byte(x)
		}
		return out, true
	case []int16:
		out := make([]byte, 2*len(xs))
		for i, x := range xs {
			binary.LittleEndian.PutUint16(out[2*i:], uint16(x))
		}
		return out, true
	case []int32:
		out := make([]byte, 4*len(xs))
		for i, x := range xs {
			binary.LittleEndian.PutUint32(out[4*i:], uint32(x))
		}
		return out, true
	case []int64:
		out := make([]byte, 8*len(xs))
		for i, x := range xs {
			binary.LittleEndian.PutUint64(out[8*i:], uint64(x))
		}
		return out, true
	case []float32:
		out := make([]byte, 4*len(xs))
		for i, x := range xs {
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(x))
		}
		return out, true
	case []float64:
		out := make([]byte, 8*len(xs))
		for i, x := range xs {
			binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(x))
		}
		return out, true
	default:
		return nil, false
	}
}
