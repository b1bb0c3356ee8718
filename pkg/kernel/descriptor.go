// Package kernel implements the kernel invocation engine: it binds a
// kernel descriptor to an input partition, stages device buffers through
// the device buffer cache, marshals scalar/array/free-variable arguments,
// performs single- or multi-stage launches, and copies results back into a
// fresh partition. Every temporary device allocation is released on every
// exit path.
package kernel

import (
	"github.com/heliosdata/helios/pkg/device"
)

// StageCountFunc computes the number of launch stages for an input size.
// Present only for multi-stage (reduction-style) kernels.
type StageCountFunc func(size int64) int

// DimensionsFunc computes the launch geometry for (size, stage). Required
// for multi-stage kernels; optional for single-stage kernels, which
// otherwise get a default geometry covering size threads.
type DimensionsFunc func(size int64, stage int) device.LaunchConfig

// Descriptor describes one device kernel: its entry point, the module
// carrying its compiled image, the input and output columns it binds, and
// its constant arguments. Descriptors are immutable once constructed and
// safe to reuse across invocations.
type Descriptor struct {
	// Name is the kernel entry point within the module.
	Name string
	// Module references the compiled kernel image.
	Module device.ModuleRef
	// InputColumns are the input partition columns bound as device
	// pointers, in argument order.
	InputColumns []string
	// OutputColumns are the output partition columns bound as device
	// pointers, in argument order.
	OutputColumns []string
	// ConstArgs are scalar constants appended after the free variables.
	// Arrays are rejected here at run time.
	ConstArgs []Arg
	// StageCount, when set, makes the kernel multi-stage.
	StageCount StageCountFunc
	// Dimensions supplies launch geometry per stage.
	Dimensions DimensionsFunc
}
