// Package device provides the device abstraction for Helios: memory
// allocation, asynchronous host/device transfers over streams, kernel
// module loading, and kernel launches.
//
// The Backend interface allows multiple device implementations (CUDA,
// ROCm, Metal) to plug in behind one API. The in-tree implementation is a
// host emulation backend that models device memory, stream FIFO ordering,
// and launch geometry faithfully, which is what the rest of the engine and
// the tests program against. Real accelerator backends implement the same
// interface over their driver bindings.
package device

// Ptr is an opaque device memory handle. The zero value is the null
// pointer.
type Ptr uint64

// StreamID identifies one of a backend's device streams. Operations issued
// on the same stream execute in FIFO order relative to each other; streams
// are unordered relative to one another.
type StreamID int

// Dim3 is a 3-dimensional launch extent.
type Dim3 struct {
	X, Y, Z int
}

// Dim returns a 1-dimensional extent.
func Dim(x int) Dim3 { return Dim3{X: x, Y: 1, Z: 1} }

// Count returns the total number of elements in the extent.
func (d Dim3) Count() int64 {
	x, y, z := d.X, d.Y, d.Z
	if x <= 0 {
		x = 1
	}
	if y <= 0 {
		y = 1
	}
	if z <= 0 {
		z = 1
	}
	return int64(x) * int64(y) * int64(z)
}

// LaunchConfig is the launch geometry of one kernel invocation: a grid of
// blocks and a block of threads. Kernels must tolerate more threads than
// elements; excess threads compare their global index against the row
// count and no-op.
type LaunchConfig struct {
	Grid  Dim3
	Block Dim3
}

// Threads returns the total number of threads the geometry launches.
func (c LaunchConfig) Threads() int64 {
	return c.Grid.Count() * c.Block.Count()
}

// DeviceInfo describes the device behind a backend.
type DeviceInfo struct {
	Name            string `json:"name"`
	TotalMemory     int64  `json:"totalMemory"`     // in bytes
	AvailableMemory int64  `json:"availableMemory"` // in bytes
	HostMemoryTotal int64  `json:"hostMemoryTotal"` // in bytes
	HostMemoryFree  int64  `json:"hostMemoryFree"`  // in bytes
	StreamCount     int    `json:"streamCount"`
}

// TransferStats counts the copies a backend has performed. The device
// buffer cache tests assert on these to prove cache hits skip transfers.
type TransferStats struct {
	HostToDevice int64
	DeviceToHost int64
}

// Backend is the device driver interface.
type Backend interface {
	// Name identifies the backend implementation.
	Name() string

	// Info returns device properties and memory availability.
	Info() DeviceInfo

	// Malloc allocates size bytes of device memory.
	Malloc(size int64) (Ptr, error)

	// Free releases a device allocation. Freeing the null pointer is a
	// no-op.
	Free(ptr Ptr) error

	// MemcpyH2D schedules a host-to-device copy on the stream. The source
	// buffer must stay valid and unmodified until the stream synchronizes.
	MemcpyH2D(stream StreamID, dst Ptr, src []byte) error

	// MemcpyD2H schedules a device-to-host copy on the stream. The
	// destination becomes readable only after the stream synchronizes.
	MemcpyD2H(stream StreamID, dst []byte, src Ptr) error

	// Launch schedules a kernel launch on the stream.
	Launch(stream StreamID, module *Module, kernel string, cfg LaunchConfig, args []Value) error

	// Synchronize blocks until every operation previously issued on the
	// stream has completed.
	Synchronize(stream StreamID) error

	// StreamCount returns the number of streams the backend owns.
	StreamCount() int

	// Stats returns cumulative transfer counts.
	Stats() TransferStats

	// Close releases the backend and every outstanding device allocation.
	Close() error
}
