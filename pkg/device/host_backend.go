package device

import (
	"sync"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/heliosdata/helios/pkg/errors"
)

// HostBackend emulates a device in host memory. Allocations are tracked
// against a configurable memory limit, copies and launches execute
// asynchronously on per-stream worker goroutines in FIFO order, and
// kernels run as registered Go functions, one call per thread of the
// launch geometry.
//
// The emulation preserves the contracts real backends have: host code must
// not read transfer destinations before synchronizing the stream, and
// exceeding device memory fails the allocation, not the process.
type HostBackend struct {
	mu      sync.Mutex
	buffers map[Ptr][]byte
	next    Ptr
	used    int64
	limit   int64
	closed  bool

	streams []*hostStream
	wg      sync.WaitGroup

	h2d atomic.Int64
	d2h atomic.Int64
}

// hostStream executes queued operations in order.
type hostStream struct {
	ops chan func()
}

// NewHostBackend creates a host emulation backend with the given stream
// count and device memory limit in bytes. A zero or negative limit means
// unlimited.
func NewHostBackend(streams int, memoryLimit int64) *HostBackend {
	if streams < 1 {
		streams = 1
	}
	b := &HostBackend{
		buffers: make(map[Ptr][]byte),
		next:    1,
		limit:   memoryLimit,
		streams: make([]*hostStream, streams),
	}
	for i := range b.streams {
		s := &hostStream{ops: make(chan func(), 64)}
		b.streams[i] = s
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for op := range s.ops {
				op()
			}
		}()
	}
	return b
}

// Name identifies the backend implementation.
func (b *HostBackend) Name() string { return "host" }

// Info returns device properties. Host memory figures come from the
// operating system.
func (b *HostBackend) Info() DeviceInfo {
	b.mu.Lock()
	used, limit := b.used, b.limit
	b.mu.Unlock()

	info := DeviceInfo{
		Name:        "host emulation",
		TotalMemory: limit,
		StreamCount: len(b.streams),
	}
	if limit > 0 {
		info.AvailableMemory = limit - used
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.HostMemoryTotal = int64(vm.Total)
		info.HostMemoryFree = int64(vm.Available)
	}
	return info
}

// Malloc allocates size bytes of emulated device memory.
func (b *HostBackend) Malloc(size int64) (Ptr, error) {
	if size < 0 {
		return 0, errors.Newf(errors.ErrorTypeValidation, "negative allocation size %d", size)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, errors.New(errors.ErrorTypeDeviceAllocation, "backend is closed")
	}
	if b.limit > 0 && b.used+size > b.limit {
		return 0, errors.Newf(errors.ErrorTypeDeviceAllocation,
			"device memory exhausted: need %d bytes, %d of %d in use",
			size, b.used, b.limit)
	}
	ptr := b.next
	b.next++
	b.buffers[ptr] = make([]byte, size)
	b.used += size
	return ptr, nil
}

// Free releases an allocation. Freeing the null pointer is a no-op.
func (b *HostBackend) Free(ptr Ptr) error {
	if ptr == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.buffers[ptr]
	if !ok {
		return errors.Newf(errors.ErrorTypeDeviceAllocation, "free of invalid device pointer %d", ptr)
	}
	delete(b.buffers, ptr)
	b.used -= int64(len(buf))
	return nil
}

// buffer resolves a pointer under the lock.
func (b *HostBackend) buffer(ptr Ptr) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.buffers[ptr]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeDeviceAllocation, "invalid device pointer %d", ptr)
	}
	return buf, nil
}

// stream validates and returns a stream.
func (b *HostBackend) stream(id StreamID) (*hostStream, error) {
	if int(id) < 0 || int(id) >= len(b.streams) {
		return nil, errors.Newf(errors.ErrorTypeValidation, "invalid stream %d", id)
	}
	return b.streams[id], nil
}

// MemcpyH2D schedules a host-to-device copy.
func (b *HostBackend) MemcpyH2D(stream StreamID, dst Ptr, src []byte) error {
	s, err := b.stream(stream)
	if err != nil {
		return err
	}
	buf, err := b.buffer(dst)
	if err != nil {
		return err
	}
	if len(src) > len(buf) {
		return errors.Newf(errors.ErrorTypeValidation,
			"host-to-device copy of %d bytes into %d-byte allocation", len(src), len(buf))
	}
	b.h2d.Add(1)
	s.ops <- func() { copy(buf, src) }
	return nil
}

// MemcpyD2H schedules a device-to-host copy.
func (b *HostBackend) MemcpyD2H(stream StreamID, dst []byte, src Ptr) error {
	s, err := b.stream(stream)
	if err != nil {
		return err
	}
	buf, err := b.buffer(src)
	if err != nil {
		return err
	}
	if len(dst) > len(buf) {
		return errors.Newf(errors.ErrorTypeValidation,
			"device-to-host copy of %d bytes from %d-byte allocation", len(dst), len(buf))
	}
	b.d2h.Add(1)
	s.ops <- func() { copy(dst, buf) }
	return nil
}

// Launch schedules a kernel launch: the kernel function runs once per
// thread of the geometry, in global index order, after every previously
// queued operation on the stream.
func (b *HostBackend) Launch(stream StreamID, module *Module, kernel string, cfg LaunchConfig, args []Value) error {
	s, err := b.stream(stream)
	if err != nil {
		return err
	}
	fn, err := module.Kernel(kernel)
	if err != nil {
		return err
	}

	resolved := make([]KernelArg, len(args))
	for i, a := range args {
		switch a.Kind() {
		case KindPtr:
			buf, err := b.buffer(a.Ptr())
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeDeviceAllocation,
					"resolving pointer argument "+kernel)
			}
			resolved[i] = KernelArg{kind: KindPtr, bytes: buf}
		case KindFloat32, KindFloat64:
			resolved[i] = KernelArg{kind: a.Kind(), f: a.Float64()}
		default:
			resolved[i] = KernelArg{kind: a.Kind(), i: a.Int64()}
		}
	}

	total := cfg.Threads()
	s.ops <- func() {
		for g := int64(0); g < total; g++ {
			fn(Thread{Global: g, Total: total}, resolved)
		}
	}
	return nil
}

// Synchronize blocks until every operation previously issued on the stream
// has completed.
func (b *HostBackend) Synchronize(stream StreamID) error {
	s, err := b.stream(stream)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	s.ops <- func() { close(done) }
	<-done
	return nil
}

// StreamCount returns the number of streams.
func (b *HostBackend) StreamCount() int { return len(b.streams) }

// Stats returns cumulative transfer counts.
func (b *HostBackend) Stats() TransferStats {
	return TransferStats{
		HostToDevice: b.h2d.Load(),
		DeviceToHost: b.d2h.Load(),
	}
}

// Used returns the bytes of emulated device memory currently allocated.
func (b *HostBackend) Used() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Close drains the streams and releases every outstanding allocation.
func (b *HostBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	for _, s := range b.streams {
		close(s.ops)
	}
	b.wg.Wait()

	b.mu.Lock()
	b.buffers = make(map[Ptr][]byte)
	b.used = 0
	b.mu.Unlock()
	return nil
}
