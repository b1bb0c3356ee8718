// Package devcache provides the per-process device buffer cache. Device
// copies of partition buffers are cached under (partition identity, column
// or blob name) so repeated kernel invocations over a persisted partition
// skip the host-to-device transfer. The eviction coordinator's agent calls
// into this package to mark partitions persistent and to evict them.
package devcache

import (
	"sync"

	"go.uber.org/zap"

	"github.com/heliosdata/helios/pkg/columnar"
	"github.com/heliosdata/helios/pkg/device"
	"github.com/heliosdata/helios/pkg/errors"
	"github.com/heliosdata/helios/pkg/logger"
	"github.com/heliosdata/helios/pkg/metrics"
)

// BlobBufferName is the cache-key name of a partition's blob region.
const BlobBufferName = "__blob__"

// entryKey identifies one cached device buffer: the owning partition plus
// the column or blob name. At most one entry exists per key per process.
type entryKey struct {
	Partition columnar.PartitionKey
	Name      string
}

type entry struct {
	ptr  device.Ptr
	size int64
}

// Cache is the per-process device buffer cache. All methods are safe for
// concurrent use.
type Cache struct {
	mu         sync.Mutex
	mgr        *device.Manager
	entries    map[entryKey]entry
	persistent map[columnar.PartitionKey]bool
	log        *zap.Logger
}

// New creates a cache over the given device manager.
func New(mgr *device.Manager) *Cache {
	return &Cache{
		mgr:        mgr,
		entries:    make(map[entryKey]entry),
		persistent: make(map[columnar.PartitionKey]bool),
		log:        logger.With(zap.String("component", "devcache")),
	}
}

// Manager returns the device manager the cache allocates from.
func (c *Cache) Manager() *device.Manager { return c.mgr }

// Allocate creates a cached device buffer under the given key. It fails if
// an entry already exists for the key.
func (c *Cache) Allocate(key columnar.PartitionKey, name string, size int64) (device.Ptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ek := entryKey{Partition: key, Name: name}
	if _, exists := c.entries[ek]; exists {
		return 0, errors.Newf(errors.ErrorTypeValidation,
			"device buffer already cached for partition %q column %q", key, name)
	}
	ptr, err := c.mgr.Backend().Malloc(size)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeDeviceAllocation,
			"allocating cached device buffer").
			WithDetail("partition", string(key)).
			WithDetail("column", name)
	}
	c.entries[ek] = entry{ptr: ptr, size: size}
	metrics.CacheEntries.Inc()
	metrics.DeviceMemoryUsed.Add(float64(size))
	return ptr, nil
}

// Free releases the cached device buffer under the given key, if any.
func (c *Cache) Free(key columnar.PartitionKey, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freeLocked(entryKey{Partition: key, Name: name})
}

func (c *Cache) freeLocked(ek entryKey) error {
	e, ok := c.entries[ek]
	if !ok {
		return nil
	}
	delete(c.entries, ek)
	metrics.CacheEntries.Dec()
	metrics.DeviceMemoryUsed.Sub(float64(e.size))
	if err := c.mgr.Backend().Free(e.ptr); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDeviceAllocation,
			"freeing cached device buffer").
			WithDetail("partition", string(ek.Partition)).
			WithDetail("column", ek.Name)
	}
	return nil
}

// GetOrTransfer returns the device buffer for (key, name). On a cache hit
// no transfer happens. On a miss it allocates a device buffer and
// schedules a host-to-device copy of host on the stream; the caller must
// synchronize the stream before the kernel may rely on the data having
// arrived. When persist is true (the partition is marked persist-on-device
// by either its own flag or a coordinator instruction) the new buffer is
// retained in the cache; otherwise the caller owns it and must free it
// when the invocation ends.
func (c *Cache) GetOrTransfer(stream device.StreamID, key columnar.PartitionKey, name string, host []byte, persist bool) (ptr device.Ptr, hit bool, cached bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ek := entryKey{Partition: key, Name: name}
	if e, ok := c.entries[ek]; ok {
		metrics.CacheHits.Inc()
		return e.ptr, true, true, nil
	}
	metrics.CacheMisses.Inc()

	backend := c.mgr.Backend()
	ptr, err = backend.Malloc(int64(len(host)))
	if err != nil {
		return 0, false, false, errors.Wrap(err, errors.ErrorTypeDeviceAllocation,
			"allocating device buffer for transfer").
			WithDetail("partition", string(key)).
			WithDetail("column", name)
	}
	if err := backend.MemcpyH2D(stream, ptr, host); err != nil {
		_ = backend.Free(ptr)
		return 0, false, false, errors.Wrap(err, errors.ErrorTypeDeviceAllocation,
			"scheduling host-to-device transfer").
			WithDetail("partition", string(key)).
			WithDetail("column", name)
	}
	metrics.TransfersTotal.WithLabelValues("h2d").Inc()
	metrics.TransferBytes.WithLabelValues("h2d").Add(float64(len(host)))

	if persist || c.persistent[key] {
		c.entries[ek] = entry{ptr: ptr, size: int64(len(host))}
		metrics.CacheEntries.Inc()
		metrics.DeviceMemoryUsed.Add(float64(int64(len(host))))
		return ptr, false, true, nil
	}
	return ptr, false, false, nil
}

// BufferPointer is one resolved device buffer of a partition.
type BufferPointer struct {
	// Name is the column name, or BlobBufferName for the blob region.
	Name string
	Ptr  device.Ptr
	// Hit reports that the buffer was already on the device.
	Hit bool
	// Retained reports that the cache keeps the buffer; the caller owns
	// and must free every non-retained pointer.
	Retained bool
}

// PartitionPointers resolves device pointers for the named buffers of a
// partition, in order. Each name is a column name or BlobBufferName.
// Cached buffers come back as hits with no transfer; misses allocate a
// device buffer and schedule a host-to-device copy on the stream, so the
// caller must synchronize before kernels may rely on the data. On error,
// any pointer resolved so far that the cache did not retain is freed.
func (c *Cache) PartitionPointers(stream device.StreamID, p *columnar.Partition, names []string) ([]BufferPointer, error) {
	ptrs := make([]BufferPointer, 0, len(names))
	fail := func(err error) ([]BufferPointer, error) {
		for _, bp := range ptrs {
			if !bp.Retained {
				_ = c.mgr.Backend().Free(bp.Ptr)
			}
		}
		return nil, err
	}

	persist := p.Persist()
	for _, name := range names {
		var host []byte
		var err error
		if name == BlobBufferName {
			host, err = p.BlobBytes()
		} else {
			host, err = p.ColumnBytes(name)
		}
		if err != nil {
			return fail(err)
		}
		ptr, hit, retained, err := c.GetOrTransfer(stream, p.Key(), name, host, persist)
		if err != nil {
			return fail(err)
		}
		ptrs = append(ptrs, BufferPointer{Name: name, Ptr: ptr, Hit: hit, Retained: retained})
	}
	return ptrs, nil
}

// MarkPersistent marks a partition persist-on-device: its device buffers
// survive the drop of its host reference count. Marking persistence does
// not eagerly cache anything and has no effect on host memory.
func (c *Cache) MarkPersistent(key columnar.PartitionKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.persistent[key] = true
}

// IsPersistent reports whether the partition is marked persist-on-device.
func (c *Cache) IsPersistent(key columnar.PartitionKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persistent[key]
}

// Unmark removes the persist-on-device mark and evicts every device entry
// owned by the partition, freeing the device memory. Unmarking an unmarked
// partition is a no-op beyond the eviction sweep.
func (c *Cache) Unmark(key columnar.PartitionKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.persistent, key)
	return c.evictLocked(key)
}

// EvictPartition removes all device entries owned by the partition unless
// it is marked persist-on-device. It implements the columnar store's
// eviction hook, called when a partition's host reference count reaches
// zero.
func (c *Cache) EvictPartition(key columnar.PartitionKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.persistent[key] {
		return
	}
	if err := c.evictLocked(key); err != nil {
		c.log.Warn("evicting partition device buffers", zap.String("partition", string(key)), zap.Error(err))
	}
}

func (c *Cache) evictLocked(key columnar.PartitionKey) error {
	var firstErr error
	for ek := range c.entries {
		if ek.Partition != key {
			continue
		}
		if err := c.freeLocked(ek); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Len returns the number of live cache entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Contains reports whether a device buffer is cached for (key, name).
func (c *Cache) Contains(key columnar.PartitionKey, name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[entryKey{Partition: key, Name: name}]
	return ok
}
