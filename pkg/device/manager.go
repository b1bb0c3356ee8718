package device

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/heliosdata/helios/pkg/logger"
)

// DefaultDedicatedStreamBytes is the working-set size above which an
// invocation gets a dedicated stream instead of the shared one, allowing
// large transfers to overlap with other concurrent partitions.
const DefaultDedicatedStreamBytes = 16 * 1024 * 1024

// Manager owns a process's device backend, its module loader, and the
// stream selection policy. It is the explicit device context handed to the
// cache and the kernel engine; there is no global device state.
type Manager struct {
	backend Backend
	loader  *Loader
	log     *zap.Logger

	// dedicatedBytes is the working-set threshold for dedicated streams.
	dedicatedBytes int64
	nextStream     atomic.Int64
}

// NewManager wraps a backend. A dedicatedStreamBytes of zero selects the
// default threshold.
func NewManager(backend Backend, dedicatedStreamBytes int64) *Manager {
	if dedicatedStreamBytes <= 0 {
		dedicatedStreamBytes = DefaultDedicatedStreamBytes
	}
	m := &Manager{
		backend:        backend,
		loader:         NewLoader(),
		log:            logger.With(zap.String("component", "device")),
		dedicatedBytes: dedicatedStreamBytes,
	}
	m.log.Info("device manager initialized",
		zap.String("backend", backend.Name()),
		zap.Int("streams", backend.StreamCount()),
		zap.Int64("dedicated_stream_bytes", dedicatedStreamBytes))
	return m
}

// Backend returns the managed backend.
func (m *Manager) Backend() Backend { return m.backend }

// Info returns device properties from the backend.
func (m *Manager) Info() DeviceInfo { return m.backend.Info() }

// LoadModule resolves a kernel module reference through the process-wide
// module cache.
func (m *Manager) LoadModule(ref ModuleRef) (*Module, error) {
	return m.loader.Load(ref)
}

// StreamFor selects a stream for an invocation based on the memory
// pressure of its working set. Small requests share stream 0; requests at
// or above the dedicated threshold rotate through the remaining streams so
// their transfers can overlap with other partitions.
func (m *Manager) StreamFor(workingSetBytes int64) StreamID {
	n := m.backend.StreamCount()
	if n <= 1 || workingSetBytes < m.dedicatedBytes {
		return 0
	}
	next := m.nextStream.Add(1)
	return StreamID(1 + int(next%int64(n-1)))
}

// Close releases the backend.
func (m *Manager) Close() error {
	return m.backend.Close()
}
