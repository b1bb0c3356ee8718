package device

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heliosdata/helios/pkg/errors"
)

func TestMallocRespectsLimit(t *testing.T) {
	b := NewHostBackend(1, 1024)
	defer func() { require.NoError(t, b.Close()) }()

	p1, err := b.Malloc(512)
	require.NoError(t, err)
	_, err = b.Malloc(768)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDeviceAllocation))

	require.NoError(t, b.Free(p1))
	p2, err := b.Malloc(768)
	require.NoError(t, err)
	assert.Equal(t, int64(768), b.Used())
	require.NoError(t, b.Free(p2))
	assert.Zero(t, b.Used())
}

func TestFreeInvalidPointer(t *testing.T) {
	b := NewHostBackend(1, 0)
	defer func() { require.NoError(t, b.Close()) }()

	require.NoError(t, b.Free(0), "null pointer free is a no-op")
	err := b.Free(Ptr(12345))
	require.Error(t, err)
}

func TestStreamOrderingAndSync(t *testing.T) {
	b := NewHostBackend(2, 0)
	defer func() { require.NoError(t, b.Close()) }()

	ptr, err := b.Malloc(8)
	require.NoError(t, err)

	src := make([]byte, 8)
	binary.LittleEndian.PutUint64(src, 0xDEADBEEF)
	dst := make([]byte, 8)

	// H2D then D2H on the same stream execute in FIFO order; the
	// destination is defined only after Synchronize.
	require.NoError(t, b.MemcpyH2D(1, ptr, src))
	require.NoError(t, b.MemcpyD2H(1, dst, ptr))
	require.NoError(t, b.Synchronize(1))

	assert.Equal(t, src, dst)
	stats := b.Stats()
	assert.Equal(t, int64(1), stats.HostToDevice)
	assert.Equal(t, int64(1), stats.DeviceToHost)
}

func TestCopyBoundsChecked(t *testing.T) {
	b := NewHostBackend(1, 0)
	defer func() { require.NoError(t, b.Close()) }()

	ptr, err := b.Malloc(4)
	require.NoError(t, err)

	err = b.MemcpyH2D(0, ptr, make([]byte, 8))
	require.Error(t, err)
	err = b.MemcpyD2H(0, make([]byte, 8), ptr)
	require.Error(t, err)
	err = b.MemcpyH2D(5, ptr, make([]byte, 2))
	require.Error(t, err, "invalid stream is rejected")
}

func TestLoaderCachesModules(t *testing.T) {
	RegisterImage("loader_test", map[string]KernelFunc{
		"noop": func(Thread, []KernelArg) {},
	})

	l := NewLoader()
	ref := BuiltinModule("loader_test")

	m1, err := l.Load(ref)
	require.NoError(t, err)
	m2, err := l.Load(ref)
	require.NoError(t, err)
	assert.Same(t, m1, m2)
	assert.Equal(t, 1, l.Loaded())

	_, err = m1.Kernel("noop")
	require.NoError(t, err)
	_, err = m1.Kernel("missing")
	require.Error(t, err)

	_, err = l.Load(BuiltinModule("never_registered"))
	require.Error(t, err)
}

func TestLaunchRunsPerThread(t *testing.T) {
	RegisterImage("launch_test", map[string]KernelFunc{
		"fill": func(th Thread, args []KernelArg) {
			n := args[1].Int64()
			if th.Global >= n {
				return
			}
			out := args[0].Bytes()
			binary.LittleEndian.PutUint64(out[th.Global*8:], uint64(th.Global))
		},
	})

	b := NewHostBackend(1, 0)
	defer func() { require.NoError(t, b.Close()) }()

	l := NewLoader()
	m, err := l.Load(BuiltinModule("launch_test"))
	require.NoError(t, err)

	const n = 100
	ptr, err := b.Malloc(8 * n)
	require.NoError(t, err)

	// Geometry launches more threads than elements; the kernel guards.
	cfg := LaunchConfig{Grid: Dim(2), Block: Dim(64)}
	require.NoError(t, b.Launch(0, m, "fill", cfg, []Value{PtrValue(ptr), Int64Value(n)}))

	out := make([]byte, 8*n)
	require.NoError(t, b.MemcpyD2H(0, out, ptr))
	require.NoError(t, b.Synchronize(0))

	for i := int64(0); i < n; i++ {
		assert.Equal(t, uint64(i), binary.LittleEndian.Uint64(out[i*8:]))
	}
}

func TestManagerStreamSelection(t *testing.T) {
	b := NewHostBackend(4, 0)
	defer func() { require.NoError(t, b.Close()) }()

	m := NewManager(b, 1024)
	assert.Equal(t, StreamID(0), m.StreamFor(100), "small working sets share stream 0")

	seen := map[StreamID]bool{}
	for i := 0; i < 12; i++ {
		id := m.StreamFor(4096)
		assert.NotEqual(t, StreamID(0), id, "large working sets get dedicated streams")
		seen[id] = true
	}
	assert.Len(t, seen, 3, "dedicated requests rotate through streams 1..n-1")
}
