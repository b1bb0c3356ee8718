package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypedPoolReuse(t *testing.T) {
	type thing struct{ n int }

	p := New(func() *thing { return &thing{} }, func(x *thing) { x.n = 0 })

	a := p.Get()
	a.n = 7
	p.Put(a)

	b := p.Get()
	assert.Zero(t, b.n, "reset runs on the way back into the pool")

	allocated, inUse := p.Stats()
	assert.GreaterOrEqual(t, allocated, int64(1))
	assert.Equal(t, int64(1), inUse)
}

func TestBufferPoolExactLength(t *testing.T) {
	p := NewBufferPool()

	buf := p.Get(1000)
	require.Len(t, buf, 1000)
	assert.Equal(t, 1024, cap(buf), "smallest bucket that fits")

	for i := range buf {
		buf[i] = 0xFF
	}
	p.Put(buf)

	again := p.Get(600)
	require.Len(t, again, 600)
	for _, b := range again {
		require.Zero(t, b, "reused buffers are zeroed")
	}
}

func TestBufferPoolOversized(t *testing.T) {
	p := NewBufferPool()
	buf := p.Get(20 << 20)
	assert.Len(t, buf, 20<<20, "above the largest bucket allocates directly")
	p.Put(buf) // no bucket matches; released to the collector
}
