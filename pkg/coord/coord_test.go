package coord

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heliosdata/helios/pkg/devcache"
	"github.com/heliosdata/helios/pkg/device"
	"github.com/heliosdata/helios/pkg/errors"
)

func newAgentCache(t *testing.T) *devcache.Cache {
	t.Helper()
	backend := device.NewHostBackend(1, 0)
	t.Cleanup(func() { require.NoError(t, backend.Close()) })
	return devcache.New(device.NewManager(backend, 0))
}

func newCluster(t *testing.T, agentNames ...string) (*Coordinator, *LocalTransport, map[string]*devcache.Cache) {
	t.Helper()
	transport := NewLocalTransport()
	coordinator := NewCoordinator(transport, 2, time.Millisecond)
	transport.Bind("coordinator", coordinator)

	caches := make(map[string]*devcache.Cache, len(agentNames))
	for _, name := range agentNames {
		cache := newAgentCache(t)
		agent := NewAgent(name, cache)
		endpoint := "agent://" + name
		transport.Bind(endpoint, agent)
		require.NoError(t, agent.RegisterWith(context.Background(), transport, "coordinator", endpoint))
		caches[name] = cache
	}
	return coordinator, transport, caches
}

func TestRegistration(t *testing.T) {
	coordinator, transport, _ := newCluster(t, "w1", "w2")
	assert.ElementsMatch(t, []string{"w1", "w2"}, coordinator.Agents())

	// A duplicate name is rejected at the coordinator.
	dup := NewAgent("w1", newAgentCache(t))
	transport.Bind("agent://dup", dup)
	err := dup.RegisterWith(context.Background(), transport, "coordinator", "agent://dup")
	require.Error(t, err)
}

func TestCacheBroadcastMarksEveryAgent(t *testing.T) {
	coordinator, _, caches := newCluster(t, "w1", "w2", "w3")

	require.NoError(t, coordinator.Cache(context.Background(), "part-1"))
	for name, cache := range caches {
		assert.True(t, cache.IsPersistent("part-1"), "agent %s did not mark", name)
	}
}

func TestUncacheBroadcastEvicts(t *testing.T) {
	coordinator, _, caches := newCluster(t, "w1", "w2")
	require.NoError(t, coordinator.Cache(context.Background(), "part-2"))

	for _, cache := range caches {
		_, _, cached, err := cache.GetOrTransfer(0, "part-2", "col", []byte{1, 2, 3}, false)
		require.NoError(t, err)
		require.True(t, cached)
		require.Equal(t, 1, cache.Len())
	}

	require.NoError(t, coordinator.Uncache(context.Background(), "part-2"))
	for name, cache := range caches {
		assert.False(t, cache.IsPersistent("part-2"), "agent %s still marked", name)
		assert.Zero(t, cache.Len(), "agent %s still holds device buffers", name)
	}
}

// rejectingHandler acknowledges false without a transport error, which the
// retry policy must not retry.
type rejectingHandler struct{}

func (rejectingHandler) Handle(context.Context, Message) (bool, error) { return false, nil }

func TestBroadcastFailsOnRejection(t *testing.T) {
	coordinator, transport, _ := newCluster(t, "good")
	transport.Bind("agent://bad", rejectingHandler{})
	require.NoError(t, coordinator.Register("bad", "agent://bad"))

	err := coordinator.Cache(context.Background(), "part-3")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAgentAcknowledgment))
	assert.Contains(t, err.Error(), "bad", "error names the offending agent")
}

// flakyHandler fails transport-level until succeedAfter attempts, then
// acknowledges.
type flakyHandler struct {
	attempts     int
	succeedAfter int
	inner        Handler
}

func (f *flakyHandler) Handle(ctx context.Context, msg Message) (bool, error) {
	f.attempts++
	if f.attempts <= f.succeedAfter {
		return false, errors.New(errors.ErrorTypeConnection, "transient transport failure")
	}
	return f.inner.Handle(ctx, msg)
}

func TestBroadcastRetriesTransientFailures(t *testing.T) {
	coordinator, transport, _ := newCluster(t)

	cache := newAgentCache(t)
	flaky := &flakyHandler{succeedAfter: 2, inner: NewAgent("flaky", cache)}
	transport.Bind("agent://flaky", flaky)
	require.NoError(t, coordinator.Register("flaky", "agent://flaky"))

	require.NoError(t, coordinator.Cache(context.Background(), "part-4"))
	assert.Equal(t, 3, flaky.attempts)
	assert.True(t, cache.IsPersistent("part-4"))
}

func TestBroadcastFailsAfterRetriesExhausted(t *testing.T) {
	coordinator, transport, _ := newCluster(t)

	flaky := &flakyHandler{succeedAfter: 10, inner: rejectingHandler{}}
	transport.Bind("agent://down", flaky)
	require.NoError(t, coordinator.Register("down", "agent://down"))

	err := coordinator.Uncache(context.Background(), "part-5")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAgentAcknowledgment))
	assert.Equal(t, 3, flaky.attempts, "one initial attempt plus two retries")
}

func TestUnboundEndpointIsConnectionError(t *testing.T) {
	transport := NewLocalTransport()
	_, err := transport.Send(context.Background(), "nowhere", Message{Instruction: InstructionCache})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
	assert.True(t, errors.IsRetryable(err))
}

func TestAgentRejectsUnknownInstruction(t *testing.T) {
	agent := NewAgent("a", newAgentCache(t))
	ok, err := agent.Handle(context.Background(), Message{Instruction: InstructionRegister})
	assert.False(t, ok)
	require.Error(t, err)
}

func TestProcessAgentName(t *testing.T) {
	name := ProcessAgentName()
	assert.Contains(t, name, "agent-")
	assert.Equal(t, name, ProcessAgentName(), "name is stable within a process")
}
