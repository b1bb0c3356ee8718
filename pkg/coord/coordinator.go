package coord

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/heliosdata/helios/pkg/columnar"
	"github.com/heliosdata/helios/pkg/errors"
	"github.com/heliosdata/helios/pkg/logger"
	"github.com/heliosdata/helios/pkg/metrics"
	"github.com/heliosdata/helios/pkg/observability"
)

// DefaultRetries is the bounded per-agent retry count for a broadcast.
const DefaultRetries = 3

// DefaultRetryBackoff is the delay between per-agent retry attempts.
const DefaultRetryBackoff = 100 * time.Millisecond

// Coordinator is the single cluster-wide owner of the agent registry. Its
// Cache and Uncache operations broadcast the corresponding instruction to
// every registered agent and require every agent to acknowledge success;
// any non-acknowledgment after retries fails the whole operation, naming
// the offending agent. A failed broadcast leaves non-acknowledging agents
// in an unknown state; reconciliation by re-broadcast is the caller's
// responsibility.
type Coordinator struct {
	mu      sync.Mutex
	agents  map[string]string // agent name -> callback endpoint
	t       Transport
	retries int
	backoff time.Duration
	log     *zap.Logger
}

// NewCoordinator creates a coordinator sending over the given transport.
// Non-positive retries or backoff select the defaults.
func NewCoordinator(t Transport, retries int, backoff time.Duration) *Coordinator {
	if retries <= 0 {
		retries = DefaultRetries
	}
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}
	return &Coordinator{
		agents:  make(map[string]string),
		t:       t,
		retries: retries,
		backoff: backoff,
		log:     logger.With(zap.String("component", "coordinator")),
	}
}

// Register adds an agent's callback endpoint under its process-derived
// name. Each agent registers exactly once at process start; a duplicate
// name is rejected.
func (c *Coordinator) Register(name, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.agents[name]; exists {
		return errors.Newf(errors.ErrorTypeValidation, "agent %q is already registered", name)
	}
	c.agents[name] = endpoint
	c.log.Info("agent registered", zap.String("agent", name), zap.String("endpoint", endpoint))
	return nil
}

// Agents returns a snapshot of the registered agent names.
func (c *Coordinator) Agents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.agents))
	for name := range c.agents {
		names = append(names, name)
	}
	return names
}

// Handle processes registration requests arriving over the transport.
func (c *Coordinator) Handle(ctx context.Context, msg Message) (bool, error) {
	if msg.Instruction != InstructionRegister {
		return false, errors.Newf(errors.ErrorTypeValidation,
			"coordinator cannot handle %q instruction", msg.Instruction)
	}
	if err := c.Register(msg.AgentName, msg.Endpoint); err != nil {
		return false, err
	}
	return true, nil
}

// Cache broadcasts a cache instruction for the partition to every agent.
func (c *Coordinator) Cache(ctx context.Context, key columnar.PartitionKey) error {
	return c.broadcast(ctx, InstructionCache, key)
}

// Uncache broadcasts an uncache instruction for the partition to every
// agent.
func (c *Coordinator) Uncache(ctx context.Context, key columnar.PartitionKey) error {
	return c.broadcast(ctx, InstructionUncache, key)
}

func (c *Coordinator) broadcast(ctx context.Context, inst Instruction, key columnar.PartitionKey) error {
	ctx, span := observability.StartSpan(ctx, "coord.broadcast",
		observability.String("instruction", string(inst)),
		observability.String("partition", string(key)))
	defer span.End()

	c.mu.Lock()
	targets := make(map[string]string, len(c.agents))
	for name, endpoint := range c.agents {
		targets[name] = endpoint
	}
	c.mu.Unlock()

	msg := Message{Instruction: inst, Partition: key}

	g, ctx := errgroup.WithContext(ctx)
	for name, endpoint := range targets {
		name, endpoint := name, endpoint
		g.Go(func() error {
			return c.sendWithRetry(ctx, name, endpoint, msg)
		})
	}
	if err := g.Wait(); err != nil {
		metrics.Broadcasts.WithLabelValues(string(inst), "error").Inc()
		span.RecordError(err)
		return err
	}
	metrics.Broadcasts.WithLabelValues(string(inst), "ok").Inc()
	c.log.Debug("broadcast acknowledged",
		zap.String("instruction", string(inst)),
		zap.String("partition", string(key)),
		zap.Int("agents", len(targets)))
	return nil
}

// sendWithRetry delivers one instruction to one agent, retrying transport
// failures up to the bounded retry count. A false reply or a final
// transport failure is an acknowledgment failure naming the agent.
func (c *Coordinator) sendWithRetry(ctx context.Context, name, endpoint string, msg Message) error {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), errors.ErrorTypeAgentAcknowledgment,
					"broadcast canceled").WithDetail("agent", name)
			case <-time.After(c.backoff):
			}
		}
		ok, err := c.t.Send(ctx, endpoint, msg)
		if err != nil {
			lastErr = err
			continue
		}
		if !ok {
			return errors.Newf(errors.ErrorTypeAgentAcknowledgment,
				"agent %q rejected %s instruction for partition %q",
				name, msg.Instruction, msg.Partition)
		}
		return nil
	}
	return errors.Wrap(lastErr, errors.ErrorTypeAgentAcknowledgment,
		"agent did not acknowledge after retries").
		WithDetail("agent", name).
		WithDetail("instruction", string(msg.Instruction)).
		WithDetail("partition", string(msg.Partition))
}
