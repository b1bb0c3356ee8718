package coord

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/heliosdata/helios/pkg/devcache"
	"github.com/heliosdata/helios/pkg/errors"
	"github.com/heliosdata/helios/pkg/logger"
)

// Agent is the per-worker-process side of the protocol. On a cache
// instruction it marks the partition persist-on-device in the local device
// buffer cache; nothing is cached eagerly. On an uncache instruction it
// unmarks persistence and immediately evicts every device entry the
// partition owns.
type Agent struct {
	name  string
	cache *devcache.Cache
	log   *zap.Logger
}

// ProcessAgentName derives the agent name from the process identity.
func ProcessAgentName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("agent-%s-%d", host, os.Getpid())
}

// NewAgent creates an agent serving the local device buffer cache.
func NewAgent(name string, cache *devcache.Cache) *Agent {
	return &Agent{
		name:  name,
		cache: cache,
		log:   logger.With(zap.String("component", "agent"), zap.String("agent", name)),
	}
}

// Name returns the agent's registered name.
func (a *Agent) Name() string { return a.name }

// Handle processes one coordinator instruction.
func (a *Agent) Handle(ctx context.Context, msg Message) (bool, error) {
	switch msg.Instruction {
	case InstructionCache:
		a.cache.MarkPersistent(msg.Partition)
		a.log.Debug("partition marked persistent", zap.String("partition", string(msg.Partition)))
		return true, nil
	case InstructionUncache:
		if err := a.cache.Unmark(msg.Partition); err != nil {
			a.log.Error("uncache eviction failed",
				zap.String("partition", string(msg.Partition)), zap.Error(err))
			return false, err
		}
		a.log.Debug("partition unmarked and evicted", zap.String("partition", string(msg.Partition)))
		return true, nil
	default:
		return false, errors.Newf(errors.ErrorTypeValidation,
			"agent cannot handle %q instruction", msg.Instruction)
	}
}

// RegisterWith announces the agent to the coordinator, passing the agent's
// own callback endpoint. Registration happens exactly once at process
// start; transient transport failures are retried.
func (a *Agent) RegisterWith(ctx context.Context, t Transport, coordinatorEndpoint, selfEndpoint string) error {
	msg := Message{
		Instruction: InstructionRegister,
		AgentName:   a.name,
		Endpoint:    selfEndpoint,
	}
	var lastErr error
	for attempt := 0; attempt <= DefaultRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), errors.ErrorTypeConnection, "registration canceled")
			case <-time.After(DefaultRetryBackoff):
			}
		}
		ok, err := t.Send(ctx, coordinatorEndpoint, msg)
		if err != nil {
			lastErr = err
			continue
		}
		if !ok {
			return errors.Newf(errors.ErrorTypeConnection,
				"coordinator rejected registration of agent %q", a.name)
		}
		a.log.Info("registered with coordinator", zap.String("endpoint", selfEndpoint))
		return nil
	}
	return errors.Wrap(lastErr, errors.ErrorTypeConnection,
		"registering agent with coordinator")
}
