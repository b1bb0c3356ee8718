package coord

import (
	"context"
	"sync"

	"github.com/heliosdata/helios/pkg/errors"
)

// LocalTransport routes messages between handlers inside one process. It
// backs the protocol tests and single-process deployments; cross-process
// deployments plug a real RPC transport into the same interface.
type LocalTransport struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewLocalTransport creates an empty in-process transport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{handlers: make(map[string]Handler)}
}

// Bind attaches a handler to an endpoint name.
func (t *LocalTransport) Bind(endpoint string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[endpoint] = h
}

// Unbind detaches an endpoint.
func (t *LocalTransport) Unbind(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, endpoint)
}

// Send delivers the message to the bound handler. An unbound endpoint is a
// connection error, which the retry policy treats as transient.
func (t *LocalTransport) Send(ctx context.Context, endpoint string, msg Message) (bool, error) {
	t.mu.RLock()
	h, ok := t.handlers[endpoint]
	t.mu.RUnlock()
	if !ok {
		return false, errors.Newf(errors.ErrorTypeConnection, "no handler bound at endpoint %q", endpoint)
	}
	return h.Handle(ctx, msg)
}
