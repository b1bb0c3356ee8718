// Package coord implements the cluster-wide cache/eviction coordination
// protocol. One coordinator holds a registry of cache agents, one per
// worker process; cache and uncache instructions are broadcast to every
// registered agent and every agent must acknowledge success, otherwise the
// whole operation fails.
//
// The protocol is plain synchronous request/reply with a bounded retry
// policy: two instruction kinds plus registration. Transport, addressing,
// and failure detection belong to the RPC layer behind the Transport
// interface; an in-process transport ships with the package for tests and
// single-process deployments.
package coord

import (
	"context"

	"github.com/heliosdata/helios/pkg/columnar"
)

// Instruction is the protocol message kind.
type Instruction string

const (
	// InstructionCache marks a partition persist-on-device on every agent
	InstructionCache Instruction = "cache"
	// InstructionUncache unmarks persistence and evicts device buffers on
	// every agent
	InstructionUncache Instruction = "uncache"
	// InstructionRegister registers an agent's callback endpoint with the
	// coordinator
	InstructionRegister Instruction = "register"
)

// Message is one protocol request. Replies are a bare success boolean; any
// richer failure detail travels in the transport error.
type Message struct {
	Instruction Instruction             `json:"instruction"`
	Partition   columnar.PartitionKey   `json:"partition,omitempty"`
	AgentName   string                  `json:"agent_name,omitempty"`
	Endpoint    string                  `json:"endpoint,omitempty"`
}

// Transport delivers a message to an endpoint and returns the boolean
// reply. Implementations decide addressing and connection management; the
// protocol only assumes point-to-point reliable request/reply.
type Transport interface {
	Send(ctx context.Context, endpoint string, msg Message) (bool, error)
}

// Handler processes an incoming protocol message. Coordinator and Agent
// both implement it; transports route received messages here.
type Handler interface {
	Handle(ctx context.Context, msg Message) (bool, error)
}
