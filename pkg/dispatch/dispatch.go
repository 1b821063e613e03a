// Package dispatch contains the adapters that hand a session to an
// agent and drive it to completion. Two variants exist behind one
// interface: internal agents reached through the agent HTTP API, and
// external agents assigned work over the webhook protocol. Every
// outbound HTTP call passes through the resilience stack.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/conductor-ai/conductor/pkg/models"
	"github.com/conductor-ai/conductor/pkg/registry"
	"github.com/conductor-ai/conductor/pkg/session"
)

// ErrDispatchTimeout is returned when the agent did not finish within
// the session's max_duration.
var ErrDispatchTimeout = errors.New("dispatch timed out")

// RemoteFailureError reports that the agent ran but the task failed on
// its side.
type RemoteFailureError struct {
	RemoteID string
	Message  string
}

func (e *RemoteFailureError) Error() string {
	return "remote execution failed: " + e.Message
}

// Callbacks let the supervisor observe execution. Any callback may be
// nil. OnCheckpoint carries an opaque state blob the supervisor stores
// durably.
type Callbacks struct {
	OnProgress   func(stage string, percent float64)
	OnCheckpoint func(data json.RawMessage)
	OnLog        func(level, message string)
}

func (c Callbacks) progress(stage string, percent float64) {
	if c.OnProgress != nil {
		c.OnProgress(stage, percent)
	}
}

func (c Callbacks) checkpoint(data json.RawMessage) {
	if c.OnCheckpoint != nil {
		c.OnCheckpoint(data)
	}
}

func (c Callbacks) log(level, message string) {
	if c.OnLog != nil {
		c.OnLog(level, message)
	}
}

// ExecutionResult is what an adapter returns on success.
type ExecutionResult struct {
	RemoteID  string
	Result    string
	Diff      string
	Artifacts []models.TaskArtifact
	Metrics   map[string]float64
}

// Dispatcher executes one session on one agent.
type Dispatcher interface {
	Kind() registry.Kind
	Execute(ctx context.Context, sess *session.Session, agent *registry.Agent, cb Callbacks) (*ExecutionResult, error)
}

// Router selects the adapter matching the agent's kind.
type Router struct {
	adapters map[registry.Kind]Dispatcher
}

// NewRouter builds a router over the given adapters.
func NewRouter(adapters ...Dispatcher) *Router {
	m := make(map[registry.Kind]Dispatcher, len(adapters))
	for _, a := range adapters {
		m[a.Kind()] = a
	}
	return &Router{adapters: m}
}

// For returns the adapter for an agent kind.
func (r *Router) For(kind registry.Kind) (Dispatcher, bool) {
	d, ok := r.adapters[kind]
	return d, ok
}
