// Package registry tracks the agents that sessions can be dispatched
// to: internal agents reached through the agent HTTP API, and external
// agents registered over the webhook protocol. The registry is the
// single source for agent health and load.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conductor-ai/conductor/pkg/events"
)

// Kind distinguishes configuration-provided agents from webhook ones.
type Kind string

const (
	KindInternal Kind = "internal"
	KindExternal Kind = "external"
)

// AgentStatus is the registry's health view of an agent.
type AgentStatus string

const (
	StatusActive   AgentStatus = "active"
	StatusIdle     AgentStatus = "idle"
	StatusBusy     AgentStatus = "busy"
	StatusDegraded AgentStatus = "degraded"
	StatusOffline  AgentStatus = "offline"
)

// dispatchable reports whether an agent in this status may receive
// work. Busy agents are at their concurrency cap.
func (s AgentStatus) dispatchable() bool {
	return s == StatusActive || s == StatusIdle
}

// Tier orders agents for tie-breaking when loads are equal.
type Tier string

const (
	TierElite     Tier = "elite"
	TierStandard  Tier = "standard"
	TierProbation Tier = "probation"
)

func tierRank(t Tier) int {
	switch t {
	case TierElite:
		return 3
	case TierStandard:
		return 2
	case TierProbation:
		return 1
	}
	return 0
}

// DefaultHeartbeatInterval applies when a descriptor does not declare
// its own.
const DefaultHeartbeatInterval = 30 * time.Second

// missedHeartbeatsBeforeDegraded is how many consecutive intervals an
// agent may skip before the monitor marks it degraded.
const missedHeartbeatsBeforeDegraded = 3

// ErrNoAgentAvailable is returned by Pick when no active agent of the
// tenant offers the required capability.
var ErrNoAgentAvailable = errors.New("no agent available")

// ErrAgentNotFound is returned for operations on unknown agent ids.
var ErrAgentNotFound = errors.New("agent not found")

// Descriptor is the registration input for an agent.
type Descriptor struct {
	ID                 string
	TenantID           string
	Name               string
	Version            string
	Capabilities       []string
	Tier               Tier
	EndpointURL        string
	HeartbeatInterval  time.Duration
	MaxConcurrentTasks int
	Metadata           map[string]string
}

// Agent is a registered agent. AuthToken is set only for external
// agents and must accompany their callbacks.
type Agent struct {
	ID                string            `json:"id"`
	TenantID          string            `json:"tenant_id"`
	Name              string            `json:"name"`
	Version           string            `json:"version,omitempty"`
	Kind              Kind              `json:"kind"`
	Status            AgentStatus       `json:"status"`
	Tier              Tier              `json:"tier"`
	Capabilities      []string          `json:"capabilities"`
	EndpointURL       string            `json:"endpoint_url,omitempty"`
	AuthToken         string            `json:"-"`
	HeartbeatInterval time.Duration     `json:"heartbeat_interval"`
	LastHeartbeat     time.Time         `json:"last_heartbeat"`
	Load              float64           `json:"load"`
	ActiveSessions    int               `json:"active_sessions"`
	// MaxConcurrentTasks caps concurrent dispatches; zero means
	// unbounded.
	MaxConcurrentTasks int               `json:"max_concurrent_tasks,omitempty"`
	TasksCompleted     int               `json:"tasks_completed"`
	SuccessRate        float64           `json:"success_rate"`
	RegisteredAt       time.Time         `json:"registered_at"`
	Metadata           map[string]string `json:"metadata,omitempty"`

	// successes backs the aggregate SuccessRate.
	successes int
}

func (a *Agent) hasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Registry is the in-memory agent directory. Agent state is per
// process; external agents re-register after an orchestrator restart
// when their next heartbeat gets ErrAgentNotFound.
type Registry struct {
	bus    *events.Bus
	logger *slog.Logger

	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewRegistry creates an empty registry publishing onto bus.
func NewRegistry(bus *events.Bus, logger *slog.Logger) *Registry {
	return &Registry{
		bus:    bus,
		logger: logger.With("component", "registry"),
		agents: make(map[string]*Agent),
	}
}

// Register adds an agent. Re-registering an existing id replaces the
// descriptor but keeps the original auth token and registration time.
func (r *Registry) Register(ctx context.Context, desc Descriptor, kind Kind) (*Agent, error) {
	if desc.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if kind == KindExternal && desc.EndpointURL == "" {
		return nil, fmt.Errorf("external agent requires an endpoint_url")
	}
	if desc.Tier == "" {
		desc.Tier = TierStandard
	}
	if desc.HeartbeatInterval <= 0 {
		desc.HeartbeatInterval = DefaultHeartbeatInterval
	}

	now := time.Now().UTC()
	agent := &Agent{
		ID:                desc.ID,
		TenantID:          desc.TenantID,
		Name:              desc.Name,
		Version:           desc.Version,
		Kind:              kind,
		Status:            StatusActive,
		Tier:              desc.Tier,
		Capabilities:      append([]string(nil), desc.Capabilities...),
		EndpointURL:        desc.EndpointURL,
		HeartbeatInterval:  desc.HeartbeatInterval,
		MaxConcurrentTasks: desc.MaxConcurrentTasks,
		LastHeartbeat:      now,
		RegisteredAt:       now,
		Metadata:           desc.Metadata,
	}
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if kind == KindExternal {
		agent.AuthToken = uuid.NewString()
	}

	r.mu.Lock()
	if existing, ok := r.agents[agent.ID]; ok {
		agent.AuthToken = existing.AuthToken
		agent.RegisteredAt = existing.RegisteredAt
		agent.TasksCompleted = existing.TasksCompleted
		agent.SuccessRate = existing.SuccessRate
		agent.successes = existing.successes
	}
	r.agents[agent.ID] = agent
	snapshot := *agent
	r.mu.Unlock()

	r.logger.Info("Agent registered",
		"agent_id", agent.ID, "name", agent.Name, "kind", kind, "tier", agent.Tier)
	r.bus.Publish(events.Event{
		Type:      events.TypeAgentRegistered,
		Room:      events.AgentRoom(agent.ID),
		AgentID:   agent.ID,
		TenantID:  agent.TenantID,
		Timestamp: now,
		Payload:   map[string]any{"name": agent.Name, "kind": string(kind)},
	})
	return &snapshot, nil
}

// Heartbeat records liveness and load for an agent. A heartbeat from a
// degraded agent recovers it to active.
func (r *Registry) Heartbeat(ctx context.Context, id string, load float64, status AgentStatus) error {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %q: %w", id, ErrAgentNotFound)
	}

	now := time.Now().UTC()
	recovered := agent.Status == StatusDegraded
	agent.LastHeartbeat = now
	agent.Load = load
	if status != "" {
		agent.Status = status
	} else {
		agent.Status = StatusActive
	}
	tenantID := agent.TenantID
	r.mu.Unlock()

	if recovered && status != StatusDegraded {
		r.logger.Info("Agent recovered", "agent_id", id)
	}
	r.bus.Publish(events.Event{
		Type:      events.TypeAgentHeartbeat,
		Room:      events.AgentRoom(id),
		AgentID:   id,
		TenantID:  tenantID,
		Timestamp: now,
		Payload:   map[string]any{"load": load, "status": string(status)},
	})
	return nil
}

// Pick returns the dispatchable agent of the tenant with the required
// capability and the lowest load. Agents registered without a tenant
// serve every tenant. Agents at their concurrency cap are skipped.
// Ties break by tier, elite first.
func (r *Registry) Pick(ctx context.Context, capability, tenantID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Agent
	for _, agent := range r.agents {
		if !agent.Status.dispatchable() {
			continue
		}
		if agent.MaxConcurrentTasks > 0 && agent.ActiveSessions >= agent.MaxConcurrentTasks {
			continue
		}
		if agent.TenantID != "" && agent.TenantID != tenantID {
			continue
		}
		if capability != "" && !agent.hasCapability(capability) {
			continue
		}
		if best == nil ||
			agent.Load < best.Load ||
			(agent.Load == best.Load && tierRank(agent.Tier) > tierRank(best.Tier)) {
			best = agent
		}
	}
	if best == nil {
		return nil, fmt.Errorf("capability %q, tenant %q: %w", capability, tenantID, ErrNoAgentAvailable)
	}
	snapshot := *best
	return &snapshot, nil
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(ctx context.Context, id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %q: %w", id, ErrAgentNotFound)
	}
	snapshot := *agent
	return &snapshot, nil
}

// Authenticate returns the external agent whose token matches, used by
// the callback ingestion endpoints.
func (r *Registry) Authenticate(ctx context.Context, id, token string) (*Agent, error) {
	agent, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if agent.Kind != KindExternal || token == "" || agent.AuthToken != token {
		return nil, fmt.Errorf("agent %q: %w", id, ErrAgentNotFound)
	}
	return agent, nil
}

// List returns snapshots of all agents, optionally scoped to a tenant.
func (r *Registry) List(ctx context.Context, tenantID string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		if tenantID != "" && agent.TenantID != "" && agent.TenantID != tenantID {
			continue
		}
		snapshot := *agent
		out = append(out, &snapshot)
	}
	return out
}

// Deregister removes an agent. Removing an unknown id is a no-op.
func (r *Registry) Deregister(ctx context.Context, id string) {
	r.mu.Lock()
	_, existed := r.agents[id]
	delete(r.agents, id)
	r.mu.Unlock()
	if existed {
		r.logger.Info("Agent deregistered", "agent_id", id)
	}
}

// AdjustActiveSessions shifts an agent's session count and recomputed
// load, called by the supervisor around dispatch. Capped agents flip
// to busy at the cap and back to active below it.
func (r *Registry) AdjustActiveSessions(id string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return
	}
	agent.ActiveSessions += delta
	if agent.ActiveSessions < 0 {
		agent.ActiveSessions = 0
	}
	if agent.MaxConcurrentTasks > 0 {
		agent.Load = float64(agent.ActiveSessions) / float64(agent.MaxConcurrentTasks)
		switch {
		case agent.ActiveSessions >= agent.MaxConcurrentTasks && agent.Status.dispatchable():
			agent.Status = StatusBusy
		case agent.ActiveSessions < agent.MaxConcurrentTasks && agent.Status == StatusBusy:
			agent.Status = StatusActive
		}
	}
}

// RecordResult folds one dispatch outcome into the agent's completion
// count and success rate. Unknown ids are ignored.
func (r *Registry) RecordResult(id string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return
	}
	agent.TasksCompleted++
	if success {
		agent.successes++
	}
	agent.SuccessRate = float64(agent.successes) / float64(agent.TasksCompleted)
}

// SweepStale marks agents degraded when they have missed three
// consecutive heartbeat intervals. Returns the ids degraded this pass.
func (r *Registry) SweepStale(now time.Time) []string {
	r.mu.Lock()
	var degraded []*Agent
	for _, agent := range r.agents {
		if agent.Status == StatusDegraded || agent.Status == StatusOffline {
			continue
		}
		cutoff := agent.LastHeartbeat.Add(time.Duration(missedHeartbeatsBeforeDegraded) * agent.HeartbeatInterval)
		if now.After(cutoff) {
			agent.Status = StatusDegraded
			snapshot := *agent
			degraded = append(degraded, &snapshot)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(degraded))
	for _, agent := range degraded {
		ids = append(ids, agent.ID)
		r.logger.Warn("Agent degraded after missed heartbeats",
			"agent_id", agent.ID, "last_heartbeat", agent.LastHeartbeat)
		r.bus.Publish(events.Event{
			Type:      events.TypeAgentDegraded,
			Room:      events.AgentRoom(agent.ID),
			AgentID:   agent.ID,
			TenantID:  agent.TenantID,
			Timestamp: now,
			Payload:   map[string]any{"last_heartbeat": agent.LastHeartbeat},
		})
	}
	return ids
}

// RunMonitor sweeps for stale agents every interval until ctx ends.
func (r *Registry) RunMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.SweepStale(now.UTC())
		}
	}
}
