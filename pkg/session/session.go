// Package session implements the session lifecycle engine: the central
// entity, its status machine, execution metrics, in-entity checkpoints,
// and the buffered domain events drained by the supervisor.
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/conductor-ai/conductor/pkg/events"
)

// InvalidTransitionError reports a status change forbidden by the
// transition matrix.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %q to %q", e.From, e.To)
}

// FailureKind tags the cause recorded by Fail.
type FailureKind string

// Failure kind constants.
const (
	FailureUpstream FailureKind = "upstream_unavailable"
	FailureTimeout  FailureKind = "timeout"
	FailureNoAgent  FailureKind = "no_agent"
	FailureInternal FailureKind = "internal"
	FailureAborted  FailureKind = "aborted"
)

// Session is the central entity: a titled unit of autonomous coding work
// carrying state, metrics, and checkpoints. All mutating methods are pure
// in-memory operations; persistence is the store's job.
type Session struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`

	Type     Type     `json:"type"`
	Priority Priority `json:"priority"`

	Status          Status    `json:"status"`
	StatusUpdatedAt time.Time `json:"status_updated_at"`

	Title         string      `json:"title"`
	Description   string      `json:"description,omitempty"`
	InitialPrompt string      `json:"initial_prompt"`
	AgentConfig   AgentConfig `json:"agent_config"`
	Model         string      `json:"model,omitempty"`

	MaxDuration   time.Duration `json:"max_duration"`
	CPULimit      float64       `json:"cpu_limit,omitempty"`
	MemoryLimitMB int           `json:"memory_limit_mb,omitempty"`

	ParentID *string  `json:"parent_id,omitempty"`
	ChildIDs []string `json:"child_ids,omitempty"`

	Result       string      `json:"result,omitempty"`
	ErrorKind    FailureKind `json:"error_kind,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`

	Metrics     Metrics      `json:"metrics"`
	Checkpoints []Checkpoint `json:"checkpoints,omitempty"`

	// PodID records which orchestrator instance last claimed the session.
	PodID string `json:"pod_id,omitempty"`

	// Version backs optimistic concurrency in the store. The store
	// increments it on every successful update.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`

	// pending holds buffered domain events. Not persisted; drained by the
	// supervisor after each state transition.
	pending []events.Event `json:"-"`
}

// New assembles a pending session. Input validation happens at the service
// boundary; New only stamps identity and initial state.
func New(id, tenantID, title, prompt string, typ Type, priority Priority, maxDuration time.Duration) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:              id,
		TenantID:        tenantID,
		Type:            typ,
		Priority:        priority,
		Status:          StatusPending,
		StatusUpdatedAt: now,
		Title:           title,
		InitialPrompt:   prompt,
		MaxDuration:     maxDuration,
		CreatedAt:       now,
		Metrics:         Metrics{CreatedAt: now},
	}
	s.buffer(events.Event{
		Type:      events.TypeSessionCreated,
		Room:      events.SessionRoom(id),
		SessionID: id,
		TenantID:  tenantID,
		Timestamp: now,
	})
	return s
}

// Transition moves the session to the target status if the matrix allows
// it, stamping StatusUpdatedAt and buffering a status_changed event.
func (s *Session) Transition(to Status) error {
	if !CanTransition(s.Status, to) {
		return &InvalidTransitionError{From: s.Status, To: to}
	}
	from := s.Status
	now := time.Now().UTC()
	s.Status = to
	s.StatusUpdatedAt = now
	s.buffer(events.Event{
		Type:      events.TypeSessionStatusChanged,
		Room:      events.SessionRoom(s.ID),
		SessionID: s.ID,
		TenantID:  s.TenantID,
		From:      string(from),
		To:        string(to),
		Timestamp: now,
	})
	return nil
}

// Enqueue moves a pending session into the queue.
func (s *Session) Enqueue() error {
	return s.Transition(StatusQueued)
}

// Start moves the session into running, stamping started_at and recording
// the queue duration on the first start. A pending session passes through
// queued on the way.
func (s *Session) Start() error {
	if s.Status == StatusPending {
		if err := s.Transition(StatusQueued); err != nil {
			return err
		}
	}
	if err := s.Transition(StatusRunning); err != nil {
		return err
	}
	if s.Metrics.StartedAt == nil {
		now := time.Now().UTC()
		s.Metrics.StartedAt = &now
		s.Metrics.QueueDuration = now.Sub(s.Metrics.CreatedAt)
	}
	return nil
}

// Complete moves the session to completed, stamping completed_at and
// filling result and execution duration.
func (s *Session) Complete(result string) error {
	if err := s.Transition(StatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	s.Result = result
	s.Metrics.CompletedAt = &now
	if s.Metrics.StartedAt != nil {
		s.Metrics.ExecutionDuration = now.Sub(*s.Metrics.StartedAt)
	}
	s.Metrics.TotalDuration = now.Sub(s.Metrics.CreatedAt)
	s.Metrics.SuccessRate = 1.0
	s.buffer(events.Event{
		Type:      events.TypeSessionCompleted,
		Room:      events.SessionRoom(s.ID),
		SessionID: s.ID,
		TenantID:  s.TenantID,
		Timestamp: now,
	})
	return nil
}

// Fail moves the session to failed, capturing the error kind, message, and
// structured context as a warning record.
func (s *Session) Fail(kind FailureKind, message string, context map[string]any) error {
	if err := s.Transition(StatusFailed); err != nil {
		return err
	}
	now := time.Now().UTC()
	s.ErrorKind = kind
	s.ErrorMessage = message
	s.Metrics.FailedAt = &now
	if s.Metrics.StartedAt != nil {
		s.Metrics.ExecutionDuration = now.Sub(*s.Metrics.StartedAt)
	}
	s.Metrics.TotalDuration = now.Sub(s.Metrics.CreatedAt)
	if context != nil {
		s.Metrics.AddWarning(string(kind), message, context)
	}
	s.buffer(events.Event{
		Type:      events.TypeSessionFailed,
		Room:      events.SessionRoom(s.ID),
		SessionID: s.ID,
		TenantID:  s.TenantID,
		Timestamp: now,
		Payload:   map[string]any{"error_kind": string(kind), "error_message": message},
	})
	return nil
}

// MarkTimeout moves a running session to the timeout terminal status.
func (s *Session) MarkTimeout() error {
	if err := s.Transition(StatusTimeout); err != nil {
		return err
	}
	now := time.Now().UTC()
	s.ErrorKind = FailureTimeout
	s.ErrorMessage = fmt.Sprintf("session exceeded max duration of %s", s.MaxDuration)
	s.Metrics.FailedAt = &now
	if s.Metrics.StartedAt != nil {
		s.Metrics.ExecutionDuration = now.Sub(*s.Metrics.StartedAt)
	}
	s.Metrics.TotalDuration = now.Sub(s.Metrics.CreatedAt)
	return nil
}

// Requeue is the explicit recovery door: it returns a recoverable session
// to the queue for a fresh supervision attempt and spends one retry. It is
// the only way out of a terminal status and refuses once the retry budget
// is exhausted.
func (s *Session) Requeue() error {
	if !s.IsRecoverable() {
		return &InvalidTransitionError{From: s.Status, To: StatusQueued}
	}
	from := s.Status
	now := time.Now().UTC()
	s.Metrics.RetryCount++
	s.Status = StatusQueued
	s.StatusUpdatedAt = now
	// The previous claim is void; any pool worker may pick it up again.
	s.PodID = ""
	s.ErrorKind = ""
	s.ErrorMessage = ""
	s.Metrics.FailedAt = nil
	s.buffer(events.Event{
		Type:      events.TypeSessionStatusChanged,
		Room:      events.SessionRoom(s.ID),
		SessionID: s.ID,
		TenantID:  s.TenantID,
		From:      string(from),
		To:        string(StatusQueued),
		Timestamp: now,
	})
	return nil
}

// MarkOrphaned writes the orphaned terminal status directly. Like Requeue
// it bypasses the matrix: orphaning is an administrative verdict on a
// session whose supervisor vanished, not a lifecycle step the supervisor
// itself takes.
func (s *Session) MarkOrphaned(reason string) error {
	switch s.Status {
	case StatusRunning, StatusQueued, StatusDegraded, StatusPaused:
	default:
		return &InvalidTransitionError{From: s.Status, To: StatusOrphaned}
	}
	from := s.Status
	now := time.Now().UTC()
	s.Status = StatusOrphaned
	s.StatusUpdatedAt = now
	s.ErrorKind = FailureInternal
	s.ErrorMessage = reason
	s.buffer(events.Event{
		Type:      events.TypeSessionStatusChanged,
		Room:      events.SessionRoom(s.ID),
		SessionID: s.ID,
		TenantID:  s.TenantID,
		From:      string(from),
		To:        string(StatusOrphaned),
		Timestamp: now,
	})
	return nil
}

// AddCheckpoint appends a checkpoint, evicting the oldest past the bound.
// Sequence numbers stay positional (i+1) so the invariant holds across
// eviction; Metrics.CheckpointCount counts every checkpoint ever taken.
func (s *Session) AddCheckpoint(data json.RawMessage) Checkpoint {
	cp := Checkpoint{
		Sequence:  len(s.Checkpoints) + 1,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	s.Checkpoints = append(s.Checkpoints, cp)
	if len(s.Checkpoints) > MaxCheckpoints {
		s.Checkpoints = s.Checkpoints[1:]
		for i := range s.Checkpoints {
			s.Checkpoints[i].Sequence = i + 1
		}
		cp = s.Checkpoints[len(s.Checkpoints)-1]
	}
	s.Metrics.CheckpointCount++
	s.buffer(events.Event{
		Type:      events.TypeSessionCheckpointCreated,
		Room:      events.SessionRoom(s.ID),
		SessionID: s.ID,
		TenantID:  s.TenantID,
		Timestamp: cp.Timestamp,
		Payload:   map[string]any{"sequence": cp.Sequence},
	})
	return cp
}

// LatestCheckpoint returns the most recent checkpoint, or false if none.
func (s *Session) LatestCheckpoint() (Checkpoint, bool) {
	if len(s.Checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return s.Checkpoints[len(s.Checkpoints)-1], true
}

// HealthScore returns a [0,1] score: 1.0 completed, 0.0 failed, and for
// running sessions a budget-based estimate.
func (s *Session) HealthScore() float64 {
	switch s.Status {
	case StatusCompleted:
		return 1.0
	case StatusFailed:
		return 0.0
	case StatusRunning:
		if s.Metrics.StartedAt == nil || s.MaxDuration <= 0 {
			return 0.8
		}
		elapsed := time.Since(*s.Metrics.StartedAt)
		ratio := float64(elapsed) / float64(s.MaxDuration)
		switch {
		case ratio < 0.7:
			return 0.9
		case ratio <= 0.9:
			return 0.7
		default:
			return 0.3
		}
	default:
		return 0.8
	}
}

// IsRecoverable reports whether a fresh supervision attempt may re-drive
// this session: a recoverable terminal status, at least one checkpoint,
// and retry budget remaining.
func (s *Session) IsRecoverable() bool {
	switch s.Status {
	case StatusFailed, StatusTimeout, StatusStopped:
	default:
		return false
	}
	return len(s.Checkpoints) > 0 && s.Metrics.RetryCount < MaxRetries
}

// DrainEvents returns and clears the buffered domain events.
func (s *Session) DrainEvents() []events.Event {
	drained := s.pending
	s.pending = nil
	return drained
}

func (s *Session) buffer(evt events.Event) {
	s.pending = append(s.pending, evt)
}
