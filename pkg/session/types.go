package session

import (
	"encoding/json"
	"time"
)

// Type classifies the kind of coding work a session performs.
type Type string

// Session type constants.
const (
	TypePlanning    Type = "planning"
	TypeExecution   Type = "execution"
	TypeReview      Type = "review"
	TypeDebug       Type = "debug"
	TypeIntegration Type = "integration"
)

// Valid reports whether t is a known session type.
func (t Type) Valid() bool {
	switch t {
	case TypePlanning, TypeExecution, TypeReview, TypeDebug, TypeIntegration:
		return true
	}
	return false
}

// Priority orders sessions for dispatch.
type Priority string

// Session priority constants.
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
	PriorityDeferred Priority = "deferred"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, PriorityDeferred:
		return true
	}
	return false
}

// MaxCheckpoints bounds the in-entity checkpoint list. On overflow the
// oldest records are discarded.
const MaxCheckpoints = 100

// MaxRetries is the retry budget. A fourth attempt turns a recoverable
// failure into a permanent one.
const MaxRetries = 3

// Checkpoint is an in-entity snapshot of session progress. Sequence numbers
// are positional: checkpoint i carries sequence i+1 after any eviction.
type Checkpoint struct {
	Sequence  int             `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Warning is a tagged diagnostic record attached to session metrics.
type Warning struct {
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
}

// maxWarnings bounds the warning list on metrics.
const maxWarnings = 50

// ResourceSample holds optional point-in-time resource usage reported by
// the executing agent.
type ResourceSample struct {
	CPUPercent   float64 `json:"cpu_percent,omitempty"`
	MemoryMB     float64 `json:"memory_mb,omitempty"`
	DiskMB       float64 `json:"disk_mb,omitempty"`
	NetworkSent  int64   `json:"network_bytes_sent,omitempty"`
	NetworkRecvd int64   `json:"network_bytes_received,omitempty"`
}

// Metrics holds execution metrics embedded in a session.
type Metrics struct {
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`

	QueueDuration     time.Duration `json:"queue_duration,omitempty"`
	ExecutionDuration time.Duration `json:"execution_duration,omitempty"`
	TotalDuration     time.Duration `json:"total_duration,omitempty"`

	APICalls        int `json:"api_calls"`
	APIErrors       int `json:"api_errors"`
	RetryCount      int `json:"retry_count"`
	CheckpointCount int `json:"checkpoint_count"`

	Resources *ResourceSample `json:"resources,omitempty"`

	SuccessRate  float64  `json:"success_rate"`
	Confidence   float64  `json:"confidence"`
	CostEstimate *float64 `json:"cost_estimate,omitempty"`

	Warnings []Warning `json:"warnings,omitempty"`
}

// AddWarning appends a tagged warning, discarding the oldest past the bound.
func (m *Metrics) AddWarning(warnType, message string, context map[string]any) {
	m.Warnings = append(m.Warnings, Warning{
		Type:      warnType,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Context:   context,
	})
	if len(m.Warnings) > maxWarnings {
		m.Warnings = m.Warnings[len(m.Warnings)-maxWarnings:]
	}
}

// AgentConfig is the opaque profile-name → profile-config mapping. Shape is
// validated only by the adapter that consumes it.
type AgentConfig map[string]map[string]any
