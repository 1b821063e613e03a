// Package models defines the wire-level request and response shapes
// shared by the REST surface and the dispatch adapters. Field names
// use lower_snake JSON per the public API contract.
package models

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/conductor-ai/conductor/pkg/session"
)

// ValidationError reports a rejected request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

const (
	// MinDurationSeconds and MaxDurationSeconds bound max_duration.
	MinDurationSeconds = 60
	MaxDurationSeconds = 86400

	// MaxPromptLength bounds the initial prompt.
	MaxPromptLength = 10000
)

// genericTitles is the deny-list of placeholder titles. Matching is
// case-insensitive after trimming.
var genericTitles = map[string]bool{
	"test session":        true,
	"new session":         true,
	"untitled":            true,
	"coding task":         true,
	"development session": true,
}

// CreateSessionRequest is the body of POST /api/v1/sessions.
type CreateSessionRequest struct {
	Type          string              `json:"type"`
	Priority      string              `json:"priority"`
	Title         string              `json:"title"`
	Description   string              `json:"description,omitempty"`
	InitialPrompt string              `json:"initial_prompt"`
	AgentConfig   session.AgentConfig `json:"agent_config,omitempty"`
	Model         string              `json:"model,omitempty"`
	MaxDuration   int64               `json:"max_duration,omitempty"`
	CPULimit      float64             `json:"cpu_limit,omitempty"`
	MemoryLimitMB int                 `json:"memory_limit_mb,omitempty"`
	ParentID      string              `json:"parent_id,omitempty"`
}

// Validate checks field bounds and enum membership. A zero MaxDuration
// means the orchestrator default applies and is filled in later.
func (r *CreateSessionRequest) Validate() error {
	if !session.Type(r.Type).Valid() {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown session type %q", r.Type)}
	}
	if !session.Priority(r.Priority).Valid() {
		return &ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", r.Priority)}
	}

	title := strings.TrimSpace(r.Title)
	if title == "" {
		return &ValidationError{Field: "title", Message: "title is required"}
	}
	if genericTitles[strings.ToLower(title)] {
		return &ValidationError{Field: "title", Message: fmt.Sprintf("%q is a placeholder title, use a descriptive one", title)}
	}

	prompt := strings.TrimSpace(r.InitialPrompt)
	if prompt == "" {
		return &ValidationError{Field: "initial_prompt", Message: "initial_prompt is required"}
	}
	if utf8.RuneCountInString(r.InitialPrompt) > MaxPromptLength {
		return &ValidationError{Field: "initial_prompt", Message: fmt.Sprintf("initial_prompt exceeds %d characters", MaxPromptLength)}
	}

	if r.MaxDuration != 0 && (r.MaxDuration < MinDurationSeconds || r.MaxDuration > MaxDurationSeconds) {
		return &ValidationError{
			Field:   "max_duration",
			Message: fmt.Sprintf("max_duration must be between %d and %d seconds", MinDurationSeconds, MaxDurationSeconds),
		}
	}
	if r.CPULimit < 0 {
		return &ValidationError{Field: "cpu_limit", Message: "cpu_limit must not be negative"}
	}
	if r.MemoryLimitMB < 0 {
		return &ValidationError{Field: "memory_limit_mb", Message: "memory_limit_mb must not be negative"}
	}
	return nil
}

// RegisterAgentRequest is the body of POST /api/v1/agents for internal
// agent descriptors.
type RegisterAgentRequest struct {
	Name               string            `json:"name"`
	Version            string            `json:"version,omitempty"`
	Capabilities       []string          `json:"capabilities"`
	Tier               string            `json:"tier,omitempty"`
	HeartbeatSeconds   int               `json:"heartbeat_interval_seconds,omitempty"`
	MaxConcurrentTasks int               `json:"max_concurrent_tasks,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// HeartbeatRequest is the body of agent heartbeat calls, internal and
// external alike.
type HeartbeatRequest struct {
	Status      string             `json:"status"`
	CurrentLoad float64            `json:"current_load"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}
