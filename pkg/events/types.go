// Package events provides the typed in-process publish/subscribe bus that
// feeds real-time WebSocket subscribers. Delivery is best-effort and
// in-memory only; callers that need history consult the session store.
package events

import "time"

// Event type constants. Subscribers register by event family.
const (
	TypeSessionCreated           = "session.created"
	TypeSessionStatusChanged     = "session.status_changed"
	TypeSessionCheckpointCreated = "session.checkpoint_created"
	TypeSessionMetricsUpdated    = "session.metrics_updated"
	TypeSessionCompleted         = "session.completed"
	TypeSessionFailed            = "session.failed"

	TypeAgentRegistered = "agent.registered"
	TypeAgentHeartbeat  = "agent.heartbeat"
	TypeAgentDegraded   = "agent.degraded"
)

// RoomGlobal receives every published event in addition to its own room.
const RoomGlobal = "global"

// SessionRoom returns the room name for a specific session's events.
func SessionRoom(sessionID string) string {
	return "session:" + sessionID
}

// AgentRoom returns the room name for a specific agent's events.
func AgentRoom(agentID string) string {
	return "agent:" + agentID
}

// Event is a single bus message. From and To are set only on
// session.status_changed events.
type Event struct {
	Type      string         `json:"type"`
	Room      string         `json:"-"`
	SessionID string         `json:"session_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	TenantID  string         `json:"tenant_id,omitempty"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}
