package models

// EAPVersion is the protocol version external agents must speak.
const EAPVersion = "1.0"

// ExternalRegisterRequest is the body of
// POST /api/v1/agents/external/register.
type ExternalRegisterRequest struct {
	ProtocolVersion    string            `json:"protocol_version"`
	Name               string            `json:"name"`
	Version            string            `json:"version"`
	Capabilities       []string          `json:"capabilities"`
	EndpointURL        string            `json:"endpoint_url"`
	MaxConcurrentTasks int               `json:"max_concurrent_tasks,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// ExternalRegisterResponse returns the issued identity. The token must
// appear as X-Agent-Token on every subsequent request from the agent.
type ExternalRegisterResponse struct {
	AgentID                  string `json:"agent_id"`
	Status                   string `json:"status"`
	AuthToken                string `json:"auth_token"`
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds"`
}

// TaskAssignment is what the orchestrator POSTs to an external agent's
// endpoint_url when a session is dispatched to it.
type TaskAssignment struct {
	TaskID       string         `json:"task_id"`
	Context      map[string]any `json:"context"`
	Input        string         `json:"input"`
	Requirements []string       `json:"requirements"`
}

// TaskResultStatus values allowed on a TaskResult.
const (
	TaskResultCompleted = "completed"
	TaskResultFailed    = "failed"
)

// TaskArtifact is one produced file in a TaskResult.
type TaskArtifact struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// TaskResult is delivered by the external agent to the ingestion
// endpoint once it finishes the assigned task.
type TaskResult struct {
	TaskID    string             `json:"task_id"`
	Status    string             `json:"status"`
	Artifacts []TaskArtifact     `json:"artifacts"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// Valid reports whether the result carries a known status and task id.
func (r *TaskResult) Valid() bool {
	if r.TaskID == "" {
		return false
	}
	return r.Status == TaskResultCompleted || r.Status == TaskResultFailed
}
