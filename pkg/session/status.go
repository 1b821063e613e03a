package session

// Status is the lifecycle state of a session.
type Status string

// Session status constants.
const (
	StatusPending            Status = "pending"
	StatusQueued             Status = "queued"
	StatusRunning            Status = "running"
	StatusPaused             Status = "paused"
	StatusCompleted          Status = "completed"
	StatusPartiallyCompleted Status = "partially_completed"
	StatusFailed             Status = "failed"
	StatusTimeout            Status = "timeout"
	StatusStopped            Status = "stopped"
	StatusCancelled          Status = "cancelled"
	StatusOrphaned           Status = "orphaned"
	StatusDegraded           Status = "degraded"
)

// transitions is the full allowed-transition matrix. Statuses absent as
// keys admit no outgoing transitions. Recovery of failed/timeout/stopped
// sessions goes through Requeue, not this matrix.
var transitions = map[Status][]Status{
	StatusPending:  {StatusQueued, StatusCancelled, StatusFailed},
	StatusQueued:   {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning:  {StatusCompleted, StatusPartiallyCompleted, StatusFailed, StatusTimeout, StatusPaused, StatusStopped, StatusDegraded},
	StatusPaused:   {StatusRunning, StatusStopped, StatusCancelled},
	StatusDegraded: {StatusRunning, StatusFailed, StatusCompleted, StatusStopped},

	// A partially completed session may be re-run from its last
	// checkpoint or finalised as completed.
	StatusPartiallyCompleted: {StatusRunning, StatusCompleted},
}

// terminalStatuses is the set of states with no further lifecycle.
var terminalStatuses = map[Status]bool{
	StatusCompleted:          true,
	StatusPartiallyCompleted: true,
	StatusFailed:             true,
	StatusTimeout:            true,
	StatusStopped:            true,
	StatusCancelled:          true,
	StatusOrphaned:           true,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning, StatusPaused,
		StatusCompleted, StatusPartiallyCompleted, StatusFailed,
		StatusTimeout, StatusStopped, StatusCancelled, StatusOrphaned,
		StatusDegraded:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return terminalStatuses[s]
}

// CanTransition reports whether the matrix allows from → to.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ActiveStatuses returns the statuses counted against a tenant's quota.
func ActiveStatuses() []Status {
	return []Status{StatusPending, StatusQueued, StatusRunning, StatusPaused, StatusDegraded}
}
