// Package store defines the session repository port and its Postgres and
// in-memory implementations. Every read and write is scoped by the tenant
// id carried in the ambient request context; cross-tenant access is not
// possible through this interface.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/conductor-ai/conductor/pkg/session"
)

// Sentinel errors shared by all store implementations.
var (
	// ErrNotFound is returned when a session does not exist in the
	// caller's tenant scope.
	ErrNotFound = errors.New("session not found")

	// ErrAlreadyExists is returned on duplicate session ids.
	ErrAlreadyExists = errors.New("session already exists")

	// ErrConflict is returned when an optimistic update loses the race:
	// the stored version no longer matches the expected one.
	ErrConflict = errors.New("version conflict")

	// ErrInvalidState is returned when deleting a non-terminal session.
	ErrInvalidState = errors.New("session is not in a terminal state")
)

// Filter selects sessions for listing. The tenant id always comes from
// the context, never from the filter.
type Filter struct {
	Statuses      []session.Status
	Priority      session.Priority
	Type          session.Type
	Search        string // case-insensitive substring over title and description
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// Page is one page of a filtered listing, ordered by (created_at desc, id).
type Page struct {
	Sessions   []*session.Session `json:"sessions"`
	TotalCount int                `json:"total_count"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

// DefaultPageSize applies when a filter does not set a limit.
const DefaultPageSize = 25

// SessionStore is the tenant-scoped repository port. An in-memory
// implementation exists for tests; the Postgres implementation is the
// single durable store of session state.
type SessionStore interface {
	// Create inserts a new session. The tenant id is taken from the
	// context and stamped onto the session.
	Create(ctx context.Context, s *session.Session) error

	// Get returns the session or ErrNotFound.
	Get(ctx context.Context, id string) (*session.Session, error)

	// Update persists the session iff the stored version equals
	// expectedVersion, then increments the version. ErrConflict otherwise.
	Update(ctx context.Context, s *session.Session, expectedVersion int64) error

	// List returns a filtered, paginated page of the tenant's sessions.
	List(ctx context.Context, f Filter) (*Page, error)

	// Delete removes a session, permitted only from a terminal status.
	Delete(ctx context.Context, id string) error

	// CountActive counts the tenant's sessions in non-terminal statuses.
	CountActive(ctx context.Context, tenantID string) (int, error)

	// WithTx runs fn inside a unit of work. Nested calls create
	// savepoints. The context passed to fn must be used for all store
	// calls inside the unit.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// DurableCheckpoint is the persisted variant of a checkpoint, written by
// the supervisor for crash recovery. Distinct from the bounded in-entity
// list used for health scoring.
type DurableCheckpoint struct {
	SessionID   string          `json:"session_id"`
	Sequence    int             `json:"sequence"`
	CreatedAt   time.Time       `json:"created_at"`
	Trigger     string          `json:"trigger"` // "interval" or "agent_push"
	State       json.RawMessage `json:"state"`
	ContentHash string          `json:"content_hash"`
}

// HashCheckpoint returns the content hash recorded on durable
// checkpoints, used to spot divergence between replicas of the same
// checkpoint.
func HashCheckpoint(state json.RawMessage) string {
	sum := sha256.Sum256(state)
	return hex.EncodeToString(sum[:])
}

// CheckpointStore persists durable checkpoints.
type CheckpointStore interface {
	// SaveCheckpoint appends a durable checkpoint for the session.
	SaveCheckpoint(ctx context.Context, cp DurableCheckpoint) error

	// LatestDurableCheckpoint returns the newest checkpoint, or
	// ErrNotFound when none exists.
	LatestDurableCheckpoint(ctx context.Context, sessionID string) (DurableCheckpoint, error)
}

// SupervisorStore holds the system-scope queries used by the supervisor
// pool. These deliberately cross tenants: the pool drains one shared
// queue, and each claimed session carries its own tenant id which the
// supervisor re-establishes before any tenant-scoped call.
type SupervisorStore interface {
	// ClaimNext atomically claims the oldest queued session (FIFO within
	// priority), marking it with the pod id. Returns ErrNotFound when the
	// queue is empty.
	ClaimNext(ctx context.Context, podID string) (*session.Session, error)

	// FindStalled returns running sessions whose status has not moved
	// since the threshold, candidates for orphan handling.
	FindStalled(ctx context.Context, olderThan time.Time) ([]*session.Session, error)

	// ResetPodSessions requeues sessions this pod had claimed before a
	// restart. Returns the number reset.
	ResetPodSessions(ctx context.Context, podID string) (int, error)

	// PurgeTerminalBefore removes terminal sessions whose status last
	// moved before the cutoff, along with their durable checkpoints.
	// Returns the number removed.
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}
