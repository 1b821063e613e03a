package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conductor-ai/conductor/pkg/session"
	"github.com/conductor-ai/conductor/pkg/tenancy"
)

// Postgres is the durable SessionStore backed by pgx. It is the single
// writer of session state; every mutation goes through the optimistic
// Update path.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps a pgx pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// querier is the subset of pgxpool.Pool and pgx.Tx the store uses, so the
// same statements run inside and outside a unit of work.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

func txFrom(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

func (p *Postgres) q(ctx context.Context) querier {
	if tx := txFrom(ctx); tx != nil {
		return tx
	}
	return p.pool
}

// WithTx implements SessionStore. A nested call creates a savepoint, so a
// failed inner unit rolls back without poisoning the outer transaction.
func (p *Postgres) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if outer := txFrom(ctx); outer != nil {
		nested, err := outer.Begin(ctx) // SAVEPOINT under the hood
		if err != nil {
			return fmt.Errorf("creating savepoint: %w", err)
		}
		if err := fn(context.WithValue(ctx, txKey{}, nested)); err != nil {
			_ = nested.Rollback(ctx)
			return err
		}
		return nested.Commit(ctx)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const sessionColumns = `id, tenant_id, type, priority, status, status_updated_at,
	title, COALESCE(description, ''), initial_prompt, agent_config, COALESCE(model, ''),
	max_duration_seconds, cpu_limit, memory_limit_mb, parent_id, child_ids,
	COALESCE(pod_id, ''), COALESCE(result, ''), COALESCE(error_kind, ''),
	COALESCE(error_message, ''), metrics, checkpoints, version, created_at`

func scanSession(row pgx.Row) (*session.Session, error) {
	var (
		s                  session.Session
		agentConfig        []byte
		childIDs           []byte
		metrics            []byte
		checkpoints        []byte
		maxDurationSeconds int64
		parentID           *string
	)
	err := row.Scan(
		&s.ID, &s.TenantID, &s.Type, &s.Priority, &s.Status, &s.StatusUpdatedAt,
		&s.Title, &s.Description, &s.InitialPrompt, &agentConfig, &s.Model,
		&maxDurationSeconds, &s.CPULimit, &s.MemoryLimitMB, &parentID, &childIDs,
		&s.PodID, &s.Result, &s.ErrorKind, &s.ErrorMessage,
		&metrics, &checkpoints, &s.Version, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	s.MaxDuration = time.Duration(maxDurationSeconds) * time.Second
	s.ParentID = parentID
	if len(agentConfig) > 0 {
		if err := json.Unmarshal(agentConfig, &s.AgentConfig); err != nil {
			return nil, fmt.Errorf("decoding agent_config: %w", err)
		}
	}
	if len(childIDs) > 0 {
		if err := json.Unmarshal(childIDs, &s.ChildIDs); err != nil {
			return nil, fmt.Errorf("decoding child_ids: %w", err)
		}
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &s.Metrics); err != nil {
			return nil, fmt.Errorf("decoding metrics: %w", err)
		}
	}
	if len(checkpoints) > 0 {
		if err := json.Unmarshal(checkpoints, &s.Checkpoints); err != nil {
			return nil, fmt.Errorf("decoding checkpoints: %w", err)
		}
	}
	return &s, nil
}

func encodeSession(s *session.Session) (agentConfig, childIDs, metrics, checkpoints []byte, err error) {
	if agentConfig, err = json.Marshal(s.AgentConfig); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encoding agent_config: %w", err)
	}
	if childIDs, err = json.Marshal(s.ChildIDs); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encoding child_ids: %w", err)
	}
	if metrics, err = json.Marshal(s.Metrics); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encoding metrics: %w", err)
	}
	if checkpoints, err = json.Marshal(s.Checkpoints); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encoding checkpoints: %w", err)
	}
	return agentConfig, childIDs, metrics, checkpoints, nil
}

// Create implements SessionStore.
func (p *Postgres) Create(ctx context.Context, s *session.Session) error {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return err
	}
	s.TenantID = tenantID
	if s.Version == 0 {
		s.Version = 1
	}
	agentConfig, childIDs, metrics, checkpoints, err := encodeSession(s)
	if err != nil {
		return err
	}

	_, err = p.q(ctx).Exec(ctx, `
		INSERT INTO sessions (
			id, tenant_id, type, priority, status, status_updated_at,
			title, description, initial_prompt, agent_config, model,
			max_duration_seconds, cpu_limit, memory_limit_mb, parent_id, child_ids,
			pod_id, result, error_kind, error_message, metrics, checkpoints,
			version, created_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,
			$17,$18,$19,$20,$21,$22,$23,$24
		)`,
		s.ID, s.TenantID, s.Type, s.Priority, s.Status, s.StatusUpdatedAt,
		s.Title, s.Description, s.InitialPrompt, agentConfig, s.Model,
		int64(s.MaxDuration/time.Second), s.CPULimit, s.MemoryLimitMB, s.ParentID, childIDs,
		s.PodID, s.Result, s.ErrorKind, s.ErrorMessage, metrics, checkpoints,
		s.Version, s.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// Get implements SessionStore.
func (p *Postgres) Get(ctx context.Context, id string) (*session.Session, error) {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	row := p.q(ctx).QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 AND tenant_id = $2`,
		id, tenantID)
	return scanSession(row)
}

// Update implements SessionStore. The stored version must match
// expectedVersion; the write increments it.
func (p *Postgres) Update(ctx context.Context, s *session.Session, expectedVersion int64) error {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return err
	}
	agentConfig, childIDs, metrics, checkpoints, err := encodeSession(s)
	if err != nil {
		return err
	}

	tag, err := p.q(ctx).Exec(ctx, `
		UPDATE sessions SET
			status = $1, status_updated_at = $2, title = $3, description = $4,
			agent_config = $5, model = $6, max_duration_seconds = $7,
			cpu_limit = $8, memory_limit_mb = $9, child_ids = $10, pod_id = $11,
			result = $12, error_kind = $13, error_message = $14,
			metrics = $15, checkpoints = $16, version = version + 1
		WHERE id = $17 AND tenant_id = $18 AND version = $19`,
		s.Status, s.StatusUpdatedAt, s.Title, s.Description,
		agentConfig, s.Model, int64(s.MaxDuration/time.Second),
		s.CPULimit, s.MemoryLimitMB, childIDs, s.PodID,
		s.Result, s.ErrorKind, s.ErrorMessage,
		metrics, checkpoints,
		s.ID, tenantID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a lost race from a missing row.
		var exists bool
		err := p.q(ctx).QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1 AND tenant_id = $2)`,
			s.ID, tenantID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking session existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	s.Version = expectedVersion + 1
	return nil
}

var terminalStatusList = []string{
	string(session.StatusCompleted), string(session.StatusPartiallyCompleted),
	string(session.StatusFailed), string(session.StatusTimeout),
	string(session.StatusStopped), string(session.StatusCancelled),
	string(session.StatusOrphaned),
}

// List implements SessionStore with stable (created_at desc, id) ordering.
func (p *Postgres) List(ctx context.Context, f Filter) (*Page, error) {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	where := []string{"tenant_id = $1"}
	args := []any{tenantID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if f.Priority != "" {
		where = append(where, "priority = "+arg(string(f.Priority)))
	}
	if f.Type != "" {
		where = append(where, "type = "+arg(string(f.Type)))
	}
	if f.Search != "" {
		ph := arg("%" + f.Search + "%")
		where = append(where, "(title ILIKE "+ph+" OR COALESCE(description, '') ILIKE "+ph+")")
	}
	if f.CreatedAfter != nil {
		where = append(where, "created_at >= "+arg(*f.CreatedAfter))
	}
	if f.CreatedBefore != nil {
		where = append(where, "created_at < "+arg(*f.CreatedBefore))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := p.q(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting sessions: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE ` + cond +
		` ORDER BY created_at DESC, id LIMIT ` + arg(limit) + ` OFFSET ` + arg(offset)

	rows, err := p.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	page := &Page{TotalCount: total, Limit: limit, Offset: offset}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		page.Sessions = append(page.Sessions, s)
	}
	return page, rows.Err()
}

// Delete implements SessionStore; only terminal sessions may be deleted.
func (p *Postgres) Delete(ctx context.Context, id string) error {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return err
	}
	tag, err := p.q(ctx).Exec(ctx,
		`DELETE FROM sessions WHERE id = $1 AND tenant_id = $2 AND status = ANY($3)`,
		id, tenantID, terminalStatusList)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.q(ctx).QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1 AND tenant_id = $2)`,
			id, tenantID).Scan(&exists); err != nil {
			return fmt.Errorf("checking session existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInvalidState
	}
	return nil
}

// CountActive implements SessionStore.
func (p *Postgres) CountActive(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := p.q(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions WHERE tenant_id = $1 AND NOT (status = ANY($2))`,
		tenantID, terminalStatusList).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active sessions: %w", err)
	}
	return count, nil
}

// ClaimNext implements SupervisorStore using FOR UPDATE SKIP LOCKED so
// concurrent pods never claim the same row.
func (p *Postgres) ClaimNext(ctx context.Context, podID string) (*session.Session, error) {
	var id string
	err := p.q(ctx).QueryRow(ctx, `
		WITH next AS (
			SELECT id FROM sessions
			WHERE status = $1 AND (pod_id IS NULL OR pod_id = '')
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE sessions s SET pod_id = $2 FROM next
		WHERE s.id = next.id
		RETURNING s.id`,
		string(session.StatusQueued), podID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("claiming session: %w", err)
	}

	// The claim is already ours (pod_id is set atomically above), so the
	// follow-up read needs no tenant scope or lock.
	row := p.q(ctx).QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

// FindStalled implements SupervisorStore.
func (p *Postgres) FindStalled(ctx context.Context, olderThan time.Time) ([]*session.Session, error) {
	rows, err := p.q(ctx).Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = $1 AND status_updated_at < $2`,
		string(session.StatusRunning), olderThan)
	if err != nil {
		return nil, fmt.Errorf("querying stalled sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ResetPodSessions implements SupervisorStore: sessions this pod had
// claimed before a restart go back to the shared queue.
func (p *Postgres) ResetPodSessions(ctx context.Context, podID string) (int, error) {
	tag, err := p.q(ctx).Exec(ctx, `
		UPDATE sessions SET
			status = CASE WHEN status = $1 THEN $2 ELSE status END,
			status_updated_at = CASE WHEN status = $1 THEN now() ELSE status_updated_at END,
			pod_id = ''
		WHERE pod_id = $3 AND status IN ($1, $2)`,
		string(session.StatusRunning), string(session.StatusQueued), podID)
	if err != nil {
		return 0, fmt.Errorf("resetting pod sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PurgeTerminalBefore implements SupervisorStore. Checkpoints go with
// the sessions via the FK cascade.
func (p *Postgres) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := p.q(ctx).Exec(ctx,
		`DELETE FROM sessions WHERE status = ANY($1) AND status_updated_at < $2`,
		terminalStatusList, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging terminal sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SaveCheckpoint implements CheckpointStore.
func (p *Postgres) SaveCheckpoint(ctx context.Context, cp DurableCheckpoint) error {
	_, err := p.q(ctx).Exec(ctx, `
		INSERT INTO session_checkpoints (session_id, sequence, created_at, trigger_tag, state, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, sequence) DO NOTHING`,
		cp.SessionID, cp.Sequence, cp.CreatedAt, cp.Trigger, []byte(cp.State), cp.ContentHash)
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

// LatestDurableCheckpoint implements CheckpointStore.
func (p *Postgres) LatestDurableCheckpoint(ctx context.Context, sessionID string) (DurableCheckpoint, error) {
	var cp DurableCheckpoint
	var state []byte
	err := p.q(ctx).QueryRow(ctx, `
		SELECT session_id, sequence, created_at, trigger_tag, state, content_hash
		FROM session_checkpoints WHERE session_id = $1
		ORDER BY sequence DESC LIMIT 1`, sessionID).
		Scan(&cp.SessionID, &cp.Sequence, &cp.CreatedAt, &cp.Trigger, &state, &cp.ContentHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DurableCheckpoint{}, ErrNotFound
		}
		return DurableCheckpoint{}, fmt.Errorf("querying latest checkpoint: %w", err)
	}
	cp.State = json.RawMessage(state)
	return cp, nil
}
