// Package supervisor drives sessions from queued to a terminal state:
// fence with the distributed lock, resolve an agent, dispatch through
// the matching adapter, checkpoint progress, and finalise. A pool of
// workers drains the shared queue; an orphan sweeper reclaims sessions
// whose supervisor died.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/conductor-ai/conductor/pkg/config"
	"github.com/conductor-ai/conductor/pkg/dispatch"
	"github.com/conductor-ai/conductor/pkg/events"
	"github.com/conductor-ai/conductor/pkg/lock"
	"github.com/conductor-ai/conductor/pkg/registry"
	"github.com/conductor-ai/conductor/pkg/resilience"
	"github.com/conductor-ai/conductor/pkg/session"
	"github.com/conductor-ai/conductor/pkg/store"
	"github.com/conductor-ai/conductor/pkg/tenancy"
)

// maxLockTTL caps the fence TTL regardless of max_duration; progress
// callbacks extend it while the session runs.
const maxLockTTL = 30 * time.Minute

// Supervisor executes one supervision attempt per Supervise call. It is
// re-entrant: a process restart re-drives running sessions after their
// locks expire.
type Supervisor struct {
	cfg         config.Config
	sessions    store.SessionStore
	checkpoints store.CheckpointStore
	locks       *lock.Service
	agents      *registry.Registry
	router      *dispatch.Router
	bus         *events.Bus
	tenants     tenancy.TenantDirectory
	logger      *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	// requeueAfter schedules a delayed re-enqueue; replaced in tests.
	requeueAfter func(d time.Duration, fn func())
}

// New wires a supervisor.
func New(
	cfg config.Config,
	sessions store.SessionStore,
	checkpoints store.CheckpointStore,
	locks *lock.Service,
	agents *registry.Registry,
	router *dispatch.Router,
	bus *events.Bus,
	tenants tenancy.TenantDirectory,
	logger *slog.Logger,
) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		sessions:    sessions,
		checkpoints: checkpoints,
		locks:       locks,
		agents:      agents,
		router:      router,
		bus:         bus,
		tenants:     tenants,
		logger:      logger.With("component", "supervisor"),
		cancels:     make(map[string]context.CancelFunc),
		requeueAfter: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
}

// Cancel signals the in-flight supervision of a session, if any.
// Returns false when no supervision is running locally.
func (s *Supervisor) Cancel(sessionID string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[sessionID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Supervise runs one supervision attempt for the session. The claimed
// session only names the work; all state is re-loaded under the lock.
func (s *Supervisor) Supervise(ctx context.Context, claimed *session.Session) error {
	logger := s.logger.With("session_id", claimed.ID, "tenant_id", claimed.TenantID)

	ttl := claimed.MaxDuration
	if ttl <= 0 || ttl > maxLockTTL {
		ttl = maxLockTTL
	}
	holder := fmt.Sprintf("%s:%s:%d", s.cfg.PodID, claimed.ID, time.Now().Unix())

	token, err := s.locks.Acquire(ctx, "session:"+claimed.ID, holder, ttl)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			logger.Debug("Session already supervised elsewhere")
			return nil
		}
		return fmt.Errorf("acquiring session lock: %w", err)
	}
	defer func() {
		if releaseErr := s.locks.Release(context.WithoutCancel(ctx), token); releaseErr != nil && !errors.Is(releaseErr, lock.ErrNotHeld) {
			logger.Warn("Failed to release session lock", "error", releaseErr)
		}
	}()

	// The pool claims across tenants; every store call from here on
	// runs under the session's own tenant identity.
	ctx = tenancy.WithIdentity(ctx, tenancy.Identity{
		TenantID: claimed.TenantID,
		Role:     tenancy.RoleOperator,
	})

	if _, known := s.tenants.Tenant(ctx, claimed.TenantID); !known {
		logger.Warn("Tenant vanished, abandoning session")
		return s.failTerminal(ctx, claimed.ID, session.FailureInternal, "tenant no longer exists")
	}

	sess, err := s.sessions.Get(ctx, claimed.ID)
	if err != nil {
		return fmt.Errorf("reloading session: %w", err)
	}
	if sess.Status.Terminal() {
		logger.Debug("Session already terminal", "status", sess.Status)
		return nil
	}

	if err := sess.Start(); err != nil {
		logger.Info("Session refused start", "status", sess.Status, "error", err)
		return nil
	}
	sess.PodID = s.cfg.PodID
	if err := s.persist(ctx, sess); err != nil {
		return fmt.Errorf("persisting running state: %w", err)
	}
	logger.Info("Session running", "type", sess.Type, "priority", sess.Priority)

	agent, err := s.agents.Pick(ctx, string(sess.Type), sess.TenantID)
	if err != nil {
		if errors.Is(err, registry.ErrNoAgentAvailable) {
			logger.Warn("No agent available")
			_ = sess.Fail(session.FailureNoAgent, "no active agent offers the required capability", map[string]any{
				"capability": string(sess.Type),
			})
			return s.persist(ctx, sess)
		}
		return fmt.Errorf("resolving agent: %w", err)
	}
	adapter, ok := s.router.For(agent.Kind)
	if !ok {
		_ = sess.Fail(session.FailureInternal, "no adapter for agent kind "+string(agent.Kind), nil)
		return s.persist(ctx, sess)
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancels[sess.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, sess.ID)
		s.mu.Unlock()
	}()

	s.agents.AdjustActiveSessions(agent.ID, 1)
	defer s.agents.AdjustActiveSessions(agent.ID, -1)

	result, execErr := adapter.Execute(execCtx, sess, agent, s.callbacks(ctx, sess, token, ttl, logger))
	s.agents.RecordResult(agent.ID, execErr == nil)

	return s.finalise(ctx, sess, result, execErr, logger)
}

// callbacks builds the observation hooks: progress extends the lock,
// checkpoints are stored durably at most once per checkpoint_interval
// unless the agent pushed them explicitly.
func (s *Supervisor) callbacks(ctx context.Context, sess *session.Session, token *lock.Token, ttl time.Duration, logger *slog.Logger) dispatch.Callbacks {
	var mu sync.Mutex
	var lastDurable time.Time

	extend := func() {
		if err := s.locks.Extend(ctx, token, ttl); err != nil {
			logger.Warn("Failed to extend session lock", "error", err)
		}
	}

	saveDurable := func(data json.RawMessage, trigger string) {
		cp := sess.AddCheckpoint(data)
		durable := store.DurableCheckpoint{
			SessionID:   sess.ID,
			Sequence:    sess.Metrics.CheckpointCount,
			CreatedAt:   cp.Timestamp,
			Trigger:     trigger,
			State:       data,
			ContentHash: store.HashCheckpoint(data),
		}
		if err := s.checkpoints.SaveCheckpoint(ctx, durable); err != nil {
			logger.Warn("Failed to save durable checkpoint", "error", err)
		}
		if err := s.persist(ctx, sess); err != nil {
			logger.Warn("Failed to persist checkpoint state", "error", err)
		}
	}

	return dispatch.Callbacks{
		OnProgress: func(stage string, percent float64) {
			extend()
			logger.Debug("Progress", "stage", stage, "percent", percent)
			mu.Lock()
			due := time.Since(lastDurable) >= s.cfg.CheckpointInterval
			if due {
				lastDurable = time.Now()
			}
			mu.Unlock()
			if due {
				state, _ := json.Marshal(map[string]any{"stage": stage, "percent": percent})
				saveDurable(state, "interval")
			}
		},
		OnCheckpoint: func(data json.RawMessage) {
			extend()
			mu.Lock()
			lastDurable = time.Now()
			mu.Unlock()
			saveDurable(data, "agent_push")
		},
		OnLog: func(level, message string) {
			logger.Debug("Agent log", "level", level, "message", message)
		},
	}
}

// finalise maps the execution outcome onto the engine and persists the
// result. Transient failures of recoverable sessions go back to the
// queue after a backoff delay.
func (s *Supervisor) finalise(ctx context.Context, sess *session.Session, result *dispatch.ExecutionResult, execErr error, logger *slog.Logger) error {
	retry := false
	switch {
	case execErr == nil:
		payload := result.Result
		if result.Diff != "" {
			payload = result.Diff
		}
		if err := sess.Complete(payload); err != nil {
			return fmt.Errorf("completing session: %w", err)
		}
		logger.Info("Session completed", "remote_id", result.RemoteID)

	case errors.Is(execErr, dispatch.ErrDispatchTimeout):
		if err := sess.MarkTimeout(); err != nil {
			return fmt.Errorf("marking timeout: %w", err)
		}
		logger.Warn("Session timed out", "max_duration", sess.MaxDuration)
		retry = true

	case errors.Is(execErr, context.Canceled):
		if err := sess.Transition(session.StatusStopped); err != nil {
			return fmt.Errorf("stopping cancelled session: %w", err)
		}
		sess.ErrorKind = session.FailureAborted
		sess.ErrorMessage = "cancelled by operator"
		logger.Info("Session stopped on cancellation")

	case isTransient(execErr):
		_ = sess.Fail(session.FailureUpstream, execErr.Error(), map[string]any{
			"retry_count": sess.Metrics.RetryCount,
		})
		logger.Warn("Session failed on upstream error", "error", execErr)
		retry = true

	default:
		_ = sess.Fail(session.FailureInternal, execErr.Error(), nil)
		logger.Error("Session failed", "error", execErr)
	}

	if err := s.persist(ctx, sess); err != nil {
		return err
	}
	if retry {
		s.maybeScheduleRetry(sess, logger)
	}
	return nil
}

// maybeScheduleRetry re-enqueues a recoverable session after the backoff
// delay. The requeue itself re-loads and persists independently because
// the supervision attempt (and its lock) is over by then.
func (s *Supervisor) maybeScheduleRetry(sess *session.Session, logger *slog.Logger) {
	if !sess.IsRecoverable() || sess.Metrics.RetryCount >= s.cfg.MaxRetries {
		return
	}
	delay := time.Duration(float64(s.cfg.RetryDelay) * math.Pow(s.cfg.RetryBackoff, float64(sess.Metrics.RetryCount)))
	id, tenantID := sess.ID, sess.TenantID
	logger.Info("Scheduling retry", "delay", delay, "retry_count", sess.Metrics.RetryCount)

	s.requeueAfter(delay, func() {
		ctx := tenancy.WithIdentity(context.Background(), tenancy.Identity{
			TenantID: tenantID,
			Role:     tenancy.RoleOperator,
		})
		if err := s.Requeue(ctx, id); err != nil {
			logger.Warn("Retry requeue failed", "error", err)
		}
	})
}

// Requeue returns a recoverable session to the queue, spending a retry.
func (s *Supervisor) Requeue(ctx context.Context, sessionID string) error {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := sess.Requeue(); err != nil {
		return err
	}
	return s.persist(ctx, sess)
}

// persist writes the session with optimistic concurrency and publishes
// its drained events only after the write succeeded.
func (s *Supervisor) persist(ctx context.Context, sess *session.Session) error {
	if err := s.sessions.Update(ctx, sess, sess.Version); err != nil {
		return err
	}
	for _, evt := range sess.DrainEvents() {
		s.bus.Publish(evt)
	}
	return nil
}

// failTerminal loads a session and fails it with the given reason, used
// for preconditions that make supervision impossible.
func (s *Supervisor) failTerminal(ctx context.Context, sessionID string, kind session.FailureKind, reason string) error {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}
	if sess.Status == session.StatusQueued || sess.Status == session.StatusPending {
		if err := sess.Start(); err != nil {
			return err
		}
	}
	if err := sess.Fail(kind, reason, nil); err != nil {
		return err
	}
	return s.persist(ctx, sess)
}

// isTransient reports whether the dispatch error is worth a retry.
func isTransient(err error) bool {
	return resilience.Retryable(err) ||
		errors.Is(err, resilience.ErrCircuitOpen) ||
		errors.Is(err, resilience.ErrRateLimited)
}
