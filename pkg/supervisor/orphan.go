package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/conductor-ai/conductor/pkg/config"
	"github.com/conductor-ai/conductor/pkg/lock"
	"github.com/conductor-ai/conductor/pkg/session"
	"github.com/conductor-ai/conductor/pkg/store"
	"github.com/conductor-ai/conductor/pkg/tenancy"
)

// OrphanSweeper finds running sessions whose status has not moved for
// longer than the stall threshold and whose supervisor lock is free,
// meaning the supervising process died. Sessions with a checkpoint and
// retry budget left go back to the queue for a fresh attempt; the rest
// are marked orphaned, a terminal status an operator decides about.
type OrphanSweeper struct {
	cfg    config.Config
	system store.SupervisorStore
	sup    *Supervisor
	locks  *lock.Service
	logger *slog.Logger
}

// NewOrphanSweeper creates the sweeper; Run starts it.
func NewOrphanSweeper(cfg config.Config, system store.SupervisorStore, sup *Supervisor, locks *lock.Service, logger *slog.Logger) *OrphanSweeper {
	return &OrphanSweeper{
		cfg:    cfg,
		system: system,
		sup:    sup,
		locks:  locks,
		logger: logger.With("component", "orphan_sweeper"),
	}
}

// Run sweeps on the configured interval until ctx ends.
func (o *OrphanSweeper) Run(ctx context.Context) {
	interval := o.cfg.OrphanSweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := o.Sweep(ctx); n > 0 {
				o.logger.Warn("Reclaimed stalled sessions", "count", n)
			}
		}
	}
}

// Sweep runs one pass and returns the number of sessions reclaimed,
// requeued and orphaned together.
func (o *OrphanSweeper) Sweep(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-o.cfg.StalledAfter)
	stalled, err := o.system.FindStalled(ctx, cutoff)
	if err != nil {
		o.logger.Warn("Failed to query stalled sessions", "error", err)
		return 0
	}

	reclaimed := 0
	for _, sess := range stalled {
		// A live supervisor still holds the lock; skip those.
		token, err := o.locks.Acquire(ctx, "session:"+sess.ID, o.cfg.PodID+":sweeper", time.Minute)
		if err != nil {
			if !errors.Is(err, lock.ErrBusy) {
				o.logger.Warn("Lock check failed", "session_id", sess.ID, "error", err)
			}
			continue
		}

		tctx := tenancy.WithIdentity(ctx, tenancy.Identity{
			TenantID: sess.TenantID,
			Role:     tenancy.RoleOperator,
		})
		if err := o.reclaim(tctx, sess.ID); err != nil {
			o.logger.Warn("Failed to reclaim session", "session_id", sess.ID, "error", err)
		} else {
			reclaimed++
		}
		if err := o.locks.Release(ctx, token); err != nil {
			o.logger.Warn("Failed to release sweep lock", "session_id", sess.ID, "error", err)
		}
	}
	return reclaimed
}

// reclaim requeues a stalled session that has checkpointed progress and
// retries left; everything else is orphaned.
func (o *OrphanSweeper) reclaim(ctx context.Context, sessionID string) error {
	sess, err := o.sup.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	if len(sess.Checkpoints) > 0 && sess.Metrics.RetryCount < session.MaxRetries {
		if err := sess.Transition(session.StatusStopped); err == nil {
			if err := sess.Requeue(); err != nil {
				return err
			}
			o.logger.Info("Requeued stalled session",
				"session_id", sess.ID, "retry_count", sess.Metrics.RetryCount)
			return o.sup.persist(ctx, sess)
		}
	}

	if err := sess.MarkOrphaned("supervisor lock expired with no progress"); err != nil {
		return err
	}
	return o.sup.persist(ctx, sess)
}
