package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/conductor-ai/conductor/pkg/config"
	"github.com/conductor-ai/conductor/pkg/store"
)

// Pool runs a fixed number of workers that drain the shared session
// queue. Claiming is atomic in the store, so multiple pools across
// orchestrator instances cooperate without extra coordination.
type Pool struct {
	cfg    config.Config
	queue  store.SupervisorStore
	sup    *Supervisor
	logger *slog.Logger

	wg sync.WaitGroup
}

// NewPool creates a pool; Run starts it.
func NewPool(cfg config.Config, queue store.SupervisorStore, sup *Supervisor, logger *slog.Logger) *Pool {
	return &Pool{
		cfg:    cfg,
		queue:  queue,
		sup:    sup,
		logger: logger.With("component", "supervisor.pool"),
	}
}

// Run recovers sessions this pod abandoned in a previous life, then
// starts the workers and blocks until ctx is cancelled and all workers
// have drained their in-flight work.
func (p *Pool) Run(ctx context.Context) {
	reset, err := p.queue.ResetPodSessions(ctx, p.cfg.PodID)
	if err != nil {
		p.logger.Warn("Failed to reset abandoned sessions", "error", err)
	} else if reset > 0 {
		p.logger.Info("Requeued sessions from previous run", "count", reset)
	}

	workers := p.cfg.MaxConcurrentSupervisors
	if workers <= 0 {
		workers = 1
	}
	p.logger.Info("Starting supervisor pool", "workers", workers, "pod_id", p.cfg.PodID)

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.wg.Wait()
	p.logger.Info("Supervisor pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", id)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claimed, err := p.queue.ClaimNext(ctx, p.cfg.PodID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) && ctx.Err() == nil {
				logger.Warn("Failed to claim session", "error", err)
			}
			p.sleep(ctx)
			continue
		}

		if err := p.sup.Supervise(ctx, claimed); err != nil {
			logger.Error("Supervision attempt failed",
				"session_id", claimed.ID, "error", err)
		}
	}
}

// sleep waits one poll interval with jitter so workers across instances
// do not stampede the queue in lockstep.
func (p *Pool) sleep(ctx context.Context) {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(interval) / 4))
	select {
	case <-ctx.Done():
	case <-time.After(interval + jitter):
	}
}
