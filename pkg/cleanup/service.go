// Package cleanup enforces data retention: terminal sessions older than
// the retention window are purged, together with their durable
// checkpoints.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/conductor-ai/conductor/pkg/config"
	"github.com/conductor-ai/conductor/pkg/store"
)

// Service runs the periodic retention loop. Purges are idempotent and
// safe to run from multiple pods at once.
type Service struct {
	cfg    config.Config
	system store.SupervisorStore
	logger *slog.Logger
}

// NewService creates the retention service.
func NewService(cfg config.Config, system store.SupervisorStore, logger *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		system: system,
		logger: logger.With("component", "cleanup"),
	}
}

// Run purges once at startup, then on every CleanupInterval tick until
// ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.logger.Info("Cleanup service started",
		"retention", s.cfg.SessionRetention,
		"interval", s.cfg.CleanupInterval)

	s.Purge(ctx)

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Cleanup service stopped")
			return
		case <-ticker.C:
			s.Purge(ctx)
		}
	}
}

// Purge removes terminal sessions past retention.
func (s *Service) Purge(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.SessionRetention)
	count, err := s.system.PurgeTerminalBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("Retention purge failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Purged expired sessions", "count", count, "cutoff", cutoff)
	}
}
