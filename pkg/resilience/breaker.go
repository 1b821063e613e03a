package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BreakerState identifies the current mode of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker from closed to open.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open after the last
	// failure before admitting a probe call.
	RecoveryTimeout time.Duration

	// HalfOpenRequiredSuccesses is how many consecutive probe successes
	// close the breaker again.
	HalfOpenRequiredSuccesses int
}

// DefaultBreakerConfig returns the thresholds used when a caller does
// not configure its own.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:          5,
		RecoveryTimeout:           30 * time.Second,
		HalfOpenRequiredSuccesses: 2,
	}
}

// BreakerStatus is a point-in-time view for metrics and health output.
type BreakerStatus struct {
	Name        string       `json:"name"`
	State       BreakerState `json:"state"`
	Failures    int          `json:"failures"`
	LastFailure time.Time    `json:"last_failure,omitempty"`
}

// Breaker is a three-state circuit breaker. State is per-process; each
// upstream (the agent API, an external agent endpoint, the cache) gets
// its own instance.
type Breaker struct {
	name   string
	cfg    BreakerConfig
	logger *slog.Logger

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultBreakerConfig().RecoveryTimeout
	}
	if cfg.HalfOpenRequiredSuccesses <= 0 {
		cfg.HalfOpenRequiredSuccesses = DefaultBreakerConfig().HalfOpenRequiredSuccesses
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger.With("component", "breaker", "breaker", name),
		state:  BreakerClosed,
	}
}

// Do runs fn if the breaker admits the call and records the outcome.
// When the breaker is open it returns ErrCircuitOpen without invoking fn.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// Status returns a snapshot for metrics.
func (b *Breaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStatus{
		Name:        b.name,
		State:       b.state,
		Failures:    b.failures,
		LastFailure: b.lastFailure,
	}
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return nil
	case BreakerOpen:
		if time.Since(b.lastFailure) >= b.cfg.RecoveryTimeout {
			b.state = BreakerHalfOpen
			b.successes = 0
			b.logger.Info("circuit breaker admitting probe", "state", b.state)
			return nil
		}
		return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.lastFailure = time.Now()
		switch b.state {
		case BreakerClosed:
			if b.failures >= b.cfg.FailureThreshold {
				b.state = BreakerOpen
				b.logger.Warn("circuit breaker opened",
					"failures", b.failures,
					"recovery_timeout", b.cfg.RecoveryTimeout)
			}
		case BreakerHalfOpen:
			b.state = BreakerOpen
			b.successes = 0
			b.logger.Warn("circuit breaker probe failed, reopening")
		}
		return
	}

	switch b.state {
	case BreakerClosed:
		if b.failures > 0 {
			b.failures--
		}
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenRequiredSuccesses {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
			b.logger.Info("circuit breaker closed")
		}
	}
}
