package resilience

import (
	"context"
	"fmt"
)

// Caller composes the three primitives in the fixed outbound-call
// order: rate limiter, then breaker, then retry, then transport. Any
// of the three may be left unset to skip that stage.
type Caller struct {
	Limiter *RateLimiter
	Breaker *Breaker
	Retry   RetryConfig
}

// Do runs fn through the composed stack. key selects the rate-limit
// window, usually the upstream host or agent id.
func (c *Caller) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if c.Limiter != nil {
		ok, err := c.Limiter.Allow(ctx, key)
		if err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		if !ok {
			return fmt.Errorf("%s: %w", key, ErrRateLimited)
		}
	}

	attempt := func(ctx context.Context) error {
		if c.Retry.MaxAttempts > 0 {
			return Retry(ctx, c.Retry, fn)
		}
		return fn(ctx)
	}

	if c.Breaker != nil {
		return c.Breaker.Do(ctx, attempt)
	}
	return attempt(ctx)
}
