// Package lock implements named distributed mutual exclusion over
// Redis. Every supervisor must hold the session lock before driving a
// session; acquisitions carry a strictly increasing fencing counter so
// downstream writers can reject stale holders.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrBusy is returned when the lock is held by an unexpired holder, or
// when the cache is unreachable: a lock service that cannot verify
// exclusion fails closed.
var ErrBusy = errors.New("lock busy")

// ErrNotHeld is returned by release and extend when the stored holder
// does not match the token, meaning the lock expired or was taken over.
var ErrNotHeld = errors.New("lock not held")

// Token proves ownership of an acquired lock.
type Token struct {
	Name   string
	Holder string
	// Fence increases with every successful acquisition of the same
	// name. Writers compare fences to ignore a stale holder that still
	// believes it owns the lock.
	Fence int64

	value string
}

// releaseScript deletes the lock only if the stored value matches,
// atomically, so a holder can never release a lock it lost to expiry.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript renews the TTL only if the stored value matches.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Service hands out named locks backed by the shared cache.
type Service struct {
	client redis.Cmdable
	logger *slog.Logger
}

// NewService creates a lock service on the given Redis client.
func NewService(client redis.Cmdable, logger *slog.Logger) *Service {
	return &Service{
		client: client,
		logger: logger.With("component", "lock"),
	}
}

func lockKey(name string) string  { return "lock:" + name }
func fenceKey(name string) string { return "lock:fence:" + name }

// Acquire attempts to take the named lock once. ttl must be positive:
// expiry is the crash-recovery path and may not be disabled.
func (s *Service) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (*Token, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock %q: ttl must be positive", name)
	}

	value := holder + ":" + uuid.NewString()
	ok, err := s.client.SetNX(ctx, lockKey(name), value, ttl).Result()
	if err != nil {
		s.logger.Warn("cache unreachable, failing closed", "lock", name, "error", err)
		return nil, fmt.Errorf("lock %q: cache unavailable: %w", name, ErrBusy)
	}
	if !ok {
		return nil, fmt.Errorf("lock %q: %w", name, ErrBusy)
	}

	fence, err := s.client.Incr(ctx, fenceKey(name)).Result()
	if err != nil {
		// Without a fence the token is unusable; give the lock back.
		_, _ = releaseScript.Run(ctx, s.client, []string{lockKey(name)}, value).Result()
		return nil, fmt.Errorf("lock %q: issuing fence: %w", name, ErrBusy)
	}

	return &Token{Name: name, Holder: holder, Fence: fence, value: value}, nil
}

// AcquireWait polls Acquire with capped exponential backoff until the
// lock is taken or the deadline passes.
func (s *Service) AcquireWait(ctx context.Context, name, holder string, ttl, wait time.Duration) (*Token, error) {
	deadline := time.Now().Add(wait)
	backoff := 50 * time.Millisecond
	const maxBackoff = 2 * time.Second

	for {
		token, err := s.Acquire(ctx, name, holder, ttl)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, ErrBusy) {
			return nil, err
		}
		if time.Now().Add(backoff).After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Release gives up the lock if the token still owns it.
func (s *Service) Release(ctx context.Context, token *Token) error {
	n, err := releaseScript.Run(ctx, s.client, []string{lockKey(token.Name)}, token.value).Int()
	if err != nil {
		return fmt.Errorf("lock %q: releasing: %w", token.Name, err)
	}
	if n == 0 {
		return fmt.Errorf("lock %q: %w", token.Name, ErrNotHeld)
	}
	return nil
}

// Extend renews the TTL if the token still owns the lock.
func (s *Service) Extend(ctx context.Context, token *Token, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, s.client, []string{lockKey(token.Name)}, token.value, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lock %q: extending: %w", token.Name, err)
	}
	if n == 0 {
		return fmt.Errorf("lock %q: %w", token.Name, ErrNotHeld)
	}
	return nil
}

// WithLock acquires the named lock, runs fn with the token, and
// releases on every exit path including panic.
func (s *Service) WithLock(ctx context.Context, name, holder string, ttl time.Duration, fn func(ctx context.Context, token *Token) error) (err error) {
	token, err := s.Acquire(ctx, name, holder, ttl)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := s.Release(ctx, token); releaseErr != nil && !errors.Is(releaseErr, ErrNotHeld) {
			s.logger.Warn("failed to release lock", "lock", name, "error", releaseErr)
			if err == nil {
				err = releaseErr
			}
		}
	}()
	return fn(ctx, token)
}
