// Package resilience provides the primitives wrapped around every
// outbound call: a three-state circuit breaker, a retrying caller with
// exponential backoff, and a Redis-backed sliding-window rate limiter.
// Call order is always limiter, then breaker, then retry, then transport.
package resilience

import (
	"errors"
	"fmt"
	"net"
)

// ErrCircuitOpen is returned when the breaker refuses a call.
var ErrCircuitOpen = errors.New("circuit breaker open")

// ErrRateLimited is returned when the sliding window is full.
var ErrRateLimited = errors.New("rate limit exceeded")

// HTTPStatusError reports a non-2xx response from an upstream service.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether an error is worth retrying. Transport
// failures and 5xx/429 responses qualify; validation and state errors
// never do.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == 429
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Connection-level failures wrap *net.OpError, caught above. A raw
	// EOF mid-response also counts as transport.
	return errors.Is(err, net.ErrClosed)
}
