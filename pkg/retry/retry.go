// Package retry implements bounded retries with jittered exponential
// backoff for operations whose failures may be transient.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy bounds the attempts and backoff window of a retried call
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy suits short API calls where a second or two of delay
// is acceptable
var DefaultPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc reports whether an error is worth retrying
type IsTransientFunc func(error) bool

// Do runs fn up to MaxAttempts times, sleeping a jittered backoff
// between attempts. Permanent errors and context cancellation stop the
// loop immediately; the last error is returned when attempts run out.
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	backoff := policy.InitialBackoff

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) || attempt >= policy.MaxAttempts {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(withJitter(backoff)):
		}

		backoff *= 2
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}
}

// withJitter spreads sleeps by up to half the base backoff so callers
// retrying in lockstep do not hammer the API together
func withJitter(backoff time.Duration) time.Duration {
	if backoff <= 1 {
		return backoff
	}
	return backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
}
