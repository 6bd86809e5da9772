// Package retry runs provider calls with capped exponential backoff.
package retry

import (
	"context"
	"time"
)

const (
	defaultInitial  = time.Second
	defaultMax      = 30 * time.Second
	defaultAttempts = 5
)

// Policy configures Do. The wait after the n-th failed attempt (0-based) is
// min(Initial*2^n, Max); there is no wait after the final attempt.
type Policy struct {
	Initial  time.Duration
	Max      time.Duration
	Attempts int

	// Retryable reports whether a failure may be retried. A nil func retries
	// every error.
	Retryable func(error) bool

	// OnRetry is invoked before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)

	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default returns the 1s/30s/5 attempt policy.
func Default() Policy {
	return Policy{Initial: defaultInitial, Max: defaultMax, Attempts: defaultAttempts}
}

// Delay returns the wait that follows the given failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Initial
	if d <= 0 {
		d = defaultInitial
	}
	maxDelay := p.Max
	if maxDelay <= 0 {
		maxDelay = defaultMax
	}
	for i := 0; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	return min(d, maxDelay)
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done. On exhaustion the last error is returned.
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if p.Retryable != nil && !p.Retryable(err) {
			return zero, err
		}
		if attempt == attempts-1 {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
