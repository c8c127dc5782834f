package retry

import (
	"context"
	"time"
)

// Backoff blocks until the next attempt may start. It returns ctx.Err() when
// the context is done first.
type Backoff func(context.Context) error

// ExponentialBackoff waits initialInterval before the first retry and
// multiplies the interval by r after every wait.
func ExponentialBackoff(initialInterval time.Duration, r float64) Backoff {
	interval := initialInterval
	return func(ctx context.Context) error {
		timer := time.NewTimer(interval)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			interval = time.Duration(float64(interval) * r)
			return nil
		}
	}
}

// StaticBackoff waits interval between attempts.
func StaticBackoff(interval time.Duration) Backoff {
	return ExponentialBackoff(interval, 1)
}

// Blocking calls f until it succeeds, returns an error for which retryable is
// false, or attempts are used up. The first call is not delayed.
// attempts <= 0 means unlimited.
func Blocking[T any](ctx context.Context, b Backoff, attempts int, retryable func(error) bool, f func() (T, error)) (T, error) {
	var (
		last T
		err  error
	)
	for n := 1; ; n++ {
		last, err = f()
		if err == nil || !retryable(err) {
			return last, err
		}
		if attempts > 0 && n >= attempts {
			return last, err
		}
		if berr := b(ctx); berr != nil {
			return last, err
		}
	}
}
