package transfer

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes how long to wait before the next attempt.
type Backoff interface {
	Delay(failures int) time.Duration
}

// ExponentialBackoff waits a uniformly random fraction of Unit * 2^failures.
// There is no floor and no cap; the Driver bounds the number of retries.
type ExponentialBackoff struct {
	// Unit is the base time unit. Default: 1s
	Unit time.Duration
}

// DefaultBackoff returns the backoff used when none is configured.
func DefaultBackoff() ExponentialBackoff {
	return ExponentialBackoff{Unit: time.Second}
}

// Delay returns a duration in [0, Unit*2^failures).
func (b ExponentialBackoff) Delay(failures int) time.Duration {
	unit := b.Unit
	if unit <= 0 {
		unit = time.Second
	}
	if failures < 0 {
		failures = 0
	}

	// rand/v2 top-level functions are safe for concurrent use.
	d := rand.Float64() * math.Ldexp(float64(unit), failures)
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// BackoffFunc adapts a function to the Backoff interface.
type BackoffFunc func(failures int) time.Duration

// Delay calls f.
func (f BackoffFunc) Delay(failures int) time.Duration {
	return f(failures)
}

// Sleeper suspends the caller for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep waits on a private timer so concurrent drivers never block each other.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
