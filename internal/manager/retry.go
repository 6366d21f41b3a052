package manager

import (
	"context"
	"math/rand"
	"time"
)

// backoffDelay computes the exponential backoff with full jitter for the
// given zero-based attempt: a uniform draw from [0, min(base*2^attempt, max)].
// Full jitter spreads concurrent retries instead of synchronising them.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	ceiling := base << uint(attempt)
	if ceiling > max || ceiling <= 0 {
		ceiling = max
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}

// sleepWithContext waits for d or until the context is done, whichever comes
// first.
func sleepWithContext(ctx context.Context, d time.Duration) error {
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
