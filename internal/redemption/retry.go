package redemption

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/plexward/plexward-go/internal/store"
)

// Retry defaults for serializable transactions that lose a write race.
const (
	DefaultMaxRetries        = 3
	DefaultInitialRetryDelay = 100 * time.Millisecond
)

// runSerializable executes op and retries it, up to maxRetries times,
// when it fails with store.ErrWriteConflict. Any other error is
// returned immediately. onConflict, if non-nil, is called with the
// attempt number (1-based) before each backoff sleep; it is purely
// observational and never affects the retry decision.
//
// After the final retry the last conflict error is returned as-is so
// callers can still match it with errors.Is.
func runSerializable(ctx context.Context, maxRetries int, initialDelay time.Duration, onConflict func(attempt int), op func() error) error {
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil || !errors.Is(err, store.ErrWriteConflict) || attempt >= maxRetries {
			return err
		}

		if onConflict != nil {
			onConflict(attempt + 1)
		}

		timer := time.NewTimer(backoffDelay(initialDelay, attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// backoffDelay computes the exponential backoff for the given attempt
// with a uniform jitter factor in [0.5, 1.0) to spread out competing
// retries.
func backoffDelay(initial time.Duration, attempt int) time.Duration {
	jitter := 0.5 + rand.Float64()/2
	return time.Duration(float64(initial) * math.Pow(2, float64(attempt)) * jitter)
}
