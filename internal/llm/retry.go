package llm

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/time/rate"
)

// Retryer wraps external capability calls with a bounded attempt count and
// capped exponential backoff. A shared rate limiter keeps retry bursts from
// hammering the provider while the first call is still failing.
type Retryer struct {
	attempts   int
	backoffCap time.Duration
	limiter    *rate.Limiter
}

// NewRetryer creates a Retryer that allows the initial call plus
// (attempts-1) retries, sleeping 500ms, 1s, 2s, ... between attempts up to
// backoffCap.
func NewRetryer(attempts int, backoffCap time.Duration) *Retryer {
	if attempts < 1 {
		attempts = 1
	}
	if backoffCap <= 0 {
		backoffCap = 10 * time.Second
	}
	return &Retryer{
		attempts:   attempts,
		backoffCap: backoffCap,
		limiter:    rate.NewLimiter(rate.Limit(5), 10),
	}
}

// Do runs fn until it succeeds, the attempt budget is exhausted, the context
// is cancelled, or the circuit opens (retrying against an open circuit is
// pointless). It returns the last error observed.
func (r *Retryer) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := 500 * time.Millisecond
	var lastErr error

	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrCircuitOpen) || ctx.Err() != nil {
			return lastErr
		}

		if attempt < r.attempts {
			log.Printf("%s: attempt %d/%d failed: %v (retrying in %s)", op, attempt, r.attempts, lastErr, backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > r.backoffCap {
				backoff = r.backoffCap
			}
		}
	}
	return lastErr
}
