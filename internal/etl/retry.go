package etl

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultMaxRetries   = 3
	DefaultBackoffBase  = time.Second
	DefaultMaxRetryWait = 120 * time.Second
)

// Retrier runs an adapter call with exponential backoff. A call is attempted
// once plus up to MaxRetries more times.
type Retrier struct {
	MaxRetries int
	Base       time.Duration
	MaxWait    time.Duration
	Logger     zerolog.Logger

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter returns a value in [0, n). Tests replace it.
	Jitter func(n int64) int64
}

func NewRetrier(maxRetries int, base, maxWait time.Duration, logger zerolog.Logger) *Retrier {
	return &Retrier{
		MaxRetries: maxRetries,
		Base:       base,
		MaxWait:    maxWait,
		Logger:     logger,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, or retries
// are exhausted. Exhaustion is reported as a FatalError wrapping the last error.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return err
		}
		if !IsRetryable(err) {
			var fatal *FatalError
			if errors.As(err, &fatal) {
				return err
			}
			return &FatalError{Err: err}
		}
		lastErr = err

		if attempt >= r.MaxRetries {
			break
		}

		wait := r.Delay(attempt, err)
		r.Logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Dur("wait", wait).
			Msg("retrying page fetch")

		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return &FatalError{Err: fmt.Errorf("giving up after %d attempts: %w", r.MaxRetries+1, lastErr)}
}

// Delay returns how long to wait before retry number attempt+1.
func (r *Retrier) Delay(attempt int, err error) time.Duration {
	maxWait := r.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultMaxRetryWait
	}

	var rateLimit *RateLimitError
	if errors.As(err, &rateLimit) {
		if d, ok := rateLimit.hint(); ok {
			return min(d, maxWait)
		}
	}

	base := r.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	delay := base << attempt
	if delay <= 0 || delay > maxWait {
		delay = maxWait
	}
	if spread := int64(delay / 10); spread > 0 {
		delay += time.Duration(r.jitter(spread))
	}
	return min(delay, maxWait)
}

func (r *Retrier) jitter(n int64) int64 {
	if r.Jitter != nil {
		return r.Jitter(n)
	}
	return rand.Int64N(n)
}

func (r *Retrier) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

// SleepContext waits for d or returns early with the context error.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
