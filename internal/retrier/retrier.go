// Package retrier runs an attempt in a loop with a Fibonacci-shaped,
// jittered and clamped backoff between failures.
package retrier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	syncerr "github.com/alexjbarnes/twilsync/internal/errors"
)

// Config controls the delay sequence and the retry ceilings. Zero
// MaxAttemptsCount and MaxAttemptsTime mean unbounded.
type Config struct {
	StartDelay       time.Duration
	MinDelay         time.Duration
	MaxDelay         time.Duration
	RandomizeFactor  float64
	MaxAttemptsCount int
	MaxAttemptsTime  time.Duration
}

// DefaultConfig is the policy used by the command and subscription layers
// when nothing else is configured.
func DefaultConfig() Config {
	return Config{
		StartDelay:      0,
		MinDelay:        time.Second,
		MaxDelay:        30 * time.Second,
		RandomizeFactor: 0.2,
	}
}

// Validate checks the invariants the delay sequence depends on.
func (c Config) Validate() error {
	if c.MinDelay <= 0 {
		return fmt.Errorf("min delay must be positive, got %s", c.MinDelay)
	}

	if c.MaxDelay < c.MinDelay {
		return fmt.Errorf("max delay %s is below min delay %s", c.MaxDelay, c.MinDelay)
	}

	if c.RandomizeFactor < 0 || c.RandomizeFactor > 1 {
		return fmt.Errorf("randomize factor must be in [0,1], got %v", c.RandomizeFactor)
	}

	if c.StartDelay < 0 || c.MaxAttemptsCount < 0 || c.MaxAttemptsTime < 0 {
		return fmt.Errorf("start delay, max attempts count and max attempts time must not be negative")
	}

	return nil
}

// AbortError stops the retry loop and is returned unwrapped to the caller.
type AbortError struct {
	Err error
}

func (e *AbortError) Error() string { return e.Err.Error() }
func (e *AbortError) Unwrap() error { return e.Err }

// Abort marks err as non-retryable. Returning it from an attempt ends the
// loop immediately.
func Abort(err error) error {
	if err == nil {
		return nil
	}

	return &AbortError{Err: err}
}

// Sequence produces the delays between attempts. next = clamp(prev+curr,
// min, max), then jitter of up to next*RandomizeFactor is added.
type Sequence struct {
	cfg   Config
	prev  time.Duration
	curr  time.Duration
	float func() float64
}

// NewSequence returns a fresh delay sequence for cfg.
func NewSequence(cfg Config) *Sequence {
	return &Sequence{cfg: cfg, float: rand.Float64}
}

// Next returns the next delay.
func (s *Sequence) Next() time.Duration {
	next := min(max(s.prev+s.curr, s.cfg.MinDelay), s.cfg.MaxDelay)
	s.prev = s.curr
	s.curr = next

	jitter := time.Duration(float64(next) * s.cfg.RandomizeFactor * s.float())

	return next + jitter
}

// Reset restarts the sequence from the beginning.
func (s *Sequence) Reset() {
	s.prev = 0
	s.curr = 0
}

// Retry waits StartDelay, then calls attempt until it returns nil. A
// failed attempt is retried after the next delay unless a ceiling is hit,
// in which case the last attempt error is wrapped with
// RetrierReachedMaxAttemptsCount or RetrierReachedMaxTime. An attempt
// returning an *AbortError ends the loop with the inner error. Context
// cancellation is reported as Cancelled.
func Retry(ctx context.Context, cfg Config, attempt func(ctx context.Context) error) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid retrier config: %w", err)
	}

	start := time.Now()
	seq := NewSequence(cfg)

	if err := sleep(ctx, cfg.StartDelay); err != nil {
		return err
	}

	attempts := 0

	for {
		attempts++

		err := attempt(ctx)
		if err == nil {
			return nil
		}

		var abort *AbortError
		if errors.As(err, &abort) {
			return abort.Err
		}

		if ctx.Err() != nil {
			return syncerr.Wrap(syncerr.Cancelled, ctx.Err())
		}

		if cfg.MaxAttemptsCount > 0 && attempts >= cfg.MaxAttemptsCount {
			return &syncerr.ErrorInfo{
				Reason:  syncerr.RetrierReachedMaxAttemptsCount,
				Status:  syncerr.StatusOf(err),
				Message: fmt.Sprintf("gave up after %d attempts", attempts),
				Err:     err,
			}
		}

		delay := seq.Next()

		if cfg.MaxAttemptsTime > 0 && time.Since(start)+delay > cfg.MaxAttemptsTime {
			return &syncerr.ErrorInfo{
				Reason:  syncerr.RetrierReachedMaxTime,
				Status:  syncerr.StatusOf(err),
				Message: fmt.Sprintf("gave up after %d attempts in %s", attempts, time.Since(start)),
				Err:     err,
			}
		}

		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if ctx.Err() != nil {
			return syncerr.Wrap(syncerr.Cancelled, ctx.Err())
		}

		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return syncerr.Wrap(syncerr.Cancelled, ctx.Err())
	case <-timer.C:
		return nil
	}
}
