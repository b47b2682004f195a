// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Config holds the backoff schedule.
type Config struct {
	MaxAttempts     int           `yaml:"maxAttempts"`     // total attempts, including the first
	InitialInterval time.Duration `yaml:"initialInterval"` // delay before the second attempt
	Multiplier      float64       `yaml:"multiplier"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	Jitter          float64       `yaml:"jitter"` // ±fraction, e.g. 0.2 = ±20%
}

// DefaultConfig returns 1s initial delay doubling up to 10s, four attempts.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     4,
		InitialInterval: time.Second,
		Multiplier:      2,
		MaxInterval:     10 * time.Second,
	}
}

// Validate reports schedule values that cannot be used.
func (c Config) Validate() error {
	var errs []error
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("maxAttempts must be >= 1, got %d", c.MaxAttempts))
	}
	if c.InitialInterval < 0 || c.MaxInterval < 0 {
		errs = append(errs, errors.New("intervals must not be negative"))
	}
	if c.MaxInterval < c.InitialInterval {
		errs = append(errs, errors.New("maxInterval must be >= initialInterval"))
	}
	if c.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("multiplier must be >= 1, got %g", c.Multiplier))
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("jitter must be in [0,1), got %g", c.Jitter))
	}
	return errors.Join(errs...)
}

// Backoff returns the delay after the given failed attempt (0-based).
func (c Config) Backoff(attempt int) time.Duration {
	backoff := float64(c.InitialInterval) * math.Pow(c.Multiplier, float64(attempt))
	if backoff > float64(c.MaxInterval) {
		backoff = float64(c.MaxInterval)
	}
	if c.Jitter > 0 {
		jitter := backoff * c.Jitter
		backoff = backoff - jitter + rand.Float64()*2*jitter
	}
	return time.Duration(backoff)
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks an error as permanent (non-retryable).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent returns true if the error chain holds a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Option customises a single Do call.
type Option func(*options)

type options struct {
	onRetry func(attempt int, delay time.Duration, err error)
	sleep   func(ctx context.Context, d time.Duration) error
}

// OnRetry registers a hook that runs before each backoff wait.
func OnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(o *options) { o.onRetry = fn }
}

// WithSleep replaces the wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = fn }
}

// Do calls fn until it succeeds, returns a PermanentError, exhausts
// MaxAttempts or ctx is cancelled during a wait. It returns the number of
// attempts made and the last error.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error, opts ...Option) (int, error) {
	o := options{sleep: Sleep}
	for _, opt := range opts {
		opt(&o)
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if IsPermanent(lastErr) {
			return attempt + 1, lastErr
		}
		if attempt < cfg.MaxAttempts-1 {
			delay := cfg.Backoff(attempt)
			if o.onRetry != nil {
				o.onRetry(attempt+1, delay, lastErr)
			}
			if err := o.sleep(ctx, delay); err != nil {
				return attempt + 1, err
			}
		}
	}
	return cfg.MaxAttempts, lastErr
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
