// Package retry runs operations again after transient failures, waiting an
// exponentially growing, jittered delay between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Config controls how many times an operation is attempted and how long to
// wait in between.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	// Zero runs the operation exactly once.
	MaxRetries int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps a single wait, before jitter is applied.
	MaxBackoff time.Duration

	// Multiplier grows the wait after every retry.
	Multiplier float64

	// Jitter spreads each wait by +/- Jitter*wait. Clamped to [0, 1].
	Jitter float64

	// IsRetryable decides whether an error is worth another attempt.
	// Nil means DefaultIsRetryable.
	IsRetryable func(error) bool
}

// DefaultConfig returns three retries starting at 100ms, doubling up to 30s
// with 50% jitter.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.5,
		IsRetryable:    DefaultIsRetryable,
	}
}

// NoRetry runs an operation once.
func NoRetry() Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	return cfg
}

var (
	// ErrNotRetryable is reported when an attempt failed with an error that
	// IsRetryable rejected.
	ErrNotRetryable = errors.New("retry: error is not retryable")

	// ErrMaxRetries is reported when every attempt failed.
	ErrMaxRetries = errors.New("retry: max retries exceeded")

	// ErrContextCanceled is reported when the context ended between attempts.
	ErrContextCanceled = errors.New("retry: context canceled")
)

// Func is an operation that can be attempted several times.
type Func func(ctx context.Context) error

// Do runs fn until it succeeds, returns a non-retryable error, runs out of
// attempts, or ctx is done. Failures are reported as *RetryError.
func Do(ctx context.Context, cfg Config, fn Func) error {
	cfg = normalize(cfg)

	var last error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if last == nil {
				return err
			}
			return &RetryError{Cause: last, Attempts: attempt, Err: ErrContextCanceled}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err

		if !cfg.IsRetryable(err) {
			return &RetryError{Cause: err, Attempts: attempt + 1, Err: ErrNotRetryable}
		}
		if attempt == cfg.MaxRetries {
			break
		}

		timer := time.NewTimer(Backoff(cfg, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return &RetryError{Cause: last, Attempts: attempt + 1, Err: ErrContextCanceled}
		case <-timer.C:
		}
	}

	return &RetryError{Cause: last, Attempts: cfg.MaxRetries + 1, Err: ErrMaxRetries}
}

// DoWithResult is Do for operations producing a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// RetryError describes a failed retry loop.
type RetryError struct {
	// Cause is the error of the last attempt.
	Cause error
	// Attempts counts the attempts actually made.
	Attempts int
	// Err is ErrMaxRetries, ErrNotRetryable or ErrContextCanceled.
	Err error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", e.Err, e.Attempts, e.Cause)
}

func (e *RetryError) Unwrap() error {
	return e.Cause
}

// Is matches both the loop outcome and the last cause.
func (e *RetryError) Is(target error) bool {
	return errors.Is(e.Err, target) || errors.Is(e.Cause, target)
}

// Backoff returns the wait before retry number attempt (0-based).
func Backoff(cfg Config, attempt int) time.Duration {
	cfg = normalize(cfg)
	if attempt < 0 {
		attempt = 0
	}

	d := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt))
	if d > float64(cfg.MaxBackoff) {
		d = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		spread := d * cfg.Jitter
		d += spread * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func normalize(cfg Config) Config {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2.0
	}
	cfg.Jitter = min(max(cfg.Jitter, 0), 1)
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = DefaultIsRetryable
	}
	return cfg
}

// DefaultIsRetryable retries everything except context errors and errors
// marked with MarkNotRetryable. An error implementing Retryable() bool
// decides for itself.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// MarkNotRetryable stops DefaultIsRetryable from retrying err.
func MarkNotRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &marked{cause: err, retryable: false}
}

// MarkRetryable forces DefaultIsRetryable to retry err.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &marked{cause: err, retryable: true}
}

type marked struct {
	cause     error
	retryable bool
}

func (e *marked) Error() string   { return e.cause.Error() }
func (e *marked) Unwrap() error   { return e.cause }
func (e *marked) Retryable() bool { return e.retryable }
