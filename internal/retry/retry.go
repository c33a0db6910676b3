// Package retry runs fallible operations with bounded attempts, exponential
// backoff and jitter. It knows nothing about what it wraps.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrInvalidAttempts is returned when an executor is configured with fewer than one attempt.
var ErrInvalidAttempts = errors.New("retry: max attempts must be >= 1")

// Executor retries an operation. The zero value is not usable; MaxAttempts must be >= 1.
type Executor struct {
	MaxAttempts int
	Backoff     time.Duration
	// Jitter is the fraction of the computed delay added at random, in [0,1].
	Jitter float64

	// Sleep waits for d or until ctx is done. Defaults to a timer-based wait.
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand returns a value in [0,1). Defaults to math/rand.
	Rand func() float64
	// Retryable reports whether err deserves another attempt. Defaults to
	// retrying everything except errors wrapped with Permanent.
	Retryable func(err error) bool
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Delay returns the sleep before attempt+1 given a random factor r in [0,1).
func (e *Executor) Delay(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(e.Backoff) * float64(uint64(1)<<uint(attempt-1))
	return time.Duration(base * (1 + r*e.Jitter))
}

// Do executes op until it succeeds, the attempts are exhausted, the error is
// not retryable, or ctx is cancelled. The last error is returned unchanged.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Run(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Run is the value-returning form of Executor.Do.
func Run[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if e == nil || e.MaxAttempts < 1 {
		return zero, ErrInvalidAttempts
	}
	sleep := e.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	random := e.Rand
	if random == nil {
		random = rand.Float64
	}
	retryable := e.Retryable
	if retryable == nil {
		retryable = func(err error) bool { return !IsPermanent(err) }
	}

	var lastErr error
	for attempt := 1; attempt <= e.MaxAttempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == e.MaxAttempts || !retryable(err) {
			break
		}
		delay := e.Delay(attempt, random())
		if e.OnRetry != nil {
			e.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so the default Retryable never retries it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
