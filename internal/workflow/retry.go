package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/SidU/durable-support-agent/model"
)

// RetryPolicy bounds transient activity dispatch retries within one pass.
type RetryPolicy struct {
	MaxAttempts       int
	BackoffInitial    time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
}

// DefaultRetryPolicy returns the dispatch policy used when none is given.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BackoffInitial:    100 * time.Millisecond,
		BackoffMultiplier: 2,
		BackoffMax:        2 * time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BackoffInitial <= 0 {
		p.BackoffInitial = d.BackoffInitial
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = d.BackoffMultiplier
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = d.BackoffMax
	}
	return p
}

// backoff returns the delay before the given retry attempt (1-based).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	p = p.normalized()
	delay := p.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.BackoffMultiplier)
		if delay > p.BackoffMax {
			return p.BackoffMax
		}
	}
	return delay
}

// TransientError marks an activity failure as retryable infrastructure
// trouble rather than an application outcome.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the engine retries the activity instead of
// recording a failure. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch model.ErrorCode(err) {
	case model.ErrBackendUnavailable, model.ErrBackendTimeout:
		return true
	}
	return false
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
