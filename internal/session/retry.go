package session

import (
	"context"
	"errors"
	"time"

	"matchboard/pkg/interfaces"
)

// RetryPolicy bounds the exponential backoff applied to directory writes.
type RetryPolicy struct {
	Attempts       int           `json:"attempts"`
	InitialBackoff time.Duration `json:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
}

// DefaultRetryPolicy retries five times, doubling from 50ms up to 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       5,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// Backoff returns the delay before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, interfaces.ErrStoreClosed):
		return false
	case errors.Is(err, ErrInvalidParticipant), errors.Is(err, ErrInvalidSessionID), errors.Is(err, ErrSameParticipant):
		return false
	default:
		return true
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
