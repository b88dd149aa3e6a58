package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// defaultMaxTries is the number of attempts before a unary call gives up.
	defaultMaxTries = 3

	// baseDelay is the starting backoff interval (before jitter).
	baseDelay = 500 * time.Millisecond

	// maxDelay caps the backoff interval.
	maxDelay = 5 * time.Second
)

// newBackOff returns the exponential schedule shared by unary retries and
// subscription reconnects: 500ms doubling up to 5s, with 50% jitter.
func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	return b
}

// retry runs op up to maxTries times with exponential backoff. Errors that
// cannot succeed on a second attempt (most 4xx responses, ErrNotFound) are
// returned immediately.
func retry[T any](ctx context.Context, maxTries uint, op func() (T, error)) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, fmt.Errorf("retry cancelled: %w", err)
	}
	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(newBackOff()), backoff.WithMaxTries(maxTries))
	if err != nil {
		if ctx.Err() != nil {
			return v, fmt.Errorf("retry cancelled: %w", err)
		}
		if !retryable(err) {
			return v, err
		}
		return v, fmt.Errorf("all %d attempts failed: %w", maxTries, err)
	}
	return v, nil
}

func retryable(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}
