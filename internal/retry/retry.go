// Package retry provides a single exponential-backoff wrapper around a
// fallible operation. There is no jitter and no predicate — any failure
// class is retried identically; callers that need jitter or selective
// retry wrap the operation themselves.
package retry

import (
	"context"
	"time"
)

// Do invokes op up to maxAttempts times. On success it returns the
// result immediately. On failure, if attempts remain, it sleeps
// delay * backoff^(attempt-1) and retries; once attempts are exhausted
// it returns the last error. The sleep respects ctx cancellation.
func Do[T any](ctx context.Context, op func(ctx context.Context) (T, error), maxAttempts int, delay time.Duration, backoff float64) (T, error) {
	var zero T
	var lastErr error
	current := delay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(current):
			}
			current = time.Duration(float64(current) * backoff)
		}
	}
	return zero, lastErr
}
