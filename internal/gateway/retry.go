package gateway

import (
	"context"
	"errors"
	"time"
)

// withRetry runs fn up to maxRetries+1 times with exponential backoff
// starting at baseDelay. It stops early when the context is cancelled or
// when the breaker reports open, since retrying an open breaker only
// burns the caller's deadline.
func withRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrCircuitOpen) || ctx.Err() != nil {
			return err
		}
	}
	return err
}
