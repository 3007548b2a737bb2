package util

import (
	"context"
	"time"
)

// Retry runs fn up to maxAttempts times, doubling the delay between
// attempts from baseDelay. The first nil return wins; otherwise the last
// error comes back. Cancelling the context aborts the wait between
// attempts.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		// No sleep after the final attempt.
		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return err
}
