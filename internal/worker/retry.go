package worker

import (
	"context"
	"math/rand"
	"time"
)

// retry runs fn up to maxAttempts times with jittered exponential backoff,
// doubling the base delay each round. Used for the best-effort side effects
// (artifact uploads, completion notifications) where a transient failure
// should get another chance before being logged away.
func retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var lastErr error
	delay := baseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts || ctx.Err() != nil {
			break
		}
		// delay + random(0, delay/2) to avoid synchronized retries
		jitter := time.Duration(rand.Int63n(int64(delay / 2)))
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return lastErr
}
