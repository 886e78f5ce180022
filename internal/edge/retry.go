package edge

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 500 * time.Millisecond
)

// withRetry runs fn, retrying transient failures with doubling backoff up to
// the attempt budget. Non-transient errors and context cancellation return
// immediately.
func withRetry(ctx context.Context, attempts int, backoff time.Duration, op string, fn func() error) error {
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}

	var err error
	delay := backoff
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		log.Debug("Retrying transient edge call", "op", op, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
