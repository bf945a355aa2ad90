package service

import (
	"context"
	"errors"
	"time"

	"agrivetpos/backend/internal/store"
)

type retryPolicy struct {
	attempts int
	backoff  time.Duration
}

// do runs fn until it succeeds, returns a permanent error, or attempts run
// out. Backoff grows linearly per attempt.
func (p retryPolicy) do(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		err = fn(ctx)
		if err == nil || isPermanent(err) {
			return err
		}
		if attempt == p.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(time.Duration(attempt) * p.backoff):
		}
	}
	return err
}

// isPermanent reports errors that another attempt cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrInvalid) ||
		errors.Is(err, store.ErrConflict) ||
		errors.Is(err, store.ErrTransactionFinalized) ||
		errors.Is(err, store.ErrSessionAlreadyClosed)
}
