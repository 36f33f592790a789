package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/kiln/retry"
)

// DefaultBackoff is the delay policy between publish retries
// (500ms, 1s, 2s, ... capped at 8s).
func DefaultBackoff() retry.Policy {
	return retry.NewPolicy(retry.ModeExponential, 500*time.Millisecond, 8*time.Second)
}

// Delivery describes how one event is sent.
type Delivery struct {
	// Name prefixes returned errors ("webhook", "redis", ...).
	Name string
	// Retries is the number of extra sends after the first failure.
	Retries int
	// Backoff is the delay policy between sends.
	Backoff retry.Policy
	// Timeout bounds each send when > 0.
	Timeout time.Duration
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Deliver stops at it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Deliver calls send until it succeeds, returns a Permanent error, the
// retries run out or ctx ends.
func Deliver(ctx context.Context, d Delivery, send func(ctx context.Context) error) error {
	attempts := 1 + max(d.Retries, 0)
	var lastErr error
	for i := range attempts {
		if i > 0 {
			if err := Wait(ctx, d.Backoff, i); err != nil {
				return fmt.Errorf("%s: cancelled during backoff after %d attempts: %w", d.Name, i, err)
			}
		} else if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", d.Name, err)
		}

		sendCtx, cancel := ctx, context.CancelFunc(func() {})
		if d.Timeout > 0 {
			sendCtx, cancel = context.WithTimeout(ctx, d.Timeout)
		}
		lastErr = send(sendCtx)
		cancel()

		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return fmt.Errorf("%s: %w", d.Name, perm.err)
		}
	}
	return fmt.Errorf("%s: failed after %d attempts: %w", d.Name, attempts, lastErr)
}

// Wait sleeps for the backoff delay before retry n (1-based).
// Returns ctx.Err() if ctx ends first.
func Wait(ctx context.Context, p retry.Policy, n int) error {
	d := p.Delay(n)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
