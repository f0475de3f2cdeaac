// internal/poll/poll.go
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xkilldash9x/persistcheck/internal/outcome"
)

// Condition reports whether the awaited state has been reached. An error
// means the check itself failed; it is retried until the deadline unless it
// is wrapped with Permanent.
type Condition func(ctx context.Context) (bool, error)

// DefaultInterval is used when WaitFor is given a non-positive interval.
const DefaultInterval = 100 * time.Millisecond

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying; WaitFor returns it at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// WaitFor evaluates cond immediately and then every interval until it holds
// or timeout elapses.
//
// A clean false at the deadline yields an AssertionTimeout. If the last
// evaluation errored instead, the result is an InteractionFailure carrying
// that error. Cancellation of ctx itself is returned unchanged.
func WaitFor(ctx context.Context, name string, cond Condition, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	deadlineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	attempts := 0
	var lastErr error
	for {
		attempts++
		ok, err := cond(deadlineCtx)
		if ok && err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return outcome.Interaction(name, perm.err)
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadlineCtx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return expired(name, timeout, attempts, lastErr)
		case <-ticker.C:
		}
	}
}

func expired(name string, timeout time.Duration, attempts int, lastErr error) error {
	// An error caused only by our own deadline is still "never observed".
	if lastErr != nil && !errors.Is(lastErr, context.DeadlineExceeded) {
		return outcome.Interaction(name, fmt.Errorf("check kept failing for %s (%d attempts): %w", timeout, attempts, lastErr))
	}
	return outcome.Timeout(name, fmt.Errorf("condition not met within %s (%d attempts)", timeout, attempts))
}

// All holds when every condition holds. Evaluation stops at the first false.
func All(conds ...Condition) Condition {
	return func(ctx context.Context) (bool, error) {
		for _, c := range conds {
			ok, err := c(ctx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
}

// Sleep waits for d or until ctx ends. Used for settle delays where the UI
// gives no completion signal.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
