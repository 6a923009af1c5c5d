// README: Bounded retry with exponential backoff for provider calls.
package maps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dispatchd/internal/clock"
)

type retryPolicy struct {
	attempts int
	backoff  time.Duration
	clock    clock.Clock
}

func defaultRetry(c clock.Clock) retryPolicy {
	if c == nil {
		c = clock.Real{}
	}
	return retryPolicy{attempts: 3, backoff: 200 * time.Millisecond, clock: c}
}

// do runs op until it succeeds, fails permanently, or attempts run out.
func (p retryPolicy) do(ctx context.Context, op func(context.Context) error) error {
	backoff := p.backoff
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return timeoutOr(err)
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		var pe *permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		if attempt == p.attempts {
			break
		}
		if err := p.clock.Sleep(ctx, backoff); err != nil {
			return timeoutOr(err)
		}
		backoff *= 2
	}
	return timeoutOr(lastErr)
}

func timeoutOr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return err
}
