package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Policy controls how many times an operation runs and how long to wait
// between runs.
type Policy struct {
	Attempts int
	Backoff  time.Duration
}

// Once runs an operation a single time.
var Once = Policy{Attempts: 1}

// Func is a retried operation. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// Do runs fn until it succeeds or the policy is exhausted, and returns the
// error of the last attempt. Context cancellation stops retrying immediately.
func Do(ctx context.Context, p Policy, fn Func) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = time.Millisecond
	}

	b := goretry.WithMaxRetries(uint64(attempts-1), goretry.NewConstant(backoff))

	attempt := 0
	err := goretry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return err
		}
		return goretry.RetryableError(err)
	})
	if err == nil {
		return nil
	}
	if attempt > 1 {
		return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
	}
	return err
}
