package capture

import (
	"context"
	"errors"
	"time"
)

var errPollTimeout = errors.New("poll deadline exceeded")

const defaultPollInterval = 100 * time.Millisecond

// poll calls cond every interval until it reports done, fails, or timeout
// elapses. Running out of time returns errPollTimeout; cancellation of the
// parent context returns the parent's error.
func poll(ctx context.Context, interval, timeout time.Duration, cond func(context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	pctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := cond(pctx)
		if err != nil {
			if pctx.Err() != nil {
				return pollErr(ctx)
			}
			return err
		}
		if done {
			return nil
		}

		select {
		case <-pctx.Done():
			return pollErr(ctx)
		case <-ticker.C:
		}
	}
}

func pollErr(parent context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return errPollTimeout
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
