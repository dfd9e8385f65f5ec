package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPollReturnsWhenDone(t *testing.T) {
	calls := 0
	err := poll(context.Background(), time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPollTimeout(t *testing.T) {
	start := time.Now()
	err := poll(context.Background(), time.Millisecond, 15*time.Millisecond, func(ctx context.Context) (bool, error) {
		return false, nil
	})

	assert.ErrorIs(t, err, errPollTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPollConditionError(t *testing.T) {
	boom := errors.New("boom")
	err := poll(context.Background(), time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
		return false, boom
	})

	assert.ErrorIs(t, err, boom)
}

func TestPollParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := poll(ctx, time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
		return false, nil
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestPollConditionSeesDeadline(t *testing.T) {
	err := poll(context.Background(), time.Millisecond, 10*time.Millisecond, func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})

	assert.ErrorIs(t, err, errPollTimeout)
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleep(context.Background(), 0))
}
