package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, 10*time.Millisecond, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SuccessOnRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_AllAttemptsExhausted(t *testing.T) {
	calls := 0
	sentinel := errors.New("always fails")
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentErrorStopsRetry(t *testing.T) {
	calls := 0
	sentinel := errors.New("bad credentials")
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(sentinel)
	})
	assert.Equal(t, sentinel, err, "permanent errors are returned unwrapped")
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), 0, time.Millisecond, func() error {
		calls++
		return errors.New("fail")
	})
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	start := time.Now()
	err := Do(ctx, 5, time.Second, func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPolicy_OnRetryAndMaxDelay(t *testing.T) {
	var waits []time.Duration
	var attempts []int
	p := Policy{
		Attempts:  4,
		BaseDelay: 4 * time.Millisecond,
		MaxDelay:  8 * time.Millisecond,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			attempts = append(attempts, attempt)
			waits = append(waits, wait)
		},
	}
	err := p.Do(context.Background(), func(context.Context) error {
		return errors.New("database is starting up")
	})
	require.Error(t, err)
	assert.Equal(t, []int{1, 2, 3}, attempts)
	require.Len(t, waits, 3)
	for _, w := range waits {
		assert.LessOrEqual(t, w, 10*time.Millisecond, "wait stays within the cap plus jitter")
		assert.GreaterOrEqual(t, w, 3*time.Millisecond)
	}
}

func TestJitter(t *testing.T) {
	assert.Equal(t, time.Duration(0), jitter(0))
	for i := 0; i < 100; i++ {
		j := jitter(100 * time.Millisecond)
		assert.GreaterOrEqual(t, j, 75*time.Millisecond)
		assert.LessOrEqual(t, j, 125*time.Millisecond)
	}
}
