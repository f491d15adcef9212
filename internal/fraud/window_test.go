package fraud

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC)

func TestMemoryWindow_CountsTrailingSpan(t *testing.T) {
	w := NewMemoryWindow(time.Minute)
	ctx := context.Background()

	var last WindowStats
	for i := 0; i < 11; i++ {
		// 11 events spread over 59 seconds all fall in one window.
		ts := t0.Add(time.Duration(i) * 59 * time.Second / 10)
		var err error
		last, err = w.Observe(ctx, "camp-1:seg-a", ts, fmt.Sprintf("user-%d", i%3))
		require.NoError(t, err)
	}
	assert.Equal(t, 11, last.Count)
	assert.Equal(t, []string{"user-0", "user-1", "user-2"}, last.UserIDs)
}

func TestMemoryWindow_SpreadEventsExpire(t *testing.T) {
	w := NewMemoryWindow(time.Minute)
	ctx := context.Background()

	max := 0
	for i := 0; i < 11; i++ {
		// 11 events over 3 minutes: at most 4 share a minute.
		ts := t0.Add(time.Duration(i) * 18 * time.Second)
		s, err := w.Observe(ctx, "k", ts, "")
		require.NoError(t, err)
		if s.Count > max {
			max = s.Count
		}
	}
	assert.LessOrEqual(t, max, 4)
}

func TestMemoryWindow_BoundaryIsInclusive(t *testing.T) {
	w := NewMemoryWindow(time.Minute)
	ctx := context.Background()

	_, err := w.Observe(ctx, "k", t0, "")
	require.NoError(t, err)
	s, err := w.Observe(ctx, "k", t0.Add(time.Minute), "")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Count)

	s, err = w.Observe(ctx, "k", t0.Add(time.Minute+time.Nanosecond), "")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Count, "the first event has left the window")
}

func TestMemoryWindow_LateEventCountsOwnWindow(t *testing.T) {
	w := NewMemoryWindow(time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := w.Observe(ctx, "k", t0.Add(time.Duration(i)*time.Second), "")
		require.NoError(t, err)
	}
	// An out-of-order event is counted against the window ending at its
	// own timestamp, so events after it are excluded.
	s, err := w.Observe(ctx, "k", t0.Add(500*time.Millisecond), "")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Count)
}

func TestMemoryWindow_KeysAreIndependent(t *testing.T) {
	w := NewMemoryWindow(time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = w.Observe(ctx, "camp-1:seg-a", t0, "")
	}
	s, err := w.Observe(ctx, "camp-1:seg-b", t0, "")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Count)
}

func TestMemoryWindow_CancelledContext(t *testing.T) {
	w := NewMemoryWindow(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Observe(ctx, "k", t0, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryWindow_Concurrent(t *testing.T) {
	w := NewMemoryWindow(time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = w.Observe(ctx, "k", t0, "")
		}()
	}
	wg.Wait()

	s, err := w.Observe(ctx, "k", t0, "")
	require.NoError(t, err)
	assert.Equal(t, 51, s.Count)
}
