//go:build integration

package fraud

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidsense/bidengine/internal/testutil"
)

func TestRedisWindow_CountsTrailingSpan(t *testing.T) {
	client, cleanup := testutil.RedisTest(t)
	defer cleanup()

	w := NewRedisWindow(client, time.Minute, "test:"+uuid.NewString()+":")
	ctx := context.Background()

	var last WindowStats
	for i := 0; i < 11; i++ {
		var err error
		last, err = w.Observe(ctx, "camp-1:seg-a", t0.Add(time.Duration(i)*5*time.Second), "user-1")
		require.NoError(t, err)
	}
	assert.Equal(t, 11, last.Count)
	assert.Equal(t, []string{"user-1"}, last.UserIDs)

	s, err := w.Observe(ctx, "camp-1:seg-a", t0.Add(3*time.Minute), "user-2")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Count)
	assert.Equal(t, []string{"user-2"}, s.UserIDs)
}

func TestRedisWindow_SameInstantEventsAreDistinct(t *testing.T) {
	client, cleanup := testutil.RedisTest(t)
	defer cleanup()

	w := NewRedisWindow(client, time.Minute, "test:"+uuid.NewString()+":")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := w.Observe(ctx, "k", t0, "")
		require.NoError(t, err)
	}
	s, err := w.Observe(ctx, "k", t0, "")
	require.NoError(t, err)
	assert.Equal(t, 4, s.Count)
	assert.Empty(t, s.UserIDs)
}
