package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLocks_MutualExclusion(t *testing.T) {
	var locks KeyLocks
	var wg sync.WaitGroup
	counter := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("alert-1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
}

func TestKeyLocks_LockContextCancelled(t *testing.T) {
	var locks KeyLocks
	unlock := locks.Lock("alert-1")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	u, err := locks.LockContext(ctx, "alert-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, u)
}

func TestKeyLocks_UnlockHandsOver(t *testing.T) {
	var locks KeyLocks
	unlock, err := locks.LockContext(context.Background(), "camp-1:click_velocity")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u := locks.Lock("camp-1:click_velocity")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second caller acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second caller never acquired the released key")
	}
}
