package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockContext_SerializesSamePair(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()
	key := Key("u1", "laptop")

	// loginCount is read, bumped and written back without atomics; any
	// interleaving loses increments.
	loginCount := 0
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, key)
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()
			v := loginCount
			time.Sleep(time.Microsecond)
			loginCount = v + 1
		}()
	}
	wg.Wait()

	assert.Equal(t, n, loginCount)
}

func TestLockContext_DeadlineWhileHeld(t *testing.T) {
	m := NewContextShardedMutex()
	key := Key("u1", "phone")

	unlock, err := m.LockContext(context.Background(), key)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	release, err := m.LockContext(ctx, key)
	assert.Nil(t, release)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLockContext_CancelledBeforeCall(t *testing.T) {
	m := NewContextShardedMutex()
	key := Key("u2", "tablet")

	unlock, err := m.LockContext(context.Background(), key)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.LockContext(ctx, key)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLockContext_HandsOverOnUnlock(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()
	key := Key("u1", "laptop")

	unlock, err := m.LockContext(ctx, key)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(ctx, key)
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second caller acquired the pair before it was released")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second caller never acquired the pair")
	}
}

func TestLockContext_ZeroValueUsable(t *testing.T) {
	var m ContextShardedMutex
	unlock, err := m.LockContext(context.Background(), Key("u1", "d1"))
	require.NoError(t, err)
	unlock()
}

func TestKey(t *testing.T) {
	assert.NotEqual(t, Key("ab", "c"), Key("a", "bc"))
	assert.Equal(t, Key("u1", "d1"), Key("u1", "d1"))
	assert.Equal(t, shardIdx(Key("u1", "d1")), shardIdx(Key("u1", "d1")))
	assert.Less(t, shardIdx(Key("u9", "d9")), uint32(shardCount))
}
