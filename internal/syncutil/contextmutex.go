// Package syncutil provides keyed locking for read-modify-write sequences
// that must not interleave within one process, such as device trust
// transitions for the same (user, device) pair.
package syncutil

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
)

const shardCount = 256

// ContextShardedMutex provides a fixed-size pool of channel-based mutexes
// that support context cancellation. Memory is bounded regardless of how
// many keys are seen, at the cost of occasional false sharing between keys
// that hash to the same shard.
type ContextShardedMutex struct {
	shards [shardCount]chanMutex
	once   sync.Once
}

// chanMutex is a mutex implemented via a buffered channel, allowing select{}
// with a context cancellation channel.
type chanMutex struct {
	ch chan struct{}
}

// NewContextShardedMutex creates a new context-aware sharded mutex.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{}
		}
	})
}

// LockContext acquires the mutex for the given key, respecting context cancellation.
// On success, returns an unlock function and nil error. The caller MUST call the
// unlock function when done.
// On context cancellation, returns nil and the context error.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := &m.shards[shardIdx(key)]

	select {
	case <-shard.ch:
		return func() { shard.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Key joins parts into a single lock key. Parts are separated by a byte
// that cannot appear in user or device identifiers accepted by the API.
func Key(parts ...string) string {
	return strings.Join(parts, "\x00")
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
