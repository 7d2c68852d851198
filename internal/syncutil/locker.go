// Package syncutil provides keyed exclusive locking.
//
// Escrow compound operations serialize on a per-escrow key through the
// Locker interface: user-triggered releases, webhook confirmations and
// sweep expirations on the same escrow must queue behind one another no
// matter which worker process they run in.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

// Locker acquires an exclusive lock for a key, respecting context
// cancellation while waiting. On success it returns an unlock function
// the caller MUST invoke. Once acquired, the critical section runs to
// completion; cancellation only applies to the wait.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// ContextShardedMutex is an in-process Locker: a fixed pool of
// channel-based mutexes that support context cancellation while
// waiting. Bounded memory regardless of how many keys are seen, at the
// cost of occasional false sharing between keys on the same shard.
//
// Suitable for single-process deployments (memory-store mode) only; a
// multi-worker deployment needs the advisory-lock Locker so triggers in
// different processes still serialize.
type ContextShardedMutex struct {
	shards [256]chanMutex
	once   sync.Once
}

// chanMutex is a mutex implemented via a buffered channel, allowing
// select{} with a context cancellation channel.
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
			m.shards[i].ch <- struct{}{} // Start unlocked.
		}
	})
}

// Lock acquires the mutex for the given key.
func (m *ContextShardedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := &m.shards[shardIdx(key)]

	select {
	case <-shard.ch:
		return func() { shard.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % 256
}

var _ Locker = (*ContextShardedMutex)(nil)
