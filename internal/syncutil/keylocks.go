// Package syncutil holds locking helpers shared by the fraud engine and
// alert workflow.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// KeyLocks serializes work per string key (an alert id, a campaign and
// alert type pair) using a fixed pool of shards, so memory stays bounded no
// matter how many keys are seen. Keys that share a shard also share a lock.
//
// The zero value is ready to use.
type KeyLocks struct {
	once   sync.Once
	shards [shardCount]chan struct{}
}

func (k *KeyLocks) init() {
	k.once.Do(func() {
		for i := range k.shards {
			k.shards[i] = make(chan struct{}, 1)
		}
	})
}

func (k *KeyLocks) shard(key string) chan struct{} {
	k.init()
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return k.shards[h.Sum32()%shardCount]
}

// Lock blocks until key is held and returns its unlock function.
func (k *KeyLocks) Lock(key string) func() {
	ch := k.shard(key)
	ch <- struct{}{}
	return func() { <-ch }
}

// LockContext is Lock that gives up when ctx ends. The unlock function is
// nil when an error is returned.
func (k *KeyLocks) LockContext(ctx context.Context, key string) (func(), error) {
	ch := k.shard(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
