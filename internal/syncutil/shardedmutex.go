package syncutil

import (
	"hash/fnv"
	"sync"
)

// ShardedMutex provides a fixed-size pool of mutexes keyed by string.
// The escrow manager uses it to serialize balance mutations per user+token:
// memory stays bounded regardless of how many keys are seen, at the cost of
// occasional false sharing between keys that hash to the same shard.
type ShardedMutex struct {
	shards [256]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[s.index(key)]
	mu.Lock()
	return mu.Unlock
}

// LockPair acquires the mutexes for two keys in shard order and returns
// a single unlock function. Keys that hash to the same shard are locked
// once, so a pair can never self-deadlock.
func (s *ShardedMutex) LockPair(a, b string) func() {
	ia, ib := s.index(a), s.index(b)
	if ia == ib {
		mu := &s.shards[ia]
		mu.Lock()
		return mu.Unlock
	}
	if ib < ia {
		ia, ib = ib, ia
	}
	first, second := &s.shards[ia], &s.shards[ib]
	first.Lock()
	second.Lock()
	return func() {
		second.Unlock()
		first.Unlock()
	}
}

func (s *ShardedMutex) index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % 256
}
