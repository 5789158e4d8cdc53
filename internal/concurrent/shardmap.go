// Package concurrent provides a sharded, mutex-guarded map used in place
// of a DashMap-style concurrent map: updates to distinct keys proceed in
// parallel, updates to the same key are serialised by that key's shard
// lock, and the whole structure never exposes a lock across a channel
// send or other suspension point.
package concurrent

import (
	"hash/maphash"
	"sync"
)

const defaultShardCount = 32

// Map is a sharded map safe for concurrent use. Zero value is not usable;
// construct with NewMap.
type Map[K comparable, V any] struct {
	seed   maphash.Seed
	shards []*shard[K, V]
}

type shard[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]V
}

// NewMap constructs a sharded map ready for use.
func NewMap[K comparable, V any]() *Map[K, V] {
	m := &Map[K, V]{seed: maphash.MakeSeed()}
	m.shards = make([]*shard[K, V], defaultShardCount)
	for i := range m.shards {
		m.shards[i] = &shard[K, V]{m: make(map[K]V)}
	}
	return m
}

func (m *Map[K, V]) shardFor(key K) *shard[K, V] {
	h := maphash.Comparable(m.seed, key)
	return m.shards[h%uint64(len(m.shards))]
}

// Get returns the value for key and whether it was present.
func (m *Map[K, V]) Get(key K) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

// Set stores value under key.
func (m *Map[K, V]) Set(key K, value V) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}

// Delete removes key, reporting whether it was present.
func (m *Map[K, V]) Delete(key K) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[key]
	delete(s.m, key)
	return ok
}

// WithLock runs fn while holding the per-key shard lock, allowing callers
// to implement an atomic read-modify-write cycle on a single key without
// a separate read then write (which would race). fn receives the current
// value and whether it was present, and returns the value to store (or
// leave alone if remove is true) and whether to remove the key entirely.
func (m *Map[K, V]) WithLock(key K, fn func(current V, ok bool) (next V, remove bool)) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.m[key]
	next, remove := fn(cur, ok)
	if remove {
		delete(s.m, key)
		return
	}
	s.m[key] = next
}

// Len returns the total number of entries across all shards.
func (m *Map[K, V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}

// Keys returns a snapshot of all keys currently stored.
func (m *Map[K, V]) Keys() []K {
	keys := make([]K, 0, m.Len())
	for _, s := range m.shards {
		s.mu.Lock()
		for k := range s.m {
			keys = append(keys, k)
		}
		s.mu.Unlock()
	}
	return keys
}

// Range calls fn for every entry. fn must not call back into the map for
// the same key while holding the iteration (Range copies each shard's
// contents before releasing its lock to avoid nested-lock deadlocks).
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	for _, s := range m.shards {
		s.mu.Lock()
		snapshot := make(map[K]V, len(s.m))
		for k, v := range s.m {
			snapshot[k] = v
		}
		s.mu.Unlock()
		for k, v := range snapshot {
			if !fn(k, v) {
				return
			}
		}
	}
}
