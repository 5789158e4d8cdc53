// Package kv implements the broker's in-memory keyed store: TTL expiry,
// access bookkeeping, and truly atomic per-key read-modify-write. This is
// the single source of truth backing the rate limiter and ban state.
package kv

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bcon/bcon-server/internal/bconerr"
	"github.com/bcon/bcon-server/internal/concurrent"
	"github.com/bcon/bcon-server/internal/logger"
)

// Entry is one stored value and its bookkeeping fields.
type Entry struct {
	Value        json.RawMessage
	CreatedAt    uint64
	ExpiresAt    *uint64
	AccessCount  uint64
	LastAccessed uint64
}

func (e Entry) expired(now uint64) bool {
	return e.ExpiresAt != nil && now > *e.ExpiresAt
}

// Backend is the storage contract the rate limiter, ban tracker and
// anything else built on top of the KV store depends on. Store is the
// default in-memory implementation; RedisBackend (see redis.go) is an
// alternate implementation for operators who want rate-limit and ban
// state to survive a broker restart.
type Backend interface {
	Get(key string) (json.RawMessage, bool)
	Set(key string, value json.RawMessage)
	SetWithTTL(key string, value json.RawMessage, ttlSeconds int64)
	Delete(key string)
	Exists(key string) bool
	Keys() []string
	KeysWithPrefix(prefix string) []string
	Size() int
	Increment(key string, delta int64) (int64, error)
	AtomicUpdate(key string, ttlSeconds int64, fn UpdateFunc) (any, error)
}

// Store is the broker's keyed store. Construct with New.
type Store struct {
	data            *concurrent.Map[string, Entry]
	cleanupInterval time.Duration
	stopCh          chan struct{}
	closed          atomic.Bool
}

// New constructs a store and starts its background TTL sweep.
// cleanupInterval defaults to 5 minutes when zero.
func New(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	s := &Store{
		data:            concurrent.NewMap[string, Entry](),
		cleanupInterval: cleanupInterval,
		stopCh:          make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func nowSec() uint64 { return uint64(time.Now().Unix()) }

// Close stops the background sweep. Safe to call once.
func (s *Store) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.stopCh)
	}
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *Store) sweepExpired() {
	now := nowSec()
	removed := 0
	for _, key := range s.data.Keys() {
		s.data.WithLock(key, func(cur Entry, ok bool) (Entry, bool) {
			if ok && cur.expired(now) {
				removed++
				return Entry{}, true
			}
			return cur, false
		})
	}
	if removed > 0 {
		logger.KV().Debug().Int("removed", removed).Msg("expired entries swept")
	}
}

// Set stores value under key with no expiry.
func (s *Store) Set(key string, value json.RawMessage) {
	s.SetWithTTL(key, value, 0)
}

// SetWithTTL stores value under key, expiring ttl seconds from now. A
// zero or negative ttl means no expiry.
func (s *Store) SetWithTTL(key string, value json.RawMessage, ttlSeconds int64) {
	now := nowSec()
	entry := Entry{Value: value, CreatedAt: now, AccessCount: 0, LastAccessed: now}
	if ttlSeconds > 0 {
		exp := now + uint64(ttlSeconds)
		entry.ExpiresAt = &exp
	}
	s.data.Set(key, entry)
}

// Get returns the value for key, lazily evicting it if expired. A read
// updates access bookkeeping as a side effect.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	var value json.RawMessage
	var found bool
	now := nowSec()
	s.data.WithLock(key, func(cur Entry, ok bool) (Entry, bool) {
		if !ok {
			return cur, false
		}
		if cur.expired(now) {
			return Entry{}, true
		}
		cur.AccessCount++
		cur.LastAccessed = now
		value = cur.Value
		found = true
		return cur, false
	})
	return value, found
}

// Delete removes key. A second call is a no-op.
func (s *Store) Delete(key string) {
	s.data.Delete(key)
}

// Exists reports whether key is present and unexpired.
func (s *Store) Exists(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Keys returns a snapshot of all live (unexpired) keys.
func (s *Store) Keys() []string {
	now := nowSec()
	var keys []string
	s.data.Range(func(k string, v Entry) bool {
		if !v.expired(now) {
			keys = append(keys, k)
		}
		return true
	})
	return keys
}

// KeysWithPrefix returns all live keys starting with prefix.
func (s *Store) KeysWithPrefix(prefix string) []string {
	var out []string
	for _, k := range s.Keys() {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

// Size returns the number of live keys.
func (s *Store) Size() int {
	return len(s.Keys())
}

// Increment adds delta to the integer stored at key (creating it at 0 if
// absent) and returns the new value. It errors if the existing value is
// not an integer. The whole read-modify-write cycle is serialised per
// key, so concurrent increments on the same key never lose an update.
func (s *Store) Increment(key string, delta int64) (int64, error) {
	var result int64
	var outErr error
	s.data.WithLock(key, func(cur Entry, ok bool) (Entry, bool) {
		now := nowSec()
		var current int64
		if ok && !cur.expired(now) {
			if err := json.Unmarshal(cur.Value, &current); err != nil {
				outErr = bconerr.StorageErr("value at key is not an integer: "+key, err)
				return cur, false
			}
		}
		current += delta
		result = current
		raw := json.RawMessage(strconv.FormatInt(current, 10))
		next := Entry{Value: raw, CreatedAt: now, AccessCount: 0, LastAccessed: now}
		if ok && !cur.expired(now) {
			next.CreatedAt = cur.CreatedAt
			next.ExpiresAt = cur.ExpiresAt
		}
		return next, false
	})
	if outErr != nil {
		return 0, outErr
	}
	return result, nil
}

// UpdateFunc computes the next value (and an arbitrary caller-defined
// result) from the current value of a key. ok is false when the key is
// absent or expired.
type UpdateFunc func(current json.RawMessage, ok bool) (next json.RawMessage, result any, err error)

// AtomicUpdate reads then writes key under a per-key critical section:
// concurrent updaters on the same key are serialised, updates on
// distinct keys proceed in parallel. ttlSeconds, when positive, refreshes
// the entry's expiry; zero preserves whatever expiry (if any) the entry
// already had.
func (s *Store) AtomicUpdate(key string, ttlSeconds int64, fn UpdateFunc) (any, error) {
	var result any
	var outErr error
	s.data.WithLock(key, func(cur Entry, ok bool) (Entry, bool) {
		now := nowSec()
		live := ok && !cur.expired(now)
		var curValue json.RawMessage
		if live {
			curValue = cur.Value
		}
		next, res, err := fn(curValue, live)
		if err != nil {
			outErr = err
			return cur, false
		}
		result = res
		entry := Entry{Value: next, CreatedAt: now, AccessCount: 0, LastAccessed: now}
		if live {
			entry.CreatedAt = cur.CreatedAt
			entry.ExpiresAt = cur.ExpiresAt
		}
		if ttlSeconds > 0 {
			exp := now + uint64(ttlSeconds)
			entry.ExpiresAt = &exp
		}
		return entry, false
	})
	if outErr != nil {
		return nil, outErr
	}
	return result, nil
}

var _ Backend = (*Store)(nil)
