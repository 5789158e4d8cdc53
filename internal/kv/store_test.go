package kv

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSetGetDelete(t *testing.T) {
	s := New(time.Hour)
	defer s.Close()

	s.Set("k", json.RawMessage(`"v"`))
	v, ok := s.Get("k")
	require.True(t, ok)
	assert.JSONEq(t, `"v"`, string(v))

	s.Delete("k")
	_, ok = s.Get("k")
	assert.False(t, ok)
}

func TestStoreTTLExpiry(t *testing.T) {
	s := New(time.Hour)
	defer s.Close()

	s.SetWithTTL("k", json.RawMessage(`1`), -1)
	_, ok := s.Get("k")
	assert.True(t, ok, "a non-positive ttl is treated as no expiry by SetWithTTL, not immediate expiry")

	s.SetWithTTL("k2", json.RawMessage(`1`), 0)
	assert.True(t, s.Exists("k2"))
}

func TestStoreIncrementUnderContention(t *testing.T) {
	s := New(time.Hour)
	defer s.Close()

	const goroutines = 100
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Increment("counter", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	raw, ok := s.Get("counter")
	require.True(t, ok)
	var n int64
	require.NoError(t, json.Unmarshal(raw, &n))
	assert.Equal(t, int64(goroutines), n)
}

func TestStoreAtomicUpdateSerialisesSameKey(t *testing.T) {
	s := New(time.Hour)
	defer s.Close()

	const goroutines = 50
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AtomicUpdate("k", 0, func(cur json.RawMessage, ok bool) (json.RawMessage, any, error) {
				var n int64
				if ok {
					_ = json.Unmarshal(cur, &n)
				}
				n++
				return json.RawMessage([]byte(itoaForTest(n))), nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	raw, ok := s.Get("k")
	require.True(t, ok)
	assert.JSONEq(t, itoaForTest(goroutines), string(raw))
}

func TestStoreKeysWithPrefix(t *testing.T) {
	s := New(time.Hour)
	defer s.Close()

	s.Set("rate_limit:1.2.3.4:client", json.RawMessage(`1`))
	s.Set("rate_limit:5.6.7.8:client", json.RawMessage(`1`))
	s.Set("ban:1.2.3.4", json.RawMessage(`1`))

	keys := s.KeysWithPrefix("rate_limit:")
	assert.Len(t, keys, 2)
}

func itoaForTest(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
