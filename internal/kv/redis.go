package kv

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bcon/bcon-server/internal/bconerr"
)

// RedisBackend stores entries in Redis, using the server's own key TTL
// for expiry instead of duplicating expires_at bookkeeping client-side.
// Selected by BCON_KV_BACKEND=redis; see buildKVStore in cmd/bcon-server.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend connects to addr (host:port) and returns a backend
// ready for use. keyPrefix namespaces every key this backend touches,
// letting one Redis instance serve multiple broker deployments.
func NewRedisBackend(addr, password string, db int, keyPrefix string) *RedisBackend {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisBackend{client: client, prefix: keyPrefix}
}

func (r *RedisBackend) fullKey(key string) string { return r.prefix + key }

func (r *RedisBackend) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}

func (r *RedisBackend) Get(key string) (json.RawMessage, bool) {
	ctx, cancel := r.ctx()
	defer cancel()
	v, err := r.client.Get(ctx, r.fullKey(key)).Bytes()
	if errors.Is(err, redis.Nil) || err != nil {
		return nil, false
	}
	return json.RawMessage(v), true
}

func (r *RedisBackend) Set(key string, value json.RawMessage) {
	r.SetWithTTL(key, value, 0)
}

func (r *RedisBackend) SetWithTTL(key string, value json.RawMessage, ttlSeconds int64) {
	ctx, cancel := r.ctx()
	defer cancel()
	var exp time.Duration
	if ttlSeconds > 0 {
		exp = time.Duration(ttlSeconds) * time.Second
	}
	r.client.Set(ctx, r.fullKey(key), []byte(value), exp)
}

func (r *RedisBackend) Delete(key string) {
	ctx, cancel := r.ctx()
	defer cancel()
	r.client.Del(ctx, r.fullKey(key))
}

func (r *RedisBackend) Exists(key string) bool {
	ctx, cancel := r.ctx()
	defer cancel()
	n, err := r.client.Exists(ctx, r.fullKey(key)).Result()
	return err == nil && n > 0
}

func (r *RedisBackend) Keys() []string {
	return r.KeysWithPrefix("")
}

func (r *RedisBackend) KeysWithPrefix(prefix string) []string {
	ctx, cancel := r.ctx()
	defer cancel()
	full := r.prefix + prefix + "*"
	var out []string
	iter := r.client.Scan(ctx, 0, full, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val()[len(r.prefix):])
	}
	return out
}

func (r *RedisBackend) Size() int {
	return len(r.Keys())
}

func (r *RedisBackend) Increment(key string, delta int64) (int64, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	v, err := r.client.IncrBy(ctx, r.fullKey(key), delta).Result()
	if err != nil {
		return 0, bconerr.StorageErr("redis incrby failed for key "+key, err)
	}
	return v, nil
}

// AtomicUpdate implements the same per-key read-modify-write contract as
// Store, using Redis optimistic transactions (WATCH/MULTI/EXEC) instead
// of an in-process mutex: a concurrent writer on the same key causes the
// transaction to abort and this call retries.
func (r *RedisBackend) AtomicUpdate(key string, ttlSeconds int64, fn UpdateFunc) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	full := r.fullKey(key)

	const maxAttempts = 20
	var result any
	for attempt := 0; attempt < maxAttempts; attempt++ {
		txErr := r.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.Get(ctx, full).Bytes()
			ok := true
			if errors.Is(err, redis.Nil) {
				ok = false
				cur = nil
			} else if err != nil {
				return err
			}

			next, res, err := fn(json.RawMessage(cur), ok)
			if err != nil {
				return err
			}
			result = res

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				var exp time.Duration
				if ttlSeconds > 0 {
					exp = time.Duration(ttlSeconds) * time.Second
				}
				pipe.Set(ctx, full, []byte(next), exp)
				return nil
			})
			return err
		}, full)

		if txErr == nil {
			return result, nil
		}
		if errors.Is(txErr, redis.TxFailedErr) {
			continue
		}
		return nil, bconerr.StorageErr("redis atomic update failed for key "+key, txErr)
	}
	return nil, bconerr.StorageErr("redis atomic update exhausted retries for key "+key+" after "+strconv.Itoa(maxAttempts)+" attempts", nil)
}

var _ Backend = (*RedisBackend)(nil)
