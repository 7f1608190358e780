package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisUpdateRetries = 32

// RedisStore is a [Store] for multi-instance deployments. Per-key
// linearizability comes from an optimistic WATCH transaction retried on
// contention; keys on different slots never interact.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis-backed store. prefix namespaces all keys and
// defaults to "arl".
func NewRedisStore(redisClient redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "arl"
	}
	return &RedisStore{redis: redisClient, prefix: prefix}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + ":" + key
}

// Update applies fn under a WATCH compare-and-swap on the key.
func (s *RedisStore) Update(ctx context.Context, key string, fn UpdateFunc) (bool, error) {
	fullKey := s.key(key)

	for i := 0; i < redisUpdateRetries; i++ {
		var allowed bool

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, fullKey).Bytes()
			if err != nil {
				if !errors.Is(err, redis.Nil) {
					return err
				}
				raw = nil
			}

			next, ttl, ok, fnErr := fn(raw)
			if fnErr != nil {
				return fnErr
			}
			allowed = ok

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if next == nil {
					pipe.Del(ctx, fullKey)
					return nil
				}
				if ttl <= 0 {
					ttl = time.Hour
				}
				pipe.Set(ctx, fullKey, next, ttl)
				return nil
			})
			return err
		}, fullKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, errInvalidEntry) {
				return false, err
			}
			return false, storeErr(err)
		}
		return allowed, nil
	}

	return false, storeErr(redis.TxFailedErr)
}

// Delete removes the key. Missing keys are a no-op.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, s.key(key)).Err(); err != nil {
		return storeErr(err)
	}
	return nil
}
