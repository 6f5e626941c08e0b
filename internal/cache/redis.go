package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/resolvd/resolvd/internal/logging"
)

// RedisStore implements Store on a Redis client. Transport failures are
// logged at debug level and degrade to miss/noop.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store backed by Redis.
func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb}
}

// NewRedisStoreFromClient wraps an existing client (shared with the
// scheduler's job store).
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.Debug("cache get degraded to miss", "key", key, logging.Err(err))
		}
		return nil, false
	}
	return val, true
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		logging.Debug("cache set dropped", "key", key, logging.Err(err))
	}
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		logging.Debug("cache delete dropped", "keys", len(keys), logging.Err(err))
	}
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) []string {
	var out []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		logging.Debug("cache scan degraded", "pattern", pattern, logging.Err(err))
		return nil
	}
	return out
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
