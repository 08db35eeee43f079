package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// RedisStore backs the limiter with a shared Redis instance so multiple
// relay replicas enforce one quota. Keys are window-scoped; expiry is set
// to twice the window so a key outlives its own window and then vanishes
// without an explicit sweep.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Increment atomically adds one request to key and returns the new count.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	now := time.Now()
	rkey := redisKeyPrefix + key

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, rkey)
	pipe.ExpireNX(ctx, rkey, window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, err
	}
	// Reported reset is one window out rather than the exact bucket edge;
	// close enough for Retry-After style hints.
	return incr.Val(), now.Add(window), nil
}

// Sweep is a no-op: Redis evicts window keys through their TTL.
func (s *RedisStore) Sweep(context.Context, time.Time) {}
