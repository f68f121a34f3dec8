package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKey = "alttext:usage"

// RedisCache shares the usage snapshot between the worker and API processes.
// The key TTL is twice the freshness window; entries past the window are
// still readable but fail the Fresh check, matching the memory cache.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context) (Snapshot, bool, error) {
	raw, err := c.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("usage cache get: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, false, fmt.Errorf("usage cache decode: %w", err)
	}
	return s, true, nil
}

func (c *RedisCache) Put(ctx context.Context, s Snapshot) error {
	s.CachedAt = time.Now()
	s = s.Normalize()
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("usage cache encode: %w", err)
	}
	if err := c.client.Set(ctx, redisKey, raw, 2*FreshnessWindow).Err(); err != nil {
		return fmt.Errorf("usage cache put: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, redisKey).Err(); err != nil {
		return fmt.Errorf("usage cache invalidate: %w", err)
	}
	return nil
}

var _ Cache = (*RedisCache)(nil)
