package lineage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisCache shares correlation lookups between backbone instances.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// Compile-time interface check.
var _ Cache = (*RedisCache)(nil)

// NewRedisCache creates a cache on an existing client. Keys are written as
// "<prefix><event id>"; an empty prefix uses "backbone:corr:".
func NewRedisCache(client *redis.Client, ttl time.Duration, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "backbone:corr:"
	}
	return &RedisCache{client: client, ttl: ttl, prefix: prefix}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, eventID string) (string, bool, error) {
	v, err := c.client.Get(ctx, c.prefix+eventID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis get %s: %w", eventID, err)
	}
	return v, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, eventID, correlationID string) error {
	if err := c.client.Set(ctx, c.prefix+eventID, correlationID, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", eventID, err)
	}
	return nil
}

// Delete implements Cache.
func (c *RedisCache) Delete(ctx context.Context, eventID string) error {
	if err := c.client.Del(ctx, c.prefix+eventID).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", eventID, err)
	}
	return nil
}
