// Package cache keeps reconstructed trees in Redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aquachain/api/internal/revision"
	"github.com/redis/go-redis/v9"
)

// RedisTreeCache stores encoded trees by the scoped key they were
// reconstructed from. Every entry is also listed in a per-scope set so a
// write to the scope can drop all of them at once.
type RedisTreeCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisTreeCache connects to redisURL and verifies the connection.
func NewRedisTreeCache(redisURL string, ttl time.Duration) (*RedisTreeCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisTreeCacheWithClient(client, ttl), nil
}

// NewRedisTreeCacheWithClient creates a cache from an existing Redis client
func NewRedisTreeCacheWithClient(client *redis.Client, ttl time.Duration) *RedisTreeCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisTreeCache{client: client, prefix: "aqua:", ttl: ttl}
}

func (c *RedisTreeCache) treeKey(key revision.ScopedKey) string {
	return c.prefix + "tree:" + key.String()
}

func (c *RedisTreeCache) scopeKey(scope string) string {
	return c.prefix + "scope:" + scope
}

func (c *RedisTreeCache) Get(ctx context.Context, key revision.ScopedKey) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.treeKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached tree %s: %w", key, err)
	}
	return data, true, nil
}

func (c *RedisTreeCache) Put(ctx context.Context, key revision.ScopedKey, data []byte) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.treeKey(key), data, c.ttl)
		pipe.SAdd(ctx, c.scopeKey(key.Scope), c.treeKey(key))
		pipe.Expire(ctx, c.scopeKey(key.Scope), c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache tree %s: %w", key, err)
	}
	return nil
}

// InvalidateScope drops every cached tree reconstructed from scope.
func (c *RedisTreeCache) InvalidateScope(ctx context.Context, scope string) error {
	members, err := c.client.SMembers(ctx, c.scopeKey(scope)).Result()
	if err != nil {
		return fmt.Errorf("list cached trees of %s: %w", scope, err)
	}
	keys := append(members, c.scopeKey(scope))
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate cached trees of %s: %w", scope, err)
	}
	return nil
}

// Close closes the Redis connection
func (c *RedisTreeCache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable
func (c *RedisTreeCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
