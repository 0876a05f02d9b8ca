package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache stores entries in Redis as JSON. Each write spreads its
// TTL by a jitter factor so entries cached in a burst do not all expire
// at the same instant.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	ttlJitter float64
}

// RedisOption configures a RedisCache.
type RedisOption func(*RedisCache)

// WithKeyPrefix namespaces all keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(c *RedisCache) { c.keyPrefix = prefix }
}

// WithTTLJitter sets the fraction by which TTLs are randomly extended,
// in [0, 1).
func WithTTLJitter(f float64) RedisOption {
	return func(c *RedisCache) {
		if f >= 0 && f < 1 {
			c.ttlJitter = f
		}
	}
}

// NewRedisCache connects to the Redis instance described by rawURL
// (redis://host:port/db).
func NewRedisCache(rawURL string, opts ...RedisOption) (*RedisCache, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := &RedisCache{
		client:    redis.NewClient(opt),
		keyPrefix: "gateway:cache:",
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// NewRedisCacheWithClient wraps an existing client, for tests.
func NewRedisCacheWithClient(client *redis.Client, opts ...RedisOption) *RedisCache {
	c := &RedisCache{client: client, keyPrefix: "gateway:cache:"}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := c.client.Get(ctx, c.keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &entry, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.keyPrefix+key, data, c.jitter(ttl)).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) jitter(ttl time.Duration) time.Duration {
	if c.ttlJitter <= 0 {
		return ttl
	}
	return ttl + time.Duration(rand.Float64()*c.ttlJitter*float64(ttl))
}
