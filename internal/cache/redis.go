package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/errmap/internal/domain"
)

const defaultRedisPrefix = "errmap:"

// RedisCache shares cached responses between replicas. Keys are
// "<prefix><tenant>:<key>".
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects to the Redis server named in cfg and verifies the
// connection.
func NewRedisCache(cfg domain.CacheConfig) (*RedisCache, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return newRedisCache(client, cfg.RedisPrefix), nil
}

func newRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(tenantID, key string) (string, error) {
	if tenantID == "" {
		return "", errTenantRequired
	}
	return c.prefix + tenantID + ":" + key, nil
}

// Get returns the value or nil when the key does not exist.
func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	k, err := c.key(tenantID, key)
	if err != nil {
		return nil, err
	}
	val, err := c.client.Get(ctx, k).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("redis get %s: %w", k, err)
	}
	return val, nil
}

// Set stores value for ttl. A non-positive ttl never expires.
func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	k, err := c.key(tenantID, key)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, k, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", k, err)
	}
	return nil
}

// Delete unlinks the key; the server reclaims large values in the background.
func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	k, err := c.key(tenantID, key)
	if err != nil {
		return err
	}
	return c.client.Unlink(ctx, k).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
