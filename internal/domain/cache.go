package domain

import (
	"context"
	"time"
)

// Cache is a tenant-scoped byte store with expiry. It backs the model
// response cache. An empty tenantID is an error.
type Cache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, tenantID string, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory", "redis" or "none"
	Type string `yaml:"type"`

	// In-process LRU: entry and byte bounds, and L1 TTL in two-phase mode
	LocalMaxSize  int           `yaml:"local_max_size"`
	LocalMaxBytes int           `yaml:"local_max_bytes"`
	LocalTTL      time.Duration `yaml:"local_ttl"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`

	// EnableTwoPhase puts the LRU in front of Redis.
	EnableTwoPhase bool `yaml:"enable_two_phase"`

	// ResponseTTL is how long a model response stays reusable.
	ResponseTTL time.Duration `yaml:"response_ttl"`
}
