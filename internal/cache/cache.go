package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/errmap/internal/domain"
)

// New builds the cache named by cfg.Type:
//
//	"memory" (or empty)  in-process LRU
//	"redis"              Redis, fronted by an LRU when EnableTwoPhase is set
//	"none"               never hits
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory", "":
		return newLocal(cfg), nil
	case "redis":
		remote, err := NewRedisCache(cfg)
		if err != nil {
			return nil, err
		}
		if !cfg.EnableTwoPhase {
			return remote, nil
		}
		return newTwoPhase(newLocal(cfg), remote, cfg.LocalTTL), nil
	case "none":
		return NopCache{}, nil
	}
	return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
}

func newLocal(cfg domain.CacheConfig) *LRUCache {
	return NewLRUCache(cfg.LocalMaxSize, WithMaxBytes(cfg.LocalMaxBytes))
}

// TwoPhaseCache reads through a local LRU (L1) to Redis (L2). Writes go to
// both, so a response fetched by one replica is reused by the others.
type TwoPhaseCache struct {
	l1    *LRUCache
	l2    *RedisCache
	l1TTL time.Duration
}

func newTwoPhase(l1 *LRUCache, l2 *RedisCache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL <= 0 {
		l1TTL = 5 * time.Minute
	}
	return &TwoPhaseCache{l1: l1, l2: l2, l1TTL: l1TTL}
}

// localTTL caps the L1 lifetime at the entry's own TTL.
func (c *TwoPhaseCache) localTTL(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < c.l1TTL {
		return ttl
	}
	return c.l1TTL
}

func (c *TwoPhaseCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if val, err := c.l1.Get(ctx, tenantID, key); err != nil || val != nil {
		return val, err
	}
	val, err := c.l2.Get(ctx, tenantID, key)
	if err != nil || val == nil {
		return nil, err
	}
	// L2 hit: warm L1 for the next reader on this replica.
	if err := c.l1.Set(ctx, tenantID, key, val, c.l1TTL); err != nil {
		return nil, err
	}
	return val, nil
}

func (c *TwoPhaseCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if err := c.l2.Set(ctx, tenantID, key, value, ttl); err != nil {
		return err
	}
	return c.l1.Set(ctx, tenantID, key, value, c.localTTL(ttl))
}

func (c *TwoPhaseCache) Delete(ctx context.Context, tenantID string, key string) error {
	return errors.Join(
		c.l1.Delete(ctx, tenantID, key),
		c.l2.Delete(ctx, tenantID, key),
	)
}

func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.l2.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

func (c *TwoPhaseCache) Close() error {
	return errors.Join(c.l1.Close(), c.l2.Close())
}

// Stats reports the L1 counters.
func (c *TwoPhaseCache) Stats() LRUStats {
	return c.l1.Stats()
}

// NopCache never stores anything.
type NopCache struct{}

func (NopCache) Get(context.Context, string, string) ([]byte, error)              { return nil, nil }
func (NopCache) Set(context.Context, string, string, []byte, time.Duration) error { return nil }
func (NopCache) Delete(context.Context, string, string) error                     { return nil }
func (NopCache) Ping(context.Context) error                                       { return nil }
func (NopCache) Close() error                                                     { return nil }
