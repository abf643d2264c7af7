// Package cache stores model responses so identical requests are answered
// without calling the model again.
package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

var errTenantRequired = errors.New("tenantID is required")

// LRUCache is the in-process cache: the whole cache in the standalone
// profile and L1 of the two-phase cache. Model responses run to tens of
// kilobytes, so it is bounded by total value bytes as well as entry count.
type LRUCache struct {
	mu         sync.Mutex
	maxEntries int
	maxBytes   int
	bytes      int
	index      map[string]*list.Element
	recency    *list.List // front is most recently used
	now        func() time.Time

	hits, misses, evictions int64
}

type lruItem struct {
	key     string
	value   []byte
	expires time.Time // zero never expires
}

// LRUOption configures an LRUCache.
type LRUOption func(*LRUCache)

// WithMaxBytes bounds the summed size of cached values. Zero is unbounded.
func WithMaxBytes(n int) LRUOption {
	return func(c *LRUCache) { c.maxBytes = n }
}

func withClock(now func() time.Time) LRUOption {
	return func(c *LRUCache) { c.now = now }
}

// NewLRUCache creates a cache holding at most maxEntries values.
func NewLRUCache(maxEntries int, opts ...LRUOption) *LRUCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	c := &LRUCache{
		maxEntries: maxEntries,
		index:      make(map[string]*list.Element),
		recency:    list.New(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func scoped(tenantID, key string) (string, error) {
	if tenantID == "" {
		return "", errTenantRequired
	}
	return tenantID + "\x00" + key, nil
}

// Get returns the value or nil on a miss. Expired values are dropped lazily.
func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	k, err := scoped(tenantID, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[k]
	if !ok {
		c.misses++
		return nil, nil
	}
	item := el.Value.(*lruItem)
	if !item.expires.IsZero() && !c.now().Before(item.expires) {
		c.drop(el)
		c.misses++
		return nil, nil
	}
	c.recency.MoveToFront(el)
	c.hits++
	return item.value, nil
}

// Set stores value for ttl. A non-positive ttl never expires. A value larger
// than the byte budget is not stored.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	k, err := scoped(tenantID, key)
	if err != nil {
		return err
	}

	var expires time.Time
	if ttl > 0 {
		expires = c.now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[k]; ok {
		c.drop(el)
	}
	if c.maxBytes > 0 && len(value) > c.maxBytes {
		return nil
	}

	c.index[k] = c.recency.PushFront(&lruItem{key: k, value: value, expires: expires})
	c.bytes += len(value)

	for c.recency.Len() > c.maxEntries || (c.maxBytes > 0 && c.bytes > c.maxBytes) {
		c.drop(c.recency.Back())
		c.evictions++
	}
	return nil
}

// Delete removes the value if present.
func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	k, err := scoped(tenantID, key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if el, ok := c.index[k]; ok {
		c.drop(el)
	}
	c.mu.Unlock()
	return nil
}

// Ping always succeeds.
func (c *LRUCache) Ping(ctx context.Context) error { return nil }

// Close empties the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	c.index = make(map[string]*list.Element)
	c.recency.Init()
	c.bytes = 0
	c.mu.Unlock()
	return nil
}

// LRUStats is a snapshot of cache occupancy and effectiveness.
type LRUStats struct {
	Entries    int   `json:"entries"`
	Bytes      int   `json:"bytes"`
	MaxEntries int   `json:"maxEntries"`
	MaxBytes   int   `json:"maxBytes,omitempty"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Evictions  int64 `json:"evictions"`
}

// Stats returns a snapshot of the cache counters.
func (c *LRUCache) Stats() LRUStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return LRUStats{
		Entries:    c.recency.Len(),
		Bytes:      c.bytes,
		MaxEntries: c.maxEntries,
		MaxBytes:   c.maxBytes,
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
	}
}

// drop unlinks el. Callers hold mu.
func (c *LRUCache) drop(el *list.Element) {
	item := c.recency.Remove(el).(*lruItem)
	delete(c.index, item.key)
	c.bytes -= len(item.value)
}
