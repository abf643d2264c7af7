package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/opensource-finance/errmap/internal/domain"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func TestLRUCache(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("SetGetDelete", func(t *testing.T) {
		c := NewLRUCache(100)
		if err := c.Set(ctx, tenantID, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		val, err := c.Get(ctx, tenantID, "key1")
		if err != nil || string(val) != "value1" {
			t.Fatalf("expected value1, got %q (%v)", val, err)
		}

		if err := c.Delete(ctx, tenantID, "key1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if val, _ := c.Get(ctx, tenantID, "key1"); val != nil {
			t.Error("expected nil after delete")
		}
		if val, _ := c.Get(ctx, tenantID, "never-set"); val != nil {
			t.Error("expected nil on miss")
		}
	})

	t.Run("Expiry", func(t *testing.T) {
		clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
		c := NewLRUCache(10, withClock(clock.now))

		_ = c.Set(ctx, tenantID, "short", []byte("a"), time.Minute)
		_ = c.Set(ctx, tenantID, "forever", []byte("b"), 0)

		clock.advance(59 * time.Second)
		if val, _ := c.Get(ctx, tenantID, "short"); val == nil {
			t.Error("expected value before expiry")
		}
		clock.advance(time.Second)
		if val, _ := c.Get(ctx, tenantID, "short"); val != nil {
			t.Error("expected nil at expiry")
		}
		clock.advance(365 * 24 * time.Hour)
		if val, _ := c.Get(ctx, tenantID, "forever"); val == nil {
			t.Error("expected non-positive ttl to never expire")
		}
		if st := c.Stats(); st.Entries != 1 {
			t.Errorf("expected expired entry dropped, got %d entries", st.Entries)
		}
	})

	t.Run("EvictsLeastRecentlyUsed", func(t *testing.T) {
		c := NewLRUCache(3)
		_ = c.Set(ctx, tenantID, "a", []byte("1"), time.Minute)
		_ = c.Set(ctx, tenantID, "b", []byte("2"), time.Minute)
		_ = c.Set(ctx, tenantID, "c", []byte("3"), time.Minute)
		_, _ = c.Get(ctx, tenantID, "a")
		_ = c.Set(ctx, tenantID, "d", []byte("4"), time.Minute)

		if val, _ := c.Get(ctx, tenantID, "b"); val != nil {
			t.Error("expected b to be evicted")
		}
		if val, _ := c.Get(ctx, tenantID, "a"); val == nil {
			t.Error("expected a to survive")
		}
		if st := c.Stats(); st.Evictions != 1 {
			t.Errorf("expected 1 eviction, got %d", st.Evictions)
		}
	})

	t.Run("ByteBudget", func(t *testing.T) {
		c := NewLRUCache(100, WithMaxBytes(10))
		_ = c.Set(ctx, tenantID, "a", []byte("aaaa"), time.Minute)
		_ = c.Set(ctx, tenantID, "b", []byte("bbbb"), time.Minute)
		_ = c.Set(ctx, tenantID, "c", []byte("cccc"), time.Minute)

		st := c.Stats()
		if st.Entries != 2 || st.Bytes != 8 {
			t.Errorf("expected 2 entries / 8 bytes, got %+v", st)
		}
		if val, _ := c.Get(ctx, tenantID, "a"); val != nil {
			t.Error("expected oldest entry evicted for space")
		}

		_ = c.Set(ctx, tenantID, "huge", make([]byte, 11), time.Minute)
		if val, _ := c.Get(ctx, tenantID, "huge"); val != nil {
			t.Error("expected oversized value to be skipped")
		}

		_ = c.Set(ctx, tenantID, "b", []byte("b"), time.Minute)
		if st := c.Stats(); st.Bytes != 5 {
			t.Errorf("expected overwrite to update byte count, got %d", st.Bytes)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		c := NewLRUCache(10)
		_ = c.Set(ctx, "tenant-001", "shared-key", []byte("one"), time.Minute)
		_ = c.Set(ctx, "tenant-002", "shared-key", []byte("two"), time.Minute)

		v1, _ := c.Get(ctx, "tenant-001", "shared-key")
		v2, _ := c.Get(ctx, "tenant-002", "shared-key")
		if string(v1) != "one" || string(v2) != "two" {
			t.Errorf("tenants share values: %q %q", v1, v2)
		}

		if err := c.Set(ctx, "", "key", nil, time.Minute); err == nil {
			t.Error("expected error for empty tenantID")
		}
		if _, err := c.Get(ctx, "", "key"); err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("HitMissCounters", func(t *testing.T) {
		c := NewLRUCache(50)
		_ = c.Set(ctx, tenantID, "k1", []byte("v1"), time.Minute)
		_, _ = c.Get(ctx, tenantID, "k1")
		_, _ = c.Get(ctx, tenantID, "k1")
		_, _ = c.Get(ctx, tenantID, "k2")

		st := c.Stats()
		if st.Hits != 2 || st.Misses != 1 || st.MaxEntries != 50 {
			t.Errorf("unexpected stats %+v", st)
		}
	})

	t.Run("Close", func(t *testing.T) {
		c := NewLRUCache(10)
		_ = c.Set(ctx, tenantID, "k", []byte("v"), time.Minute)
		if err := c.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		if val, _ := c.Get(ctx, tenantID, "k"); val != nil {
			t.Error("expected cache to be cleared after close")
		}
		if st := c.Stats(); st.Bytes != 0 {
			t.Errorf("expected byte count reset, got %d", st.Bytes)
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100,
		}

		cache, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		_, ok := cache.(*LRUCache)
		if !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("NoneType", func(t *testing.T) {
		cache, err := New(domain.CacheConfig{Type: "none"})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		_ = cache.Set(context.Background(), "tenant-001", "k", []byte("v"), time.Minute)
		val, _ := cache.Get(context.Background(), "tenant-001", "k")
		if val != nil {
			t.Error("expected none cache to never hit")
		}
	})

	t.Run("RedisTwoPhase", func(t *testing.T) {
		mr := miniredis.RunT(t)

		cache, err := New(domain.CacheConfig{
			Type:           "redis",
			RedisAddr:      mr.Addr(),
			EnableTwoPhase: true,
			LocalMaxSize:   10,
		})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*TwoPhaseCache); !ok {
			t.Error("expected TwoPhaseCache for redis with two-phase enabled")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type: "memcached",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestTwoPhaseCache(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	remote, err := NewRedisCache(domain.CacheConfig{RedisAddr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedisCache failed: %v", err)
	}
	c := newTwoPhase(NewLRUCache(10), remote, time.Minute)
	defer c.Close()

	t.Run("WritesBothLevels", func(t *testing.T) {
		if err := c.Set(ctx, tenantID, "k1", []byte("v1"), time.Hour); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if !mr.Exists("errmap:tenant-001:k1") {
			t.Error("expected key in redis under the errmap prefix")
		}
		if mr.TTL("errmap:tenant-001:k1") != time.Hour {
			t.Errorf("expected redis TTL of one hour, got %v", mr.TTL("errmap:tenant-001:k1"))
		}
	})

	t.Run("L2HitPopulatesL1", func(t *testing.T) {
		if err := remote.Set(ctx, tenantID, "k2", []byte("v2"), time.Hour); err != nil {
			t.Fatalf("remote Set failed: %v", err)
		}
		val, err := c.Get(ctx, tenantID, "k2")
		if err != nil || string(val) != "v2" {
			t.Fatalf("expected v2 from L2, got %q (%v)", val, err)
		}
		local, _ := c.l1.Get(ctx, tenantID, "k2")
		if string(local) != "v2" {
			t.Error("expected L1 to be populated after L2 hit")
		}
	})

	t.Run("DeleteBothLevels", func(t *testing.T) {
		_ = c.Set(ctx, tenantID, "k3", []byte("v3"), time.Hour)
		if err := c.Delete(ctx, tenantID, "k3"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		val, _ := c.Get(ctx, tenantID, "k3")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := c.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})
}

func TestResponses(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("KeyChangesWithInputs", func(t *testing.T) {
		k1 := ResponseKey("anthropic", "m1", "system", "user")
		k2 := ResponseKey("anthropic", "m1", "system", "user")
		k3 := ResponseKey("anthropic", "m2", "system", "user")
		k4 := ResponseKey("anthropic", "m1", "systemuser", "")
		if k1 != k2 {
			t.Error("expected identical requests to share a key")
		}
		if k1 == k3 || k1 == k4 {
			t.Error("expected different requests to have different keys")
		}
	})

	t.Run("PutAndGet", func(t *testing.T) {
		r := NewResponses(NewLRUCache(10), time.Hour)
		key := ResponseKey("gemini", "gemini-2.5-pro", "prompt")

		miss, err := r.Get(ctx, tenantID, key)
		if err != nil || miss != nil {
			t.Fatalf("expected miss, got %+v (%v)", miss, err)
		}

		if err := r.Put(ctx, tenantID, key, &CachedResponse{Provider: "gemini", Model: "gemini-2.5-pro", Text: "direction,internal_code"}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		hit, err := r.Get(ctx, tenantID, key)
		if err != nil || hit == nil {
			t.Fatalf("expected hit, got %v", err)
		}
		if hit.Text != "direction,internal_code" || hit.StoredAt.IsZero() {
			t.Errorf("unexpected cached response %+v", hit)
		}
	})

	t.Run("DisabledWithoutTTL", func(t *testing.T) {
		lru := NewLRUCache(10)
		r := NewResponses(lru, 0)
		_ = r.Put(ctx, tenantID, "k", &CachedResponse{Text: "x"})
		if st := lru.Stats(); st.Entries != 0 {
			t.Errorf("expected nothing stored, got %d entries", st.Entries)
		}
		var nilResponses *Responses
		if got, err := nilResponses.Get(ctx, tenantID, "k"); got != nil || err != nil {
			t.Error("expected nil Responses to miss")
		}
	})
}
