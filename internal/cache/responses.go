package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/opensource-finance/errmap/internal/domain"
)

// CachedResponse is a raw model answer as stored in the cache.
type CachedResponse struct {
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	Text     string    `json:"text"`
	StoredAt time.Time `json:"storedAt"`
}

// ResponseKey fingerprints a model request. Any change to the provider,
// model or prompt produces a different key.
func ResponseKey(provider, model string, prompt ...string) string {
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(model))
	for _, p := range prompt {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return "response:" + hex.EncodeToString(h.Sum(nil))
}

// Responses reads and writes CachedResponse values on top of a Cache.
// A nil Cache or zero TTL disables it.
type Responses struct {
	cache domain.Cache
	ttl   time.Duration
}

// NewResponses wraps c with a response TTL.
func NewResponses(c domain.Cache, ttl time.Duration) *Responses {
	return &Responses{cache: c, ttl: ttl}
}

func (r *Responses) enabled() bool {
	return r != nil && r.cache != nil && r.ttl > 0
}

// Get returns the cached response for key, or nil on a miss.
func (r *Responses) Get(ctx context.Context, tenantID, key string) (*CachedResponse, error) {
	if !r.enabled() {
		return nil, nil
	}
	data, err := r.cache.Get(ctx, tenantID, key)
	if err != nil || data == nil {
		return nil, err
	}

	var resp CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Put stores resp under key.
func (r *Responses) Put(ctx context.Context, tenantID, key string, resp *CachedResponse) error {
	if !r.enabled() {
		return nil
	}
	if resp.StoredAt.IsZero() {
		resp.StoredAt = time.Now().UTC()
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return r.cache.Set(ctx, tenantID, key, data, r.ttl)
}

// Delete drops the response stored under key.
func (r *Responses) Delete(ctx context.Context, tenantID, key string) error {
	if !r.enabled() {
		return nil
	}
	return r.cache.Delete(ctx, tenantID, key)
}
