package gatewaycore

import (
	"context"
	"time"

	"github.com/maypok86/otter/v2"
)

const (
	defaultPlatformKeyCacheCapacity = 4096
	defaultPlatformKeyCacheTTL      = 5 * time.Minute
)

// PlatformKeyCache wraps a PlatformKeyStore with an otter cache keyed by
// key hash, mirroring PromptCache's size-bounded/TTL shape so authenticate
// doesn't hit storage on every request.
type PlatformKeyCache struct {
	store PlatformKeyLookup
	cache *otter.Cache[string, PlatformKey]
}

// PlatformKeyLookup is the narrow slice of PlatformKeyStore the cache needs.
type PlatformKeyLookup interface {
	GetPlatformKeyByHash(ctx context.Context, hash string) (*PlatformKey, error)
}

// NewPlatformKeyCache returns a cache in front of store; zero values for
// capacity/ttl fall back to the defaults (4096 entries, 5m TTL).
func NewPlatformKeyCache(store PlatformKeyLookup, capacity int, ttl time.Duration) *PlatformKeyCache {
	if capacity <= 0 {
		capacity = defaultPlatformKeyCacheCapacity
	}
	if ttl <= 0 {
		ttl = defaultPlatformKeyCacheTTL
	}
	c := otter.Must(&otter.Options[string, PlatformKey]{
		MaximumSize:      capacity,
		ExpiryCalculator: otter.ExpiryWriting[string, PlatformKey](ttl),
	})
	return &PlatformKeyCache{store: store, cache: c}
}

// GetByHash returns the platform key for hash, serving from cache when
// present. A disabled or revoked key is cached the same as an active one;
// the TTL bounds how long a freshly disabled key stays reachable.
func (c *PlatformKeyCache) GetByHash(ctx context.Context, hash string) (*PlatformKey, error) {
	if v, ok := c.cache.GetIfPresent(hash); ok {
		return &v, nil
	}
	key, err := c.store.GetPlatformKeyByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	c.cache.Set(hash, *key)
	return key, nil
}

// Invalidate evicts hash from the cache, used after a key's status changes.
func (c *PlatformKeyCache) Invalidate(hash string) {
	c.cache.Invalidate(hash)
}
