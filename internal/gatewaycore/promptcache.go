package gatewaycore

import (
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"
)

const (
	defaultPromptCacheCapacity = 4096
	defaultPromptCacheTTL      = time.Hour
)

// PromptCache maps (model, user_id) -> a generated session_id, used to
// derive a sticky session header when the client sets prompt_cache_key.
// It is size-bounded with LRU eviction and TTL.
type PromptCache struct {
	cache *otter.Cache[string, string]
}

// NewPromptCache returns a prompt cache with the given capacity/TTL; zero
// values fall back to the defaults (4096 entries, 1h TTL).
func NewPromptCache(capacity int, ttl time.Duration) *PromptCache {
	if capacity <= 0 {
		capacity = defaultPromptCacheCapacity
	}
	if ttl <= 0 {
		ttl = defaultPromptCacheTTL
	}
	c := otter.Must(&otter.Options[string, string]{
		MaximumSize:      capacity,
		ExpiryCalculator: otter.ExpiryWriting[string, string](ttl),
	})
	return &PromptCache{cache: c}
}

func promptCacheKey(model, userID string) string { return model + "\x00" + userID }

// SessionIDFor returns the cached session id for (model, userID), generating
// and caching a fresh UUIDv4 on first use. TTL expiry is checked by otter on
// access, so an expired entry never survives a read.
func (p *PromptCache) SessionIDFor(model, userID string) string {
	key := promptCacheKey(model, userID)
	if v, ok := p.cache.GetIfPresent(key); ok {
		return v
	}
	id := uuid.NewString()
	p.cache.Set(key, id)
	return id
}
