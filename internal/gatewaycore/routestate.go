package gatewaycore

import (
	"hash/fnv"
	"time"

	"github.com/maypok86/otter/v2"
)

const (
	defaultRouteStateCapacity = 4096
	defaultRouteStateTTL      = 6 * time.Hour
)

// routeStateEntry is the round-robin cursor and P2C nonce for one
// (key_id, model) scope.
type routeStateEntry struct {
	cursor uint64
	nonce  uint64
}

// RouteStateTable holds the per-(key_id, model) round-robin cursor and P2C
// nonce used by the balanced route strategy. It is size-bounded
// with LRU eviction and TTL, mirroring PromptCache's otter-backed shape.
type RouteStateTable struct {
	cache *otter.Cache[string, *routeStateEntry]
}

// NewRouteStateTable returns a route-state table with the given
// capacity/TTL; zero values fall back to the defaults (4096/6h).
func NewRouteStateTable(capacity int, ttl time.Duration) *RouteStateTable {
	if capacity <= 0 {
		capacity = defaultRouteStateCapacity
	}
	if ttl <= 0 {
		ttl = defaultRouteStateTTL
	}
	c := otter.Must(&otter.Options[string, *routeStateEntry]{
		MaximumSize:      capacity,
		ExpiryCalculator: otter.ExpiryWriting[string, *routeStateEntry](ttl),
	})
	return &RouteStateTable{cache: c}
}

func routeStateKey(keyID, model string) string { return keyID + "\x00" + model }

func (t *RouteStateTable) entryFor(keyID, model string) *routeStateEntry {
	key := routeStateKey(keyID, model)
	if e, ok := t.cache.GetIfPresent(key); ok {
		return e
	}
	e := &routeStateEntry{}
	t.cache.Set(key, e)
	return e
}

// NextCursor advances and returns the round-robin cursor for (keyID, model),
// used by the balanced route strategy to rotate the candidate list head.
// For a candidate list of size n, the returned value (cursor % n after the
// advance, so 1, 2, ..., n-1, 0, ...) identifies the new head,
// so the balanced strategy's account_ids[0] cycles through the list across
// successive calls.
func (t *RouteStateTable) NextCursor(keyID, model string, n int) int {
	if n <= 0 {
		return 0
	}
	e := t.entryFor(keyID, model)
	e.cursor++
	return int(e.cursor % uint64(n))
}

// P2CChallenger hashes a per-request nonce (advanced each call) to sample
// one challenger index within [0, window).
func (t *RouteStateTable) P2CChallenger(keyID, model string, window int) int {
	if window <= 0 {
		return 0
	}
	e := t.entryFor(keyID, model)
	e.nonce++
	h := fnv.New64a()
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(e.nonce >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return int(h.Sum64() % uint64(window))
}
