package gatewaycore

import (
	"sync"
	"time"
)

const routeQualityTTL = 24 * time.Hour

type routeQualityRecord struct {
	success2xx  int64
	challenge403 int64
	throttle429 int64
	updatedAt   time.Time
}

// RouteQualityTable is the C2 rolling per-account success/challenge/throttle
// counters with TTL, used by the P2C health check in the candidate loop.
type RouteQualityTable struct {
	mu      sync.Mutex
	entries map[string]*routeQualityRecord
}

// NewRouteQualityTable returns an empty route-quality table.
func NewRouteQualityTable() *RouteQualityTable {
	return &RouteQualityTable{entries: make(map[string]*routeQualityRecord)}
}

// Record updates the counters for accountID from an upstream HTTP status.
// 2xx increments success_2xx; 403 increments challenge_403; 429 increments
// throttle_429; any other status only refreshes updated_at.
func (t *RouteQualityTable) Record(accountID string, status int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[accountID]
	if e == nil {
		e = &routeQualityRecord{}
		t.entries[accountID] = e
	}
	switch {
	case status >= 200 && status < 300:
		e.success2xx++
	case status == 403:
		e.challenge403++
	case status == 429:
		e.throttle429++
	}
	e.updatedAt = now
}

// Penalty returns the account's penalty score
// (6*challenge_403 + 3*throttle_429 - 2*success_2xx). A record whose TTL has
// elapsed is dropped and 0 is returned.
func (t *RouteQualityTable) Penalty(accountID string, now time.Time) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[accountID]
	if !ok {
		return 0
	}
	if now.Sub(e.updatedAt) >= routeQualityTTL {
		delete(t.entries, accountID)
		return 0
	}
	return 6*e.challenge403 + 3*e.throttle429 - 2*e.success2xx
}
