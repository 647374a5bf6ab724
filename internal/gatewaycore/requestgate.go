package gatewaycore

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const requestGateLockTTL = 30 * time.Minute

// GateSkipReason explains why a request proceeded without the gate.
type GateSkipReason string

const (
	GateSkipNone           GateSkipReason = ""
	GateSkipWaitTimeout    GateSkipReason = "gate_wait_timeout"
	GateSkipTotalTimeout   GateSkipReason = "total_timeout"
)

type gateEntry struct {
	sem      chan struct{} // buffered 1: a held token
	lastSeen time.Time
}

// RequestGate is C5: a per-(key_id, path, model) serialization lock with
// bounded wait. It paces bursty same-scope traffic so the candidate selector
// has a chance to spread load; it is not a correctness primitive, so a
// timed-out acquisition still proceeds (skipped, not denied).
type RequestGate struct {
	mu      sync.Mutex
	entries map[string]*gateEntry
}

// NewRequestGate returns an empty request gate.
func NewRequestGate() *RequestGate {
	return &RequestGate{entries: make(map[string]*gateEntry)}
}

func (g *RequestGate) entryFor(key string, now time.Time) *gateEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[key]
	if !ok {
		e = &gateEntry{sem: make(chan struct{}, 1)}
		e.sem <- struct{}{}
		g.entries[key] = e
	}
	e.lastSeen = now
	return e
}

// Acquire attempts to take the gate for key, waiting up to
// min(waitTimeout, remaining deadline in ctx). It never denies the request:
// on timeout it returns (false, reason) and the caller proceeds unguarded.
func (g *RequestGate) Acquire(ctx context.Context, key string, waitTimeout time.Duration) (acquired bool, reason GateSkipReason) {
	now := time.Now()
	e := g.entryFor(key, now)

	select {
	case <-e.sem:
		return true, GateSkipNone
	default:
	}

	wait := waitTimeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < wait {
			wait = remaining
		}
	}
	if wait <= 0 {
		return false, GateSkipTotalTimeout
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-e.sem:
		return true, GateSkipNone
	case <-timer.C:
		if ctx.Err() != nil {
			return false, GateSkipTotalTimeout
		}
		return false, GateSkipWaitTimeout
	case <-ctx.Done():
		return false, GateSkipTotalTimeout
	}
}

// Release returns the gate token for key. Safe to call even when Acquire
// returned acquired=false (it is then a no-op on the semaphore, since no
// token was taken).
func (g *RequestGate) Release(key string, acquired bool) {
	if !acquired {
		return
	}
	g.mu.Lock()
	e, ok := g.entries[key]
	g.mu.Unlock()
	if !ok {
		return
	}
	select {
	case e.sem <- struct{}{}:
	default:
	}
}

// EvictStale reclaims gate entries untouched for requestGateLockTTL whose
// token is currently free (no outstanding holder).
func (g *RequestGate) EvictStale(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, e := range g.entries {
		if now.Sub(e.lastSeen) < requestGateLockTTL {
			continue
		}
		select {
		case <-e.sem:
			delete(g.entries, key)
		default:
			// held, leave it
		}
	}
}

// --- C6: per-account in-flight counter ---

// InflightCounter tracks concurrent requests per account and enforces an
// optional hard cap.
type InflightCounter struct {
	mu    sync.Mutex
	count map[string]*int64
	cap   int64 // 0 = disabled
}

// NewInflightCounter returns a counter with the given cap (0 = disabled).
func NewInflightCounter(maxInflight int64) *InflightCounter {
	return &InflightCounter{count: make(map[string]*int64), cap: maxInflight}
}

// TryAcquire increments the counter for accountID unless the cap is reached,
// in which case it returns a guard of ok=false and does not increment.
func (c *InflightCounter) TryAcquire(accountID string) (guard *InflightGuard, ok bool) {
	c.mu.Lock()
	ptr, exists := c.count[accountID]
	if !exists {
		var z int64
		ptr = &z
		c.count[accountID] = ptr
	}
	c.mu.Unlock()

	for {
		cur := atomic.LoadInt64(ptr)
		if c.cap > 0 && cur >= c.cap {
			return nil, false
		}
		if atomic.CompareAndSwapInt64(ptr, cur, cur+1) {
			return &InflightGuard{ptr: ptr}, true
		}
	}
}

// Current returns the current in-flight count for accountID.
func (c *InflightCounter) Current(accountID string) int64 {
	c.mu.Lock()
	ptr, exists := c.count[accountID]
	c.mu.Unlock()
	if !exists {
		return 0
	}
	return atomic.LoadInt64(ptr)
}

// InflightGuard decrements its account's in-flight counter exactly once,
// either via Release (normal path) or via Close when wrapped around a
// streamed response body so the decrement fires only once the client has
// fully consumed the stream.
type InflightGuard struct {
	ptr      *int64
	released int32
}

// Release decrements the counter. Safe to call multiple times; only the
// first call has an effect.
func (g *InflightGuard) Release() {
	if g == nil {
		return
	}
	if atomic.CompareAndSwapInt32(&g.released, 0, 1) {
		atomic.AddInt64(g.ptr, -1)
	}
}

// GuardedReadCloser wraps an upstream response body so the in-flight guard
// releases exactly once, when the stream is closed (successfully or on
// error).
type GuardedReadCloser struct {
	io.ReadCloser
	guard *InflightGuard
}

// NewGuardedReadCloser wraps body with guard.
func NewGuardedReadCloser(body io.ReadCloser, guard *InflightGuard) *GuardedReadCloser {
	return &GuardedReadCloser{ReadCloser: body, guard: guard}
}

// Close releases the guard and closes the underlying body.
func (g *GuardedReadCloser) Close() error {
	g.guard.Release()
	return g.ReadCloser.Close()
}
