package gatewaycore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRequestGate_MutualExclusion(t *testing.T) {
	t.Parallel()

	g := NewRequestGate()
	const key = "acct-1\x00/v1/responses\x00gpt-5"

	var inside int32
	var maxConcurrent int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acquired, _ := g.Acquire(context.Background(), key, time.Second)
			if !acquired {
				return
			}
			defer g.Release(key, true)

			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxConcurrent)
				if n <= cur || atomic.CompareAndSwapInt32(&maxConcurrent, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	if maxConcurrent > 1 {
		t.Fatalf("max concurrent holders = %d, want at most 1", maxConcurrent)
	}
}

func TestRequestGate_DifferentScopesDoNotBlockEachOther(t *testing.T) {
	t.Parallel()

	g := NewRequestGate()
	ctx := context.Background()

	acquiredA, _ := g.Acquire(ctx, "acct-1\x00/v1/responses\x00gpt-5", time.Second)
	if !acquiredA {
		t.Fatal("expected first acquire on scope A to succeed")
	}
	defer g.Release("acct-1\x00/v1/responses\x00gpt-5", true)

	// A different path for the same key+model is a different gate scope
	// (the bug this test guards against: a literal "-" placeholder would
	// have collapsed both paths onto the same key).
	acquiredB, _ := g.Acquire(ctx, "acct-1\x00/v1/chat/completions\x00gpt-5", 100*time.Millisecond)
	if !acquiredB {
		t.Fatal("expected acquire on a distinct (key, path, model) scope to succeed without waiting on scope A")
	}
	g.Release("acct-1\x00/v1/chat/completions\x00gpt-5", true)
}

func TestRequestGate_SecondAcquireWaitsUntilReleased(t *testing.T) {
	t.Parallel()

	g := NewRequestGate()
	ctx := context.Background()
	const key = "acct-1\x00/v1/responses\x00gpt-5"

	acquired, _ := g.Acquire(ctx, key, time.Second)
	if !acquired {
		t.Fatal("expected first acquire to succeed")
	}

	acquired2, reason := g.Acquire(ctx, key, 30*time.Millisecond)
	if acquired2 {
		t.Fatal("expected second acquire to time out while the gate is held")
	}
	if reason != GateSkipWaitTimeout {
		t.Fatalf("reason = %v, want GateSkipWaitTimeout", reason)
	}

	g.Release(key, true)

	acquired3, _ := g.Acquire(ctx, key, time.Second)
	if !acquired3 {
		t.Fatal("expected acquire to succeed once the gate was released")
	}
	g.Release(key, true)
}

func TestRequestGate_ReleaseWithAcquiredFalseIsNoop(t *testing.T) {
	t.Parallel()

	g := NewRequestGate()
	ctx := context.Background()
	const key = "acct-1\x00/v1/responses\x00gpt-5"

	g.Release(key, false) // must not panic on an entry that was never created

	acquired, _ := g.Acquire(ctx, key, time.Second)
	if !acquired {
		t.Fatal("expected acquire to succeed after a no-op release")
	}
}

func TestRequestGate_EvictStaleReclaimsOnlyFreeEntries(t *testing.T) {
	t.Parallel()

	g := NewRequestGate()
	ctx := context.Background()

	acquired, _ := g.Acquire(ctx, "held", time.Second)
	if !acquired {
		t.Fatal("expected acquire on 'held' to succeed")
	}
	freeAcquired, _ := g.Acquire(ctx, "free", time.Second)
	if !freeAcquired {
		t.Fatal("expected acquire on 'free' to succeed")
	}
	g.Release("free", true)

	future := time.Now().Add(requestGateLockTTL + time.Minute)
	g.EvictStale(future)

	g.mu.Lock()
	_, heldStillPresent := g.entries["held"]
	_, freeStillPresent := g.entries["free"]
	g.mu.Unlock()

	if !heldStillPresent {
		t.Fatal("a held entry must not be evicted")
	}
	if freeStillPresent {
		t.Fatal("a stale, free entry should have been evicted")
	}
}

func TestInflightCounter_CapEnforced(t *testing.T) {
	t.Parallel()

	c := NewInflightCounter(2)

	g1, ok1 := c.TryAcquire("acct-1")
	g2, ok2 := c.TryAcquire("acct-1")
	_, ok3 := c.TryAcquire("acct-1")

	if !ok1 || !ok2 {
		t.Fatal("expected the first two acquires to succeed under a cap of 2")
	}
	if ok3 {
		t.Fatal("expected the third acquire to fail once the cap is reached")
	}
	if c.Current("acct-1") != 2 {
		t.Fatalf("Current = %d, want 2", c.Current("acct-1"))
	}

	g1.Release()
	if c.Current("acct-1") != 1 {
		t.Fatalf("Current after one release = %d, want 1", c.Current("acct-1"))
	}

	g4, ok4 := c.TryAcquire("acct-1")
	if !ok4 {
		t.Fatal("expected an acquire to succeed after a release freed capacity")
	}

	g2.Release()
	g4.Release()
}

func TestInflightGuard_ReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	c := NewInflightCounter(0)
	g, ok := c.TryAcquire("acct-1")
	if !ok {
		t.Fatal("expected acquire to succeed with no cap")
	}
	g.Release()
	g.Release()
	g.Release()

	if c.Current("acct-1") != 0 {
		t.Fatalf("Current after repeated Release = %d, want 0", c.Current("acct-1"))
	}
}
