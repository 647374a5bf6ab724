package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeEvictor struct {
	calls atomic.Int32
}

func (f *fakeEvictor) EvictStale(time.Time) { f.calls.Add(1) }

func TestJanitor_StopOnCancel(t *testing.T) {
	t.Parallel()
	j := NewJanitor(&fakeEvictor{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop after cancel")
	}
}

func TestJanitor_Name(t *testing.T) {
	t.Parallel()
	j := NewJanitor()
	if j.Name() != "janitor" {
		t.Errorf("name = %q, want janitor", j.Name())
	}
}
