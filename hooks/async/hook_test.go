package asynchook

import (
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/tiercache"
)

type countHooks struct {
	tiercache.NopHooks
	mu    sync.Mutex
	ops   int
	gate  chan struct{}
	heals []string
}

func (c *countHooks) Operation(string, time.Duration, bool) {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	c.ops++
	c.mu.Unlock()
}

func (c *countHooks) SelfHeal(k, _ string) {
	c.mu.Lock()
	c.heals = append(c.heals, k)
	c.mu.Unlock()
}

func TestDeliversAndDrainsOnClose(t *testing.T) {
	inner := &countHooks{}
	h := New(inner, 2, 64)
	for i := 0; i < 50; i++ {
		h.Operation("get", time.Millisecond, true)
	}
	h.SelfHeal("user:1", "value_decode")
	h.Close()

	if inner.ops != 50 || len(inner.heals) != 1 {
		t.Fatalf("delivered ops=%d heals=%v", inner.ops, inner.heals)
	}
	if h.Dropped() != 0 {
		t.Fatalf("dropped=%d", h.Dropped())
	}

	h.Operation("get", 0, true) // after Close
	if h.Dropped() != 1 {
		t.Fatalf("event after Close not counted as dropped")
	}
	h.Close()
}

// TestDropsWhenFull verifies a stuck sink never blocks the caller.
func TestDropsWhenFull(t *testing.T) {
	inner := &countHooks{gate: make(chan struct{})}
	h := New(inner, 1, 2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Operation("set", 0, true)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("caller blocked on a full queue")
	}
	// at most one in the worker plus two queued
	if h.Dropped() < 7 {
		t.Fatalf("dropped=%d want >= 7", h.Dropped())
	}
	close(inner.gate)
	h.Close()
}
