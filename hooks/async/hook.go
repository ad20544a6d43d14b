// Package asynchook moves hook delivery off the cache's hot path.
//
// Events go into a bounded queue drained by a few workers. When the queue is
// full the event is dropped and counted; the cache never waits on a sink.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{SelfHealEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000)
//	defer hooks.Close()
//	svc, _ := tiercache.New(tiercache.Options{Remote: store, Hooks: hooks})
package asynchook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/tiercache"
)

type Hooks struct {
	inner   tiercache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ tiercache.Hooks = (*Hooks)(nil)

func New(inner tiercache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close delivers what is queued and stops the workers. Events after Close are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped counts events lost to a full queue or a closed sink.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) SelfHeal(k, r string) { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) OversizeRejected(k string, size, limit int) {
	h.try(func() { h.inner.OversizeRejected(k, size, limit) })
}
func (h *Hooks) CompressionCandidate(k string, size int) {
	h.try(func() { h.inner.CompressionCandidate(k, size) })
}
func (h *Hooks) BreakerStateChange(from, to string) {
	h.try(func() { h.inner.BreakerStateChange(from, to) })
}
func (h *Hooks) SweepFailed(p string, err error) { h.try(func() { h.inner.SweepFailed(p, err) }) }
func (h *Hooks) Operation(op string, d time.Duration, ok bool) {
	h.try(func() { h.inner.Operation(op, d, ok) })
}
