package tiercache

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// LoadFunc returns the entries a Warmer should (re)write.
type LoadFunc func(ctx context.Context) (map[string][]byte, error)

type WarmerOptions struct {
	Interval time.Duration // 0 => 5m
	TTL      time.Duration // 0 => the backend's default
	Clock    clock.WithTicker
	Logger   Logger
}

const defaultWarmInterval = 5 * time.Minute

// Warmer periodically preloads hot entries into a Backend.
type Warmer struct {
	b        Backend
	load     LoadFunc
	interval time.Duration
	ttl      time.Duration
	clk      clock.WithTicker
	log      Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWarmer(b Backend, load LoadFunc, opts WarmerOptions) *Warmer {
	return &Warmer{
		b:        b,
		load:     load,
		interval: positive(opts.Interval, defaultWarmInterval),
		ttl:      opts.TTL,
		clk:      coalesce[clock.WithTicker](opts.Clock, clock.RealClock{}),
		log:      coalesce[Logger](opts.Logger, NopLogger{}),
	}
}

// RunOnce loads and writes one round. It returns how many entries were
// written; a failed write is logged and skipped.
func (w *Warmer) RunOnce(ctx context.Context) (int, error) {
	entries, err := w.load(ctx)
	if err != nil {
		w.log.Warn("cache warm load failed", Fields{"err": errField(err)})
		return 0, err
	}
	n := 0
	for k, v := range entries {
		if err := w.b.Set(ctx, k, v, w.ttl); err != nil {
			w.log.Debug("cache warm write failed", Fields{"key": k, "err": errField(err)})
			continue
		}
		n++
	}
	w.log.Debug("cache warmed", Fields{"written": n, "loaded": len(entries)})
	return n, nil
}

// Start runs one round immediately, then one per Interval until Stop or ctx ends.
// Calling Start on a running Warmer is a no-op.
func (w *Warmer) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	t := w.clk.NewTicker(w.interval)

	go func(done chan struct{}) {
		defer close(done)
		defer t.Stop()
		_, _ = w.RunOnce(ctx)
		for {
			select {
			case <-t.C():
				_, _ = w.RunOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}(w.done)
}

// Stop cancels the loop and waits for it to exit.
func (w *Warmer) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
