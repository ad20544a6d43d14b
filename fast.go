package tiercache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/tiercache/breaker"
	"github.com/unkn0wn-root/tiercache/keys"
	pr "github.com/unkn0wn-root/tiercache/provider"
	"github.com/unkn0wn-root/tiercache/provider/local"
)

// Fast puts a short-lived in-process tier in front of a Service.
//
// Reads try the local tier first and fill it from remote hits. Writes go to
// the remote tier first and are mirrored locally with the fixed local TTL.
// Other processes' local tiers are never invalidated; they age out.
type Fast struct {
	svc       *Service
	local     pr.Provider
	ownsLocal bool
	localTTL  time.Duration
	log       Logger

	localHits   atomic.Int64
	localMisses atomic.Int64
}

var _ Backend = (*Fast)(nil)

// LocalStats counts lookups answered by the local tier alone.
type LocalStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

func NewFast(svc *Service, opts FastOptions) *Fast {
	f := &Fast{
		svc:      svc,
		local:    opts.Local,
		localTTL: positive(opts.LocalTTL, DefaultLocalTTL),
		log:      coalesce[Logger](opts.Logger, svc.log),
	}
	if f.local == nil {
		f.local = local.New(local.Config{
			MaxEntries: opts.LocalMaxEntries,
			DefaultTTL: f.localTTL,
			Clock:      opts.Clock,
		})
		f.ownsLocal = true
	}
	return f
}

// Service returns the remote-tier service behind f.
func (f *Fast) Service() *Service { return f.svc }

func (f *Fast) Get(ctx context.Context, key string) ([]byte, bool) {
	if !f.svc.enabled {
		return nil, false
	}
	if err := keys.ValidateKey(key); err != nil {
		f.svc.countError()
		f.log.Debug("get rejected", Fields{"err": errField(err)})
		return nil, false
	}

	v, ok, err := f.local.Get(ctx, key)
	if err != nil {
		f.log.Debug("local get failed", Fields{"key": key, "err": errField(err)})
	}
	if ok {
		f.localHits.Add(1)
		f.svc.m.hits.Add(1)
		return v, true
	}
	f.localMisses.Add(1)

	v, ok = f.svc.Get(ctx, key)
	if !ok {
		return nil, false
	}
	f.mirror(ctx, key, v)
	return v, true
}

// Set writes through to the remote tier, then mirrors locally. A value the
// remote tier did not take (oversize, disabled) is not mirrored. On a failed
// remote write the local copy is dropped.
func (f *Fast) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	stored, err := f.svc.set(ctx, key, value, ttl)
	if err != nil {
		if key != "" {
			_ = f.local.Del(ctx, key)
		}
		return err
	}
	if stored {
		f.mirror(ctx, key, value)
	}
	return nil
}

func (f *Fast) mirror(ctx context.Context, key string, value []byte) {
	ok, err := f.local.Set(ctx, key, value, int64(len(value)), f.localTTL)
	if err != nil || !ok {
		f.log.Debug("local set rejected", Fields{"key": key, "err": errField(err)})
	}
}

// Delete always removes the local copy; the remote error, if any, is returned.
func (f *Fast) Delete(ctx context.Context, key string) error {
	if err := keys.ValidateKey(key); err != nil {
		return err
	}
	_ = f.local.Del(ctx, key)
	return f.svc.Delete(ctx, key)
}

// InvalidateByPattern sweeps this process's local tier (when the provider can
// match patterns) and then the remote tier. The count is remote deletions.
func (f *Fast) InvalidateByPattern(ctx context.Context, pattern string) (int, error) {
	if err := keys.ValidatePattern(pattern); err != nil {
		return 0, err
	}
	if pd, ok := f.local.(pr.PatternDeleter); ok {
		if n := pd.DeletePattern(pattern); n > 0 {
			f.log.Debug("local pattern sweep", Fields{"pattern": pattern, "deleted": n})
		}
	} else if cl, ok := f.local.(pr.Clearer); ok {
		cl.Clear()
	}
	return f.svc.InvalidateByPattern(ctx, pattern)
}

func (f *Fast) LocalStats() LocalStats {
	return LocalStats{Hits: f.localHits.Load(), Misses: f.localMisses.Load()}
}

func (f *Fast) HealthCheck(ctx context.Context) bool { return f.svc.HealthCheck(ctx) }
func (f *Fast) Metrics() MetricsSnapshot             { return f.svc.Metrics() }
func (f *Fast) ResetMetrics()                        { f.svc.ResetMetrics() }
func (f *Fast) HitRate() float64                     { return f.svc.HitRate() }
func (f *Fast) BreakerState() breaker.State          { return f.svc.BreakerState() }

func (f *Fast) countError() { f.svc.countError() }

// Close closes the local tier if Fast created it, then the service.
func (f *Fast) Close(ctx context.Context) error {
	if f.ownsLocal {
		_ = f.local.Close(ctx)
	}
	return f.svc.Close(ctx)
}
