// Package ristretto adapts dgraph-io/ristretto as a local tier.
//
// Ristretto admits writes asynchronously and may drop them under contention,
// so Set can report ok=false and a read right after a write can miss unless
// SyncWrites is on. It cannot enumerate keys: pattern invalidation clears it.
package ristretto

import (
	"context"
	"slices"
	"time"

	rc "github.com/dgraph-io/ristretto"

	pr "github.com/unkn0wn-root/tiercache/provider"
)

type Provider struct {
	c    *rc.Cache
	sync bool
}

var (
	_ pr.Provider = (*Provider)(nil)
	_ pr.Clearer  = (*Provider)(nil)
)

type Config struct {
	NumCounters int64 // 0 => 10x MaxEntries
	MaxEntries  int64 // cost budget when every entry costs 1; 0 => 1000
	MaxCostB    int64 // byte budget; when > 0 costs are value sizes and MaxEntries is ignored
	BufferItems int64 // 0 => 64
	Metrics     bool
	SyncWrites  bool // wait for each Set to be applied
}

func New(cfg Config) (*Provider, error) {
	maxCost := cfg.MaxEntries
	if maxCost <= 0 {
		maxCost = 1000
	}
	if cfg.MaxCostB > 0 {
		maxCost = cfg.MaxCostB
	}
	counters := cfg.NumCounters
	if counters <= 0 {
		counters = 10 * maxCost
	}
	buf := cfg.BufferItems
	if buf <= 0 {
		buf = 64
	}

	byBytes := cfg.MaxCostB > 0
	c, err := rc.NewCache(&rc.Config{
		NumCounters: counters,
		MaxCost:     maxCost,
		BufferItems: buf,
		Metrics:     cfg.Metrics,
		Cost: func(v interface{}) int64 {
			if b, ok := v.([]byte); ok && byBytes {
				return int64(len(b))
			}
			return 1
		},
		// entries are weighed by Cost alone
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &Provider{c: c, sync: cfg.SyncWrites}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	if b == nil {
		p.c.Del(key)
		return nil, false, nil
	}
	return slices.Clone(b), true, nil
}

// Set ignores the caller's cost; Config decides how entries are weighed.
func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	ok := p.c.SetWithTTL(key, slices.Clone(value), 0, ttl)
	if p.sync {
		p.c.Wait()
	}
	return ok, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.c.Del(key)
	return nil
}

func (p *Provider) Clear() { p.c.Clear() }

func (p *Provider) Close(_ context.Context) error {
	p.c.Wait()
	p.c.Close()
	return nil
}

// Stats returns ristretto's own hit/miss counters; zero unless Config.Metrics.
func (p *Provider) Stats() (hits, misses uint64) {
	if p.c.Metrics == nil {
		return 0, 0
	}
	return p.c.Metrics.Hits(), p.c.Metrics.Misses()
}
