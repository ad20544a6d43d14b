// Package bigcache adapts allegro/bigcache as a local tier.
//
// BigCache has one lifetime for every entry (LifeWindow), so the per-call TTL
// is ignored; set LifeWindow to the local TTL. Expired entries are dropped by
// the CleanWindow sweep.
package bigcache

import (
	"context"
	"errors"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/unkn0wn-root/tiercache/internal/util"
	pr "github.com/unkn0wn-root/tiercache/provider"
)

type Provider struct {
	c *bc.BigCache
}

var (
	_ pr.Provider       = (*Provider)(nil)
	_ pr.PatternDeleter = (*Provider)(nil)
	_ pr.Clearer        = (*Provider)(nil)
)

type Config struct {
	LifeWindow         time.Duration // 0 => 30s
	CleanWindow        time.Duration // 0 => 1s
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int // 0 = unlimited
	Shards             int // power of two; 0 => bigcache default
}

func New(ctx context.Context, cfg Config) (*Provider, error) {
	life := cfg.LifeWindow
	if life <= 0 {
		life = 30 * time.Second
	}
	conf := bc.DefaultConfig(life)
	conf.Verbose = false
	conf.CleanWindow = time.Second
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	if cfg.Shards > 0 {
		conf.Shards = cfg.Shards
	}
	c, err := bc.New(ctx, conf)
	if err != nil {
		return nil, err
	}
	return &Provider{c: c}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := p.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	if err := p.c.Set(key, value); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	if err := p.c.Delete(key); err != nil && !errors.Is(err, bc.ErrEntryNotFound) {
		return err
	}
	return nil
}

// DeletePattern walks every shard; cost grows with the number of entries.
func (p *Provider) DeletePattern(pattern string) int {
	var matched []string
	it := p.c.Iterator()
	for it.SetNext() {
		e, err := it.Value()
		if err != nil {
			continue
		}
		if util.MatchGlob(pattern, e.Key()) {
			matched = append(matched, e.Key())
		}
	}
	n := 0
	for _, k := range matched {
		if p.c.Delete(k) == nil {
			n++
		}
	}
	return n
}

func (p *Provider) Clear() { _ = p.c.Reset() }

func (p *Provider) Len() int { return p.c.Len() }

func (p *Provider) Close(_ context.Context) error {
	return p.c.Close()
}
