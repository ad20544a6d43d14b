// Package local is the default in-process tier: a bounded map with per-entry
// TTL and oldest-inserted-first eviction.
//
// Expiry is lazy: an expired entry is a miss on Get and is dropped then.
// A periodic sweep is optional (Config.SweepInterval).
package local

import (
	"container/list"
	"context"
	"slices"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/unkn0wn-root/tiercache/internal/util"
	pr "github.com/unkn0wn-root/tiercache/provider"
)

const (
	DefaultMaxEntries = 1000
	DefaultTTL        = 30 * time.Second
)

type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// Cache evicts by insertion order, not access order. Overwriting a key keeps
// its original position. Values are copied in on Set and out on Get, so
// callers never share a slice with the cache.
type Cache struct {
	mu         sync.Mutex
	items      map[string]*list.Element
	order      *list.List // front = oldest insertion
	maxEntries int
	defaultTTL time.Duration
	clk        clock.WithTicker

	ticker    clock.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	onEvict   func(key string, expired bool)
}

var (
	_ pr.Provider       = (*Cache)(nil)
	_ pr.PatternDeleter = (*Cache)(nil)
	_ pr.Clearer        = (*Cache)(nil)
)

type Config struct {
	MaxEntries    int              // 0 => 1000
	DefaultTTL    time.Duration    // used when Set gets ttl <= 0; 0 => 30s
	SweepInterval time.Duration    // 0 disables the background sweep
	Clock         clock.WithTicker // nil => real clock
	OnEvict       func(key string, expired bool)
}

func New(cfg Config) *Cache {
	c := &Cache{
		items:      make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: cfg.MaxEntries,
		defaultTTL: cfg.DefaultTTL,
		clk:        cfg.Clock,
		onEvict:    cfg.OnEvict,
	}
	if c.maxEntries <= 0 {
		c.maxEntries = DefaultMaxEntries
	}
	if c.defaultTTL <= 0 {
		c.defaultTTL = DefaultTTL
	}
	if c.clk == nil {
		c.clk = clock.RealClock{}
	}
	if cfg.SweepInterval > 0 {
		c.ticker = c.clk.NewTicker(cfg.SweepInterval)
		c.stopCh = make(chan struct{})
		c.wg.Add(1)
		go c.sweepLoop()
	}
	return c
}

func (c *Cache) sweepLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ticker.C():
			c.Cleanup()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	now := c.clk.Now()
	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return nil, false, nil
	}
	e := el.Value.(*entry)
	if !now.Before(e.expiresAt) {
		c.removeElement(el)
		c.mu.Unlock()
		c.evicted(key, true)
		return nil, false, nil
	}
	v := slices.Clone(e.value)
	c.mu.Unlock()
	return v, true, nil
}

func (c *Cache) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	exp := c.clk.Now().Add(ttl)
	value = slices.Clone(value)

	var victim string
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.expiresAt = exp
		c.mu.Unlock()
		return true, nil
	}
	if len(c.items) >= c.maxEntries {
		if front := c.order.Front(); front != nil {
			victim = front.Value.(*entry).key
			c.removeElement(front)
		}
	}
	c.items[key] = c.order.PushBack(&entry{key: key, value: value, expiresAt: exp})
	c.mu.Unlock()

	if victim != "" {
		c.evicted(victim, false)
	}
	return true, nil
}

func (c *Cache) Del(_ context.Context, key string) error {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	c.mu.Unlock()
	return nil
}

// DeletePattern drops every key matching the glob and returns how many went.
func (c *Cache) DeletePattern(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if util.MatchGlob(pattern, el.Value.(*entry).key) {
			c.removeElement(el)
			n++
		}
		el = next
	}
	return n
}

// Cleanup drops expired entries.
func (c *Cache) Cleanup() int {
	now := c.clk.Now()
	var expired []string

	c.mu.Lock()
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if !now.Before(e.expiresAt) {
			expired = append(expired, e.key)
			c.removeElement(el)
		}
		el = next
	}
	c.mu.Unlock()

	for _, k := range expired {
		c.evicted(k, true)
	}
	return len(expired)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()
}

// Len counts stored entries, including expired ones not yet dropped.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns keys oldest first.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).key)
	}
	return out
}

// Close stops the sweep loop. Safe to call multiple times.
func (c *Cache) Close(_ context.Context) error {
	c.closeOnce.Do(func() {
		if c.stopCh != nil {
			close(c.stopCh)
			c.ticker.Stop()
			c.wg.Wait()
		}
	})
	return nil
}

// removeElement must be called with mu held.
func (c *Cache) removeElement(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry).key)
}

func (c *Cache) evicted(key string, expired bool) {
	if c.onEvict != nil {
		c.onEvict(key, expired)
	}
}
