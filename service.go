package tiercache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/unkn0wn-root/tiercache/breaker"
	"github.com/unkn0wn-root/tiercache/keys"
)

// maxDeleteConcurrency bounds in-flight deletes inside one invalidation batch.
const maxDeleteConcurrency = 16

// Service is the read-through / write-through API over the remote tier.
// Every remote call goes through the breaker. Reads never fail: errors are
// counted and surface as a miss. Writes and deletes return their errors.
type Service struct {
	remote  RemoteStore
	gate    breaker.Gate
	log     Logger
	hooks   Hooks
	clk     clock.PassiveClock
	enabled bool

	defaultTTL time.Duration
	slow       time.Duration
	maxValue   int
	compressAt int
	batch      int

	m Metrics
}

var _ Backend = (*Service)(nil)

func New(opts Options) (*Service, error) {
	if opts.Remote == nil {
		return nil, fmt.Errorf("tiercache: remote store is required")
	}

	s := &Service{
		remote:  opts.Remote,
		enabled: !opts.Disabled,
	}

	// defaults
	s.log = coalesce[Logger](opts.Logger, NopLogger{})
	s.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	s.clk = coalesce[clock.PassiveClock](opts.Clock, clock.RealClock{})
	s.defaultTTL = positive(opts.DefaultTTL, DefaultTTL)
	s.slow = positive(opts.SlowThreshold, DefaultSlowThreshold)
	s.maxValue = positive(opts.MaxValueSize, DefaultMaxValueSize)
	s.compressAt = positive(opts.CompressionThreshold, DefaultCompressionThreshold)
	s.batch = positive(opts.InvalidateBatchSize, DefaultInvalidateBatchSize)

	if opts.Gate != nil {
		s.gate = opts.Gate
	} else {
		s.gate = breaker.New(s.breakerConfig(opts.Breaker))
	}
	return s, nil
}

func (s *Service) breakerConfig(cfg breaker.Config) breaker.Config {
	if cfg.Clock == nil {
		cfg.Clock = s.clk
	}
	if cfg.IsFailure == nil {
		// a caller giving up is not the remote tier failing
		cfg.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	user := cfg.OnStateChange
	cfg.OnStateChange = func(from, to breaker.State) {
		if to == breaker.Open {
			s.log.Warn("circuit breaker opened", Fields{"from": from.String()})
		} else {
			s.log.Info("circuit breaker state change", Fields{"from": from.String(), "to": to.String()})
		}
		s.hooks.BreakerStateChange(from.String(), to.String())
		if user != nil {
			user(from, to)
		}
	}
	return cfg
}

func (s *Service) Enabled() bool { return s.enabled }

// Close closes the remote store.
func (s *Service) Close(ctx context.Context) error {
	return s.remote.Close(ctx)
}

// Get returns the stored bytes for key. Any failure (validation, transport,
// open breaker) counts as an error and is reported as a miss.
func (s *Service) Get(ctx context.Context, key string) ([]byte, bool) {
	if !s.enabled {
		return nil, false
	}
	if err := keys.ValidateKey(key); err != nil {
		s.m.errors.Add(1)
		s.log.Debug("get rejected", Fields{"err": errField(err)})
		return nil, false
	}

	var (
		val []byte
		hit bool
	)
	err := s.call(ctx, "get", key, func(ctx context.Context) error {
		var err error
		val, hit, err = s.remote.Get(ctx, key)
		return err
	})
	switch {
	case err != nil:
		s.m.errors.Add(1)
		s.log.Debug("get failed, serving miss", Fields{"key": key, "err": errField(err)})
		return nil, false
	case !hit:
		s.m.misses.Add(1)
		return nil, false
	default:
		s.m.hits.Add(1)
		return val, true
	}
}

// Set writes value under key. ttl <= 0 means Options.DefaultTTL.
// Values over MaxValueSize are skipped and Set returns nil.
func (s *Service) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.set(ctx, key, value, ttl)
	return err
}

// set reports whether the value actually reached the remote tier.
func (s *Service) set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if !s.enabled {
		return false, nil
	}
	if err := keys.ValidateKey(key); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	size := len(value)
	if size > s.maxValue {
		oe := &OversizeValueError{Key: key, Size: size, Limit: s.maxValue}
		s.log.Warn("value over size cap, skipping write", Fields{"key": key, "size": size, "limit": s.maxValue, "err": oe.Error()})
		s.hooks.OversizeRejected(key, size, s.maxValue)
		return false, nil
	}
	if size > s.compressAt {
		s.hooks.CompressionCandidate(key, size)
	}

	err := s.call(ctx, "set", key, func(ctx context.Context) error {
		return s.remote.Set(ctx, key, value, ttl)
	})
	if err != nil {
		s.m.errors.Add(1)
		return false, err
	}
	s.m.sets.Add(1)
	return true, nil
}

func (s *Service) Delete(ctx context.Context, key string) error {
	if !s.enabled {
		return nil
	}
	if err := keys.ValidateKey(key); err != nil {
		return err
	}
	return s.del(ctx, key)
}

func (s *Service) del(ctx context.Context, key string) error {
	err := s.call(ctx, "delete", key, func(ctx context.Context) error {
		return s.remote.Del(ctx, key)
	})
	if err != nil {
		s.m.errors.Add(1)
		return err
	}
	s.m.deletes.Add(1)
	return nil
}

// InvalidateByPattern deletes every remote key matching the glob.
// A scan failure is returned as is. Deletions run in batches; a failed
// deletion does not stop the sweep and ends up in the returned *InvalidateError.
func (s *Service) InvalidateByPattern(ctx context.Context, pattern string) (int, error) {
	if !s.enabled {
		return 0, nil
	}
	if err := keys.ValidatePattern(pattern); err != nil {
		return 0, err
	}

	var matched []string
	err := s.call(ctx, "scan", pattern, func(ctx context.Context) error {
		var err error
		matched, err = s.remote.Scan(ctx, pattern)
		return err
	})
	if err != nil {
		s.m.errors.Add(1)
		return 0, fmt.Errorf("scan %q: %w", pattern, err)
	}
	if len(matched) == 0 {
		return 0, nil
	}

	var (
		deleted atomic.Int64
		mu      sync.Mutex
		failed  map[string]error
	)
	for start := 0; start < len(matched); start += s.batch {
		end := min(start+s.batch, len(matched))

		var g errgroup.Group
		g.SetLimit(maxDeleteConcurrency)
		for _, k := range matched[start:end] {
			g.Go(func() error {
				if err := s.del(ctx, k); err != nil {
					mu.Lock()
					if failed == nil {
						failed = make(map[string]error)
					}
					failed[k] = err
					mu.Unlock()
					return nil
				}
				deleted.Add(1)
				return nil
			})
		}
		_ = g.Wait()
	}

	n := int(deleted.Load())
	if len(failed) > 0 {
		ie := &InvalidateError{Pattern: pattern, Failed: failed}
		s.log.Warn("pattern invalidation incomplete", Fields{"pattern": pattern, "deleted": n, "failed": len(failed)})
		return n, ie
	}
	s.log.Debug("pattern invalidated", Fields{"pattern": pattern, "deleted": n})
	return n, nil
}

// HealthCheck connects if needed and pings. It bypasses the breaker so it
// reflects the remote tier itself.
func (s *Service) HealthCheck(ctx context.Context) bool {
	start := s.clk.Now()
	ok := s.remote.Connect(ctx) == nil && s.remote.Ping(ctx)
	s.observe("ping", "", s.clk.Since(start), ok)
	return ok
}

func (s *Service) Metrics() MetricsSnapshot { return s.m.Snapshot() }
func (s *Service) ResetMetrics()            { s.m.Reset() }

// HitRate is the current hit rate in percent.
func (s *Service) HitRate() float64 { return s.m.Snapshot().HitRate() }

func (s *Service) BreakerState() breaker.State { return s.gate.State() }

func (s *Service) countError() { s.m.errors.Add(1) }

// call runs fn through the breaker and times it. Calls refused by an open
// breaker never reached the remote tier and are not timed.
func (s *Service) call(ctx context.Context, op, key string, fn func(context.Context) error) error {
	start := s.clk.Now()
	err := s.gate.Execute(func() error { return fn(ctx) })
	if errors.Is(err, breaker.ErrOpen) {
		return ErrCircuitOpen
	}
	s.observe(op, key, s.clk.Since(start), err == nil)
	return err
}

func (s *Service) observe(op, key string, d time.Duration, ok bool) {
	s.hooks.Operation(op, d, ok)
	if d > s.slow {
		s.log.Warn("slow cache operation", Fields{"op": op, "key": key, "took": d.String(), "ok": ok})
	}
}
