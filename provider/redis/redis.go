// Package redis is the remote tier: a tiercache.RemoteStore on go-redis.
//
// The store connects lazily. The first call (or Connect) pings the server
// with capped exponential backoff; concurrent callers share that attempt. A
// transport failure marks the store disconnected, so the next call goes
// through the same path again. Nothing reconnects in the background.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/tiercache"
)

const (
	DefaultConnectTimeout   = 5 * time.Second
	DefaultOperationTimeout = 3 * time.Second
	DefaultMaxRetries       = 3
	DefaultBackoffBase      = time.Second
	DefaultBackoffMax       = 5 * time.Second
	DefaultTTL              = time.Hour
	DefaultScanCount        = 100
)

var ErrClosed = errors.New("redis store: closed")

type Config struct {
	// URL is a redis:// connection string. It wins over Addr/Password/DB.
	URL      string
	Addr     string // host:port; "" => localhost:6379
	Password string
	DB       int

	// Client, when set, is used as is and URL/Addr are ignored.
	Client      goredis.UniversalClient
	CloseClient bool // set true only if the store exclusively owns Client

	ConnectTimeout   time.Duration // per ping attempt; 0 => 5s
	OperationTimeout time.Duration // per command (per SCAN page); 0 => 3s
	MaxRetries       int           // reconnect retries after the first ping; 0 => 3, <0 => none
	BackoffBase      time.Duration // 0 => 1s
	BackoffMax       time.Duration // 0 => 5s
	DefaultTTL       time.Duration // used when Set gets ttl <= 0; 0 => 1h
	ScanCount        int64         // SCAN COUNT hint; 0 => 100

	Logger tiercache.Logger
}

type Store struct {
	rdb         goredis.UniversalClient
	closeClient bool
	cfg         Config
	log         tiercache.Logger

	sf        singleflight.Group
	connected atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ tiercache.RemoteStore = (*Store)(nil)

// New builds the client but does not connect.
func New(cfg Config) (*Store, error) {
	cfg = withDefaults(cfg)
	s := &Store{cfg: cfg, log: cfg.Logger}
	if s.log == nil {
		s.log = tiercache.NopLogger{}
	}

	if cfg.Client != nil {
		s.rdb, s.closeClient = cfg.Client, cfg.CloseClient
		return s, nil
	}

	var opts *goredis.Options
	if cfg.URL != "" {
		o, err := goredis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redis store: parse url: %w", err)
		}
		opts = o
	} else {
		opts = &goredis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	}
	opts.DialTimeout = cfg.ConnectTimeout
	opts.ReadTimeout = cfg.OperationTimeout
	opts.WriteTimeout = cfg.OperationTimeout
	// reconnects are ours; go-redis must not retry underneath the breaker
	opts.MaxRetries = -1

	s.rdb, s.closeClient = goredis.NewClient(opts), true
	return s, nil
}

func withDefaults(cfg Config) Config {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultOperationTimeout
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = DefaultMaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = DefaultScanCount
	}
	return cfg
}

// Connect pings until the server answers or the retries run out.
// It is a no-op while connected. The attempt is shared by concurrent callers
// and outlives any one of them; a caller whose ctx ends stops waiting for it.
func (s *Store) Connect(ctx context.Context) error {
	if s.closed.Load() {
		return &tiercache.TransportError{Op: "connect", Err: ErrClosed}
	}
	if s.connected.Load() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return &tiercache.TransportError{Op: "connect", Err: err}
	}
	ch := s.sf.DoChan("connect", func() (any, error) {
		if s.connected.Load() {
			return nil, nil
		}
		return nil, s.connect(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return &tiercache.TransportError{Op: "connect", Err: ctx.Err()}
	}
}

func (s *Store) connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.BackoffBase
	b.MaxInterval = s.cfg.BackoffMax

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		pctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
		err := s.rdb.Ping(pctx).Err()
		if errors.Is(err, goredis.ErrClosed) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Warn("redis ping failed, retrying", tiercache.Fields{"attempt": attempt, "next": next.String(), "err": err.Error()})
		}),
	)
	if err != nil {
		s.log.Error("redis unavailable", tiercache.Fields{"attempts": attempt, "err": err.Error()})
		return &tiercache.TransportError{Op: "connect", Err: fmt.Errorf("%w: %w", tiercache.ErrRemoteUnavailable, err)}
	}
	s.connected.Store(true)
	s.log.Info("redis connected", tiercache.Fields{"attempts": attempt})
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.Connect(ctx); err != nil {
		return nil, false, err
	}
	octx, cancel := s.opContext(ctx)
	defer cancel()

	b, err := s.rdb.Get(octx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.fail("get", key, err)
	}
	return b, true, nil
}

// Set overwrites key. ttl <= 0 means Config.DefaultTTL.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	octx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.rdb.Set(octx, key, value, ttl).Err(); err != nil {
		return s.fail("set", key, err)
	}
	return nil
}

func (s *Store) Del(ctx context.Context, key string) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}
	octx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.rdb.Del(octx, key).Err(); err != nil {
		return s.fail("delete", key, err)
	}
	return nil
}

// Scan walks the keyspace with SCAN MATCH, one page per command, and returns
// each matching key once. KEYS is never used.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []string
	var cursor uint64
	for {
		octx, cancel := s.opContext(ctx)
		page, next, err := s.rdb.Scan(octx, cursor, pattern, s.cfg.ScanCount).Result()
		cancel()
		if err != nil {
			return nil, s.fail("scan", pattern, err)
		}
		for _, k := range page {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// Ping reports whether the server answers; every error is false.
func (s *Store) Ping(ctx context.Context) bool {
	if err := s.Connect(ctx); err != nil {
		return false
	}
	octx, cancel := s.opContext(ctx)
	defer cancel()
	if err := s.rdb.Ping(octx).Err(); err != nil {
		_ = s.fail("ping", "", err)
		return false
	}
	return true
}

// Close releases the client when the store owns it. Safe to call multiple times.
func (s *Store) Close(context.Context) error {
	s.closed.Store(true)
	s.connected.Store(false)
	var err error
	s.closeOnce.Do(func() {
		if s.closeClient {
			if cerr := s.rdb.Close(); cerr != nil && !errors.Is(cerr, goredis.ErrClosed) {
				err = cerr
			}
		}
	})
	return err
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.OperationTimeout)
}

// fail wraps err as a transport error. Anything but a server error reply
// drops the connected flag so the next call reconnects.
func (s *Store) fail(op, key string, err error) error {
	var reply goredis.Error
	if !errors.As(err, &reply) && s.connected.CompareAndSwap(true, false) {
		s.log.Warn("redis connection lost", tiercache.Fields{"op": op, "err": err.Error()})
	}
	return &tiercache.TransportError{Op: op, Key: key, Err: err}
}
