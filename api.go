package tiercache

import (
	"context"
	"time"

	"k8s.io/utils/clock"

	"github.com/unkn0wn-root/tiercache/breaker"
	pr "github.com/unkn0wn-root/tiercache/provider"
)

// RemoteStore is the shared, networked tier (see provider/redis).
// Every call may block on I/O; implementations apply their own timeouts.
type RemoteStore interface {
	// Connect is idempotent and safe for concurrent callers.
	Connect(ctx context.Context) error
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set overwrites unconditionally. ttl <= 0 means the store's default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Del of an absent key is not an error.
	Del(ctx context.Context, key string) error
	// Scan resolves a glob with an incremental, non-blocking scan.
	Scan(ctx context.Context, pattern string) ([]string, error)
	// Ping reports health; errors map to false.
	Ping(ctx context.Context) bool
	Close(ctx context.Context) error
}

// Backend is the byte-level API shared by Service and Fast.
// Collaborators normally use it through For[V].
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	InvalidateByPattern(ctx context.Context, pattern string) (int, error)
}

// Options configure a Service. Only Remote is required.
type Options struct {
	Remote RemoteStore

	// Gate guards every remote call. nil => breaker.New(Breaker).
	Gate    breaker.Gate
	Breaker breaker.Config // used only when Gate is nil

	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used

	DefaultTTL           time.Duration // 0 => 1h
	MaxValueSize         int           // bytes; 0 => 10MB
	CompressionThreshold int           // bytes; 0 => 1KB
	SlowThreshold        time.Duration // 0 => 100ms
	InvalidateBatchSize  int           // 0 => 100
	Disabled             bool          // default false (enabled)

	Clock clock.PassiveClock // nil => real clock; used for operation timing
}

// FastOptions configure the local tier in front of a Service.
type FastOptions struct {
	// Local is the in-process tier. nil => provider/local with LocalMaxEntries.
	Local pr.Provider

	LocalTTL        time.Duration // 0 => 30s; always used for local writes
	LocalMaxEntries int           // 0 => 1000; only for the default local tier
	Clock           clock.WithTicker
	Logger          Logger
}
