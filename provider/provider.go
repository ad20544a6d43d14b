// Package provider defines the in-process tier used by tiercache.Fast.
//
// Implementations MUST be byte-for-byte transparent: Get must return the same
// bytes that were previously passed to Set for a key. They must not retain the
// slice given to Set nor hand out one they keep, so callers may modify either. The local tier holds
// copies of remote entries for a short, fixed TTL; it is never the source of truth
// and is never shared across processes.
//
// Implementations: provider/local (bounded FIFO map, default), provider/ristretto,
// provider/bigcache. The remote tier lives in provider/redis and implements
// tiercache.RemoteStore instead.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs.
// Must be safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss or expiry.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL. May ignore cost if unsupported.
	// Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort).
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}

// PatternDeleter is implemented by tiers that can drop every key matching a
// SCAN-style glob without I/O.
type PatternDeleter interface {
	DeletePattern(pattern string) int
}

// Clearer is implemented by tiers that can drop everything at once.
type Clearer interface {
	Clear()
}
