package tiercache

import "time"

const (
	DefaultTTL                  = time.Hour
	DefaultLocalTTL             = 30 * time.Second
	DefaultMaxValueSize         = 10 << 20 // 10MB
	DefaultCompressionThreshold = 1 << 10  // 1KB
	DefaultSlowThreshold        = 100 * time.Millisecond
	DefaultInvalidateBatchSize  = 100
	DefaultSweepTimeout         = 30 * time.Second
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// positive returns def unless v > 0.
func positive[T ~int | ~int64](v, def T) T {
	if v > 0 {
		return v
	}
	return def
}
