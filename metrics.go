package tiercache

import "sync/atomic"

// Metrics are process-wide operation counters. They only go back to zero
// through Reset.
type Metrics struct {
	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	errors  atomic.Int64
}

type MetricsSnapshot struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Sets    int64 `json:"sets"`
	Deletes int64 `json:"deletes"`
	Errors  int64 `json:"errors"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
		Sets:    m.sets.Load(),
		Deletes: m.deletes.Load(),
		Errors:  m.errors.Load(),
	}
}

func (m *Metrics) Reset() {
	m.hits.Store(0)
	m.misses.Store(0)
	m.sets.Store(0)
	m.deletes.Store(0)
	m.errors.Store(0)
}

// HitRate is hits/(hits+misses) in percent; 0 when nothing was looked up.
func (s MetricsSnapshot) HitRate() float64 {
	lookups := s.Hits + s.Misses
	if lookups == 0 {
		return 0
	}
	return float64(s.Hits) / float64(lookups) * 100
}

// ErrorRate is errors over all counted operations, in percent.
func (s MetricsSnapshot) ErrorRate() float64 {
	total := s.Hits + s.Misses + s.Sets + s.Deletes + s.Errors
	if total == 0 {
		return 0
	}
	return float64(s.Errors) / float64(total) * 100
}
