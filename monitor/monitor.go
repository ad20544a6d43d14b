// Package monitor samples a cache periodically and raises alerts when it
// degrades: low hit rate, high error rate, slow remote calls, failed health
// checks or an open breaker.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/unkn0wn-root/tiercache"
	"github.com/unkn0wn-root/tiercache/breaker"
)

// Target is what the monitor samples; *tiercache.Service and *tiercache.Fast both qualify.
type Target interface {
	HealthCheck(ctx context.Context) bool
	Metrics() tiercache.MetricsSnapshot
	BreakerState() breaker.State
}

type Thresholds struct {
	MinHitRate        float64       // percent; 0 => 50
	MinLookups        int64         // hit rate is judged only past this many lookups; 0 => 100
	MaxErrorRate      float64       // percent; 0 => 5
	MaxAvgLatency     time.Duration // over Window; 0 => 100ms
	MaxHealthFailures int           // consecutive; 0 => 3
}

type Config struct {
	Interval time.Duration // 0 => 30s
	Window   time.Duration // latency window for alerts; 0 => 5m
	Thresholds

	Recorder  *Recorder // source of latencies; nil disables latency alerts and reports
	Clock     clock.WithTicker
	Logger    tiercache.Logger
	OnAlert   func(Alert)
	MaxAlerts int // alerts kept for Alerts(); 0 => 100
}

const (
	DefaultInterval          = 30 * time.Second
	DefaultWindow            = 5 * time.Minute
	DefaultMinHitRate        = 50.0
	DefaultMinLookups        = 100
	DefaultMaxErrorRate      = 5.0
	DefaultMaxAvgLatency     = 100 * time.Millisecond
	DefaultMaxHealthFailures = 3
	defaultMaxAlerts         = 100
)

type AlertKind string

const (
	AlertLowHitRate    AlertKind = "low_hit_rate"
	AlertHighErrorRate AlertKind = "high_error_rate"
	AlertSlow          AlertKind = "slow_operations"
	AlertUnhealthy     AlertKind = "unhealthy"
	AlertBreakerOpen   AlertKind = "breaker_open"
)

type Alert struct {
	Kind      AlertKind `json:"kind"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

// Status is the outcome of the latest sample.
type Status struct {
	Healthy             bool                     `json:"healthy"`
	ConsecutiveFailures int                      `json:"consecutive_failures"`
	Breaker             string                   `json:"breaker"`
	Metrics             tiercache.MetricsSnapshot `json:"metrics"`
	CheckedAt           time.Time                `json:"checked_at"`
}

type Monitor struct {
	target Target
	cfg    Config
	clk    clock.WithTicker
	log    tiercache.Logger

	mu       sync.Mutex
	status   Status
	failures int
	alerts   []Alert

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(target Target, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MinHitRate <= 0 {
		cfg.MinHitRate = DefaultMinHitRate
	}
	if cfg.MinLookups <= 0 {
		cfg.MinLookups = DefaultMinLookups
	}
	if cfg.MaxErrorRate <= 0 {
		cfg.MaxErrorRate = DefaultMaxErrorRate
	}
	if cfg.MaxAvgLatency <= 0 {
		cfg.MaxAvgLatency = DefaultMaxAvgLatency
	}
	if cfg.MaxHealthFailures <= 0 {
		cfg.MaxHealthFailures = DefaultMaxHealthFailures
	}
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = defaultMaxAlerts
	}
	m := &Monitor{target: target, cfg: cfg, clk: cfg.Clock, log: cfg.Logger}
	if m.clk == nil {
		m.clk = clock.RealClock{}
	}
	if m.log == nil {
		m.log = tiercache.NopLogger{}
	}
	return m
}

// Start samples once per Interval until Stop or ctx ends. A second Start is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	t := m.clk.NewTicker(m.cfg.Interval)

	go func(done chan struct{}) {
		defer close(done)
		defer t.Stop()
		for {
			select {
			case <-t.C():
				m.Tick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}(m.done)
}

func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Tick takes one sample and returns the alerts it raised.
func (m *Monitor) Tick(ctx context.Context) []Alert {
	now := m.clk.Now()
	healthy := m.target.HealthCheck(ctx)
	snap := m.target.Metrics()
	state := m.target.BreakerState()

	m.mu.Lock()
	if healthy {
		m.failures = 0
	} else {
		m.failures++
	}
	failures := m.failures
	m.status = Status{
		Healthy:             healthy,
		ConsecutiveFailures: failures,
		Breaker:             state.String(),
		Metrics:             snap,
		CheckedAt:           now,
	}
	m.mu.Unlock()

	var raised []Alert
	add := func(kind AlertKind, value, threshold float64, format string, args ...any) {
		raised = append(raised, Alert{
			Kind:      kind,
			Message:   fmt.Sprintf(format, args...),
			Value:     value,
			Threshold: threshold,
			At:        now,
		})
	}

	if failures >= m.cfg.MaxHealthFailures {
		add(AlertUnhealthy, float64(failures), float64(m.cfg.MaxHealthFailures),
			"%d consecutive failed health checks", failures)
	}
	if state == breaker.Open {
		add(AlertBreakerOpen, 1, 0, "circuit breaker is open")
	}
	if lookups := snap.Hits + snap.Misses; lookups >= m.cfg.MinLookups {
		if hr := snap.HitRate(); hr < m.cfg.MinHitRate {
			add(AlertLowHitRate, hr, m.cfg.MinHitRate, "hit rate %.1f%% below %.1f%%", hr, m.cfg.MinHitRate)
		}
	}
	if er := snap.ErrorRate(); er > m.cfg.MaxErrorRate {
		add(AlertHighErrorRate, er, m.cfg.MaxErrorRate, "error rate %.1f%% above %.1f%%", er, m.cfg.MaxErrorRate)
	}
	if m.cfg.Recorder != nil {
		total := summarize(m.cfg.Recorder.Records(now.Add(-m.cfg.Window)))
		if total.Count > 0 && total.Avg > m.cfg.MaxAvgLatency {
			add(AlertSlow, float64(total.Avg), float64(m.cfg.MaxAvgLatency),
				"average remote latency %s above %s", total.Avg, m.cfg.MaxAvgLatency)
		}
	}

	if len(raised) > 0 {
		m.mu.Lock()
		m.alerts = append(m.alerts, raised...)
		if over := len(m.alerts) - m.cfg.MaxAlerts; over > 0 {
			m.alerts = append(m.alerts[:0], m.alerts[over:]...)
		}
		m.mu.Unlock()
	}
	for _, a := range raised {
		m.log.Warn("cache alert", tiercache.Fields{"kind": string(a.Kind), "message": a.Message})
		if m.cfg.OnAlert != nil {
			m.cfg.OnAlert(a)
		}
	}
	return raised
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Alerts returns the most recent alerts, oldest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}

// OpStats aggregates the records of one operation.
type OpStats struct {
	Count    int           `json:"count"`
	Failures int           `json:"failures"`
	Avg      time.Duration `json:"avg"`
	P95      time.Duration `json:"p95"`
	Max      time.Duration `json:"max"`
}

type Report struct {
	From       time.Time                 `json:"from"`
	To         time.Time                 `json:"to"`
	Operations map[string]OpStats        `json:"operations"`
	Total      OpStats                   `json:"total"`
	Metrics    tiercache.MetricsSnapshot `json:"metrics"`
	HitRate    float64                   `json:"hit_rate"`
	Breaker    string                    `json:"breaker"`
}

// Report aggregates the recorded operations of the last window.
// Without a Recorder only the counters are filled in.
func (m *Monitor) Report(window time.Duration) Report {
	now := m.clk.Now()
	snap := m.target.Metrics()
	r := Report{
		From:       now.Add(-window),
		To:         now,
		Operations: make(map[string]OpStats),
		Metrics:    snap,
		HitRate:    snap.HitRate(),
		Breaker:    m.target.BreakerState().String(),
	}
	if m.cfg.Recorder == nil {
		return r
	}

	recs := m.cfg.Recorder.Records(r.From)
	byOp := make(map[string][]Record)
	for _, rec := range recs {
		byOp[rec.Operation] = append(byOp[rec.Operation], rec)
	}
	for op, rs := range byOp {
		r.Operations[op] = summarize(rs)
	}
	r.Total = summarize(recs)
	return r
}

func summarize(recs []Record) OpStats {
	var s OpStats
	if len(recs) == 0 {
		return s
	}
	ds := make([]time.Duration, 0, len(recs))
	var sum time.Duration
	for _, rec := range recs {
		if !rec.Success {
			s.Failures++
		}
		sum += rec.Duration
		ds = append(ds, rec.Duration)
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
	s.Count = len(recs)
	s.Avg = sum / time.Duration(len(recs))
	s.Max = ds[len(ds)-1]
	s.P95 = ds[percentileIndex(len(ds), 95)]
	return s
}

// percentileIndex is the nearest-rank index of the p-th percentile of n sorted values.
func percentileIndex(n, p int) int {
	idx := (n*p+99)/100 - 1
	if idx < 0 {
		return 0
	}
	return idx
}
