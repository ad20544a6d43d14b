package tiercache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/unkn0wn-root/tiercache/breaker"
	"github.com/unkn0wn-root/tiercache/internal/util"
)

var errDown = errors.New("connection refused")

// memRemote is an in-memory RemoteStore with failure injection and call counters.
type memRemote struct {
	mu   sync.Mutex
	m    map[string][]byte
	ttls map[string]time.Duration

	failAll  error            // every verb fails with this
	failDel  map[string]error // per-key delete failures
	scanErr  error
	healthy  bool
	closed   bool
	gets     int
	sets     int
	dels     int
	scans    int
	connects int
}

var _ RemoteStore = (*memRemote)(nil)

func newMemRemote() *memRemote {
	return &memRemote{
		m:       make(map[string][]byte),
		ttls:    make(map[string]time.Duration),
		failDel: make(map[string]error),
		healthy: true,
	}
}

func (r *memRemote) Connect(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
	return r.failAll
}

func (r *memRemote) Get(_ context.Context, key string) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gets++
	if r.failAll != nil {
		return nil, false, r.failAll
	}
	v, ok := r.m[key]
	return v, ok, nil
}

func (r *memRemote) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets++
	if r.failAll != nil {
		return r.failAll
	}
	r.m[key] = value
	r.ttls[key] = ttl
	return nil
}

func (r *memRemote) Del(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dels++
	if r.failAll != nil {
		return r.failAll
	}
	if err := r.failDel[key]; err != nil {
		return err
	}
	delete(r.m, key)
	return nil
}

func (r *memRemote) Scan(_ context.Context, pattern string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scans++
	if r.failAll != nil {
		return nil, r.failAll
	}
	if r.scanErr != nil {
		return nil, r.scanErr
	}
	var out []string
	for k := range r.m {
		if util.MatchGlob(pattern, k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *memRemote) Ping(context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthy && r.failAll == nil
}

func (r *memRemote) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *memRemote) setFail(err error) {
	r.mu.Lock()
	r.failAll = err
	r.mu.Unlock()
}

func (r *memRemote) has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.m[key]
	return ok
}

func (r *memRemote) put(key string, v []byte) {
	r.mu.Lock()
	r.m[key] = v
	r.mu.Unlock()
}

func (r *memRemote) counts() (gets, sets, dels int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gets, r.sets, r.dels
}

// recHooks records the events tests care about.
type recHooks struct {
	NopHooks
	mu          sync.Mutex
	oversize    []string
	compress    []string
	selfHeals   []string
	transitions []string
	sweepFails  []string
	ops         map[string]int
}

func (h *recHooks) OversizeRejected(k string, _, _ int) {
	h.mu.Lock()
	h.oversize = append(h.oversize, k)
	h.mu.Unlock()
}

func (h *recHooks) CompressionCandidate(k string, _ int) {
	h.mu.Lock()
	h.compress = append(h.compress, k)
	h.mu.Unlock()
}

func (h *recHooks) SelfHeal(k, reason string) {
	h.mu.Lock()
	h.selfHeals = append(h.selfHeals, k+"/"+reason)
	h.mu.Unlock()
}

func (h *recHooks) BreakerStateChange(from, to string) {
	h.mu.Lock()
	h.transitions = append(h.transitions, from+"->"+to)
	h.mu.Unlock()
}

func (h *recHooks) SweepFailed(p string, _ error) {
	h.mu.Lock()
	h.sweepFails = append(h.sweepFails, p)
	h.mu.Unlock()
}

func (h *recHooks) Operation(op string, _ time.Duration, _ bool) {
	h.mu.Lock()
	if h.ops == nil {
		h.ops = make(map[string]int)
	}
	h.ops[op]++
	h.mu.Unlock()
}

func newTestService(t *testing.T, r RemoteStore, optsOpt func(*Options)) *Service {
	t.Helper()
	opts := Options{Remote: r}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// ==============================
// Read / write path
// ==============================

// TestMissThenHit verifies counters move by exactly one per lookup.
func TestMissThenHit(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, newMemRemote(), nil)

	if _, ok := s.Get(ctx, "user:1"); ok {
		t.Fatalf("expected miss on unset key")
	}
	if m := s.Metrics(); m.Misses != 1 || m.Hits != 0 {
		t.Fatalf("after miss: %+v", m)
	}

	if err := s.Set(ctx, "user:1", []byte(`{"id":"1"}`), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok := s.Get(ctx, "user:1")
	if !ok || string(v) != `{"id":"1"}` {
		t.Fatalf("Get after Set: ok=%v v=%q", ok, v)
	}
	if m := s.Metrics(); m.Hits != 1 || m.Misses != 1 || m.Sets != 1 {
		t.Fatalf("after hit: %+v", m)
	}
}

// TestHitRateScenario: 7 hits and 3 misses is 70%; after reset it is 0%.
func TestHitRateScenario(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, newMemRemote(), nil)
	_ = s.Set(ctx, "k", []byte("v"), 0)

	for i := 0; i < 7; i++ {
		s.Get(ctx, "k")
	}
	for i := 0; i < 3; i++ {
		s.Get(ctx, fmt.Sprintf("missing:%d", i))
	}
	if got := s.HitRate(); got != 70.0 {
		t.Fatalf("hit rate=%v want 70", got)
	}

	s.ResetMetrics()
	if got := s.HitRate(); got != 0 {
		t.Fatalf("hit rate after reset=%v want 0", got)
	}
	if m := s.Metrics(); m != (MetricsSnapshot{}) {
		t.Fatalf("reset left counters: %+v", m)
	}
}

// TestSetDefaultTTL verifies ttl 0 maps to the configured default.
func TestSetDefaultTTL(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	s := newTestService(t, r, nil)

	_ = s.Set(ctx, "a", []byte("1"), 0)
	_ = s.Set(ctx, "b", []byte("1"), 6*time.Hour)
	if r.ttls["a"] != DefaultTTL {
		t.Fatalf("ttl(a)=%v want %v", r.ttls["a"], DefaultTTL)
	}
	if r.ttls["b"] != 6*time.Hour {
		t.Fatalf("ttl(b)=%v want 6h", r.ttls["b"])
	}
}

// TestGetSwallowsTransportErrors verifies a failing remote is a counted miss.
func TestGetSwallowsTransportErrors(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	s := newTestService(t, r, nil)
	r.setFail(&TransportError{Op: "get", Err: errDown})

	if _, ok := s.Get(ctx, "k"); ok {
		t.Fatalf("expected miss")
	}
	m := s.Metrics()
	if m.Errors != 1 || m.Misses != 0 || m.Hits != 0 {
		t.Fatalf("metrics=%+v", m)
	}

	err := s.Set(ctx, "k", []byte("v"), 0)
	if !IsTransport(err) || !errors.Is(err, errDown) {
		t.Fatalf("Set error=%v, want transport error", err)
	}
	if err := s.Delete(ctx, "k"); !errors.Is(err, errDown) {
		t.Fatalf("Delete error=%v", err)
	}
	if got := s.Metrics().Errors; got != 3 {
		t.Fatalf("errors=%d want 3", got)
	}
}

// TestOversizeSkipped verifies oversize values never reach the remote tier and do not error.
func TestOversizeSkipped(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	h := &recHooks{}
	s := newTestService(t, r, func(o *Options) {
		o.MaxValueSize = 16
		o.Hooks = h
	})

	if err := s.Set(ctx, "big", make([]byte, 17), 0); err != nil {
		t.Fatalf("oversize Set returned %v", err)
	}
	if _, sets, _ := r.counts(); sets != 0 {
		t.Fatalf("remote Set called %d times", sets)
	}
	if len(h.oversize) != 1 || h.oversize[0] != "big" {
		t.Fatalf("oversize hook=%v", h.oversize)
	}
	if s.Metrics().Sets != 0 {
		t.Fatalf("oversize write counted as set")
	}

	// exactly at the cap is fine
	if err := s.Set(ctx, "edge", make([]byte, 16), 0); err != nil || !r.has("edge") {
		t.Fatalf("value at cap not stored: %v", err)
	}
}

// TestCompressionCandidate verifies large values are flagged but still written.
func TestCompressionCandidate(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	h := &recHooks{}
	s := newTestService(t, r, func(o *Options) { o.Hooks = h; o.CompressionThreshold = 8 })

	_ = s.Set(ctx, "small", []byte("1234"), 0)
	_ = s.Set(ctx, "large", []byte(strings.Repeat("x", 9)), 0)
	if len(h.compress) != 1 || h.compress[0] != "large" {
		t.Fatalf("compression hook=%v", h.compress)
	}
	if !r.has("large") {
		t.Fatalf("compression candidate not written")
	}
}

// TestEmptyKeyRejected verifies validation happens before any I/O.
func TestEmptyKeyRejected(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	s := newTestService(t, r, nil)

	if _, ok := s.Get(ctx, ""); ok {
		t.Fatalf("empty key hit")
	}
	if s.Metrics().Errors != 1 {
		t.Fatalf("empty key read not counted as error")
	}

	var ve *ValidationError
	if err := s.Set(ctx, "", []byte("v"), 0); !errors.As(err, &ve) {
		t.Fatalf("Set(\"\") err=%v want ValidationError", err)
	}
	if err := s.Delete(ctx, ""); !errors.As(err, &ve) {
		t.Fatalf("Delete(\"\") err=%v want ValidationError", err)
	}
	if gets, sets, dels := r.counts(); gets+sets+dels != 0 {
		t.Fatalf("remote touched: gets=%d sets=%d dels=%d", gets, sets, dels)
	}
}

// TestDisabled verifies a disabled service never touches the remote tier.
func TestDisabled(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	s := newTestService(t, r, func(o *Options) { o.Disabled = true })

	if err := s.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get(ctx, "k"); ok {
		t.Fatalf("disabled service hit")
	}
	if n, err := s.InvalidateByPattern(ctx, "*"); n != 0 || err != nil {
		t.Fatalf("InvalidateByPattern n=%d err=%v", n, err)
	}
	if gets, sets, dels := r.counts(); gets+sets+dels != 0 {
		t.Fatalf("remote touched while disabled")
	}
}

func TestNewRequiresRemote(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without remote")
	}
}

// ==============================
// Circuit breaker
// ==============================

// TestBreakerTripAndCoolDown verifies fail-fast while open and a fresh attempt after cool-down.
func TestBreakerTripAndCoolDown(t *testing.T) {
	ctx := context.Background()
	fc := testingclock.NewFakeClock(time.Now())
	r := newMemRemote()
	h := &recHooks{}
	s := newTestService(t, r, func(o *Options) {
		o.Clock = fc
		o.Hooks = h
		o.Breaker = breaker.Config{Threshold: 3, CoolDown: 10 * time.Second}
	})

	r.setFail(errDown)
	for i := 0; i < 3; i++ {
		s.Get(ctx, "k")
	}
	if s.BreakerState() != breaker.Open {
		t.Fatalf("state=%v want open", s.BreakerState())
	}

	gets, _, _ := r.counts()
	s.Get(ctx, "k")
	if err := s.Set(ctx, "k", []byte("v"), 0); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Set while open err=%v", err)
	}
	if g, sets, _ := r.counts(); g != gets || sets != 0 {
		t.Fatalf("remote called while open: gets %d->%d sets=%d", gets, g, sets)
	}
	if s.Metrics().Errors != 5 {
		t.Fatalf("errors=%d want 5", s.Metrics().Errors)
	}

	r.setFail(nil)
	fc.Step(10 * time.Second)
	if err := s.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set after cool-down: %v", err)
	}
	if s.BreakerState() != breaker.Closed {
		t.Fatalf("state=%v want closed", s.BreakerState())
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.transitions) != 2 || h.transitions[0] != "closed->open" || h.transitions[1] != "open->closed" {
		t.Fatalf("transitions=%v", h.transitions)
	}
}

// TestCanceledCallsDoNotTrip verifies caller cancellation is not a remote failure.
func TestCanceledCallsDoNotTrip(t *testing.T) {
	r := newMemRemote()
	s := newTestService(t, r, func(o *Options) { o.Breaker = breaker.Config{Threshold: 1} })
	r.setFail(context.Canceled)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		s.Get(ctx, "k")
	}
	if s.BreakerState() != breaker.Closed {
		t.Fatalf("breaker opened on cancellation")
	}
}

// ==============================
// Pattern invalidation
// ==============================

// TestInvalidateByPatternCollectAndContinue removes exactly the matching keys,
// across several batches, even when one deletion fails.
func TestInvalidateByPatternCollectAndContinue(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	s := newTestService(t, r, nil)

	const n, m = 250, 40
	for i := 0; i < n; i++ {
		r.put(fmt.Sprintf("profileSearch:q=%d", i), []byte("x"))
	}
	for i := 0; i < m; i++ {
		r.put(fmt.Sprintf("profile:%d", i), []byte("x"))
	}
	bad := "profileSearch:q=7"
	r.failDel[bad] = errDown

	deleted, err := s.InvalidateByPattern(ctx, "profileSearch:*")
	if deleted != n-1 {
		t.Fatalf("deleted=%d want %d", deleted, n-1)
	}
	var ie *InvalidateError
	if !errors.As(err, &ie) {
		t.Fatalf("err=%v want *InvalidateError", err)
	}
	if len(ie.Failed) != 1 || ie.Failed[bad] == nil {
		t.Fatalf("failed=%v", ie.Failed)
	}
	if !errors.Is(err, errDown) {
		t.Fatalf("InvalidateError should unwrap to the cause")
	}

	for i := 0; i < n; i++ {
		k := fmt.Sprintf("profileSearch:q=%d", i)
		if r.has(k) != (k == bad) {
			t.Fatalf("key %q present=%v", k, r.has(k))
		}
	}
	for i := 0; i < m; i++ {
		if !r.has(fmt.Sprintf("profile:%d", i)) {
			t.Fatalf("non-matching key profile:%d removed", i)
		}
	}
	if s.Metrics().Deletes != n-1 {
		t.Fatalf("deletes=%d", s.Metrics().Deletes)
	}
}

// TestInvalidateByPatternScanError verifies a failed scan is returned.
func TestInvalidateByPatternScanError(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	r.scanErr = errDown
	s := newTestService(t, r, nil)

	if _, err := s.InvalidateByPattern(ctx, "user:*"); !errors.Is(err, errDown) {
		t.Fatalf("err=%v want scan error", err)
	}
}

// TestInvalidateByPatternValidates rejects malformed globs before scanning.
func TestInvalidateByPatternValidates(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	s := newTestService(t, r, nil)

	for _, p := range []string{"", "profile[", `user:\`} {
		var ve *ValidationError
		if _, err := s.InvalidateByPattern(ctx, p); !errors.As(err, &ve) {
			t.Fatalf("pattern %q: err=%v want ValidationError", p, err)
		}
	}
	if r.scans != 0 {
		t.Fatalf("scan ran for invalid pattern")
	}
}

// ==============================
// Health / lifecycle
// ==============================

func TestHealthCheck(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	h := &recHooks{}
	s := newTestService(t, r, func(o *Options) { o.Hooks = h })

	if !s.HealthCheck(ctx) {
		t.Fatalf("healthy remote reported unhealthy")
	}
	r.setFail(errDown)
	if s.HealthCheck(ctx) {
		t.Fatalf("failing remote reported healthy")
	}
	if h.ops["ping"] != 2 {
		t.Fatalf("ping ops=%d want 2", h.ops["ping"])
	}

	if err := s.Close(ctx); err != nil || !r.closed {
		t.Fatalf("Close: err=%v closed=%v", err, r.closed)
	}
}

// TestOperationsTimed verifies each remote verb reaches Hooks.Operation.
func TestOperationsTimed(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	h := &recHooks{}
	s := newTestService(t, r, func(o *Options) { o.Hooks = h })

	_ = s.Set(ctx, "a:1", []byte("v"), 0)
	s.Get(ctx, "a:1")
	_ = s.Delete(ctx, "a:1")
	_, _ = s.InvalidateByPattern(ctx, "a:*")

	for _, op := range []string{"set", "get", "delete", "scan"} {
		if h.ops[op] != 1 {
			t.Fatalf("op %q recorded %d times", op, h.ops[op])
		}
	}
}
