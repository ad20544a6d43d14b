package monitor

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/unkn0wn-root/tiercache"
)

const DefaultRecords = 1000

// Record is one timed remote operation.
type Record struct {
	Operation string        `json:"operation"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	At        time.Time     `json:"at"`
}

// Recorder keeps the most recent operation timings in a fixed-size ring.
// Install it as (or chain it into) tiercache.Options.Hooks.
type Recorder struct {
	tiercache.NopHooks

	clk  clock.PassiveClock
	mu   sync.Mutex
	buf  []Record
	next int
	full bool
}

var _ tiercache.Hooks = (*Recorder)(nil)

// NewRecorder keeps at most size records; size <= 0 means 1000.
func NewRecorder(size int, clk clock.PassiveClock) *Recorder {
	if size <= 0 {
		size = DefaultRecords
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Recorder{clk: clk, buf: make([]Record, size)}
}

func (r *Recorder) Operation(op string, d time.Duration, ok bool) {
	rec := Record{Operation: op, Duration: d, Success: ok, At: r.clk.Now()}
	r.mu.Lock()
	r.buf[r.next] = rec
	r.next++
	if r.next == len(r.buf) {
		r.next, r.full = 0, true
	}
	r.mu.Unlock()
}

// Records returns records taken at or after since, oldest first.
func (r *Recorder) Records(since time.Time) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []Record
	if r.full {
		ordered = append(ordered, r.buf[r.next:]...)
	}
	ordered = append(ordered, r.buf[:r.next]...)

	out := ordered[:0]
	for _, rec := range ordered {
		if !rec.At.Before(since) {
			out = append(out, rec)
		}
	}
	return out
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}
