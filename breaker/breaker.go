// Package breaker gates calls to a failing dependency.
//
// The default Breaker trips open after Threshold consecutive failures and,
// once CoolDown has elapsed, goes straight back to closed with a zeroed
// counter. There is no half-open trial unless HalfOpenProbe is set; without
// it every waiting caller retries the dependency as soon as the cool-down ends.
package breaker

import (
	"errors"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// ErrOpen is returned without running the call while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Gate is what the cache needs from a breaker.
type Gate interface {
	Execute(fn func() error) error
	State() State
}

type Config struct {
	Threshold int           // consecutive failures before opening; 0 => 5
	CoolDown  time.Duration // time spent open; 0 => 30s

	// HalfOpenProbe admits exactly one trial call after CoolDown instead of
	// closing outright. Success closes, failure re-opens for another CoolDown.
	HalfOpenProbe bool

	// IsFailure decides whether an error counts; nil => err != nil.
	IsFailure func(error) bool

	OnStateChange func(from, to State)
	Clock         clock.PassiveClock // nil => real clock
}

const (
	DefaultThreshold = 5
	DefaultCoolDown  = 30 * time.Second
)

type Breaker struct {
	threshold int
	coolDown  time.Duration
	probe     bool
	isFailure func(error) bool
	onChange  func(from, to State)
	clk       clock.PassiveClock

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

var _ Gate = (*Breaker)(nil)

func New(cfg Config) *Breaker {
	b := &Breaker{
		threshold: cfg.Threshold,
		coolDown:  cfg.CoolDown,
		probe:     cfg.HalfOpenProbe,
		isFailure: cfg.IsFailure,
		onChange:  cfg.OnStateChange,
		clk:       cfg.Clock,
	}
	if b.threshold <= 0 {
		b.threshold = DefaultThreshold
	}
	if b.coolDown <= 0 {
		b.coolDown = DefaultCoolDown
	}
	if b.isFailure == nil {
		b.isFailure = func(err error) bool { return err != nil }
	}
	if b.clk == nil {
		b.clk = clock.RealClock{}
	}
	return b
}

// Execute runs fn unless the breaker is open. The lock is never held while fn runs.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(b.isFailure(err))
	return err
}

func (b *Breaker) allow() error {
	var from, to State
	changed := false

	b.mu.Lock()
	if b.state == Open && b.clk.Since(b.openedAt) >= b.coolDown {
		from = b.state
		if b.probe {
			b.state = HalfOpen
		} else {
			b.state = Closed
			b.failures = 0
		}
		to, changed = b.state, true
	}
	var err error
	switch b.state {
	case Open:
		err = ErrOpen
	case HalfOpen:
		if b.probing {
			err = ErrOpen
		} else {
			b.probing = true
		}
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
	return err
}

func (b *Breaker) record(failed bool) {
	var from, to State
	changed := false

	b.mu.Lock()
	switch b.state {
	case HalfOpen:
		b.probing = false
		from = HalfOpen
		if failed {
			b.trip()
		} else {
			b.state = Closed
			b.failures = 0
		}
		to, changed = b.state, true
	case Closed:
		if !failed {
			b.failures = 0
			break
		}
		b.failures++
		if b.failures >= b.threshold {
			b.trip()
			from, to, changed = Closed, Open, true
		}
	case Open:
		// a call admitted before another caller tripped the breaker; counters stay put
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
}

// trip must be called with mu held.
func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.clk.Now()
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil && from != to {
		b.onChange(from, to)
	}
}

// State reports the state as the next caller would see it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.clk.Since(b.openedAt) >= b.coolDown {
		if b.probe {
			return HalfOpen
		}
		return Closed
	}
	return b.state
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.probing = false
	b.mu.Unlock()
	b.notify(from, Closed)
}
