package breaker

import (
	"errors"

	"github.com/sony/gobreaker"
)

// Gobreaker adapts sony/gobreaker to Gate. Unlike Breaker it always uses the
// classic half-open state: after the cool-down up to MaxRequests trial calls
// are admitted and a single failure re-opens it.
type Gobreaker struct {
	cb *gobreaker.CircuitBreaker
}

var _ Gate = (*Gobreaker)(nil)

// NewGobreaker builds a gobreaker-backed gate from the same Config the
// default breaker takes. Clock and HalfOpenProbe are ignored: gobreaker
// reads wall time and is always half-open capable. maxRequests bounds the
// half-open trial calls (0 => 1).
func NewGobreaker(name string, cfg Config, maxRequests uint32) *Gobreaker {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	coolDown := cfg.CoolDown
	if coolDown <= 0 {
		coolDown = DefaultCoolDown
	}
	isFailure := cfg.IsFailure
	if isFailure == nil {
		isFailure = func(err error) bool { return err != nil }
	}
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: maxRequests,
		Timeout:     coolDown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(threshold) // #nosec G115 -- threshold > 0
		},
		IsSuccessful: func(err error) bool { return !isFailure(err) },
	}
	if cfg.OnStateChange != nil {
		onChange := cfg.OnStateChange
		st.OnStateChange = func(_ string, from, to gobreaker.State) {
			onChange(fromGobreaker(from), fromGobreaker(to))
		}
	}
	return &Gobreaker{cb: gobreaker.NewCircuitBreaker(st)}
}

func (g *Gobreaker) Execute(fn func() error) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

func (g *Gobreaker) State() State { return fromGobreaker(g.cb.State()) }

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}
