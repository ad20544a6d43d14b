package tiercache

import "time"

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Hooks interface {
	// An entry was deleted on read because it could not be used.
	// reason ∈ {"value_decode"}
	SelfHeal(key, reason string)

	// A write was skipped because the encoded value exceeds the size cap.
	OversizeRejected(key string, size, limit int)

	// A written value is above the compression threshold.
	CompressionCandidate(key string, size int)

	// The breaker in front of the remote tier changed state.
	BreakerStateChange(from, to string)

	// A detached pattern sweep failed (scan error or some deletions failed).
	SweepFailed(pattern string, err error)

	// Every remote operation, timed. op ∈ {"get", "set", "delete", "scan", "ping"}.
	Operation(op string, d time.Duration, ok bool)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string)               {}
func (NopHooks) OversizeRejected(string, int, int)     {}
func (NopHooks) CompressionCandidate(string, int)      {}
func (NopHooks) BreakerStateChange(string, string)     {}
func (NopHooks) SweepFailed(string, error)             {}
func (NopHooks) Operation(string, time.Duration, bool) {}

type multiHooks []Hooks

// ChainHooks fans every event out to each non-nil h in order.
func ChainHooks(h ...Hooks) Hooks {
	out := make(multiHooks, 0, len(h))
	for _, x := range h {
		if x != nil {
			out = append(out, x)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func (m multiHooks) SelfHeal(k, r string) {
	for _, h := range m {
		h.SelfHeal(k, r)
	}
}

func (m multiHooks) OversizeRejected(k string, size, limit int) {
	for _, h := range m {
		h.OversizeRejected(k, size, limit)
	}
}

func (m multiHooks) CompressionCandidate(k string, size int) {
	for _, h := range m {
		h.CompressionCandidate(k, size)
	}
}

func (m multiHooks) BreakerStateChange(from, to string) {
	for _, h := range m {
		h.BreakerStateChange(from, to)
	}
}

func (m multiHooks) SweepFailed(p string, err error) {
	for _, h := range m {
		h.SweepFailed(p, err)
	}
}

func (m multiHooks) Operation(op string, d time.Duration, ok bool) {
	for _, h := range m {
		h.Operation(op, d, ok)
	}
}
