package tiercache

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/unkn0wn-root/tiercache/breaker"
	"github.com/unkn0wn-root/tiercache/keys"
)

var (
	// ErrCircuitOpen is returned, without touching the network, while the breaker is open.
	ErrCircuitOpen = breaker.ErrOpen

	// ErrRemoteUnavailable means the lazy connect path gave up after its retries.
	ErrRemoteUnavailable = errors.New("remote cache unavailable")
)

// ValidationError rejects an empty key or malformed pattern before any I/O.
type ValidationError = keys.ValidationError

// TransportError wraps a network/connection failure talking to the remote tier.
// Timeouts are transport errors too.
type TransportError struct {
	Op  string
	Key string
	Err error
}

func (e *TransportError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("remote %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SerializationError means a value could not be encoded or decoded.
type SerializationError struct {
	Key string
	Op  string // "encode" or "decode"
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Key, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// OversizeValueError describes a write skipped because the value exceeds the
// size cap. Set never returns it; it is what gets logged and handed to hooks.
type OversizeValueError struct {
	Key   string
	Size  int
	Limit int
}

func (e *OversizeValueError) Error() string {
	return fmt.Sprintf("value for %q is %d bytes, limit %d", e.Key, e.Size, e.Limit)
}

// InvalidateError lists the keys a pattern sweep matched but failed to delete.
type InvalidateError struct {
	Pattern string
	Failed  map[string]error
}

func (e *InvalidateError) Error() string {
	ks := make([]string, 0, len(e.Failed))
	for k := range e.Failed {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	if len(ks) > 5 {
		ks = append(ks[:5], "...")
	}
	return fmt.Sprintf("invalidate %q: %d deletions failed (%s)", e.Pattern, len(e.Failed), strings.Join(ks, ", "))
}

func (e *InvalidateError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}

// IsTransport reports whether err came from the remote tier's transport.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
