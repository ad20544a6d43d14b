package codec

import "fmt"

// LimitCodec wraps another codec and refuses payloads over a size limit in
// either direction. A limit <= 0 disables that check.
//
// MaxDecode guards against oversized input from a shared tier; MaxEncode
// catches values that would only be skipped by the size cap later on.
type LimitCodec[V any] struct {
	Inner     Codec[V]
	MaxEncode int
	MaxDecode int
}

// SizeError reports a payload over a LimitCodec limit.
type SizeError struct {
	Op    string // "encode" or "decode"
	Size  int
	Limit int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("%s payload too large: %d > %d", e.Op, e.Size, e.Limit)
}

func (c LimitCodec[V]) Encode(v V) ([]byte, error) {
	b, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	if c.MaxEncode > 0 && len(b) > c.MaxEncode {
		return nil, &SizeError{Op: "encode", Size: len(b), Limit: c.MaxEncode}
	}
	return b, nil
}

func (c LimitCodec[V]) Decode(b []byte) (V, error) {
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		var zero V
		return zero, &SizeError{Op: "decode", Size: len(b), Limit: c.MaxDecode}
	}
	return c.Inner.Decode(b)
}
