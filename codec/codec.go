// Package codec turns typed values into the bytes the cache tiers store.
package codec

import (
	"fmt"
	"strings"
)

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Names accepted by ByName.
const (
	NameJSON      = "json"
	NameMsgpack   = "msgpack"
	NameCBOR      = "cbor"
	NameCBORCanon = "cbor-canonical"
)

// ByName returns the codec configured by name (e.g. the cache.codec setting).
// "" means JSON. Protobuf needs a message constructor and is not available here.
func ByName[V any](name string) (Codec[V], error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameJSON:
		return JSON[V]{}, nil
	case NameMsgpack:
		return Msgpack[V]{}, nil
	case NameCBOR:
		return NewCBOR[V](false)
	case NameCBORCanon:
		return NewCBOR[V](true)
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}
