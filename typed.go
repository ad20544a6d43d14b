package tiercache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/tiercache/codec"
)

// Typed is a value-typed view over a Backend (Service or Fast).
type Typed[V any] struct {
	b     Backend
	codec codec.Codec[V]
	log   Logger
	hooks Hooks
}

// For returns a typed view of b. A nil cd means JSON.
func For[V any](b Backend, cd codec.Codec[V]) *Typed[V] {
	if cd == nil {
		cd = codec.JSON[V]{}
	}
	t := &Typed[V]{b: b, codec: cd, log: NopLogger{}, hooks: NopHooks{}}
	switch x := b.(type) {
	case *Service:
		t.log, t.hooks = x.log, x.hooks
	case *Fast:
		t.log, t.hooks = x.log, x.svc.hooks
	}
	return t
}

// Get decodes the cached value. A value that cannot be decoded counts as an
// error, is deleted (self-heal) and reported as a miss.
func (t *Typed[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V
	raw, ok := t.b.Get(ctx, key)
	if !ok {
		return zero, false
	}
	v, err := t.codec.Decode(raw)
	if err != nil {
		if ec, ok := t.b.(interface{ countError() }); ok {
			ec.countError()
		}
		se := &SerializationError{Key: key, Op: "decode", Err: err}
		t.log.Warn("dropping undecodable value", Fields{"key": key, "err": se.Error()})
		_ = t.b.Delete(ctx, key) // self-heal
		t.hooks.SelfHeal(key, "value_decode")
		return zero, false
	}
	return v, true
}

// Set encodes v and writes it. Encoding errors come back as *SerializationError
// before anything touches the network.
func (t *Typed[V]) Set(ctx context.Context, key string, v V, ttl time.Duration) error {
	b, err := t.codec.Encode(v)
	if err != nil {
		return &SerializationError{Key: key, Op: "encode", Err: err}
	}
	return t.b.Set(ctx, key, b, ttl)
}

func (t *Typed[V]) Delete(ctx context.Context, key string) error {
	return t.b.Delete(ctx, key)
}
