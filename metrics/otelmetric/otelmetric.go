// Package otelmetric exposes cache counters as OpenTelemetry observable
// instruments, read from a snapshot at each collection.
package otelmetric

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/unkn0wn-root/tiercache"
	"github.com/unkn0wn-root/tiercache/breaker"
)

const ScopeName = "github.com/unkn0wn-root/tiercache"

// Source is satisfied by *tiercache.Service and *tiercache.Fast.
type Source interface {
	Metrics() tiercache.MetricsSnapshot
	BreakerState() breaker.State
}

type Config struct {
	Meter      metric.Meter         // nil => otel.GetMeterProvider().Meter(ScopeName)
	Attributes []attribute.KeyValue // attached to every observation
}

// Register creates the instruments and their callback. Unregister the
// returned Registration when the source goes away.
func Register(src Source, cfg Config) (metric.Registration, error) {
	meter := cfg.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(ScopeName)
	}

	counter := func(name, desc string) (metric.Int64ObservableCounter, error) {
		return meter.Int64ObservableCounter(name, metric.WithDescription(desc), metric.WithUnit("{operation}"))
	}
	hits, err := counter("cache.hits", "Cache lookups that found a value")
	if err != nil {
		return nil, err
	}
	misses, err := counter("cache.misses", "Cache lookups that found nothing")
	if err != nil {
		return nil, err
	}
	sets, err := counter("cache.sets", "Values written to the remote tier")
	if err != nil {
		return nil, err
	}
	deletes, err := counter("cache.deletes", "Keys deleted from the remote tier")
	if err != nil {
		return nil, err
	}
	errs, err := counter("cache.errors", "Failed cache operations")
	if err != nil {
		return nil, err
	}
	hitRate, err := meter.Float64ObservableGauge("cache.hit_rate",
		metric.WithDescription("Hits over lookups since the last reset"), metric.WithUnit("%"))
	if err != nil {
		return nil, err
	}
	open, err := meter.Int64ObservableGauge("cache.breaker.open",
		metric.WithDescription("1 while the circuit breaker refuses remote calls"))
	if err != nil {
		return nil, err
	}

	opt := metric.WithAttributes(cfg.Attributes...)
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := src.Metrics()
		o.ObserveInt64(hits, s.Hits, opt)
		o.ObserveInt64(misses, s.Misses, opt)
		o.ObserveInt64(sets, s.Sets, opt)
		o.ObserveInt64(deletes, s.Deletes, opt)
		o.ObserveInt64(errs, s.Errors, opt)
		o.ObserveFloat64(hitRate, s.HitRate(), opt)
		var v int64
		if src.BreakerState() == breaker.Open {
			v = 1
		}
		o.ObserveInt64(open, v, opt)
		return nil
	}, hits, misses, sets, deletes, errs, hitRate, open)
}
