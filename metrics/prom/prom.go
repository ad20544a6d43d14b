// Package prom exports cache counters to Prometheus.
//
// The Collector reads a snapshot on every scrape, so the values always match
// Service.Metrics() and nothing is double counted.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/tiercache"
	"github.com/unkn0wn-root/tiercache/breaker"
)

// Source is satisfied by *tiercache.Service and *tiercache.Fast.
type Source interface {
	Metrics() tiercache.MetricsSnapshot
	BreakerState() breaker.State
}

// localSource is the extra surface of *tiercache.Fast.
type localSource interface {
	LocalStats() tiercache.LocalStats
}

type Collector struct {
	src Source

	hits        *prometheus.Desc
	misses      *prometheus.Desc
	sets        *prometheus.Desc
	deletes     *prometheus.Desc
	errors      *prometheus.Desc
	hitRate     *prometheus.Desc
	breaker     *prometheus.Desc
	localHits   *prometheus.Desc
	localMisses *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector names metrics <namespace>_cache_*; namespace may be empty.
func NewCollector(namespace string, src Source, constLabels prometheus.Labels) *Collector {
	name := func(n string) string { return prometheus.BuildFQName(namespace, "cache", n) }
	desc := func(n, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(name(n), help, labels, constLabels)
	}
	return &Collector{
		src:         src,
		hits:        desc("hits_total", "Cache lookups that found a value."),
		misses:      desc("misses_total", "Cache lookups that found nothing."),
		sets:        desc("sets_total", "Values written to the remote tier."),
		deletes:     desc("deletes_total", "Keys deleted from the remote tier."),
		errors:      desc("errors_total", "Failed cache operations, including reads served as misses."),
		hitRate:     desc("hit_rate_percent", "Hits over lookups since the last reset, in percent."),
		breaker:     desc("breaker_state", "1 for the current circuit breaker state.", "state"),
		localHits:   desc("local_hits_total", "Lookups answered by the in-process tier."),
		localMisses: desc("local_misses_total", "Lookups the in-process tier could not answer."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.sets
	ch <- c.deletes
	ch <- c.errors
	ch <- c.hitRate
	ch <- c.breaker
	if _, ok := c.src.(localSource); ok {
		ch <- c.localHits
		ch <- c.localMisses
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Metrics()
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.sets, prometheus.CounterValue, float64(s.Sets))
	ch <- prometheus.MustNewConstMetric(c.deletes, prometheus.CounterValue, float64(s.Deletes))
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.Errors))
	ch <- prometheus.MustNewConstMetric(c.hitRate, prometheus.GaugeValue, s.HitRate())

	current := c.src.BreakerState()
	for _, st := range []breaker.State{breaker.Closed, breaker.Open, breaker.HalfOpen} {
		v := 0.0
		if st == current {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.breaker, prometheus.GaugeValue, v, st.String())
	}

	if ls, ok := c.src.(localSource); ok {
		l := ls.LocalStats()
		ch <- prometheus.MustNewConstMetric(c.localHits, prometheus.CounterValue, float64(l.Hits))
		ch <- prometheus.MustNewConstMetric(c.localMisses, prometheus.CounterValue, float64(l.Misses))
	}
}
