// Package metrics exposes feed generation counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the feed generator and invalidation coordinator report to.
type Recorder interface {
	RecordGeneration(kind, result string, duration time.Duration)
	RecordSkipped(kind string, count int)
	RecordCacheLookup(kind string, hit bool)
	RecordInvalidation(kind string)
	RecordPersistFailure(kind string)
}

const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultStale   = "stale"
)

var _ Recorder = (*Collector)(nil)

type Collector struct {
	generations     *prometheus.CounterVec
	generationTime  *prometheus.HistogramVec
	skipped         *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	invalidations   *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smarty_feed_generations_total",
			Help: "Feed generations by kind and result",
		}, []string{"kind", "result"}),
		generationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smarty_feed_generation_duration_seconds",
			Help:    "Time spent building a feed from the catalog",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smarty_feed_skipped_entries_total",
			Help: "Entities skipped because they could not be mapped",
		}, []string{"kind"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smarty_feed_cache_lookups_total",
			Help: "Feed cache lookups by kind and result",
		}, []string{"kind", "result"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smarty_feed_invalidations_total",
			Help: "Cache invalidations triggered by catalog changes",
		}, []string{"kind"}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smarty_feed_persist_failures_total",
			Help: "Failed writes of the feed file",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.generations,
		c.generationTime,
		c.skipped,
		c.cacheLookups,
		c.invalidations,
		c.persistFailures,
	)

	return c
}

func (c *Collector) RecordGeneration(kind, result string, duration time.Duration) {
	c.generations.WithLabelValues(kind, result).Inc()
	if result == ResultSuccess {
		c.generationTime.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

func (c *Collector) RecordSkipped(kind string, count int) {
	if count <= 0 {
		return
	}
	c.skipped.WithLabelValues(kind).Add(float64(count))
}

func (c *Collector) RecordCacheLookup(kind string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(kind, result).Inc()
}

func (c *Collector) RecordInvalidation(kind string) {
	c.invalidations.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordPersistFailure(kind string) {
	c.persistFailures.WithLabelValues(kind).Inc()
}

// Handler serves the gatherer's metrics in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Noop discards everything.
type Noop struct{}

var _ Recorder = Noop{}

func (Noop) RecordGeneration(string, string, time.Duration) {}
func (Noop) RecordSkipped(string, int)                       {}
func (Noop) RecordCacheLookup(string, bool)                  {}
func (Noop) RecordInvalidation(string)                       {}
func (Noop) RecordPersistFailure(string)                     {}
