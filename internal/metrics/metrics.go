// Package metrics holds the Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notefeed"

// Collector holds all Prometheus metrics for one session.
// Every method is safe to call on a nil *Collector.
type Collector struct {
	registry *prometheus.Registry

	// Query coordinator
	PhysicalQueries *prometheus.CounterVec
	MergedFilters   prometheus.Counter
	CoalescedCalls  prometheus.Counter
	QueryFailures   prometheus.Counter

	// Trust scoring
	TrustCache    *prometheus.CounterVec
	TrustStrategy *prometheus.CounterVec
	OracleCalls   *prometheus.CounterVec

	// Ingestion buffer
	BufferFlushes *prometheus.CounterVec

	// Feed store
	FeedEvents *prometheus.CounterVec
	WorkingSet prometheus.Gauge
	PageTier   *prometheus.CounterVec
}

// New creates a collector registered on its own registry.
func New() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		PhysicalQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "physical_queries_total",
			Help:      "Physical relay subscriptions issued, by merge class",
		}, []string{"class"}),
		MergedFilters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merged_filters_total",
			Help:      "Caller filters folded into a shared physical request",
		}),
		CoalescedCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coalesced_calls_total",
			Help:      "Callers attached to an identical pending or in-flight query",
		}),
		QueryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_failures_total",
			Help:      "Physical relay requests that failed",
		}),
		TrustCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trust_cache_total",
			Help:      "Trust cache lookups by result",
		}, []string{"result"}),
		TrustStrategy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trust_strategy_total",
			Help:      "Authors scored, by strategy",
		}, []string{"strategy"}),
		OracleCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_requests_total",
			Help:      "Remote trust oracle requests by kind and status",
		}, []string{"kind", "status"}),
		BufferFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_flushes_total",
			Help:      "Ingestion buffer flushes by trigger",
		}, []string{"trigger"}),
		FeedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_events_total",
			Help:      "Feed store ingestion outcomes",
		}, []string{"outcome"}),
		WorkingSet: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "working_set_notes",
			Help:      "Notes currently held in the working set",
		}),
		PageTier: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "page_tier_total",
			Help:      "Pagination requests served, by tier",
		}, []string{"tier"}),
	}

	registry.MustRegister(
		c.PhysicalQueries, c.MergedFilters, c.CoalescedCalls, c.QueryFailures,
		c.TrustCache, c.TrustStrategy, c.OracleCalls,
		c.BufferFlushes,
		c.FeedEvents, c.WorkingSet, c.PageTier,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collector in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) PhysicalQuery(class string) {
	if c != nil {
		c.PhysicalQueries.WithLabelValues(class).Inc()
	}
}

func (c *Collector) Merged(n int) {
	if c != nil && n > 0 {
		c.MergedFilters.Add(float64(n))
	}
}

func (c *Collector) Coalesced() {
	if c != nil {
		c.CoalescedCalls.Inc()
	}
}

func (c *Collector) QueryFailed() {
	if c != nil {
		c.QueryFailures.Inc()
	}
}

func (c *Collector) TrustLookup(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.TrustCache.WithLabelValues("hit").Inc()
	} else {
		c.TrustCache.WithLabelValues("miss").Inc()
	}
}

func (c *Collector) TrustScored(strategy string, n int) {
	if c != nil && n > 0 {
		c.TrustStrategy.WithLabelValues(strategy).Add(float64(n))
	}
}

func (c *Collector) OracleCall(kind, status string) {
	if c != nil {
		c.OracleCalls.WithLabelValues(kind, status).Inc()
	}
}

func (c *Collector) BufferFlush(trigger string) {
	if c != nil {
		c.BufferFlushes.WithLabelValues(trigger).Inc()
	}
}

func (c *Collector) FeedEvent(outcome string) {
	if c != nil {
		c.FeedEvents.WithLabelValues(outcome).Inc()
	}
}

func (c *Collector) SetWorkingSet(n int) {
	if c != nil {
		c.WorkingSet.Set(float64(n))
	}
}

func (c *Collector) PageServed(tier string) {
	if c != nil {
		c.PageTier.WithLabelValues(tier).Inc()
	}
}
