// Package metrics exposes the pooler's Prometheus metrics, grounded on the
// teacher's internal/metrics (struct-of-vectors, custom registry, New()
// constructor), renamed to this domain per SPEC_FULL.md §10.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the pooler.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	sessionDuration    *prometheus.HistogramVec
	backendStatus      *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec

	routeDecisions     *prometheus.CounterVec
	mismatchedTuples   prometheus.Counter
	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
	cacheEvictions     prometheus.Counter
	cacheInvalidations prometheus.Counter

	scramExchanges *prometheus.CounterVec

	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g., in tests) — each call creates an
// independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "poolrouter_connections_active",
				Help: "Number of active backend connections per slot",
			},
			[]string{"backend"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "poolrouter_connections_idle",
				Help: "Number of idle backend connections per slot",
			},
			[]string{"backend"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "poolrouter_connections_total",
				Help: "Total number of backend connections per slot",
			},
			[]string{"backend"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "poolrouter_connections_waiting",
				Help: "Number of sessions waiting for a backend connection per slot",
			},
			[]string{"backend"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "poolrouter_session_duration_seconds",
				Help:    "Duration of proxied client sessions in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{},
		),
		backendStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "poolrouter_backend_status",
				Help: "Backend slot status (1=UP, 0=otherwise)",
			},
			[]string{"backend", "role"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolrouter_pool_exhausted_total",
				Help: "Total number of times a backend's connection pool was exhausted",
			},
			[]string{"backend"},
		),
		routeDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolrouter_route_decisions_total",
				Help: "Routing decisions by destination",
			},
			[]string{"destination"},
		),
		mismatchedTuples: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "poolrouter_mismatched_tuples_total",
				Help: "Replicated writes where backends returned divergent row counts",
			},
		),
		cacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "poolrouter_cache_hits_total",
				Help: "Query cache hits",
			},
		),
		cacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "poolrouter_cache_misses_total",
				Help: "Query cache misses",
			},
		),
		cacheEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "poolrouter_cache_evictions_total",
				Help: "Query cache blocks evicted by the clock hand",
			},
		),
		cacheInvalidations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "poolrouter_cache_invalidations_total",
				Help: "Query cache entries invalidated by a write",
			},
		),
		scramExchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolrouter_scram_exchanges_total",
				Help: "SCRAM-SHA-256 exchanges by outcome",
			},
			[]string{"outcome"},
		),
		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "poolrouter_health_check_duration_seconds",
				Help:    "Duration of backend health check probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"backend", "status"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolrouter_health_check_errors_total",
				Help: "Health check errors by type",
			},
			[]string{"backend", "error_type"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.sessionDuration,
		c.backendStatus,
		c.poolExhausted,
		c.routeDecisions,
		c.mismatchedTuples,
		c.cacheHits,
		c.cacheMisses,
		c.cacheEvictions,
		c.cacheInvalidations,
		c.scramExchanges,
		c.healthCheckDuration,
		c.healthCheckErrors,
	)

	return c
}

// SessionDuration observes a completed session's duration.
func (c *Collector) SessionDuration(d time.Duration) {
	c.sessionDuration.WithLabelValues().Observe(d.Seconds())
}

// SetBackendStatus sets the backend-up gauge for one slot.
func (c *Collector) SetBackendStatus(backend, role string, up bool) {
	val := 0.0
	if up {
		val = 1.0
	}
	c.backendStatus.WithLabelValues(backend, role).Set(val)
}

// PoolExhausted increments the pool exhausted counter for a backend.
func (c *Collector) PoolExhausted(backend string) {
	c.poolExhausted.WithLabelValues(backend).Inc()
}

// UpdatePoolStats updates the pool gauge metrics for a backend slot.
func (c *Collector) UpdatePoolStats(backend string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(backend).Set(float64(active))
	c.connectionsIdle.WithLabelValues(backend).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(backend).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(backend).Set(float64(waiting))
}

// RouteDecision increments the routing-decision counter for one destination
// ("PRIMARY", "STANDBY", "BOTH", "EITHER").
func (c *Collector) RouteDecision(destination string) {
	c.routeDecisions.WithLabelValues(destination).Inc()
}

// MismatchedTuples increments the row-count divergence counter.
func (c *Collector) MismatchedTuples() { c.mismatchedTuples.Inc() }

// CacheHit/CacheMiss/CacheEviction/CacheInvalidation record query-cache events.
func (c *Collector) CacheHit()          { c.cacheHits.Inc() }
func (c *Collector) CacheMiss()         { c.cacheMisses.Inc() }
func (c *Collector) CacheEviction()     { c.cacheEvictions.Inc() }
func (c *Collector) CacheInvalidation() { c.cacheInvalidations.Inc() }

// SCRAMExchange increments the SCRAM outcome counter ("ok", "failed", "mock").
func (c *Collector) SCRAMExchange(outcome string) {
	c.scramExchanges.WithLabelValues(outcome).Inc()
}

// HealthCheckCompleted records a health check probe duration and result.
func (c *Collector) HealthCheckCompleted(backend string, d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDuration.WithLabelValues(backend, status).Observe(d.Seconds())
}

// HealthCheckError records a health check error by type.
func (c *Collector) HealthCheckError(backend, errorType string) {
	c.healthCheckErrors.WithLabelValues(backend, errorType).Inc()
}
