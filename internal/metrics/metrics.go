// Package metrics provides Prometheus instrumentation for the flag
// evaluation server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the
// global default) so that only this server's metrics appear on the
// /metrics endpoint.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kieran-voss/fluxflag/cache"
)

// Metrics holds all Prometheus collectors used by the server and
// implements fluxflag.MetricsRecorder so a [Client] can be wired
// straight to it.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	EvaluationsTotal *prometheus.CounterVec

	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheSize      prometheus.Gauge

	AuditRecordsTotal prometheus.Counter

	SyncMergesTotal    prometheus.Counter
	SyncAcceptedTotal  prometheus.Counter
	SyncFailuresTotal  prometheus.Counter

	DBPoolAcquired prometheus.Gauge
	DBPoolIdle     prometheus.Gauge
	DBPoolTotal    prometheus.Gauge

	// cacheStatsMu guards prevCacheStats, the last cache.Stats snapshot
	// observed by RecordCacheStats. cache.Stats() reports lifetime-
	// cumulative counters, not per-call deltas, so RecordCacheStats must
	// diff against the previous snapshot before adding to the Counters
	// above -- otherwise every call would re-add the whole running total.
	cacheStatsMu  sync.Mutex
	prevCacheStats cache.Stats
}

// New creates and registers all metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fluxflag_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fluxflag_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fluxflag_evaluations_total",
			Help: "Total number of flag evaluations, labelled by reason.",
		}, []string{"flag_key", "reason"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluxflag_cache_hits_total",
			Help: "Total number of fresh cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluxflag_cache_misses_total",
			Help: "Total number of cache misses that fell through to the store.",
		}),

		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluxflag_cache_evictions_total",
			Help: "Total number of cache entries evicted for capacity.",
		}),

		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fluxflag_cache_size",
			Help: "Number of entries currently held in the cache.",
		}),

		AuditRecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluxflag_audit_records_total",
			Help: "Total number of audit records appended.",
		}),

		SyncMergesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluxflag_sync_merges_total",
			Help: "Total number of merge-remote cycles completed.",
		}),

		SyncAcceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluxflag_sync_accepted_total",
			Help: "Total number of remote flag entries accepted by a merge.",
		}),

		SyncFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluxflag_sync_failures_total",
			Help: "Total number of sync cycles that failed to fetch or merge.",
		}),

		DBPoolAcquired: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fluxflag_db_pool_acquired",
			Help: "Number of currently acquired database connections.",
		}),

		DBPoolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fluxflag_db_pool_idle",
			Help: "Number of idle database connections in the pool.",
		}),

		DBPoolTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fluxflag_db_pool_total",
			Help: "Total number of database connections in the pool.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EvaluationsTotal,
		m.CacheHits,
		m.CacheMisses,
		m.CacheEvictions,
		m.CacheSize,
		m.AuditRecordsTotal,
		m.SyncMergesTotal,
		m.SyncAcceptedTotal,
		m.SyncFailuresTotal,
		m.DBPoolAcquired,
		m.DBPoolIdle,
		m.DBPoolTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordEvaluation implements fluxflag.MetricsRecorder.
func (m *Metrics) RecordEvaluation(flagKey, reason string) {
	m.EvaluationsTotal.WithLabelValues(flagKey, reason).Inc()
}

// RecordCacheStats implements fluxflag.MetricsRecorder. stats carries
// lifetime-cumulative counters (see [cache.Cache.Stats]), so only the
// delta since the previous call is added to the Prometheus counters;
// CacheSize is reported as-is since it is already a point-in-time value.
func (m *Metrics) RecordCacheStats(stats cache.Stats) {
	m.cacheStatsMu.Lock()
	prev := m.prevCacheStats
	m.prevCacheStats = stats
	m.cacheStatsMu.Unlock()

	m.CacheHits.Add(float64(delta(stats.Hits, prev.Hits)))
	m.CacheMisses.Add(float64(delta(stats.Misses, prev.Misses)))
	m.CacheEvictions.Add(float64(delta(stats.Evictions, prev.Evictions)))
	m.CacheSize.Set(float64(stats.Size))
}

// delta returns current-previous, or 0 if current has gone backwards
// (the cache was replaced or its counters otherwise reset).
func delta(current, previous uint64) uint64 {
	if current < previous {
		return 0
	}
	return current - previous
}

// RecordMerge implements fluxflag.MetricsRecorder.
func (m *Metrics) RecordMerge(accepted int) {
	m.SyncMergesTotal.Inc()
	m.SyncAcceptedTotal.Add(float64(accepted))
}

// RecordSyncFailure increments the sync-failure counter; called from the
// host's syncer.Syncer error channel consumer.
func (m *Metrics) RecordSyncFailure() {
	m.SyncFailuresTotal.Inc()
}

// RecordAuditAppend increments the audit-records counter; called after
// every audit.AuditLog append.
func (m *Metrics) RecordAuditAppend() {
	m.AuditRecordsTotal.Inc()
}

// DBPoolStats holds connection pool statistics for metric updates.
type DBPoolStats struct {
	Acquired float64
	Idle     float64
	Total    float64
}

// SetDBPoolStats updates the DB pool gauges.
func (m *Metrics) SetDBPoolStats(stats DBPoolStats) {
	m.DBPoolAcquired.Set(stats.Acquired)
	m.DBPoolIdle.Set(stats.Idle)
	m.DBPoolTotal.Set(stats.Total)
}
