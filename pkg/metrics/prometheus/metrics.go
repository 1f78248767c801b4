// Package prometheus holds the Prometheus collectors for the three
// mediastore services. Each service constructs its own Metrics set at
// startup; a nil *Metrics is a valid no-op collector.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks request, maintenance, cache, and relay activity with the
// mediastore_ prefix.
type Metrics struct {
	// RequestsTotal counts storage operations by operation and status.
	RequestsTotal *prometheus.CounterVec

	// RequestDuration tracks operation latency distribution.
	RequestDuration *prometheus.HistogramVec

	// BytesStored counts payload bytes accepted by put, labeled by family.
	BytesStored *prometheus.CounterVec

	// MaintenanceSweepsTotal counts maintenance sweeps by loop and result.
	MaintenanceSweepsTotal *prometheus.CounterVec

	// RecordsReapedTotal counts records removed by maintenance, by loop.
	RecordsReapedTotal *prometheus.CounterVec

	// CacheEventsTotal counts cache lookups by outcome (hit, miss, purge).
	CacheEventsTotal *prometheus.CounterVec

	// RelayQueueDepth tracks the storage-proxy upload queue depth.
	RelayQueueDepth prometheus.Gauge

	// RelayUploadsTotal counts relay upload attempts by result.
	RelayUploadsTotal *prometheus.CounterVec

	// FloodedServers tracks how many upstream servers are currently marked
	// flooded.
	FloodedServers prometheus.Gauge
}

// NewMetrics creates and registers the collector set. Panics if
// registration fails (expected during initialization only).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediastore_requests_total",
				Help: "Total storage operations by operation and status",
			},
			[]string{"operation", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mediastore_request_duration_seconds",
				Help:    "Storage operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		BytesStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediastore_bytes_stored_total",
				Help: "Payload bytes accepted by put, by family",
			},
			[]string{"family"},
		),
		MaintenanceSweepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediastore_maintenance_sweeps_total",
				Help: "Maintenance sweeps by loop and result",
			},
			[]string{"loop", "result"},
		),
		RecordsReapedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediastore_records_reaped_total",
				Help: "Records removed by maintenance, by loop",
			},
			[]string{"loop"},
		),
		CacheEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediastore_cache_events_total",
				Help: "Cache lookups by outcome",
			},
			[]string{"outcome"}, // "hit", "miss", "purge"
		),
		RelayQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mediastore_relay_queue_depth",
				Help: "Pending uploads in the storage-proxy queue",
			},
		),
		RelayUploadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediastore_relay_uploads_total",
				Help: "Relay upload attempts by result",
			},
			[]string{"result"}, // "ok", "retry", "discarded"
		),
		FloodedServers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mediastore_flooded_servers",
				Help: "Upstream servers currently marked flooded",
			},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.BytesStored,
		m.MaintenanceSweepsTotal,
		m.RecordsReapedTotal,
		m.CacheEventsTotal,
		m.RelayQueueDepth,
		m.RelayUploadsTotal,
		m.FloodedServers,
	)

	return m
}

// RecordRequest records a completed storage operation.
func (m *Metrics) RecordRequest(operation, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordBytesStored adds accepted payload bytes for a family.
func (m *Metrics) RecordBytesStored(family string, n int64) {
	if m == nil {
		return
	}
	m.BytesStored.WithLabelValues(family).Add(float64(n))
}

// RecordSweep records a maintenance sweep outcome.
func (m *Metrics) RecordSweep(loop, result string, reaped int) {
	if m == nil {
		return
	}
	m.MaintenanceSweepsTotal.WithLabelValues(loop, result).Inc()
	if reaped > 0 {
		m.RecordsReapedTotal.WithLabelValues(loop).Add(float64(reaped))
	}
}

// RecordCacheEvent records a cache lookup outcome.
func (m *Metrics) RecordCacheEvent(outcome string) {
	if m == nil {
		return
	}
	m.CacheEventsTotal.WithLabelValues(outcome).Inc()
}

// SetRelayQueueDepth updates the relay queue depth gauge.
func (m *Metrics) SetRelayQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.RelayQueueDepth.Set(float64(depth))
}

// RecordRelayUpload records one relay upload attempt.
func (m *Metrics) RecordRelayUpload(result string) {
	if m == nil {
		return
	}
	m.RelayUploadsTotal.WithLabelValues(result).Inc()
}

// SetFloodedServers updates the flooded-servers gauge.
func (m *Metrics) SetFloodedServers(count int) {
	if m == nil {
		return
	}
	m.FloodedServers.Set(float64(count))
}

// NullMetrics returns nil, which acts as a no-op collector. All Metrics
// methods handle a nil receiver gracefully.
func NullMetrics() *Metrics {
	return nil
}
