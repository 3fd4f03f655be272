// Package metrics provides Prometheus-backed request counters for the relay.
//
// Every relay instance owns its own prometheus.Registry rather than
// registering on prometheus.DefaultRegisterer, so multiple Metrics values
// (e.g. in tests, or a future multi-tenant process) never collide on metric
// names.
package metrics

import (
	"sync/atomic"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks aggregate and per-service request statistics for the relay.
type Metrics struct {
	registry *prometheus.Registry

	total   prometheus.Counter
	success prometheus.Counter
	failed  prometheus.Counter

	requestsByService *prometheus.CounterVec
	latencyByService  *prometheus.HistogramVec
	queueDepth        *prometheus.GaugeVec

	// totalCount mirrors the `total` counter in a plain atomic so
	// RequestsPerSecond can compute a rate without reading back through the
	// Prometheus collector interface on every request.
	totalCount atomic.Uint64
	startTime  time.Time
}

// NewMetrics creates a Metrics instance backed by a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),
		total: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total HTTP requests dispatched to backend services.",
		}),
		success: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_requests_success_total",
			Help: "Requests that received a non-error response.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_requests_failed_total",
			Help: "Requests that resulted in a transport error or a non-2xx/3xx response.",
		}),
		requestsByService: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_requests_by_service_total",
			Help: "Requests dispatched, broken down by logical service name.",
		}, []string{"service"}),
		latencyByService: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "Upstream request duration, broken down by logical service name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_job_queue_depth",
			Help: "Current depth of each identity's HTTP job queue.",
		}, []string{"node"}),
	}
	reg.MustRegister(m.total, m.success, m.failed, m.requestsByService, m.latencyByService, m.queueDepth)
	return m
}

// Registry exposes the underlying prometheus.Registry for wiring into an
// HTTP handler (see dashboard.Server).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// IncrementTotal records a dispatched request.
func (m *Metrics) IncrementTotal() {
	m.total.Inc()
	m.totalCount.Add(1)
}

// IncrementSuccess records a successfully completed request.
func (m *Metrics) IncrementSuccess() { m.success.Inc() }

// IncrementFailed records a failed request.
func (m *Metrics) IncrementFailed() { m.failed.Inc() }

// ObserveService records one request against service, with its upstream
// latency.
func (m *Metrics) ObserveService(service string, d time.Duration) {
	m.requestsByService.WithLabelValues(service).Inc()
	m.latencyByService.WithLabelValues(service).Observe(d.Seconds())
}

// SetQueueDepth publishes the current job-queue depth for a given identity.
func (m *Metrics) SetQueueDepth(node string, depth int) {
	m.queueDepth.WithLabelValues(node).Set(float64(depth))
}

// RequestsPerSecond returns the average request rate since the Metrics
// instance was created.
func (m *Metrics) RequestsPerSecond() float64 {
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.totalCount.Load()) / elapsed
}

// Snapshot returns a point-in-time copy of the aggregate counters. Because
// three separate loads are not performed under a single lock, the snapshot
// may be very slightly inconsistent at nanosecond granularity, which is
// acceptable for dashboard/monitoring purposes.
func (m *Metrics) Snapshot() (total, success, failed uint64) {
	return m.totalCount.Load(), counterValue(m.success), counterValue(m.failed)
}

// counterValue reads the current value of a prometheus.Counter without
// requiring a separate atomic mirror for every field.
func counterValue(c prometheus.Counter) uint64 {
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		return 0
	}
	return uint64(metric.GetCounter().GetValue())
}
