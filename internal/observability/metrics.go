package observability

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/piwi3910/trafficweave/internal/onem2m"
)

const (
	// Metric status labels.
	statusSuccess = "success"
	statusError   = "error"
)

// Metrics holds the dashboard's Prometheus metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestsInFlight  prometheus.Gauge
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// CSE metrics
	CSEOperationsTotal   *prometheus.CounterVec
	CSEOperationDuration *prometheus.HistogramVec
	CSEErrorsTotal       *prometheus.CounterVec

	// Provisioning metrics
	ProvisioningRunsTotal  *prometheus.CounterVec
	ProvisioningDuration   prometheus.Histogram
	ResourcesCreatedTotal  *prometheus.CounterVec
	DashboardConnected     prometheus.Gauge
	IntersectionsTotal     prometheus.Gauge
	LightChangesTotal      *prometheus.CounterVec
	StreamClientsConnected prometheus.Gauge
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// InitMetrics registers the metrics with the default registerer once and
// returns the shared instance.
func InitMetrics(namespace string) *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = NewMetrics(namespace, prometheus.DefaultRegisterer)
	})
	return globalMetrics
}

// NewMetrics creates metrics registered with reg. Tests pass a fresh
// prometheus.NewRegistry().
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "trafficweave"
	}
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
		),

		HTTPResponseSizeBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_response_size_bytes",
				Help:      "HTTP response size in bytes",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		CSEOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cse",
				Name:      "operations_total",
				Help:      "Total number of requests issued to the CSE",
			},
			[]string{"operation", "status"},
		),

		CSEOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "cse",
				Name:      "operation_duration_seconds",
				Help:      "CSE request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),

		CSEErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cse",
				Name:      "errors_total",
				Help:      "Total number of failed CSE requests by error type",
			},
			[]string{"operation", "error_type"},
		),

		ProvisioningRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provisioning",
				Name:      "runs_total",
				Help:      "Total number of provisioning runs",
			},
			[]string{"status"},
		),

		ProvisioningDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "provisioning",
				Name:      "duration_seconds",
				Help:      "Provisioning run duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),

		ResourcesCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provisioning",
				Name:      "resources_created_total",
				Help:      "Total number of resources created on the CSE by type",
			},
			[]string{"type"},
		),

		DashboardConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dashboard_connected",
				Help:      "Whether the dashboard is connected to the CSE (1) or not (0)",
			},
		),

		IntersectionsTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "intersections",
				Help:      "Number of intersections currently tracked",
			},
		),

		LightChangesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "light_changes_total",
				Help:      "Total number of operator light selections",
			},
			[]string{"color", "status"},
		),

		StreamClientsConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stream_clients_connected",
				Help:      "Number of websocket clients subscribed to the event stream",
			},
		),
	}
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration, responseSize int) {
	status := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	m.HTTPResponseSizeBytes.WithLabelValues(method, path).Observe(float64(responseSize))
}

// HTTPInFlightInc increments the in-flight HTTP request counter.
func (m *Metrics) HTTPInFlightInc() {
	m.HTTPRequestsInFlight.Inc()
}

// HTTPInFlightDec decrements the in-flight HTTP request counter.
func (m *Metrics) HTTPInFlightDec() {
	m.HTTPRequestsInFlight.Dec()
}

// RecordCSEOperation implements onem2m.Recorder.
func (m *Metrics) RecordCSEOperation(operation string, duration time.Duration, err error) {
	status := statusSuccess
	if err != nil {
		status = statusError
		m.CSEErrorsTotal.WithLabelValues(operation, cseErrorType(err)).Inc()
	}
	m.CSEOperationsTotal.WithLabelValues(operation, status).Inc()
	m.CSEOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func cseErrorType(err error) string {
	switch {
	case errors.Is(err, onem2m.ErrNotFound):
		return "not_found"
	case errors.Is(err, onem2m.ErrConflict):
		return "conflict"
	case errors.Is(err, onem2m.ErrPollTimeout):
		return "poll_timeout"
	case errors.Is(err, onem2m.ErrKindMismatch):
		return "kind_mismatch"
	default:
		return "transport"
	}
}

// RecordProvisioning implements provision.Recorder.
func (m *Metrics) RecordProvisioning(duration time.Duration, err error) {
	status := statusSuccess
	if err != nil {
		status = statusError
	}
	m.ProvisioningRunsTotal.WithLabelValues(status).Inc()
	m.ProvisioningDuration.Observe(duration.Seconds())
}

// RecordResourceCreated implements provision.Recorder.
func (m *Metrics) RecordResourceCreated(resourceType string) {
	m.ResourcesCreatedTotal.WithLabelValues(resourceType).Inc()
}

// SetConnected sets the connection gauge.
func (m *Metrics) SetConnected(connected bool) {
	if connected {
		m.DashboardConnected.Set(1)
		return
	}
	m.DashboardConnected.Set(0)
}

// SetIntersectionCount sets the number of tracked intersections.
func (m *Metrics) SetIntersectionCount(count int) {
	m.IntersectionsTotal.Set(float64(count))
}

// RecordLightChange records an operator light selection.
func (m *Metrics) RecordLightChange(color string, err error) {
	status := statusSuccess
	if err != nil {
		status = statusError
	}
	m.LightChangesTotal.WithLabelValues(color, status).Inc()
}

// SetStreamClients sets the number of connected stream clients.
func (m *Metrics) SetStreamClients(count int) {
	m.StreamClientsConnected.Set(float64(count))
}
