package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trafficweave",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total number of events published by publisher and status",
		},
		[]string{"publisher", "status"},
	)

	bridgeWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trafficweave",
			Subsystem: "bridge",
			Name:      "forwarded_total",
			Help:      "Total number of light states forwarded to device bridges",
		},
		[]string{"intersection", "status"},
	)

	bridgeWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trafficweave",
			Subsystem: "bridge",
			Name:      "forward_duration_seconds",
			Help:      "Light state forwarding duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"intersection"},
	)

	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "trafficweave",
			Subsystem: "bridge",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per bridge URL (0=closed, 1=half-open, 2=open)",
		},
		[]string{"url"},
	)
)

// RecordEventPublished records a publish outcome.
func RecordEventPublished(publisher, status string) {
	eventsPublishedTotal.WithLabelValues(publisher, status).Inc()
}

// RecordBridgeWrite records a forwarded light state.
func RecordBridgeWrite(intersectionID, status string, duration float64) {
	bridgeWritesTotal.WithLabelValues(intersectionID, status).Inc()
	bridgeWriteDuration.WithLabelValues(intersectionID).Observe(duration)
}

// RecordCircuitBreakerState records the breaker state of a bridge URL.
func RecordCircuitBreakerState(url string, state float64) {
	circuitBreakerState.WithLabelValues(url).Set(state)
}

func publishStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
