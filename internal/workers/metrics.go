package workers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PollsTotal tracks long-poll outcomes.
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafficweave_polls_total",
			Help: "Total number of polling channel requests by result",
		},
		[]string{"result"},
	)

	// NotificationsTotal tracks dispatched notifications.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafficweave_notifications_total",
			Help: "Total number of notifications dispatched by event type and status",
		},
		[]string{"event_type", "status"},
	)

	// AcknowledgementsTotal tracks notification acknowledgements.
	AcknowledgementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafficweave_acknowledgements_total",
			Help: "Total number of notification acknowledgements by status",
		},
		[]string{"status"},
	)

	// DispatchLatency tracks how long notification handlers take.
	DispatchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trafficweave_notification_dispatch_seconds",
			Help:    "Notification dispatch latency in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// ActivePollersGauge is 1 while a poll loop runs.
	ActivePollersGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trafficweave_active_pollers",
			Help: "Number of running polling channel loops",
		},
	)
)
