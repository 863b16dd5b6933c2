package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_jobs_total",
			Help: "Notification jobs by kind and result",
		},
		[]string{"kind", "result"}, // enqueued, duplicate, rejected, sent, retry, failed
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_dispatch_duration_seconds",
			Help:    "Email transport call duration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"kind"},
	)

	breakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notification_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
	)
)
