package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	taskRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduled_task_runs_total",
			Help: "Scheduled task runs by task and result",
		},
		[]string{"task", "result"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduled_task_duration_seconds",
			Help:    "Scheduled task duration",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"task"},
	)

	counterDrift = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "counter_drift_total",
			Help: "Counters found to differ from their source during reconciliation",
		},
		[]string{"counter"}, // notifications, unread_conversation, unread_bag
	)

	retentionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retention_conversations_total",
			Help: "Conversations moved by the retention sweeper",
		},
		[]string{"action"}, // archived, deleted
	)
)
