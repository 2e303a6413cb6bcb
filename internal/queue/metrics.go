package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Per-queue pipeline metrics, labeled by queue name.
var (
	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citrascope_queue_attempts_total",
			Help: "Total work item executions, including retries",
		},
		[]string{"queue"},
	)

	successesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citrascope_queue_successes_total",
			Help: "Total work items that completed successfully",
		},
		[]string{"queue"},
	)

	permanentFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citrascope_queue_permanent_failures_total",
			Help: "Total work items that exhausted their retry budget",
		},
		[]string{"queue"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citrascope_queue_retries_total",
			Help: "Total delayed resubmissions scheduled",
		},
		[]string{"queue"},
	)

	depthGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "citrascope_queue_depth",
			Help: "Work items waiting in the queue",
		},
		[]string{"queue"},
	)

	executingGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "citrascope_queue_executing",
			Help: "Work items currently being executed",
		},
		[]string{"queue"},
	)

	executeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "citrascope_queue_execute_duration_seconds",
			Help:    "Duration of single work item executions",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"queue"},
	)
)
