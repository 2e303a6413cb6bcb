package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	heapDepthGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "citrascope_scheduler_heap_depth",
			Help: "Tasks currently waiting in the schedule",
		},
	)

	scheduledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "citrascope_scheduler_scheduled_total",
			Help: "Total tasks accepted into the schedule",
		},
	)

	evictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "citrascope_scheduler_evicted_total",
			Help: "Total scheduled tasks evicted after disappearing from the dispatch API",
		},
	)

	expiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "citrascope_scheduler_expired_total",
			Help: "Total tasks whose observation window closed before dispatch",
		},
	)

	dispatchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "citrascope_scheduler_dispatched_total",
			Help: "Total tasks handed to the imaging pipeline",
		},
	)

	pollFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "citrascope_scheduler_poll_failures_total",
			Help: "Total task poll cycles that failed",
		},
	)
)
