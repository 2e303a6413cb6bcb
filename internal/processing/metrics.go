package processing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	processorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "citrascope_processor_duration_seconds",
		Help:    "Wall time of individual processor runs.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 120},
	}, []string{"processor"})

	processorRefusals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "citrascope_processor_refusals_total",
		Help: "Captures a processor voted not to upload.",
	}, []string{"processor"})

	processorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "citrascope_processor_errors_total",
		Help: "Processor runs that aborted the chain with an error.",
	}, []string{"processor"})
)
