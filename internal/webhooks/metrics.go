package webhooks

import "github.com/prometheus/client_golang/prometheus"

var (
	receivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lendbridge",
		Subsystem: "webhook",
		Name:      "received_total",
		Help:      "Deliveries stored, by source and normalized event type.",
	}, []string{"source", "event_type"})

	outcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lendbridge",
		Subsystem: "webhook",
		Name:      "outcomes_total",
		Help:      "Recorded delivery outcomes, by source and outcome.",
	}, []string{"source", "outcome"})

	processingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lendbridge",
		Subsystem: "webhook",
		Name:      "processing_duration_seconds",
		Help:      "Time from verification to a recorded outcome.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	}, []string{"source"})

	recoveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lendbridge",
		Subsystem: "webhook",
		Name:      "recovered_total",
		Help:      "Pending deliveries resolved by recovery.",
	})
)

func init() {
	prometheus.MustRegister(receivedTotal, outcomesTotal, processingDuration, recoveredTotal)
}
