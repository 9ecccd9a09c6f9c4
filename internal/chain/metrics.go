package chain

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	callsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lendbridge",
		Subsystem: "chain",
		Name:      "calls_total",
		Help:      "Ledger gateway calls by operation and outcome (ok, retryable, permanent).",
	}, []string{"op", "outcome"})

	callDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lendbridge",
		Subsystem: "chain",
		Name:      "call_duration_seconds",
		Help:      "Ledger gateway call latency.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(callsTotal, callDuration)
}

func observeCall(op string, start time.Time, err error) {
	callDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	outcome := "ok"
	switch {
	case err == nil:
	case IsPermanent(err):
		outcome = "permanent"
	default:
		outcome = "retryable"
	}
	callsTotal.WithLabelValues(op, outcome).Inc()
}
