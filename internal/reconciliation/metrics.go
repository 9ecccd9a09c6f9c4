package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileMismatches = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lendbridge",
		Subsystem: "reconciliation",
		Name:      "mismatches",
		Help:      "Escrows disagreeing with the ledger in the last run, by kind.",
	}, []string{"kind"})

	reconcileStuckIntents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lendbridge",
		Subsystem: "reconciliation",
		Name:      "stuck_intents",
		Help:      "Abandoned settle intents found in the last run.",
	})

	reconcileRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lendbridge",
		Subsystem: "reconciliation",
		Name:      "recovered_total",
		Help:      "Stuck intents resolved, by recovery action.",
	}, []string{"action"})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lendbridge",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lendbridge",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileMismatches,
		reconcileStuckIntents,
		reconcileRecovered,
		reconcileDuration,
		reconcileErrors,
	)
}
