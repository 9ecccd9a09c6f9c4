package escrow

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lendbridge",
		Subsystem: "escrow",
		Name:      "transitions_total",
		Help:      "Committed escrow transitions by event type and cause.",
	}, []string{"event_type", "cause"})

	noopTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lendbridge",
		Subsystem: "escrow",
		Name:      "idempotent_noops_total",
		Help:      "Repeated settle requests answered without a ledger call, by target status.",
	}, []string{"target"})

	reconciliationWarnings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lendbridge",
		Subsystem: "escrow",
		Name:      "reconciliation_warnings_total",
		Help:      "Local/ledger disagreements surfaced on read, by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, noopTotal, reconciliationWarnings)
}
