package notes

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeSuccess = "success"
	outcomePartial = "partial"
	outcomeDenied  = "denied"
	outcomeInvalid = "invalid"
	outcomeError   = "error"
)

var (
	// operationsTotal counts note operations by result.
	// Labels: operation (create, append_content, share, delete, view_history, read, list), outcome
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inkwell",
		Subsystem: "notes",
		Name:      "operations_total",
		Help:      "Total note operations by outcome",
	}, []string{"operation", "outcome"})

	// ledgerEntriesTotal counts version entries written to the ledger.
	ledgerEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "inkwell",
		Subsystem: "notes",
		Name:      "ledger_entries_total",
		Help:      "Total version entries appended to the ledger",
	})

	// ledgerFailuresTotal counts content updates committed without a version entry.
	ledgerFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "inkwell",
		Subsystem: "notes",
		Name:      "ledger_failures_total",
		Help:      "Total content updates whose version entry could not be written",
	})
)

func recordOperation(operation Operation, outcome string) {
	operationsTotal.WithLabelValues(string(operation), outcome).Inc()
}
