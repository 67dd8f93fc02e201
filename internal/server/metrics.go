package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ledgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atelier_ledger_operations_total",
		Help: "Ledger operations by type and result.",
	}, []string{"operation", "result"})

	researchRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atelier_research_runs_total",
		Help: "Research runs by terminal status.",
	}, []string{"status"})

	researchRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "atelier_research_run_duration_seconds",
		Help:    "Wall time of research runs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
)

func observeLedgerOp(operation string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	ledgerOps.WithLabelValues(operation, result).Inc()
}
