package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UnitsTotal counts finished execution units by status and error code.
	UnitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainpilot",
		Subsystem: "scheduler",
		Name:      "units_total",
		Help:      "Execution units finished (status=success/error)",
	}, []string{"status", "code"})

	// UnitDuration tracks how long one account's task run takes.
	UnitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chainpilot",
		Subsystem: "scheduler",
		Name:      "unit_duration_seconds",
		Help:      "Wall time of an execution unit",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	// ActiveUnits is the number of units currently running.
	ActiveUnits = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainpilot",
		Subsystem: "scheduler",
		Name:      "active_units",
		Help:      "Execution units currently in flight",
	})

	// BatchesTotal counts admitted batches.
	BatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chainpilot",
		Subsystem: "scheduler",
		Name:      "batches_total",
		Help:      "Batches admitted by the scheduler",
	})

	// ActionsTotal counts pipeline actions by action and outcome.
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainpilot",
		Subsystem: "pipeline",
		Name:      "actions_total",
		Help:      "Pipeline actions (status=confirmed/skipped/failed)",
	}, []string{"action", "status"})

	// SwapAttemptsTotal counts individual mixSwap submissions per direction.
	SwapAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainpilot",
		Subsystem: "pipeline",
		Name:      "swap_attempts_total",
		Help:      "Swap attempts by direction and result",
	}, []string{"direction", "result"})

	// FaucetClaimsTotal counts faucet claims per token and result.
	FaucetClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainpilot",
		Subsystem: "faucet",
		Name:      "claims_total",
		Help:      "Faucet claims (result=claimed/ineligible/failed)",
	}, []string{"token", "result"})

	// SinkErrorsTotal counts result sink write failures.
	SinkErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainpilot",
		Subsystem: "report",
		Name:      "sink_errors_total",
		Help:      "Result sink write failures",
	}, []string{"driver"})
)

// ObserveUnit records a finished unit.
func ObserveUnit(success bool, code string, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	UnitsTotal.WithLabelValues(status, code).Inc()
	UnitDuration.Observe(duration.Seconds())
}

// ObserveAction records a pipeline action outcome.
func ObserveAction(action, status string) {
	ActionsTotal.WithLabelValues(action, status).Inc()
}
