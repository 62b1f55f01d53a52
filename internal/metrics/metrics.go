package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FlowsTotal tracks finished flows by status and success
	FlowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflow_flows_total",
			Help: "Total number of flows executed",
		},
		[]string{"status", "success"},
	)

	// FlowDuration tracks wall-clock flow duration
	FlowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reflow_flow_duration_seconds",
			Help:    "Flow execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"atomic_mode"},
	)

	// FlowsInFlight tracks flows currently executing
	FlowsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reflow_flows_in_flight",
			Help: "Number of flows currently executing",
		},
	)

	// StepsTotal tracks step results by final state
	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflow_steps_total",
			Help: "Total number of steps attempted",
		},
		[]string{"state", "critical"},
	)

	// StepDuration tracks per-step duration including recovery
	StepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reflow_step_duration_seconds",
			Help:    "Step duration in seconds, including recovery",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RecoveriesTotal tracks recovery calls by strategy and outcome
	RecoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflow_recoveries_total",
			Help: "Total number of step recoveries",
		},
		[]string{"strategy", "outcome"},
	)

	// RecoveryAttempts tracks attempts consumed per recovery
	RecoveryAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reflow_recovery_attempts",
			Help:    "Attempts consumed by a recovery",
			Buckets: []float64{0, 1, 2, 3, 5, 8},
		},
		[]string{"strategy"},
	)

	// DecisionsTotal tracks operator decisions
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflow_user_decisions_total",
			Help: "Total number of operator decisions received",
		},
		[]string{"decision"},
	)

	// TelemetryDropped tracks events dropped by the async telemetry bus
	TelemetryDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reflow_telemetry_dropped_total",
			Help: "Telemetry events dropped because the buffer was full",
		},
	)

	// ResultsPruned tracks stored results removed by retention
	ResultsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reflow_results_pruned_total",
			Help: "Stored flow results deleted by the retention pruner",
		},
	)

	// DBConnectionPoolUsage tracks open connections as a percentage of max
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reflow_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
