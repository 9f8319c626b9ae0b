// Package metrics defines the Prometheus collectors shared across the
// orchestrator. A single Metrics value is created at startup and handed to
// the components that record into it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Circuit state values exported through the circuit_state gauge.
const (
	CircuitClosedValue   = 0
	CircuitHalfOpenValue = 1
	CircuitOpenValue     = 2
)

// Metrics holds every collector the orchestrator records into.
type Metrics struct {
	LLMRequests *prometheus.CounterVec
	LLMTokens   *prometheus.CounterVec
	LLMCostUSD  *prometheus.CounterVec
	LLMLatency  *prometheus.HistogramVec

	CircuitState       *prometheus.GaugeVec
	CircuitTransitions *prometheus.CounterVec

	CacheOps *prometheus.CounterVec

	RunsTotal        *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	NodeDuration     *prometheus.HistogramVec
	CheckpointWrites prometheus.Counter

	EvidenceItems    *prometheus.CounterVec
	EvidenceDuration *prometheus.HistogramVec

	BudgetUsedRatio *prometheus.GaugeVec

	SchedulerTasks *prometheus.GaugeVec
}

// New creates and registers all collectors against reg. Passing nil uses the
// default registerer; tests pass a fresh prometheus.NewRegistry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		LLMRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_llm_requests_total",
				Help: "LLM requests by model and outcome",
			},
			[]string{"model", "outcome"}, // outcome: ok, error, schema_violation, rejected
		),
		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_llm_tokens_total",
				Help: "Tokens consumed by model and direction",
			},
			[]string{"model", "direction"}, // direction: input, output
		),
		LLMCostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_llm_cost_usd_total",
				Help: "Accumulated LLM spend in USD by model",
			},
			[]string{"model"},
		),
		LLMLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_llm_latency_seconds",
				Help:    "LLM call latency",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"model"},
		),
		CircuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_circuit_state",
				Help: "Circuit breaker state per model (0 closed, 1 half-open, 2 open)",
			},
			[]string{"model"},
		),
		CircuitTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_circuit_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"model", "to"},
		),
		CacheOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_cache_ops_total",
				Help: "Response cache operations by result",
			},
			[]string{"result"}, // result: hit, miss, bypass, store
		),
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_runs_total",
				Help: "Completed runs by terminal status",
			},
			[]string{"status"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_run_duration_seconds",
				Help:    "End to end run duration",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		NodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_node_duration_seconds",
				Help:    "Per node execution duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"node"},
		),
		CheckpointWrites: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "orchestrator_checkpoint_writes_total",
				Help: "Checkpoints persisted",
			},
		),
		EvidenceItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_evidence_items_total",
				Help: "Evidence items by source and result",
			},
			[]string{"source", "result"}, // result: stored, duplicate, flagged, failed
		),
		EvidenceDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_evidence_collection_duration_seconds",
				Help:    "Evidence collection duration per source",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 300, 900},
			},
			[]string{"source"},
		),
		BudgetUsedRatio: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_budget_used_ratio",
				Help: "Fraction of budget limit consumed per scope and window",
			},
			[]string{"scope", "window"},
		),
		SchedulerTasks: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_scheduler_tasks",
				Help: "Run pool occupancy by state",
			},
			[]string{"state"}, // state: running, pending
		),
	}
}

// RecordLLMCall records one upstream model call.
func (m *Metrics) RecordLLMCall(model, outcome string, seconds float64, inputTokens, outputTokens int, costUSD float64) {
	m.LLMRequests.WithLabelValues(model, outcome).Inc()
	m.LLMLatency.WithLabelValues(model).Observe(seconds)
	if inputTokens > 0 {
		m.LLMTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
	if costUSD > 0 {
		m.LLMCostUSD.WithLabelValues(model).Add(costUSD)
	}
}

// SetCircuitState mirrors a breaker state change into the gauge and counter.
func (m *Metrics) SetCircuitState(model, state string) {
	value := float64(CircuitClosedValue)
	switch state {
	case "open":
		value = CircuitOpenValue
	case "half-open":
		value = CircuitHalfOpenValue
	}
	m.CircuitState.WithLabelValues(model).Set(value)
	m.CircuitTransitions.WithLabelValues(model, state).Inc()
}

// RecordCache counts a cache lookup result.
func (m *Metrics) RecordCache(result string) {
	m.CacheOps.WithLabelValues(result).Inc()
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(status string, seconds float64) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(seconds)
}

// RecordNode records a node execution.
func (m *Metrics) RecordNode(node string, seconds float64) {
	m.NodeDuration.WithLabelValues(node).Observe(seconds)
}

// RecordCheckpoint counts one persisted checkpoint.
func (m *Metrics) RecordCheckpoint() {
	m.CheckpointWrites.Inc()
}

// RecordEvidence counts one collected evidence item.
func (m *Metrics) RecordEvidence(source, result string) {
	m.EvidenceItems.WithLabelValues(source, result).Inc()
}

// RecordEvidenceDuration records how long a source took to drain.
func (m *Metrics) RecordEvidenceDuration(source string, seconds float64) {
	m.EvidenceDuration.WithLabelValues(source).Observe(seconds)
}

// SetBudgetRatio publishes the consumed fraction for one budget window.
func (m *Metrics) SetBudgetRatio(scope, window string, ratio float64) {
	m.BudgetUsedRatio.WithLabelValues(scope, window).Set(ratio)
}

// SetSchedulerLoad publishes the current run pool occupancy.
func (m *Metrics) SetSchedulerLoad(running, pending int) {
	m.SchedulerTasks.WithLabelValues("running").Set(float64(running))
	m.SchedulerTasks.WithLabelValues("pending").Set(float64(pending))
}
