package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordLLMCall(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordLLMCall("claude-sonnet", "ok", 1.2, 100, 50, 0.0042)
	m.RecordLLMCall("claude-sonnet", "ok", 0.8, 200, 80, 0.0061)
	m.RecordLLMCall("claude-sonnet", "error", 0.1, 0, 0, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.LLMRequests.WithLabelValues("claude-sonnet", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LLMRequests.WithLabelValues("claude-sonnet", "error")))
	assert.Equal(t, 300.0, testutil.ToFloat64(m.LLMTokens.WithLabelValues("claude-sonnet", "input")))
	assert.Equal(t, 130.0, testutil.ToFloat64(m.LLMTokens.WithLabelValues("claude-sonnet", "output")))
	assert.InDelta(t, 0.0103, testutil.ToFloat64(m.LLMCostUSD.WithLabelValues("claude-sonnet")), 1e-9)
}

func TestSetCircuitState(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetCircuitState("gpt-4o-mini", "open")
	assert.Equal(t, float64(CircuitOpenValue), testutil.ToFloat64(m.CircuitState.WithLabelValues("gpt-4o-mini")))

	m.SetCircuitState("gpt-4o-mini", "half-open")
	assert.Equal(t, float64(CircuitHalfOpenValue), testutil.ToFloat64(m.CircuitState.WithLabelValues("gpt-4o-mini")))

	m.SetCircuitState("gpt-4o-mini", "closed")
	assert.Equal(t, float64(CircuitClosedValue), testutil.ToFloat64(m.CircuitState.WithLabelValues("gpt-4o-mini")))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitTransitions.WithLabelValues("gpt-4o-mini", "open")))
}

func TestEvidenceAndBudgetCollectors(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordEvidence("aws", "stored")
	m.RecordEvidence("aws", "duplicate")
	m.RecordEvidence("aws", "duplicate")
	m.SetBudgetRatio("tenant", "daily", 0.83)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EvidenceItems.WithLabelValues("aws", "stored")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EvidenceItems.WithLabelValues("aws", "duplicate")))
	assert.Equal(t, 0.83, testutil.ToFloat64(m.BudgetUsedRatio.WithLabelValues("tenant", "daily")))
}

func TestSetSchedulerLoad(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetSchedulerLoad(3, 5)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SchedulerTasks.WithLabelValues("running")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.SchedulerTasks.WithLabelValues("pending")))

	m.SetSchedulerLoad(0, 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SchedulerTasks.WithLabelValues("running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SchedulerTasks.WithLabelValues("pending")))
}

func TestSeparateRegistries(t *testing.T) {
	// Two instances must be able to coexist without duplicate registration.
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())

	a.RecordCheckpoint()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.CheckpointWrites))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.CheckpointWrites))
}
