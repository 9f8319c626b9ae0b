package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleiq/orchestrator/pkg/evidence"
	"github.com/ruleiq/orchestrator/pkg/fault"
	"github.com/ruleiq/orchestrator/pkg/graph"
)

func actTestConfig() Config {
	return Config{MaxTurns: 10, ConfidenceThreshold: 0.6, RetrievalLimit: 5}
}

func actTestState(plan string) *graph.RunState {
	state := graph.NewRunState("tenant-1", "Are we compliant with GDPR Article 32 security of processing?")
	state.Framework = "GDPR"
	state.Metadata[metaControls] = "Art.32"
	state.Metadata[metaPlan] = plan
	return state
}

func TestActExecutesPlannedTasks(t *testing.T) {
	caps, fakes := testCapabilities(t)
	fakes.provider.EnqueueText("The controls on record cover the encryption baseline.")
	now := time.Now().UTC()
	fakes.collector.enqueue(&evidence.Result{
		Items: []evidence.Item{
			{ID: "ev-1", TenantID: "tenant-1", SourceSystem: "aws_config", Type: "config_snapshot",
				QualityScore: 0.9, CollectedAt: now, Fingerprint: "fp-1"},
		},
	}, nil)

	state := actTestState(planText(
		Task{Goal: "retrieve security obligations", Tool: ToolSearch},
		Task{Goal: "collect control evidence", Tool: ToolEvidence},
		Task{Goal: "assess the posture", Tool: ToolGenerate},
	))

	delta, err := actNode(actTestConfig())(context.Background(), caps, state)
	require.NoError(t, err)

	// GDPR obligations sort ahead of other frameworks, lexical order intact.
	require.NotNil(t, delta.Retrieval)
	ids := make([]string, 0, len(delta.Retrieval.Obligations))
	for _, ob := range delta.Retrieval.Obligations {
		ids = append(ids, ob.ID)
	}
	assert.Equal(t, []string{"ob-security", "ob-breach", "iso-a12"}, ids)
	assert.Equal(t, state.Query, delta.Retrieval.Query)

	require.Len(t, delta.Evidence, 1)
	assert.Equal(t, "fp-1", delta.Evidence[0].Fingerprint)

	require.Len(t, delta.Messages, 1)
	assert.Equal(t, "The controls on record cover the encryption baseline.", delta.Messages[0].Content)

	require.NotNil(t, delta.Conclusion)
	assert.False(t, delta.Conclusion.Final)
	assert.Equal(t, "3 of 3 sub-tasks completed", delta.Conclusion.Summary)
	assert.InDelta(t, 0.84, delta.Conclusion.Confidence, 1e-9)

	for _, key := range []string{"retrieval", "evidence", "analysis"} {
		found := false
		for _, e := range delta.Memory {
			if e.Key == key {
				found = true
			}
		}
		assert.True(t, found, "memory key %s missing", key)
	}

	requests := fakes.collector.recorded()
	require.Len(t, requests, 1)
	assert.Equal(t, []string{"GDPR"}, requests[0].FrameworkIDs)
	assert.Equal(t, []string{"Art.32"}, requests[0].ControlIDs)

	// The analysis prompt sees the retrieval from this same pass.
	calls := fakes.provider.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Req.Messages[0].Content, "assess the posture")
	assert.Contains(t, calls[0].Req.Messages[0].Content, "[ob-security]")
	assert.NotEmpty(t, calls[0].Req.ContextHash)
}

func TestActToleratesSingleTaskFailure(t *testing.T) {
	caps, fakes := testCapabilities(t)
	fakes.provider.EnqueueText("Analysis proceeds without fresh evidence.")
	fakes.collector.enqueue(nil, fault.New(fault.KindNodeError, "connector offline"))

	state := actTestState(planText(
		Task{Goal: "retrieve security obligations", Tool: ToolSearch},
		Task{Goal: "collect control evidence", Tool: ToolEvidence},
		Task{Goal: "assess the posture", Tool: ToolGenerate},
	))

	delta, err := actNode(actTestConfig())(context.Background(), caps, state)
	require.NoError(t, err)

	assert.Empty(t, delta.Evidence)
	failed := false
	for _, e := range delta.Memory {
		if e.Key == "failed:"+ToolEvidence {
			failed = true
			assert.Equal(t, "collect control evidence", e.Value)
		}
	}
	assert.True(t, failed)

	require.NotNil(t, delta.Conclusion)
	assert.Equal(t, "2 of 3 sub-tasks completed", delta.Conclusion.Summary)
	assert.InDelta(t, 0.64, delta.Conclusion.Confidence, 1e-9)
}

func TestActFailsWhenEveryTaskFails(t *testing.T) {
	caps, fakes := testCapabilities(t)
	fakes.collector.enqueue(nil, fault.New(fault.KindNodeError, "connector offline"))

	state := actTestState(planText(Task{Goal: "collect control evidence", Tool: ToolEvidence}))

	_, err := actNode(actTestConfig())(context.Background(), caps, state)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindNodeError))
	assert.Contains(t, err.Error(), "every planned sub-task failed")
}

func TestActBailsOnFatalFault(t *testing.T) {
	caps, fakes := testCapabilities(t)
	fakes.collector.enqueue(nil, fault.New(fault.KindBudgetExceeded, "tenant budget exhausted"))

	state := actTestState(planText(
		Task{Goal: "collect control evidence", Tool: ToolEvidence},
		Task{Goal: "assess the posture", Tool: ToolGenerate},
	))

	_, err := actNode(actTestConfig())(context.Background(), caps, state)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindBudgetExceeded))
	// The remaining tasks never run.
	assert.Equal(t, 0, fakes.provider.CallCount())
}

func TestActBailsOnCancellation(t *testing.T) {
	caps, fakes := testCapabilities(t)
	fakes.collector.enqueue(nil, fault.New(fault.KindCancelled, "run cancelled"))

	state := actTestState(planText(
		Task{Goal: "collect control evidence", Tool: ToolEvidence},
		Task{Goal: "assess the posture", Tool: ToolGenerate},
	))

	_, err := actNode(actTestConfig())(context.Background(), caps, state)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindCancelled))
	assert.Equal(t, 0, fakes.provider.CallCount())
}

func TestActWithoutPlan(t *testing.T) {
	caps, _ := testCapabilities(t)
	state := graph.NewRunState("tenant-1", "q")

	_, err := actNode(actTestConfig())(context.Background(), caps, state)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindInternal))
}

func TestActRejectsUnknownPlannedTool(t *testing.T) {
	caps, _ := testCapabilities(t)
	state := actTestState(`{"tasks":[{"goal":"open a browser","tool":"browse"}]}`)

	_, err := actNode(actTestConfig())(context.Background(), caps, state)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindNodeError))
}

func TestActSearchHonoursRetrievalLimit(t *testing.T) {
	caps, _ := testCapabilities(t)
	cfg := actTestConfig()
	cfg.RetrievalLimit = 2

	state := actTestState(planText(Task{Goal: "retrieve security obligations", Tool: ToolSearch}))

	delta, err := actNode(cfg)(context.Background(), caps, state)
	require.NoError(t, err)
	require.NotNil(t, delta.Retrieval)
	assert.Len(t, delta.Retrieval.Obligations, 2)
	// One task, full coverage against the smaller limit.
	assert.InDelta(t, 1.0, delta.Conclusion.Confidence, 1e-9)
}
