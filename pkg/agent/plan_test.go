package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleiq/orchestrator/pkg/fault"
	"github.com/ruleiq/orchestrator/pkg/graph"
	"github.com/ruleiq/orchestrator/pkg/llm"
)

func planTestCaps(t *testing.T) (graph.Capabilities, *llm.FakeProvider) {
	t.Helper()
	client, fake := newAgentLLM(t)
	return graph.Capabilities{LLM: client}, fake
}

func TestPlanParsesModelTaskList(t *testing.T) {
	caps, fake := planTestCaps(t)
	fake.EnqueueText(planText(
		Task{Goal: "retrieve the relevant obligations", Tool: ToolSearch},
		Task{Goal: "assess the posture", Tool: ToolGenerate},
	))
	state := graph.NewRunState("tenant-1", "Are we GDPR compliant?")

	delta, err := planNode(context.Background(), caps, state)
	require.NoError(t, err)

	var plan Plan
	require.NoError(t, json.Unmarshal([]byte(delta.Metadata[metaPlan]), &plan))
	require.Len(t, plan.Tasks, 2)
	assert.Equal(t, ToolSearch, plan.Tasks[0].Tool)
	assert.Equal(t, ToolGenerate, plan.Tasks[1].Tool)

	require.Len(t, delta.Memory, 1)
	assert.Equal(t, "plan", delta.Memory[0].Key)
	assert.Contains(t, delta.Memory[0].Value, ToolSearch)

	assert.Equal(t, 1, delta.Cost.LLMCalls)
	assert.Greater(t, delta.Cost.TotalUSD, 0.0)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	req := calls[0].Req
	assert.Equal(t, planSystemPrompt, req.System)
	require.NotNil(t, req.ResponseSchema)
	assert.InDelta(t, 0.2, req.Temperature, 1e-9)
	assert.Equal(t, 512, req.MaxTokens)
	assert.Equal(t, "tenant-1", req.Scope.TenantID)
}

func TestPlanFallsBackOnSchemaViolation(t *testing.T) {
	caps, fake := planTestCaps(t)
	fake.EnqueueText("I cannot produce structured output right now.")
	state := graph.NewRunState("tenant-1", "Are we GDPR compliant?")

	delta, err := planNode(context.Background(), caps, state)
	require.NoError(t, err)

	// Schema violations are caller faults: no chain failover, one call.
	assert.Equal(t, 1, fake.CallCount())
	assert.Equal(t, 0, delta.Cost.LLMCalls)

	var plan Plan
	require.NoError(t, json.Unmarshal([]byte(delta.Metadata[metaPlan]), &plan))
	require.Len(t, plan.Tasks, 2)
	assert.Equal(t, ToolSearch, plan.Tasks[0].Tool)
	assert.Equal(t, ToolGenerate, plan.Tasks[1].Tool)
}

func TestPlanHeuristicAddsEvidenceForControlMentions(t *testing.T) {
	caps, fake := planTestCaps(t)
	fake.EnqueueText("still not json")
	state := graph.NewRunState("tenant-1", "Do we satisfy A.5.1?")
	state.Metadata[metaControls] = "A.5.1"

	delta, err := planNode(context.Background(), caps, state)
	require.NoError(t, err)

	var plan Plan
	require.NoError(t, json.Unmarshal([]byte(delta.Metadata[metaPlan]), &plan))
	require.Len(t, plan.Tasks, 3)
	assert.Equal(t, ToolSearch, plan.Tasks[0].Tool)
	assert.Equal(t, ToolEvidence, plan.Tasks[1].Tool)
	assert.Equal(t, ToolGenerate, plan.Tasks[2].Tool)
}

func TestPlanPropagatesUpstreamFailure(t *testing.T) {
	caps, fake := planTestCaps(t)
	// One failure per chain model exhausts the chain.
	fake.EnqueueError(errors.New("upstream 503"), errors.New("upstream 503"), errors.New("upstream 503"))
	state := graph.NewRunState("tenant-1", "Are we GDPR compliant?")

	_, err := planNode(context.Background(), caps, state)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindModelsUnavailable))
}

func TestPlanComplexity(t *testing.T) {
	assert.InDelta(t, 0.21, planComplexity("status?"), 1e-9)
	assert.InDelta(t, 0.47, planComplexity("compare GDPR and HIPAA across all regions"), 1e-9)
	assert.InDelta(t, 0.32, planComplexity("what? why?"), 1e-9)

	long := strings.Repeat("and ", 60) + "compare everything"
	assert.Equal(t, 1.0, planComplexity(long))
}

func TestClampPlan(t *testing.T) {
	state := graph.NewRunState("tenant-1", "q")

	mixed := clampPlan(Plan{Tasks: []Task{
		{Goal: "open a browser", Tool: "browse"},
		{Goal: "find obligations", Tool: ToolSearch},
	}}, state)
	require.Len(t, mixed.Tasks, 1)
	assert.Equal(t, ToolSearch, mixed.Tasks[0].Tool)

	// Nothing usable falls back to the heuristic plan.
	fallback := clampPlan(Plan{Tasks: []Task{{Goal: "x", Tool: "browse"}}}, state)
	require.Len(t, fallback.Tasks, 2)
	assert.Equal(t, ToolSearch, fallback.Tasks[0].Tool)

	oversized := Plan{}
	for i := 0; i < maxPlanTasks+4; i++ {
		oversized.Tasks = append(oversized.Tasks, Task{Goal: "search again", Tool: ToolSearch})
	}
	assert.Len(t, clampPlan(oversized, state).Tasks, maxPlanTasks)
}

func TestDecodePlanMissing(t *testing.T) {
	state := graph.NewRunState("tenant-1", "q")
	_, err := decodePlan(state)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindInternal))
}
