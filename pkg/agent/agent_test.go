package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleiq/orchestrator/pkg/checkpoint"
	"github.com/ruleiq/orchestrator/pkg/config"
	"github.com/ruleiq/orchestrator/pkg/evidence"
	"github.com/ruleiq/orchestrator/pkg/fault"
	"github.com/ruleiq/orchestrator/pkg/graph"
	"github.com/ruleiq/orchestrator/pkg/knowledge"
	"github.com/ruleiq/orchestrator/pkg/llm"
)

func agentModels() config.ModelsConfig {
	descriptor := func(id string, capability, inCost, outCost float64) config.ModelDescriptor {
		return config.ModelDescriptor{
			ID:                id,
			APIModel:          id,
			Provider:          llm.ProviderFake,
			CapabilityScore:   capability,
			CostPer1KInput:    inCost,
			CostPer1KOutput:   outCost,
			MaxContext:        128000,
			Timeout:           5 * time.Second,
			SupportsStreaming: true,
			SupportsTools:     true,
		}
	}
	return config.ModelsConfig{
		FallbackChain: []string{"primary", "mid", "cheap"},
		Registry: map[string]config.ModelDescriptor{
			"primary": descriptor("primary", 0.9, 0.003, 0.015),
			"mid":     descriptor("mid", 0.7, 0.00015, 0.0006),
			"cheap":   descriptor("cheap", 0.5, 0.0001, 0.0004),
		},
	}
}

func newAgentLLM(t *testing.T) (*llm.Client, *llm.FakeProvider) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Models = agentModels()
	cfg.Retry.MaxAttempts = 1
	cfg.Retry.BaseDelay = time.Millisecond
	fake := llm.NewFakeProvider()
	client := llm.New(cfg, llm.Options{
		Providers: map[string]llm.Provider{llm.ProviderFake: fake},
	})
	return client, fake
}

// complianceGraphData is a small regulatory graph: enough GDPR and ISO 27001
// obligations for lexical search to land hits on the test queries. Bodies
// stay unembedded so ranking is deterministic.
func complianceGraphData() knowledge.SnapshotData {
	return knowledge.SnapshotData{
		Frameworks: []knowledge.Framework{
			{ID: "GDPR", Name: "General Data Protection Regulation"},
			{ID: "ISO27001", Name: "ISO/IEC 27001"},
		},
		Obligations: []knowledge.Obligation{
			{
				ID: "ob-security", Framework: "GDPR", ArticleRef: "Art.32",
				Title: "Security of processing",
				Body:  "Implement appropriate technical and organisational measures to ensure security of processing, including encryption of personal data.",
			},
			{
				ID: "ob-breach", Framework: "GDPR", ArticleRef: "Art.33",
				Title: "Breach notification",
				Body:  "Notify the supervisory authority of a personal data breach within 72 hours of becoming aware of it.",
			},
			{
				ID: "ob-retention", Framework: "GDPR", ArticleRef: "Art.5(1)(e)",
				Title: "Storage limitation",
				Body:  "Keep personal data no longer than necessary for the purposes for which it is kept.",
			},
			{
				ID: "iso-a12", Framework: "ISO27001", ArticleRef: "A.12.4",
				Title: "Logging and monitoring",
				Body:  "Record events and generate evidence through logging and monitoring of information security operations.",
			},
		},
	}
}

func newAgentKnowledge(t *testing.T) *knowledge.Client {
	t.Helper()
	cfg := config.KnowledgeConfig{ReloadInterval: time.Minute, Embedder: "fake"}
	client := knowledge.New(cfg, &knowledge.StaticSource{Data: complianceGraphData()}, knowledge.NewFakeEmbedder())
	require.NoError(t, client.Reload(context.Background()))
	return client
}

type collectOutcome struct {
	result *evidence.Result
	err    error
}

// fakeCollector scripts evidence collection outcomes in order. An empty
// script yields an empty result.
type fakeCollector struct {
	mu       sync.Mutex
	requests []evidence.Request
	script   []collectOutcome
}

func (f *fakeCollector) enqueue(result *evidence.Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, collectOutcome{result: result, err: err})
}

func (f *fakeCollector) Collect(_ context.Context, req evidence.Request) (*evidence.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.script) == 0 {
		return &evidence.Result{}, nil
	}
	out := f.script[0]
	f.script = f.script[1:]
	return out.result, out.err
}

func (f *fakeCollector) recorded() []evidence.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]evidence.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// memArtifactStore keeps saved artifacts by key and counts Save calls.
type memArtifactStore struct {
	mu    sync.Mutex
	saved map[string]graph.Artifact
	saves int
	err   error
}

func newMemArtifactStore() *memArtifactStore {
	return &memArtifactStore{saved: make(map[string]graph.Artifact)}
}

func (s *memArtifactStore) Save(_ context.Context, a graph.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.err != nil {
		return s.err
	}
	s.saved[a.Key] = a
	return nil
}

func (s *memArtifactStore) get(key string) (graph.Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.saved[key]
	return a, ok
}

type agentFakes struct {
	provider  *llm.FakeProvider
	collector *fakeCollector
	artifacts *memArtifactStore
}

func testCapabilities(t *testing.T) (graph.Capabilities, *agentFakes) {
	t.Helper()
	client, provider := newAgentLLM(t)
	fakes := &agentFakes{
		provider:  provider,
		collector: &fakeCollector{},
		artifacts: newMemArtifactStore(),
	}
	caps := graph.Capabilities{
		LLM:       client,
		Knowledge: newAgentKnowledge(t),
		Evidence:  fakes.collector,
		Artifacts: fakes.artifacts,
		EmitChunk: func(string) {},
	}
	return caps, fakes
}

func planText(tasks ...Task) string {
	raw, err := json.Marshal(Plan{Tasks: tasks})
	if err != nil {
		panic(err)
	}
	return string(raw)
}

func conclusionText(summary string, confidence float64) string {
	raw, err := json.Marshal(conclusionPayload{
		Summary:         summary,
		Gaps:            []string{"no documented key rotation"},
		Recommendations: []string{"adopt quarterly key rotation"},
		Risks:           []string{"supervisory fines on audit"},
		Confidence:      confidence,
	})
	if err != nil {
		panic(err)
	}
	return string(raw)
}

func TestBuildProducesValidGraph(t *testing.T) {
	g := Build(Config{})
	require.NoError(t, g.Validate())

	for _, name := range []string{NodePerceive, NodePlan, NodeAct, NodeLearn, NodeRemember, NodeRespond} {
		_, ok := g.Node(name)
		assert.True(t, ok, "node %s missing", name)
	}

	perceive, _ := g.Node(NodePerceive)
	assert.True(t, perceive.FailFast)

	plan, _ := g.Node(NodePlan)
	assert.Equal(t, 3, plan.MaxAttempts)
	assert.False(t, plan.FailFast)

	act, _ := g.Node(NodeAct)
	assert.False(t, act.FailFast)
	assert.Equal(t, 0, act.MaxAttempts)

	learn, _ := g.Node(NodeLearn)
	assert.True(t, learn.FailFast)
	assert.Equal(t, 3, learn.MaxAttempts)

	remember, _ := g.Node(NodeRemember)
	assert.True(t, remember.FailFast)
	require.NotNil(t, remember.IdempotencyKey)
	state := graph.NewRunState("tenant-1", "q")
	assert.Equal(t, "conclusion:"+state.RunID, remember.IdempotencyKey(state))
}

func TestRefinePredicate(t *testing.T) {
	cfg := Config{MaxTurns: 10, ConfidenceThreshold: 0.6, RetrievalLimit: 5}
	pred := refinePredicate(cfg)

	interim := func(confidence float64) *graph.Conclusion {
		return &graph.Conclusion{Summary: "interim", Confidence: confidence}
	}

	tests := []struct {
		name       string
		conclusion *graph.Conclusion
		turns      int
		want       bool
	}{
		{"no conclusion counts as zero confidence", nil, 3, true},
		{"low interim confidence loops", interim(0.4), 3, true},
		{"confidence just below threshold loops", interim(0.59), 4, true},
		{"confidence at threshold proceeds", interim(0.6), 3, false},
		{"high confidence proceeds", interim(0.9), 3, false},
		{"final conclusion never loops", &graph.Conclusion{Confidence: 0.1, Final: true}, 1, false},
		{"turn budget halfway mark stops the loop", interim(0.1), 5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := graph.NewRunState("tenant-1", "q")
			state.Conclusion = tt.conclusion
			state.TurnCount = tt.turns
			assert.Equal(t, tt.want, pred(state))
		})
	}
}

func TestAgentRunCompletes(t *testing.T) {
	caps, fakes := testCapabilities(t)
	fakes.provider.EnqueueText(
		planText(
			Task{Goal: "retrieve security obligations", Tool: ToolSearch},
			Task{Goal: "collect control evidence", Tool: ToolEvidence},
			Task{Goal: "assess the posture", Tool: ToolGenerate},
		),
		"The encryption and access controls cover the Article 32 baseline.",
		conclusionText("Encryption controls largely satisfy Article 32 obligations.", 0.82),
		"You are broadly compliant with Article 32; close the key rotation gap next.",
	)
	now := time.Now().UTC()
	fakes.collector.enqueue(&evidence.Result{
		Items: []evidence.Item{
			{ID: "ev-1", TenantID: "tenant-1", SourceSystem: "aws_config", Type: "config_snapshot",
				ControlIDs: []string{"Art.32"}, QualityScore: 0.9, CollectedAt: now, Fingerprint: "fp-1"},
			{ID: "ev-2", TenantID: "tenant-1", SourceSystem: "github", Type: "policy_document",
				ControlIDs: []string{"Art.32"}, QualityScore: 0.8, CollectedAt: now, Fingerprint: "fp-2"},
		},
		StartedAt:  now,
		FinishedAt: now,
	}, nil)

	exec := graph.NewExecutor(config.ExecutorConfig{}, graph.Options{
		Checkpoints:  checkpoint.NewMemoryStore(),
		Capabilities: caps,
	})

	init := graph.NewRunState("tenant-1", "Are we compliant with GDPR Article 32 security of processing? profile:acme")
	init.UserID = "user-1"

	state, err := exec.Run(context.Background(), Build(Config{}), init)
	require.NoError(t, err)

	assert.Equal(t, graph.StatusCompleted, state.Status)
	assert.Equal(t, 6, state.TurnCount)
	assert.Equal(t, "GDPR", state.Framework)
	assert.Equal(t, "Art.32", state.Metadata[metaControls])
	assert.Equal(t, "acme", state.Metadata[metaProfile])

	require.NotNil(t, state.Conclusion)
	assert.True(t, state.Conclusion.Final)
	assert.Equal(t, "Encryption controls largely satisfy Article 32 obligations.", state.Conclusion.Summary)
	assert.InDelta(t, 0.82, state.Conclusion.Confidence, 1e-9)

	require.NotNil(t, state.Retrieval)
	require.NotEmpty(t, state.Retrieval.Obligations)
	ids := make([]string, 0, len(state.Retrieval.Obligations))
	for _, ob := range state.Retrieval.Obligations {
		ids = append(ids, ob.ID)
	}
	assert.Contains(t, ids, "ob-security")

	assert.Len(t, state.Evidence, 2)

	requests := fakes.collector.recorded()
	require.Len(t, requests, 1)
	assert.Equal(t, "tenant-1", requests[0].TenantID)
	assert.Equal(t, []string{"GDPR"}, requests[0].FrameworkIDs)
	assert.Equal(t, []string{"Art.32"}, requests[0].ControlIDs)
	assert.Equal(t, evidence.ModeImmediate, requests[0].Mode)

	artifact, ok := fakes.artifacts.get("conclusion:" + state.RunID)
	require.True(t, ok)
	assert.Equal(t, state.RunID, artifact.RunID)
	assert.Equal(t, "tenant-1", artifact.TenantID)
	assert.Equal(t, "conclusion", artifact.Kind)
	var stored graph.Conclusion
	require.NoError(t, json.Unmarshal(artifact.Payload, &stored))
	assert.Equal(t, *state.Conclusion, stored)

	calls := fakes.provider.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, planSystemPrompt, calls[0].Req.System)
	assert.Equal(t, analysisSystemPrompt, calls[1].Req.System)
	assert.Equal(t, learnSystemPrompt, calls[2].Req.System)
	assert.Equal(t, respondSystemPrompt, calls[3].Req.System)
	assert.False(t, calls[3].Stream)

	assert.Equal(t, 4, state.Cost.LLMCalls)
	assert.Greater(t, state.Cost.TotalUSD, 0.0)

	require.NotEmpty(t, state.Messages)
	last := state.Messages[len(state.Messages)-1]
	assert.Equal(t, llm.RoleAssistant, last.Role)
	assert.Equal(t, "You are broadly compliant with Article 32; close the key rotation gap next.", last.Content)

	for _, key := range []string{"perception", "plan", "retrieval", "evidence", "analysis", "conclusion", "artifact"} {
		_, ok := state.Memory.Peek(key)
		assert.True(t, ok, "memory key %s missing", key)
	}
}

func TestAgentRunRefinesOnLowConfidence(t *testing.T) {
	caps, fakes := testCapabilities(t)
	fakes.provider.EnqueueText(
		planText(
			Task{Goal: "retrieve breach obligations", Tool: ToolSearch},
			Task{Goal: "collect notification evidence", Tool: ToolEvidence},
		),
		planText(Task{Goal: "analyse with the retrieved obligations", Tool: ToolGenerate}),
		"Notification readiness meets the 72 hour bar on paper; evidence is missing.",
		conclusionText("The breach notification process satisfies Article 33 with evidence gaps.", 0.7),
		"Your process satisfies Article 33, but collect runbook evidence.",
	)
	fakes.collector.enqueue(nil, fault.New(fault.KindNodeError, "connector offline"))

	exec := graph.NewExecutor(config.ExecutorConfig{}, graph.Options{
		Checkpoints:  checkpoint.NewMemoryStore(),
		Capabilities: caps,
	})

	init := graph.NewRunState("tenant-1", "Does our breach notification process satisfy GDPR Article 33?")
	state, err := exec.Run(context.Background(), Build(Config{}), init)
	require.NoError(t, err)

	assert.Equal(t, graph.StatusCompleted, state.Status)
	// PERCEIVE, PLAN, ACT, PLAN again, ACT again, LEARN, REMEMBER, RESPOND.
	assert.Equal(t, 8, state.TurnCount)

	failedGoal, ok := state.Memory.Peek("failed:" + ToolEvidence)
	require.True(t, ok)
	assert.Equal(t, "collect notification evidence", failedGoal)

	calls := fakes.provider.Calls()
	require.Len(t, calls, 5)
	secondPlanPrompt := calls[1].Req.Messages[0].Content
	assert.Contains(t, secondPlanPrompt, "Previous Pass")
	assert.Contains(t, secondPlanPrompt, ToolEvidence)

	require.Len(t, fakes.collector.recorded(), 1)

	require.NotNil(t, state.Conclusion)
	assert.True(t, state.Conclusion.Final)

	_, ok = fakes.artifacts.get("conclusion:" + state.RunID)
	assert.True(t, ok)
}

func TestAgentRunStreamsFinalAnswer(t *testing.T) {
	caps, fakes := testCapabilities(t)
	fakes.provider.EnqueueText(
		planText(Task{Goal: "retrieve obligations", Tool: ToolSearch}),
		conclusionText("Retention limits are defined but unenforced in two systems.", 0.75),
		"Tighten retention enforcement in the two flagged systems.",
	)

	exec := graph.NewExecutor(config.ExecutorConfig{}, graph.Options{
		Checkpoints:  checkpoint.NewMemoryStore(),
		Capabilities: caps,
	})

	init := graph.NewRunState("tenant-1", "How long can we keep personal data under GDPR storage limitation?")
	init.Metadata[MetaStream] = "true"

	events, err := exec.RunStream(context.Background(), Build(Config{}), init)
	require.NoError(t, err)

	var chunks []string
	var finalStatus graph.Status
	for ev := range events {
		switch ev.Type {
		case graph.EventNodeChunk:
			assert.Equal(t, NodeRespond, ev.Node)
			chunks = append(chunks, ev.Chunk)
		case graph.EventStatusChanged:
			finalStatus = ev.Status
		}
	}

	assert.Equal(t, graph.StatusCompleted, finalStatus)
	require.NotEmpty(t, chunks)
	assert.Equal(t, "Tighten retention enforcement in the two flagged systems.", strings.Join(chunks, ""))

	calls := fakes.provider.Calls()
	require.Len(t, calls, 3)
	assert.True(t, calls[len(calls)-1].Stream)
}
