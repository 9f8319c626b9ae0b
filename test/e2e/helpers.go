package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ruleiq/orchestrator/pkg/agent"
	"github.com/ruleiq/orchestrator/pkg/config"
	"github.com/ruleiq/orchestrator/pkg/graph"
	"github.com/ruleiq/orchestrator/pkg/llm"
	"github.com/ruleiq/orchestrator/pkg/services"
)

// ────────────────────────────────────────────────────────────
// HTTP client helpers
// ────────────────────────────────────────────────────────────

// SubmitRun posts a run and returns its ID.
func (app *TestApp) SubmitRun(t *testing.T, tenantID, query string) string {
	t.Helper()
	body := map[string]any{
		"tenant_id": tenantID,
		"user_id":   "user-1",
		"query":     query,
	}
	resp := app.postJSON(t, "/api/v1/runs", body, http.StatusAccepted)
	runID, _ := resp["run_id"].(string)
	require.NotEmpty(t, runID)
	return runID
}

// SubmitStreamingRun posts a run flagged for chunked response streaming.
func (app *TestApp) SubmitStreamingRun(t *testing.T, tenantID, query string) string {
	t.Helper()
	body := map[string]any{
		"tenant_id": tenantID,
		"user_id":   "user-1",
		"query":     query,
		"stream":    true,
	}
	resp := app.postJSON(t, "/api/v1/runs", body, http.StatusAccepted)
	runID, _ := resp["run_id"].(string)
	require.NotEmpty(t, runID)
	return runID
}

// GetRun retrieves the run view.
func (app *TestApp) GetRun(t *testing.T, runID string) services.RunView {
	t.Helper()
	var view services.RunView
	app.getAs(t, "/api/v1/runs/"+runID, &view)
	return view
}

// CancelRun requests cancellation of a run.
func (app *TestApp) CancelRun(t *testing.T, runID string) {
	t.Helper()
	app.postJSON(t, fmt.Sprintf("/api/v1/runs/%s/cancel", runID), nil, http.StatusOK)
}

// ResumeRun resumes a suspended or cancelled run.
func (app *TestApp) ResumeRun(t *testing.T, runID string, input map[string]string) {
	t.Helper()
	var body map[string]any
	if input != nil {
		body = map[string]any{"input": input}
	}
	app.postJSON(t, fmt.Sprintf("/api/v1/runs/%s/resume", runID), body, http.StatusAccepted)
}

// SubmitCollection posts an evidence collection request and returns its ID.
func (app *TestApp) SubmitCollection(t *testing.T, body map[string]any) string {
	t.Helper()
	resp := app.postJSON(t, "/api/v1/collections", body, http.StatusAccepted)
	id, _ := resp["collection_id"].(string)
	require.NotEmpty(t, id)
	return id
}

// GetCollection retrieves the collection view.
func (app *TestApp) GetCollection(t *testing.T, collectionID string) services.CollectionView {
	t.Helper()
	var view services.CollectionView
	app.getAs(t, "/api/v1/collections/"+collectionID, &view)
	return view
}

// AwaitRunStatus polls the run view until it reaches the wanted status.
func (app *TestApp) AwaitRunStatus(t *testing.T, runID string, want graph.Status) services.RunView {
	t.Helper()
	var view services.RunView
	require.Eventually(t, func() bool {
		view = app.GetRun(t, runID)
		return view.Status == want
	}, 15*time.Second, 25*time.Millisecond,
		"run %s never reached %s (last: %s)", runID, want, view.Status)
	return view
}

// AwaitCollectionStatus polls the collection view until it reaches the
// wanted status.
func (app *TestApp) AwaitCollectionStatus(t *testing.T, collectionID, want string) services.CollectionView {
	t.Helper()
	var view services.CollectionView
	require.Eventually(t, func() bool {
		view = app.GetCollection(t, collectionID)
		return string(view.Status) == want
	}, 15*time.Second, 25*time.Millisecond,
		"collection %s never reached %s (last: %s)", collectionID, want, view.Status)
	return view
}

func (app *TestApp) postJSON(t *testing.T, path string, body any, expectedStatus int) map[string]any {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "POST %s: unexpected status", path)
	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func (app *TestApp) getAs(t *testing.T, path string, out any) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode, "GET %s: unexpected status", path)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

// ────────────────────────────────────────────────────────────
// Provider scripting
// ────────────────────────────────────────────────────────────

func planText(tasks ...agent.Task) string {
	raw, err := json.Marshal(agent.Plan{Tasks: tasks})
	if err != nil {
		panic(err)
	}
	return string(raw)
}

func conclusionText(summary string, confidence float64) string {
	raw, err := json.Marshal(map[string]any{
		"summary":         summary,
		"gaps":            []string{"no documented key rotation"},
		"recommendations": []string{"adopt quarterly key rotation"},
		"risks":           []string{"supervisory fines on audit"},
		"confidence":      confidence,
	})
	if err != nil {
		panic(err)
	}
	return string(raw)
}

// scriptComplianceRun loads the standard four-call script (plan, analysis,
// conclusion, answer) and returns the final answer text.
func scriptComplianceRun(p *llm.FakeProvider) string {
	const answer = "You are broadly compliant with Article 32; close the key rotation gap next."
	p.EnqueueText(
		planText(
			agent.Task{Goal: "retrieve security obligations", Tool: agent.ToolSearch},
			agent.Task{Goal: "assess the posture", Tool: agent.ToolGenerate},
		),
		"The encryption and access controls cover the Article 32 baseline.",
		conclusionText("Encryption controls largely satisfy Article 32 obligations.", 0.82),
		answer,
	)
	return answer
}

// ────────────────────────────────────────────────────────────
// Gated provider
// ────────────────────────────────────────────────────────────

// callGate parks one provider call. Entered closes when the call reaches the
// gate; Release lets it proceed. A call whose context ends while parked
// returns the context error instead.
type callGate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

// Entered closes when the gated call is in flight.
func (g *callGate) Entered() <-chan struct{} { return g.entered }

// Release lets the gated call proceed. Safe to call more than once.
func (g *callGate) Release() {
	g.once.Do(func() { close(g.release) })
}

// awaitGate blocks until the gated call is in flight.
func awaitGate(t *testing.T, g *callGate) {
	t.Helper()
	select {
	case <-g.Entered():
	case <-time.After(10 * time.Second):
		t.Fatal("gated provider call never arrived")
	}
}

// gatedProvider wraps the scripted provider and parks chosen calls until the
// test releases them, so tests can cancel, subscribe, or race replicas while
// a node is provably mid-flight.
type gatedProvider struct {
	inner llm.Provider

	mu    sync.Mutex
	calls int
	gates map[int]*callGate
}

func newGatedProvider(inner llm.Provider) *gatedProvider {
	return &gatedProvider{inner: inner, gates: make(map[int]*callGate)}
}

// GateCall installs a gate on the nth provider call, zero-based and counted
// across all models.
func (p *gatedProvider) GateCall(n int) *callGate {
	g := &callGate{entered: make(chan struct{}), release: make(chan struct{})}
	p.mu.Lock()
	p.gates[n] = g
	p.mu.Unlock()
	return g
}

func (p *gatedProvider) Name() string { return p.inner.Name() }

func (p *gatedProvider) Generate(ctx context.Context, model config.ModelDescriptor, req *llm.Request) (*llm.Response, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.Generate(ctx, model, req)
}

func (p *gatedProvider) GenerateStream(ctx context.Context, model config.ModelDescriptor, req *llm.Request, emit llm.EmitFunc) (*llm.Response, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.GenerateStream(ctx, model, req, emit)
}

func (p *gatedProvider) wait(ctx context.Context) error {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	gate := p.gates[idx]
	p.mu.Unlock()

	if gate == nil {
		return nil
	}
	close(gate.entered)
	select {
	case <-gate.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
