package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleiq/orchestrator/pkg/agent"
	"github.com/ruleiq/orchestrator/pkg/checkpoint"
	"github.com/ruleiq/orchestrator/pkg/config"
	"github.com/ruleiq/orchestrator/pkg/fault"
	"github.com/ruleiq/orchestrator/pkg/graph"
	"github.com/ruleiq/orchestrator/pkg/scheduler"
	testdb "github.com/ruleiq/orchestrator/test/database"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []graph.Event
}

func (p *capturePublisher) Publish(_ context.Context, ev graph.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *capturePublisher) all() []graph.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]graph.Event(nil), p.events...)
}

type runEnv struct {
	store checkpoint.Store
	pub   *capturePublisher
	svc   *RunService
}

// newRunEnv wires a RunService over a real database, a PostgreSQL
// checkpoint store, and a small run pool executing g.
func newRunEnv(t *testing.T, g *graph.Graph) *runEnv {
	t.Helper()
	pool := testdb.NewPool(t)
	store := checkpoint.NewPGStore(pool)
	pub := &capturePublisher{}
	exec := graph.NewExecutor(config.ExecutorConfig{}, graph.Options{
		Checkpoints: store,
		Publisher:   pub,
	})
	sched := scheduler.New(config.SchedulerConfig{MaxConcurrentRuns: 4, ShutdownGrace: 5 * time.Second}, nil)
	t.Cleanup(sched.Stop)
	return &runEnv{
		store: store,
		pub:   pub,
		svc:   NewRunService(pool, store, exec, g, sched, pub),
	}
}

func passNode(name string) *graph.Node {
	return &graph.Node{
		Name: name,
		Fn: func(ctx context.Context, caps graph.Capabilities, state *graph.RunState) (graph.Delta, error) {
			return graph.Delta{Metadata: map[string]string{"visited_" + name: "true"}}, nil
		},
	}
}

func linearGraph(nodes ...*graph.Node) *graph.Graph {
	g := graph.New("test")
	prev := graph.Start
	for _, n := range nodes {
		g.AddNode(n)
		g.AddEdge(graph.Edge{From: prev, To: n.Name})
		prev = n.Name
	}
	g.AddEdge(graph.Edge{From: prev, To: graph.End})
	return g
}

// drain consumes the mirror until the run settles and the channel closes.
func drain(events <-chan graph.Event) []graph.Event {
	var out []graph.Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestRunService_SubmitValidation(t *testing.T) {
	env := newRunEnv(t, linearGraph(passNode("a")))
	ctx := context.Background()

	_, _, err := env.svc.Submit(ctx, Query{Query: "are we compliant?"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindInvalidInput))
	assert.Contains(t, err.Error(), "tenant_id")

	_, _, err = env.svc.Submit(ctx, Query{TenantID: "tenant-1", Query: "   "})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindInvalidInput))
	assert.Contains(t, err.Error(), "query")
}

func TestRunService_SubmitRunsToCompletion(t *testing.T) {
	env := newRunEnv(t, linearGraph(passNode("a"), passNode("b")))
	ctx := context.Background()

	runID, events, err := env.svc.Submit(ctx, Query{
		TenantID:  "tenant-1",
		UserID:    "user-7",
		Query:     "do our retention policies satisfy GDPR article 17?",
		Framework: "GDPR",
	})
	require.NoError(t, err)
	require.NotEmpty(t, runID)
	drain(events)

	view, err := env.svc.Get(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, runID, view.RunID)
	assert.Equal(t, "tenant-1", view.TenantID)
	assert.Equal(t, "GDPR", view.Framework)
	assert.Equal(t, graph.StatusCompleted, view.Status)
	assert.Equal(t, "b", view.CurrentNode)
	assert.Empty(t, view.ErrorKind)
	assert.Empty(t, view.Errors)
	assert.False(t, view.CreatedAt.IsZero())
	assert.False(t, view.UpdatedAt.IsZero())
}

func TestRunService_SubmitStreamsChunks(t *testing.T) {
	respond := &graph.Node{
		Name: "respond",
		Fn: func(ctx context.Context, caps graph.Capabilities, state *graph.RunState) (graph.Delta, error) {
			caps.EmitChunk("Your retention policy ")
			caps.EmitChunk("covers erasure requests.")
			return graph.Delta{}, nil
		},
	}
	env := newRunEnv(t, linearGraph(respond))
	ctx := context.Background()

	runID, events, err := env.svc.Submit(ctx, Query{
		TenantID: "tenant-1",
		Query:    "summarize our erasure posture",
		Stream:   true,
	})
	require.NoError(t, err)

	var chunks []string
	for _, ev := range drain(events) {
		if ev.Type == graph.EventNodeChunk {
			chunks = append(chunks, ev.Chunk)
		}
	}
	assert.Equal(t, []string{"Your retention policy ", "covers erasure requests."}, chunks)

	view, err := env.svc.Get(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, graph.StatusCompleted, view.Status)
	assert.Equal(t, "covers erasure requests.", view.LastChunk)

	version, err := env.store.LatestVersion(ctx, runID)
	require.NoError(t, err)
	cp, err := env.store.Load(ctx, runID, version)
	require.NoError(t, err)
	var state graph.RunState
	require.NoError(t, checkpoint.DecodeSnapshot(cp.Snapshot, &state))
	assert.Equal(t, "true", state.Metadata[agent.MetaStream])
}

func TestRunService_SubmitFailureSettlesRow(t *testing.T) {
	broken := &graph.Node{
		Name:     "validate",
		FailFast: true,
		Fn: func(ctx context.Context, caps graph.Capabilities, state *graph.RunState) (graph.Delta, error) {
			return graph.Delta{}, fault.New(fault.KindSchemaViolation, "conclusion failed validation")
		},
	}
	env := newRunEnv(t, linearGraph(passNode("a"), broken))
	ctx := context.Background()

	runID, events, err := env.svc.Submit(ctx, Query{TenantID: "tenant-1", Query: "check the conclusion schema"})
	require.NoError(t, err)
	drain(events)

	view, err := env.svc.Get(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, graph.StatusFailed, view.Status)
	assert.Equal(t, string(fault.KindSchemaViolation), view.ErrorKind)
	assert.Equal(t, "conclusion failed validation", view.ErrorMessage)
	require.Len(t, view.Errors, 1)
	assert.Equal(t, "validate", view.Errors[0].Node)
	assert.Equal(t, string(fault.KindSchemaViolation), view.Errors[0].Code)
}

func TestRunService_GetUnknownRun(t *testing.T) {
	env := newRunEnv(t, linearGraph(passNode("a")))

	_, err := env.svc.Get(context.Background(), "no-such-run")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestRunService_CancelRunningRun(t *testing.T) {
	entered := make(chan struct{}, 1)
	hold := &graph.Node{
		Name: "hold",
		Fn: func(ctx context.Context, caps graph.Capabilities, state *graph.RunState) (graph.Delta, error) {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return graph.Delta{}, ctx.Err()
		},
	}
	env := newRunEnv(t, linearGraph(passNode("a"), hold))
	ctx := context.Background()

	runID, events, err := env.svc.Submit(ctx, Query{TenantID: "tenant-1", Query: "long analysis"})
	require.NoError(t, err)
	<-entered

	require.NoError(t, env.svc.Cancel(ctx, runID))
	drain(events)

	view, err := env.svc.Get(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, graph.StatusCancelled, view.Status)
	assert.Equal(t, string(fault.KindCancelled), view.ErrorKind)
	assert.NotEmpty(t, view.ErrorMessage)
}

func TestRunService_ResumeCancelledRunCompletes(t *testing.T) {
	var holdCalls atomic.Int32
	entered := make(chan struct{}, 1)
	hold := &graph.Node{
		Name: "hold",
		Fn: func(ctx context.Context, caps graph.Capabilities, state *graph.RunState) (graph.Delta, error) {
			if holdCalls.Add(1) == 1 {
				entered <- struct{}{}
				<-ctx.Done()
				return graph.Delta{}, ctx.Err()
			}
			return graph.Delta{Metadata: map[string]string{"held": "done"}}, nil
		},
	}
	env := newRunEnv(t, linearGraph(passNode("a"), hold))
	ctx := context.Background()

	runID, events, err := env.svc.Submit(ctx, Query{TenantID: "tenant-1", Query: "long analysis"})
	require.NoError(t, err)
	<-entered
	require.NoError(t, env.svc.Cancel(ctx, runID))
	drain(events)

	resumed, err := env.svc.Resume(ctx, runID, map[string]string{"operator": "aria"})
	require.NoError(t, err)
	drain(resumed)

	view, err := env.svc.Get(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, graph.StatusCompleted, view.Status)
	assert.Equal(t, "hold", view.CurrentNode)
	assert.Empty(t, view.ErrorKind)
	assert.Empty(t, view.ErrorMessage)
	// The recorded cancellation stays in the run's error log even though
	// the run went on to complete.
	require.Len(t, view.Errors, 1)
	assert.Equal(t, string(fault.KindCancelled), view.Errors[0].Code)
	assert.Equal(t, int32(2), holdCalls.Load())

	version, err := env.store.LatestVersion(ctx, runID)
	require.NoError(t, err)
	cp, err := env.store.Load(ctx, runID, version)
	require.NoError(t, err)
	var state graph.RunState
	require.NoError(t, checkpoint.DecodeSnapshot(cp.Snapshot, &state))
	assert.Equal(t, "aria", state.Metadata["operator"])
	assert.Equal(t, "done", state.Metadata["held"])
}

func TestRunService_ResumeCompletedRunIsRejected(t *testing.T) {
	env := newRunEnv(t, linearGraph(passNode("a")))
	ctx := context.Background()

	runID, events, err := env.svc.Submit(ctx, Query{TenantID: "tenant-1", Query: "quick check"})
	require.NoError(t, err)
	drain(events)

	_, err = env.svc.Resume(ctx, runID, nil)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindInvalidInput))
	assert.Contains(t, err.Error(), "already")
}

func TestRunService_ResumeUnknownRun(t *testing.T) {
	env := newRunEnv(t, linearGraph(passNode("a")))

	_, err := env.svc.Resume(context.Background(), "no-such-run", nil)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestRunService_CancelSuspendedRun(t *testing.T) {
	gate := &graph.Node{
		Name: "gate",
		Fn: func(ctx context.Context, caps graph.Capabilities, state *graph.RunState) (graph.Delta, error) {
			return graph.Delta{AwaitHuman: true}, nil
		},
	}
	env := newRunEnv(t, linearGraph(passNode("a"), gate))
	ctx := context.Background()

	runID, events, err := env.svc.Submit(ctx, Query{TenantID: "tenant-1", Query: "needs signoff"})
	require.NoError(t, err)
	drain(events)

	view, err := env.svc.Get(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, graph.StatusAwaitingHuman, view.Status)

	versionBefore, err := env.store.LatestVersion(ctx, runID)
	require.NoError(t, err)
	publishedBefore := len(env.pub.all())

	require.NoError(t, env.svc.Cancel(ctx, runID))

	view, err = env.svc.Get(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, graph.StatusCancelled, view.Status)
	assert.Equal(t, string(fault.KindCancelled), view.ErrorKind)
	assert.Equal(t, "cancelled by caller", view.ErrorMessage)
	require.NotEmpty(t, view.Errors)
	assert.Equal(t, string(fault.KindCancelled), view.Errors[len(view.Errors)-1].Code)

	versionAfter, err := env.store.LatestVersion(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, versionBefore+1, versionAfter)

	published := env.pub.all()
	require.Len(t, published, publishedBefore+1)
	closing := published[len(published)-1]
	assert.Equal(t, graph.EventStatusChanged, closing.Type)
	assert.Equal(t, graph.StatusCancelled, closing.Status)
	assert.Equal(t, runID, closing.RunID)
}

func TestRunService_CancelUnknownRun(t *testing.T) {
	env := newRunEnv(t, linearGraph(passNode("a")))

	err := env.svc.Cancel(context.Background(), "no-such-run")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestRunService_CancelCompletedRunIsRejected(t *testing.T) {
	env := newRunEnv(t, linearGraph(passNode("a")))
	ctx := context.Background()

	runID, events, err := env.svc.Submit(ctx, Query{TenantID: "tenant-1", Query: "quick check"})
	require.NoError(t, err)
	drain(events)

	err = env.svc.Cancel(ctx, runID)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindInvalidInput))
	assert.Contains(t, err.Error(), "COMPLETED")
}

func TestRunService_SubmitAfterShutdownLeavesNoRow(t *testing.T) {
	pool := testdb.NewPool(t)
	store := checkpoint.NewPGStore(pool)
	exec := graph.NewExecutor(config.ExecutorConfig{}, graph.Options{Checkpoints: store})
	sched := scheduler.New(config.SchedulerConfig{MaxConcurrentRuns: 2, ShutdownGrace: time.Second}, nil)
	svc := NewRunService(pool, store, exec, linearGraph(passNode("a")), sched, nil)
	sched.Stop()

	_, _, err := svc.Submit(context.Background(), Query{TenantID: "tenant-1", Query: "too late"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindInternal))

	var count int
	require.NoError(t, pool.QueryRow(context.Background(),
		`SELECT count(*) FROM runs WHERE tenant_id = 'tenant-1'`).Scan(&count))
	assert.Zero(t, count)
}

func TestRunService_DeleteTerminalBefore(t *testing.T) {
	pool := testdb.NewPool(t)
	store := checkpoint.NewPGStore(pool)
	exec := graph.NewExecutor(config.ExecutorConfig{}, graph.Options{Checkpoints: store})
	sched := scheduler.New(config.SchedulerConfig{MaxConcurrentRuns: 2, ShutdownGrace: 5 * time.Second}, nil)
	t.Cleanup(sched.Stop)
	svc := NewRunService(pool, store, exec, linearGraph(passNode("a")), sched, nil)
	ctx := context.Background()

	oldID, events, err := svc.Submit(ctx, Query{TenantID: "tenant-1", Query: "old analysis"})
	require.NoError(t, err)
	drain(events)
	keptID, events, err := svc.Submit(ctx, Query{TenantID: "tenant-1", Query: "recent analysis"})
	require.NoError(t, err)
	drain(events)

	_, err = pool.Exec(ctx,
		`UPDATE runs SET updated_at = now() - interval '40 days' WHERE run_id = $1`, oldID)
	require.NoError(t, err)

	n, err := svc.DeleteTerminalBefore(ctx, time.Now().AddDate(0, 0, -30), 100)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = svc.Get(ctx, oldID)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindNotFound))

	var frames int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) FROM checkpoints WHERE run_id = $1`, oldID).Scan(&frames))
	assert.Zero(t, frames)

	view, err := svc.Get(ctx, keptID)
	require.NoError(t, err)
	assert.Equal(t, graph.StatusCompleted, view.Status)
}
