// Package e2e boots complete orchestrator instances against a real
// PostgreSQL schema and exercises them through the public HTTP and
// WebSocket surfaces only.
package e2e

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ruleiq/orchestrator/pkg/agent"
	"github.com/ruleiq/orchestrator/pkg/api"
	"github.com/ruleiq/orchestrator/pkg/budget"
	"github.com/ruleiq/orchestrator/pkg/checkpoint"
	"github.com/ruleiq/orchestrator/pkg/config"
	"github.com/ruleiq/orchestrator/pkg/events"
	"github.com/ruleiq/orchestrator/pkg/evidence"
	"github.com/ruleiq/orchestrator/pkg/graph"
	"github.com/ruleiq/orchestrator/pkg/knowledge"
	"github.com/ruleiq/orchestrator/pkg/llm"
	"github.com/ruleiq/orchestrator/pkg/masking"
	"github.com/ruleiq/orchestrator/pkg/metrics"
	"github.com/ruleiq/orchestrator/pkg/resilience"
	"github.com/ruleiq/orchestrator/pkg/scheduler"
	"github.com/ruleiq/orchestrator/pkg/services"
	testdb "github.com/ruleiq/orchestrator/test/database"
	"github.com/ruleiq/orchestrator/test/util"
)

// TestApp is one complete orchestrator instance: real database, real event
// pipeline with LISTEN/NOTIFY, real LLM client over a scripted provider.
type TestApp struct {
	Config   *config.Config
	Pool     *pgxpool.Pool
	Provider *llm.FakeProvider
	Registry *prometheus.Registry
	Manager  *events.ConnectionManager
	Listener *events.NotifyListener
	Sched    *scheduler.Pool
	Runs     *services.RunService
	Evidence *services.EvidenceService

	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/api/v1/ws"

	gated *gatedProvider
	t     *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	cfg        *config.Config
	collectors []evidence.Collector
	shared     *testdb.SharedTestDB
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig sets a custom config.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithCollectors registers evidence collectors on the orchestrator.
func WithCollectors(collectors ...evidence.Collector) TestAppOption {
	return func(c *testAppConfig) { c.collectors = append(c.collectors, collectors...) }
}

// WithSharedDB attaches the app to a shared schema instead of creating its
// own, so several replicas can run against the same database.
func WithSharedDB(db *testdb.SharedTestDB) TestAppOption {
	return func(c *testAppConfig) { c.shared = db }
}

// NewTestApp creates and starts a full orchestrator instance. Shutdown is
// registered via t.Cleanup in reverse-creation order.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.cfg == nil {
		tc.cfg = defaultTestConfig()
	}
	cfg := tc.cfg
	ctx := context.Background()

	// 1. Database. Schemas isolate per test; NOTIFY crosses schemas but
	// ULID-keyed channels keep streams apart.
	var pool *pgxpool.Pool
	listenDSN := ""
	if tc.shared != nil {
		pool = tc.shared.NewPool(t)
		listenDSN = tc.shared.BaseConnString()
	} else {
		pool = testdb.NewPool(t)
		listenDSN = util.BaseConnString(t)
	}
	seedKnowledgeGraph(t, pool)

	// 2. Metrics and masking.
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	scrubber := masking.NewScrubber(cfg.Masking.Patterns)

	// 3. Event pipeline.
	eventService := services.NewEventService(pool)
	publisher := events.NewPublisher(pool, scrubber)
	bus := events.NewBus(publisher)
	manager := events.NewConnectionManager(eventService, 5*time.Second)
	listener := events.NewNotifyListener(listenDSN, manager)
	require.NoError(t, listener.Start(ctx))
	t.Cleanup(func() { listener.Stop(context.Background()) })
	manager.SetListener(listener)

	// 4. LLM client over the scripted provider.
	fake := llm.NewFakeProvider()
	gated := newGatedProvider(fake)
	breakers := resilience.NewBreakerSet(cfg.Circuit, func(name, _, to string) {
		m.SetCircuitState(name, to)
	})
	governor, err := budget.New(ctx, cfg.Budget, budget.Options{
		Store:   budget.NewPGStore(pool),
		Metrics: m,
	})
	require.NoError(t, err)
	llmClient := llm.New(cfg, llm.Options{
		Providers: map[string]llm.Provider{llm.ProviderFake: gated},
		Breakers:  breakers,
		Governor:  governor,
		Metrics:   m,
	})
	t.Cleanup(func() { _ = llmClient.Close() })

	// 5. Knowledge graph from the seeded tables.
	embedder, err := knowledge.NewEmbedder(cfg.Knowledge, cfg.Models.Providers)
	require.NoError(t, err)
	kg := knowledge.New(cfg.Knowledge, knowledge.NewPGSource(pool), embedder)
	require.NoError(t, kg.Reload(ctx))

	// 6. Evidence orchestrator.
	orch := evidence.New(cfg.Evidence, evidence.NewPGStore(pool), m)
	t.Cleanup(orch.Close)
	for _, c := range tc.collectors {
		orch.Register(c)
	}

	// 7. Agent graph, executor, run pool, services.
	frames := checkpoint.NewPGStore(pool)
	g := agent.Build(agent.Config{MaxTurns: cfg.Executor.MaxTurns})
	exec := graph.NewExecutor(cfg.Executor, graph.Options{
		Checkpoints: frames,
		Capabilities: graph.Capabilities{
			LLM:       llmClient,
			Knowledge: kg,
			Evidence:  evidence.Runner{Orchestrator: orch},
			Artifacts: services.NewArtifactStore(pool),
		},
		Publisher: bus,
		Metrics:   m,
	})
	sched := scheduler.New(cfg.Scheduler, m)
	t.Cleanup(sched.Stop)

	runService := services.NewRunService(pool, frames, exec, g, sched, bus)
	evidenceService := services.NewEvidenceService(orch, publisher, scrubber)

	// 8. HTTP server on a random port.
	srv := api.NewServer(cfg.Server, api.Deps{
		Runs:     runService,
		Evidence: evidenceService,
		Pool:     pool,
		Sched:    sched,
		Manager:  manager,
		Breakers: breakers,
		Registry: registry,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &TestApp{
		Config:   cfg,
		Pool:     pool,
		Provider: fake,
		Registry: registry,
		Manager:  manager,
		Listener: listener,
		Sched:    sched,
		Runs:     runService,
		Evidence: evidenceService,
		BaseURL:  ts.URL,
		WSURL:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws",
		gated:    gated,
		t:        t,
	}
}

// GateCall parks the nth provider call (zero-based, counted across the whole
// app) until the returned gate is released, so a test can act while that
// call is provably in flight.
func (app *TestApp) GateCall(n int) *callGate {
	return app.gated.GateCall(n)
}

// defaultTestConfig returns the built-in defaults rewired onto the scripted
// provider, with retry and drain times cut down to test scale.
func defaultTestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Models = testModels()
	cfg.Retry.MaxAttempts = 1
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Executor.NodeTimeout = 10 * time.Second
	cfg.Executor.DrainTimeout = 2 * time.Second
	cfg.Scheduler.MaxConcurrentRuns = 4
	cfg.Scheduler.ShutdownGrace = 5 * time.Second
	cfg.Evidence.PerSourceConcurrency = 2
	cfg.Evidence.MaxPersistQueue = 64
	cfg.Evidence.MaxDuration = 30 * time.Second
	cfg.Knowledge.ReloadInterval = time.Minute
	cfg.Knowledge.Embedder = "fake"
	return cfg
}

// testModels is a three-model fallback chain all served by the scripted
// provider.
func testModels() config.ModelsConfig {
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

// seedKnowledgeGraph loads a small regulatory graph: enough GDPR and ISO
// 27001 obligations for lexical search to land hits on the test queries.
// Bodies stay unembedded so ranking is deterministic. Inserts are idempotent
// because replicas on a shared schema seed the same rows.
func seedKnowledgeGraph(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		INSERT INTO kg_frameworks (id, name) VALUES
			('GDPR', 'General Data Protection Regulation'),
			('ISO27001', 'ISO/IEC 27001')
		ON CONFLICT (id) DO NOTHING`)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `
		INSERT INTO kg_obligations (id, framework_id, article_ref, title, body) VALUES
			('ob-security', 'GDPR', 'Art.32', 'Security of processing',
			 'Implement appropriate technical and organisational measures to ensure security of processing, including encryption of personal data.'),
			('ob-breach', 'GDPR', 'Art.33', 'Breach notification',
			 'Notify the supervisory authority of a personal data breach within 72 hours of becoming aware of it.'),
			('ob-retention', 'GDPR', 'Art.5(1)(e)', 'Storage limitation',
			 'Keep personal data no longer than necessary for the purposes for which it is kept.'),
			('iso-a12', 'ISO27001', 'A.12.4', 'Logging and monitoring',
			 'Record events and generate evidence through logging and monitoring of information security operations.')
		ON CONFLICT (id) DO NOTHING`)
	require.NoError(t, err)
}
