// ruleIQ compliance orchestrator server. Serves the reference HTTP API,
// runs the agent graph pool, and streams run events over WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ruleiq/orchestrator/pkg/agent"
	"github.com/ruleiq/orchestrator/pkg/api"
	"github.com/ruleiq/orchestrator/pkg/budget"
	"github.com/ruleiq/orchestrator/pkg/cache"
	"github.com/ruleiq/orchestrator/pkg/checkpoint"
	"github.com/ruleiq/orchestrator/pkg/cleanup"
	"github.com/ruleiq/orchestrator/pkg/config"
	"github.com/ruleiq/orchestrator/pkg/database"
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
	"github.com/ruleiq/orchestrator/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting "+version.AppName,
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration and logging
	configPath := filepath.Join(*configDir, "orchestrator.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		slog.Info("No configuration file found, using built-in defaults", "path", configPath)
		configPath = ""
	}
	cfg, err := config.Initialize(ctx, configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Logging.Level),
	})))

	// 2. Initialize database (runs embedded migrations when configured)
	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	pool := dbClient.Pool()
	slog.Info("Connected to PostgreSQL database")

	// 3. Metrics registry and masking
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	scrubber := masking.NewScrubber(cfg.Masking.Patterns)

	// 4. Streaming infrastructure
	eventService := services.NewEventService(pool)
	publisher := events.NewPublisher(pool, scrubber)
	bus := events.NewBus(publisher)
	manager := events.NewConnectionManager(eventService, 10*time.Second)

	// Dedicated pgx connection for LISTEN
	listener := events.NewNotifyListener(cfg.Database.URL, manager)
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start notify listener", "error", err)
		os.Exit(1)
	}
	defer listener.Stop(ctx)
	manager.SetListener(listener)
	slog.Info("Streaming infrastructure initialized")

	// 5. Model providers, resilience, and the LLM client
	providers, err := llm.NewProviders(cfg.Models)
	if err != nil {
		slog.Error("Failed to initialize model providers", "error", err)
		os.Exit(1)
	}
	breakers := resilience.NewBreakerSet(cfg.Circuit, func(name, _, to string) {
		m.SetCircuitState(name, to)
	})

	rdb := cache.NewRedisClient(cfg.Redis)
	if rdb != nil {
		defer func() {
			if err := rdb.Close(); err != nil {
				slog.Error("Error closing Redis client", "error", err)
			}
		}()
	}
	respCache := cache.New(cfg.Cache, rdb, m)

	governor, err := budget.New(ctx, cfg.Budget, budget.Options{
		Store:   budget.NewPGStore(pool),
		Metrics: m,
		OnWarning: func(w budget.Warning) {
			slog.Warn("Budget threshold crossed",
				"scope", w.Scope,
				"scope_id", w.ScopeID,
				"window", w.Window,
				"used_usd", w.UsedUSD,
				"limit_usd", w.LimitUSD,
				"threshold", w.Threshold)
		},
	})
	if err != nil {
		slog.Error("Failed to initialize budget governor", "error", err)
		os.Exit(1)
	}

	llmClient := llm.New(cfg, llm.Options{
		Providers: providers,
		Breakers:  breakers,
		Cache:     respCache,
		Governor:  governor,
		Metrics:   m,
	})
	defer func() {
		if err := llmClient.Close(); err != nil {
			slog.Error("Error closing LLM client", "error", err)
		}
	}()
	slog.Info("LLM client initialized",
		"models", len(cfg.Models.FallbackChain),
		"chain", cfg.Models.FallbackChain)

	// Background work (knowledge reloads) stops when runCtx is cancelled.
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	// 6. Knowledge graph client with background reloads
	embedder, err := knowledge.NewEmbedder(cfg.Knowledge, cfg.Models.Providers)
	if err != nil {
		slog.Error("Failed to initialize embedder", "error", err)
		os.Exit(1)
	}
	kg := knowledge.New(cfg.Knowledge, knowledge.NewPGSource(pool), embedder)
	if err := kg.Reload(ctx); err != nil {
		slog.Error("Failed to load knowledge graph", "error", err)
		os.Exit(1)
	}
	go kg.Run(runCtx)

	// 7. Evidence orchestrator. Collectors adapt deployment-specific source
	// systems and are registered by embedding code; the server ships none.
	orch := evidence.New(cfg.Evidence, evidence.NewPGStore(pool), m)
	defer orch.Close()

	// 8. Agent graph, executor, and run pool
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

	runService := services.NewRunService(pool, frames, exec, g, sched, bus)
	evidenceService := services.NewEvidenceService(orch, publisher, scrubber)
	slog.Info("Services initialized")

	// 9. Retention sweeper
	sweeper := cleanup.NewService(cfg.Retention, runService, eventService)
	sweeper.Start(ctx)

	// 10. HTTP server (non-blocking)
	srv := api.NewServer(cfg.Server, api.Deps{
		Runs:     runService,
		Evidence: evidenceService,
		Pool:     pool,
		Sched:    sched,
		Manager:  manager,
		Breakers: breakers,
		Registry: registry,
	})
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	stats := cfg.Stats()
	slog.Info("Orchestrator started successfully",
		"models", stats.Models,
		"chain_length", stats.ChainLength,
		"budget_limits", stats.BudgetLimits,
		"max_concurrent_runs", cfg.Scheduler.MaxConcurrentRuns)

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown
	sweeper.Stop()

	// Drain the run pool (waits for active runs inside the configured grace window)
	sched.Stop()
	runCancel()

	// Stop HTTP server with its own timeout budget
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
