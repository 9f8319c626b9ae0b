package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/ruleiq/orchestrator/pkg/masking"
)

// Duration decodes "30s" / "250ms" style strings from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%w: duration %q: %v", ErrInvalidValue, s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// fileConfig mirrors the orchestrator.yaml structure. Every section is
// optional; absent sections keep their built-in defaults.
type fileConfig struct {
	Logging   *loggingYAML   `yaml:"logging"`
	Server    *serverYAML    `yaml:"server"`
	Database  *databaseYAML  `yaml:"database"`
	Redis     *redisYAML     `yaml:"redis"`
	Executor  *executorYAML  `yaml:"executor"`
	Circuit   *circuitYAML   `yaml:"circuit"`
	Retry     *retryYAML     `yaml:"retry"`
	Cache     *cacheYAML     `yaml:"cache"`
	Budget    *budgetYAML    `yaml:"budget"`
	Evidence  *evidenceYAML  `yaml:"evidence"`
	Knowledge *knowledgeYAML `yaml:"knowledge"`
	Scheduler *schedulerYAML `yaml:"scheduler"`
	Retention *retentionYAML `yaml:"retention"`
	Masking   *maskingYAML   `yaml:"masking"`
	Models    *modelsYAML    `yaml:"models"`
}

type loggingYAML struct {
	Level string `yaml:"level"`
}

type serverYAML struct {
	Addr             string   `yaml:"addr"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

type databaseYAML struct {
	URL            string `yaml:"url"`
	MaxConns       int32  `yaml:"max_conns"`
	MigrateOnStart *bool  `yaml:"migrate_on_start"`
}

type redisYAML struct {
	Enabled  *bool  `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type executorYAML struct {
	MaxTurns     int      `yaml:"max_turns"`
	NodeTimeout  Duration `yaml:"node_timeout"`
	DrainTimeout Duration `yaml:"drain_timeout"`
}

type circuitYAML struct {
	FailureThreshold uint32   `yaml:"failure_threshold"`
	SuccessThreshold uint32   `yaml:"success_threshold"`
	RecoveryTimeout  Duration `yaml:"recovery_timeout"`
}

type retryYAML struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	Factor      float64  `yaml:"factor"`
	Jitter      float64  `yaml:"jitter"`
}

type cacheYAML struct {
	TTL               Duration `yaml:"ttl"`
	TemperatureCutoff *float64 `yaml:"temperature_cutoff"`
}

type budgetYAML struct {
	HeadroomFraction *float64      `yaml:"headroom_fraction"`
	Defaults         []BudgetLimit `yaml:"defaults"`
}

type evidenceYAML struct {
	PerSourceConcurrency int      `yaml:"per_source_concurrency"`
	MaxPersistQueue      int      `yaml:"max_persist_queue"`
	MaxDuration          Duration `yaml:"max_duration"`
}

type knowledgeYAML struct {
	ReloadInterval Duration `yaml:"reload_interval"`
	Embedder       string   `yaml:"embedder"`
	EmbedderModel  string   `yaml:"embedder_model"`
}

type schedulerYAML struct {
	MaxConcurrentRuns int      `yaml:"max_concurrent_runs"`
	ShutdownGrace     Duration `yaml:"shutdown_grace"`
}

type retentionYAML struct {
	RunRetentionDays int      `yaml:"run_retention_days"`
	EventTTL         Duration `yaml:"event_ttl"`
	CleanupInterval  Duration `yaml:"cleanup_interval"`
}

type maskingYAML struct {
	Patterns []masking.PatternConfig `yaml:"patterns"`
}

type modelsYAML struct {
	FallbackChain []string             `yaml:"fallback_chain"`
	Registry      map[string]modelYAML `yaml:"registry"`
	Providers     *ProvidersConfig     `yaml:"providers"`
}

type modelYAML struct {
	APIModel          string   `yaml:"api_model"`
	Provider          string   `yaml:"provider"`
	CapabilityScore   float64  `yaml:"capability_score"`
	CostPer1KInput    float64  `yaml:"cost_per_1k_input"`
	CostPer1KOutput   float64  `yaml:"cost_per_1k_output"`
	MaxContext        int      `yaml:"max_context"`
	Timeout           Duration `yaml:"timeout"`
	SupportsStreaming *bool    `yaml:"supports_streaming"`
	SupportsTools     *bool    `yaml:"supports_tools"`
}

// Initialize loads, merges, and validates configuration. path may be empty,
// in which case the built-in defaults are used as-is.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Read the YAML file, expand {{.VAR}} environment references
//  3. Overlay user values onto defaults (partial model overrides merge
//     field-wise via mergo)
//  4. Validate the resolved configuration
func Initialize(_ context.Context, path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.path = path

	if path != "" {
		fc, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		if err := apply(cfg, fc); err != nil {
			return nil, &LoadError{File: path, Err: err}
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	slog.Info("Configuration initialized",
		"path", path,
		"models", stats.Models,
		"chain_length", stats.ChainLength,
		"budget_limits", stats.BudgetLimits)
	return cfg, nil
}

func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &LoadError{File: path, Err: ErrConfigNotFound}
		}
		return nil, &LoadError{File: path, Err: err}
	}

	data = ExpandEnv(data)

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, &LoadError{File: path, Err: fmt.Errorf("%w: %v", ErrInvalidYAML, err)}
	}
	return &fc, nil
}

// apply overlays non-zero user values onto the defaults.
func apply(cfg *Config, fc *fileConfig) error {
	if l := fc.Logging; l != nil && l.Level != "" {
		cfg.Logging.Level = l.Level
	}
	if s := fc.Server; s != nil {
		if s.Addr != "" {
			cfg.Server.Addr = s.Addr
		}
		if len(s.AllowedWSOrigins) > 0 {
			cfg.Server.AllowedWSOrigins = s.AllowedWSOrigins
		}
	}
	if d := fc.Database; d != nil {
		if d.URL != "" {
			cfg.Database.URL = d.URL
		}
		if d.MaxConns > 0 {
			cfg.Database.MaxConns = d.MaxConns
		}
		if d.MigrateOnStart != nil {
			cfg.Database.MigrateOnStart = *d.MigrateOnStart
		}
	}
	if r := fc.Redis; r != nil {
		if r.Enabled != nil {
			cfg.Redis.Enabled = *r.Enabled
		}
		if r.Addr != "" {
			cfg.Redis.Addr = r.Addr
		}
		if r.Password != "" {
			cfg.Redis.Password = r.Password
		}
		if r.DB != 0 {
			cfg.Redis.DB = r.DB
		}
	}
	if e := fc.Executor; e != nil {
		if e.MaxTurns > 0 {
			cfg.Executor.MaxTurns = e.MaxTurns
		}
		if e.NodeTimeout > 0 {
			cfg.Executor.NodeTimeout = e.NodeTimeout.Std()
		}
		if e.DrainTimeout > 0 {
			cfg.Executor.DrainTimeout = e.DrainTimeout.Std()
		}
	}
	if c := fc.Circuit; c != nil {
		if c.FailureThreshold > 0 {
			cfg.Circuit.FailureThreshold = c.FailureThreshold
		}
		if c.SuccessThreshold > 0 {
			cfg.Circuit.SuccessThreshold = c.SuccessThreshold
		}
		if c.RecoveryTimeout > 0 {
			cfg.Circuit.RecoveryTimeout = c.RecoveryTimeout.Std()
		}
	}
	if r := fc.Retry; r != nil {
		if r.MaxAttempts > 0 {
			cfg.Retry.MaxAttempts = r.MaxAttempts
		}
		if r.BaseDelay > 0 {
			cfg.Retry.BaseDelay = r.BaseDelay.Std()
		}
		if r.Factor > 0 {
			cfg.Retry.Factor = r.Factor
		}
		if r.Jitter > 0 {
			cfg.Retry.Jitter = r.Jitter
		}
	}
	if c := fc.Cache; c != nil {
		if c.TTL > 0 {
			cfg.Cache.TTL = c.TTL.Std()
		}
		if c.TemperatureCutoff != nil {
			cfg.Cache.TemperatureCutoff = *c.TemperatureCutoff
		}
	}
	if b := fc.Budget; b != nil {
		if b.HeadroomFraction != nil {
			cfg.Budget.HeadroomFraction = *b.HeadroomFraction
		}
		if len(b.Defaults) > 0 {
			cfg.Budget.Defaults = b.Defaults
		}
	}
	if e := fc.Evidence; e != nil {
		if e.PerSourceConcurrency > 0 {
			cfg.Evidence.PerSourceConcurrency = e.PerSourceConcurrency
		}
		if e.MaxPersistQueue > 0 {
			cfg.Evidence.MaxPersistQueue = e.MaxPersistQueue
		}
		if e.MaxDuration > 0 {
			cfg.Evidence.MaxDuration = e.MaxDuration.Std()
		}
	}
	if k := fc.Knowledge; k != nil {
		if k.ReloadInterval > 0 {
			cfg.Knowledge.ReloadInterval = k.ReloadInterval.Std()
		}
		if k.Embedder != "" {
			cfg.Knowledge.Embedder = k.Embedder
		}
		if k.EmbedderModel != "" {
			cfg.Knowledge.EmbedderModel = k.EmbedderModel
		}
	}
	if s := fc.Scheduler; s != nil {
		if s.MaxConcurrentRuns > 0 {
			cfg.Scheduler.MaxConcurrentRuns = s.MaxConcurrentRuns
		}
		if s.ShutdownGrace > 0 {
			cfg.Scheduler.ShutdownGrace = s.ShutdownGrace.Std()
		}
	}
	if r := fc.Retention; r != nil {
		if r.RunRetentionDays > 0 {
			cfg.Retention.RunRetentionDays = r.RunRetentionDays
		}
		if r.EventTTL > 0 {
			cfg.Retention.EventTTL = r.EventTTL.Std()
		}
		if r.CleanupInterval > 0 {
			cfg.Retention.CleanupInterval = r.CleanupInterval.Std()
		}
	}
	if m := fc.Masking; m != nil {
		cfg.Masking.Patterns = m.Patterns
	}
	if m := fc.Models; m != nil {
		if err := applyModels(cfg, m); err != nil {
			return err
		}
	}
	return nil
}

// applyModels merges user model definitions over the built-in registry.
// Partial entries override field-wise, so a deployment can retune a single
// cost number without restating the whole descriptor.
func applyModels(cfg *Config, m *modelsYAML) error {
	if len(m.FallbackChain) > 0 {
		cfg.Models.FallbackChain = m.FallbackChain
	}
	if m.Providers != nil {
		if m.Providers.AnthropicKeyEnv != "" {
			cfg.Models.Providers.AnthropicKeyEnv = m.Providers.AnthropicKeyEnv
		}
		if m.Providers.OpenAIKeyEnv != "" {
			cfg.Models.Providers.OpenAIKeyEnv = m.Providers.OpenAIKeyEnv
		}
		if m.Providers.OpenAIBaseURL != "" {
			cfg.Models.Providers.OpenAIBaseURL = m.Providers.OpenAIBaseURL
		}
	}
	for id, my := range m.Registry {
		user := ModelDescriptor{
			ID:              id,
			APIModel:        my.APIModel,
			Provider:        my.Provider,
			CapabilityScore: my.CapabilityScore,
			CostPer1KInput:  my.CostPer1KInput,
			CostPer1KOutput: my.CostPer1KOutput,
			MaxContext:      my.MaxContext,
			Timeout:         my.Timeout.Std(),
		}

		merged, known := cfg.Models.Registry[id]
		if !known {
			// New models default to streaming; tools stay opt-in.
			merged = ModelDescriptor{ID: id, Timeout: DefaultNodeTimeout, SupportsStreaming: true}
		}
		if err := mergo.Merge(&merged, user, mergo.WithOverride); err != nil {
			return fmt.Errorf("merging model %q: %w", id, err)
		}
		// Booleans merge explicitly: mergo cannot tell false from unset.
		if my.SupportsStreaming != nil {
			merged.SupportsStreaming = *my.SupportsStreaming
		}
		if my.SupportsTools != nil {
			merged.SupportsTools = *my.SupportsTools
		}
		merged.ID = id
		if merged.APIModel == "" {
			merged.APIModel = id
		}
		cfg.Models.Registry[id] = merged
	}
	return nil
}
