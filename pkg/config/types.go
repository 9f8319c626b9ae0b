// Package config loads, merges, and validates orchestrator configuration.
// Configuration is layered: built-in defaults, then an optional YAML file,
// then {{.VAR}} environment expansion inside that file. The resolved Config
// is an explicit value handed to component constructors; nothing reads
// configuration globals at runtime.
package config

import (
	"time"

	"github.com/ruleiq/orchestrator/pkg/masking"
)

// Config is the umbrella configuration object returned by Initialize.
type Config struct {
	path string // config file path, for reference in logs

	Logging   LoggingConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Executor  ExecutorConfig
	Circuit   CircuitConfig
	Retry     RetryConfig
	Cache     CacheConfig
	Budget    BudgetConfig
	Evidence  EvidenceConfig
	Knowledge KnowledgeConfig
	Scheduler SchedulerConfig
	Retention RetentionConfig
	Masking   MaskingConfig
	Models    ModelsConfig
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level string `validate:"oneof=debug info warn error"`
}

// ServerConfig holds the reference HTTP server settings.
type ServerConfig struct {
	Addr             string `validate:"required"`
	AllowedWSOrigins []string
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL             string `validate:"required"`
	MaxConns        int32  `validate:"gte=1"`
	MigrateOnStart  bool
	MigrationsTable string
}

// RedisConfig holds response-cache backend settings. Disabled means the
// cache degrades to pass-through (every Generate goes upstream).
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// ExecutorConfig tunes the graph executor.
type ExecutorConfig struct {
	MaxTurns     int           `validate:"gte=1"`
	NodeTimeout  time.Duration `validate:"gt=0"`
	DrainTimeout time.Duration `validate:"gt=0"`
}

// CircuitConfig tunes the per-model circuit breakers.
type CircuitConfig struct {
	FailureThreshold uint32        `validate:"gte=1"`
	SuccessThreshold uint32        `validate:"gte=1"`
	RecoveryTimeout  time.Duration `validate:"gt=0"`
}

// RetryConfig tunes the model-call retry schedule.
type RetryConfig struct {
	MaxAttempts int           `validate:"gte=1"`
	BaseDelay   time.Duration `validate:"gt=0"`
	Factor      float64       `validate:"gte=1"`
	Jitter      float64       `validate:"gte=0,lte=1"`
}

// CacheConfig tunes the response cache.
type CacheConfig struct {
	TTL               time.Duration `validate:"gt=0"`
	TemperatureCutoff float64       `validate:"gte=0,lte=2"`
}

// BudgetConfig holds budget limits and the selector's cost slack.
type BudgetConfig struct {
	// HeadroomFraction is how far past remaining budget an estimate may
	// reach before the selector moves to a cheaper model.
	HeadroomFraction float64 `validate:"gte=0,lte=1"`
	Defaults         []BudgetLimit
}

// BudgetLimit seeds one budget row at startup.
type BudgetLimit struct {
	Scope         string  `yaml:"scope" validate:"oneof=global tenant user"`
	ScopeID       string  `yaml:"scope_id"`
	Window        string  `yaml:"window" validate:"oneof=daily monthly"`
	LimitUSD      float64 `yaml:"limit_usd" validate:"gt=0"`
	SoftThreshold float64 `yaml:"soft_threshold" validate:"gt=0,lte=1"`
	HardThreshold float64 `yaml:"hard_threshold" validate:"gt=0,lte=1"`
}

// EvidenceConfig tunes the evidence orchestrator.
type EvidenceConfig struct {
	PerSourceConcurrency int           `validate:"gte=1"`
	MaxPersistQueue      int           `validate:"gte=1"`
	MaxDuration          time.Duration `validate:"gt=0"`
}

// KnowledgeConfig tunes the knowledge graph client.
type KnowledgeConfig struct {
	ReloadInterval time.Duration `validate:"gt=0"`
	// Embedder selects the query embedding backend: "openai" or "fake".
	Embedder      string `validate:"oneof=openai fake"`
	EmbedderModel string
}

// SchedulerConfig tunes the run pool.
type SchedulerConfig struct {
	MaxConcurrentRuns int           `validate:"gte=1"`
	ShutdownGrace     time.Duration `validate:"gt=0"`
}

// RetentionConfig tunes the retention sweeper.
type RetentionConfig struct {
	RunRetentionDays int           `validate:"gte=1"`
	EventTTL         time.Duration `validate:"gt=0"`
	CleanupInterval  time.Duration `validate:"gt=0"`
}

// MaskingConfig carries extra scrub patterns on top of the built-in set.
type MaskingConfig struct {
	Patterns []masking.PatternConfig
}

// ModelsConfig holds the model registry and the ordered fallback chain.
type ModelsConfig struct {
	FallbackChain []string `validate:"min=1"`
	Registry      map[string]ModelDescriptor
	Providers     ProvidersConfig
}

// ModelDescriptor describes one model the orchestrator may call. ID is the
// registry key used in the fallback chain; APIModel is the name sent to the
// provider and defaults to ID when unset.
type ModelDescriptor struct {
	ID                string        `yaml:"-"`
	APIModel          string        `yaml:"api_model"`
	Provider          string        `yaml:"provider" validate:"oneof=anthropic openai fake"`
	CapabilityScore   float64       `yaml:"capability_score" validate:"gte=0,lte=1"`
	CostPer1KInput    float64       `yaml:"cost_per_1k_input" validate:"gte=0"`
	CostPer1KOutput   float64       `yaml:"cost_per_1k_output" validate:"gte=0"`
	MaxContext        int           `yaml:"max_context" validate:"gt=0"`
	Timeout           time.Duration `yaml:"-"`
	SupportsStreaming bool          `yaml:"supports_streaming"`
	SupportsTools     bool          `yaml:"supports_tools"`
}

// ProvidersConfig names the credential environment variables and endpoints
// for provider adapters. Keys themselves never appear in YAML.
type ProvidersConfig struct {
	AnthropicKeyEnv string `yaml:"anthropic_key_env"`
	OpenAIKeyEnv    string `yaml:"openai_key_env"`
	OpenAIBaseURL   string `yaml:"openai_base_url"`
}

// Path returns the config file path this Config was loaded from, or "" when
// running on pure defaults.
func (c *Config) Path() string { return c.path }

// Model returns the descriptor for id.
func (c *Config) Model(id string) (ModelDescriptor, error) {
	d, ok := c.Models.Registry[id]
	if !ok {
		return ModelDescriptor{}, NewValidationError("model", id, "", ErrModelNotFound)
	}
	return d, nil
}

// Chain resolves the fallback chain into descriptors, preserving order.
func (c *Config) Chain() []ModelDescriptor {
	out := make([]ModelDescriptor, 0, len(c.Models.FallbackChain))
	for _, id := range c.Models.FallbackChain {
		if d, ok := c.Models.Registry[id]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Stats summarises loaded configuration for the startup log.
type Stats struct {
	Models        int
	ChainLength   int
	BudgetLimits  int
	ExtraPatterns int
}

// Stats returns configuration statistics for logging.
func (c *Config) Stats() Stats {
	return Stats{
		Models:        len(c.Models.Registry),
		ChainLength:   len(c.Models.FallbackChain),
		BudgetLimits:  len(c.Budget.Defaults),
		ExtraPatterns: len(c.Masking.Patterns),
	}
}
