package llm

import (
	"log/slog"
	"os"

	"github.com/ruleiq/orchestrator/pkg/config"
)

// Provider names as referenced by model descriptors.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderFake      = "fake"
)

// NewProviders builds an adapter for every provider the model registry
// references, resolving API keys from the configured environment variables.
// A provider whose key is absent is skipped with a warning so a partially
// credentialed deployment still serves the models it can reach.
func NewProviders(cfg config.ModelsConfig) (map[string]Provider, error) {
	referenced := map[string]bool{}
	for _, m := range cfg.Registry {
		referenced[m.Provider] = true
	}

	providers := map[string]Provider{}
	for name := range referenced {
		switch name {
		case ProviderAnthropic:
			key := os.Getenv(envOr(cfg.Providers.AnthropicKeyEnv, "ANTHROPIC_API_KEY"))
			if key == "" {
				slog.Warn("Anthropic API key not set, anthropic models unavailable",
					"env", cfg.Providers.AnthropicKeyEnv)
				continue
			}
			providers[name] = NewAnthropicProvider(key)

		case ProviderOpenAI:
			key := os.Getenv(envOr(cfg.Providers.OpenAIKeyEnv, "OPENAI_API_KEY"))
			if key == "" {
				slog.Warn("OpenAI API key not set, openai models unavailable",
					"env", cfg.Providers.OpenAIKeyEnv)
				continue
			}
			p, err := NewOpenAIProvider(key, cfg.Providers.OpenAIBaseURL)
			if err != nil {
				return nil, err
			}
			providers[name] = p

		case ProviderFake:
			providers[name] = NewFakeProvider()
		}
	}
	return providers, nil
}

func envOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}
