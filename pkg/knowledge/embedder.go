package knowledge

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"os"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/ruleiq/orchestrator/pkg/config"
)

// Embedder turns query text into a vector comparable with stored obligation
// embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NewEmbedder builds the configured embedding backend.
func NewEmbedder(cfg config.KnowledgeConfig, providers config.ProvidersConfig) (Embedder, error) {
	switch cfg.Embedder {
	case "fake":
		return NewFakeEmbedder(), nil
	case "openai":
		env := providers.OpenAIKeyEnv
		if env == "" {
			env = "OPENAI_API_KEY"
		}
		key := os.Getenv(env)
		if key == "" {
			return nil, fmt.Errorf("embedder: %s is not set", env)
		}
		return newOpenAIEmbedder(key, providers.OpenAIBaseURL, cfg.EmbedderModel)
	default:
		return nil, fmt.Errorf("embedder: unknown backend %q", cfg.Embedder)
	}
}

type openAIEmbedder struct {
	embedder embeddings.Embedder
}

func newOpenAIEmbedder(apiKey, baseURL, model string) (*openAIEmbedder, error) {
	opts := []openai.Option{openai.WithToken(apiKey)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	if model != "" {
		opts = append(opts, openai.WithEmbeddingModel(model))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	emb, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	return &openAIEmbedder{embedder: emb}, nil
}

func (e *openAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	return vec, nil
}

// fakeEmbedderDim is small enough to keep fixtures readable while leaving
// room for distinct token buckets.
const fakeEmbedderDim = 64

// FakeEmbedder hashes tokens into a fixed-dimension unit vector. Identical
// texts embed identically and token overlap raises cosine similarity, which
// is all hybrid-search tests need.
type FakeEmbedder struct{}

func NewFakeEmbedder() *FakeEmbedder { return &FakeEmbedder{} }

func (e *FakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, fakeEmbedderDim)
	for tok := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		vec[h.Sum64()%fakeEmbedderDim]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}
