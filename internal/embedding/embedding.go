// Package embedding provides the vector backends used by the matcher.
package embedding

import (
	"context"
	"fmt"

	"bandi/internal/config"
	"bandi/internal/matcher"
)

const (
	defaultOpenAIModel = "text-embedding-3-small"
	defaultGeminiModel = "gemini-embedding-001"
)

// New builds the backend selected by cfg.Provider.
func New(ctx context.Context, cfg config.MatcherConfig) (matcher.Embedder, error) {
	switch cfg.Provider {
	case "", "local":
		return NewHashing(cfg.Dimensions), nil
	case "openai":
		model := cfg.Model
		if model == "" {
			model = defaultOpenAIModel
		}
		return NewOpenAI(cfg.APIKey, model, cfg.Dimensions)
	case "gemini":
		model := cfg.Model
		if model == "" {
			model = defaultGeminiModel
		}
		return NewGemini(ctx, cfg.APIKey, model, cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

func embedOne(ctx context.Context, e matcher.Embedder, text string) ([]float32, error) {
	vecs, err := e.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 vector, got %d", len(vecs))
	}
	return vecs[0], nil
}
