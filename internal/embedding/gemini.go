package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Gemini accepts at most this many contents per embedding request.
const geminiBatchLimit = 100

// Gemini embeds text with the Gemini API.
type Gemini struct {
	models *genai.Models
	model  string
	dims   int
}

func NewGemini(ctx context.Context, apiKey, model string, dims int) (*Gemini, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Gemini{models: client.Models, model: model, dims: dims}, nil
}

func (g *Gemini) Name() string    { return "gemini:" + g.model }
func (g *Gemini) Dimensions() int { return g.dims }

func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	return embedOne(ctx, g, text)
}

func (g *Gemini) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	dims := int32(g.dims)
	for start := 0; start < len(texts); start += geminiBatchLimit {
		end := min(start+geminiBatchLimit, len(texts))
		contents := make([]*genai.Content, 0, end-start)
		for _, t := range texts[start:end] {
			contents = append(contents, genai.NewContentFromText(t, genai.RoleUser))
		}
		resp, err := g.models.EmbedContent(ctx, g.model, contents, &genai.EmbedContentConfig{
			TaskType:             "SEMANTIC_SIMILARITY",
			OutputDimensionality: &dims,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini embed request failed: %w", err)
		}
		if len(resp.Embeddings) != end-start {
			return nil, fmt.Errorf("gemini returned %d embeddings for %d inputs", len(resp.Embeddings), end-start)
		}
		for _, e := range resp.Embeddings {
			out = append(out, e.Values)
		}
	}
	return out, nil
}
