package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAI embeds text with the OpenAI embeddings endpoint.
type OpenAI struct {
	embeddings openai.EmbeddingService
	model      string
	dims       int
}

func NewOpenAI(apiKey, model string, dims int, opts ...option.RequestOption) (*OpenAI, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	client := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &OpenAI{embeddings: client.Embeddings, model: model, dims: dims}, nil
}

func (o *OpenAI) Name() string    { return "openai:" + o.model }
func (o *OpenAI) Dimensions() int { return o.dims }

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	return embedOne(ctx, o, text)
}

func (o *OpenAI) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	resp, err := o.embeddings.New(ctx, openai.EmbeddingNewParams{
		Input:      openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model:      openai.EmbeddingModel(o.model),
		Dimensions: openai.Int(int64(o.dims)),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, fmt.Errorf("openai embedding index %d out of range", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, x := range d.Embedding {
			vec[i] = float32(x)
		}
		out[d.Index] = vec
	}
	return out, nil
}
