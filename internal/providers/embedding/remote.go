package embedding

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"
	"github.com/sandevgo/tuskmem/internal/core"
)

// Remote adapts a chromem embedding client and pins its output dimension.
type Remote struct {
	embed chromem.EmbeddingFunc
	dims  int
}

var _ core.Embedder = (*Remote)(nil)

func NewRemote(fn chromem.EmbeddingFunc, dims int) *Remote {
	return &Remote{embed: fn, dims: dims}
}

// NewOpenAI talks to any OpenAI compatible /v1/embeddings endpoint.
func NewOpenAI(baseURL, apiKey, model string, dims int) *Remote {
	return NewRemote(chromem.NewEmbeddingFuncOpenAICompat(baseURL+"/v1", apiKey, model, nil), dims)
}

// NewOllama uses Ollama's native embeddings API; an empty baseURL means localhost.
func NewOllama(baseURL, model string, dims int) *Remote {
	if baseURL != "" {
		baseURL += "/api"
	}
	return NewRemote(chromem.NewEmbeddingFuncOllama(model, baseURL), dims)
}

func (r *Remote) Dimensions() int {
	return r.dims
}

func (r *Remote) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := r.embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed: %w", err)
	}
	if len(vec) != r.dims {
		return nil, fmt.Errorf("%w: model returned %d, configured %d", core.ErrDimensionMismatch, len(vec), r.dims)
	}
	return vec, nil
}
