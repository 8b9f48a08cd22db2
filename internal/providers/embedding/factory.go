package embedding

import (
	"context"
	"fmt"

	"github.com/sandevgo/tuskmem/internal/config"
	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/pkg/log"
)

// NewEmbedder builds the configured embedder, cached when CacheSize > 0.
func NewEmbedder(ctx context.Context, cfg *config.EmbeddingConfig) (core.Embedder, error) {
	if cfg.Dimensions < 1 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d", cfg.Dimensions)
	}

	log.FromCtx(ctx).Info().
		Str("provider", cfg.Provider).
		Int("dimensions", cfg.Dimensions).
		Msg("starting embedder")

	var e core.Embedder
	switch cfg.Provider {
	case "hash":
		e = NewHash(cfg.Dimensions)
	case "openai":
		e = NewOpenAI(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Dimensions)
	case "ollama":
		e = NewOllama(cfg.BaseURL, cfg.Model, cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}

	if cfg.CacheSize <= 0 {
		return e, nil
	}
	return NewCached(e, cfg.CacheSize)
}
