package config

import (
	"context"

	"github.com/caarlos0/env/v11"
	"github.com/sandevgo/tuskmem/pkg/log"
)

type EmbeddingConfig struct {
	// hash works offline; openai talks to any /v1/embeddings endpoint.
	Provider   string `env:"TUSK_EMBEDDING_PROVIDER" envDefault:"hash"`
	Model      string `env:"TUSK_EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`
	BaseURL    string `env:"TUSK_EMBEDDING_BASE_URL" envDefault:"https://api.openai.com"`
	APIKey     string `env:"TUSK_EMBEDDING_API_KEY"`
	Dimensions int    `env:"TUSK_EMBEDDING_DIMENSIONS" envDefault:"384"`

	// Query vectors are cached; 0 disables the cache.
	CacheSize int64 `env:"TUSK_EMBEDDING_CACHE_SIZE" envDefault:"10000"`
}

func NewEmbeddingConfig(ctx context.Context) *EmbeddingConfig {
	c := &EmbeddingConfig{}
	if err := env.Parse(c); err != nil {
		log.FromCtx(ctx).Fatal().Err(err).Msg("failed to parse Embedding config")
	}
	return c
}
