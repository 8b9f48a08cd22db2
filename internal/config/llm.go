package config

import (
	"context"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sandevgo/tuskmem/pkg/log"
)

type LLMConfig struct {
	Provider string `env:"TUSK_LLM_PROVIDER" envDefault:"openrouter"`
	Model    string `env:"TUSK_LLM_MODEL" envDefault:"google/gemma-3-27b-it:free"`
	BaseURL  string `env:"TUSK_LLM_BASE_URL"`
	APIKey   string `env:"TUSK_LLM_API_KEY"`

	Timeout           time.Duration `env:"TUSK_LLM_TIMEOUT" envDefault:"120s"`
	RequestsPerMinute int           `env:"TUSK_LLM_RPM" envDefault:"60"`
	MaxRetries        int           `env:"TUSK_LLM_MAX_RETRIES" envDefault:"3"`

	Temperature float64 `env:"TUSK_LLM_TEMPERATURE" envDefault:"0.2"`
	MaxTokens   int     `env:"TUSK_LLM_MAX_TOKENS" envDefault:"1024"`
}

func NewLLMConfig(ctx context.Context) *LLMConfig {
	c := &LLMConfig{}
	if err := env.Parse(c); err != nil {
		log.FromCtx(ctx).Fatal().Err(err).Msg("failed to parse LLM config")
	}
	return c
}
