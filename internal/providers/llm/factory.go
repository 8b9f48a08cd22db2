package llm

import (
	"context"
	"fmt"

	"github.com/sandevgo/tuskmem/internal/config"
	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/pkg/log"
)

// NewProvider creates the configured AIProvider wrapped in rate limiting and retries.
func NewProvider(ctx context.Context, cfg *config.LLMConfig) (core.AIProvider, error) {
	log.FromCtx(ctx).Info().
		Str("provider", cfg.Provider).
		Str("model", cfg.Model).
		Msg("starting llm provider")

	opts := Options{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		Timeout:     cfg.Timeout,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}

	var p core.AIProvider
	switch cfg.Provider {
	case "openai":
		p = NewOpenAI(opts)
	case "anthropic":
		p = NewAnthropic(opts)
	case "openrouter":
		p = NewOpenRouter(opts)
	case "ollama":
		p = NewOllama(opts)
	case "custom":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("custom llm provider requires TUSK_LLM_BASE_URL")
		}
		p = NewOpenAICompatible(opts, nil)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
	return NewLimited(p, cfg.RequestsPerMinute, cfg.MaxRetries), nil
}
