package llm

import (
	"github.com/sandevgo/tuskmem/internal/core"
)

const (
	openAIBaseURL     = "https://api.openai.com"
	openRouterBaseURL = "https://openrouter.ai/api"
	ollamaBaseURL     = "http://localhost:11434"
)

func withBaseURL(opts Options, fallback string) Options {
	if opts.BaseURL == "" {
		opts.BaseURL = fallback
	}
	return opts
}

func NewOpenAI(opts Options) *OpenAICompatible {
	return NewOpenAICompatible(withBaseURL(opts, openAIBaseURL), nil)
}

// NewOpenRouter identifies the app through OpenRouter's attribution headers.
func NewOpenRouter(opts Options) *OpenAICompatible {
	return NewOpenAICompatible(withBaseURL(opts, openRouterBaseURL), map[string]string{
		"HTTP-Referer": core.TuskRepositoryURL,
		"X-Title":      core.TuskName,
	})
}

func NewOllama(opts Options) *OpenAICompatible {
	return NewOpenAICompatible(withBaseURL(opts, ollamaBaseURL), nil)
}
