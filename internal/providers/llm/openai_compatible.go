package llm

import (
	"context"
	"errors"
	"maps"

	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/pkg/log"
)

var errNoChoices = errors.New("provider returned no choices")

// OpenAICompatible talks to any /v1/chat/completions endpoint.
type OpenAICompatible struct {
	endpoint
	headers map[string]string
}

type chatRequest struct {
	Model       string         `json:"model"`
	Messages    []core.Message `json:"messages"`
	Temperature float64        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      core.Message `json:"message"`
		FinishReason string       `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// NewOpenAICompatible sends the API key as a bearer token when one is set.
// headers are added to every request.
func NewOpenAICompatible(opts Options, headers map[string]string) *OpenAICompatible {
	h := make(map[string]string, len(headers)+1)
	maps.Copy(h, headers)
	if opts.APIKey != "" {
		h["Authorization"] = "Bearer " + opts.APIKey
	}
	return &OpenAICompatible{endpoint: newEndpoint(opts), headers: h}
}

func (o *OpenAICompatible) Chat(ctx context.Context, history []core.Message) (core.Message, error) {
	req := chatRequest{
		Model:       o.opts.Model,
		Messages:    history,
		Temperature: o.opts.Temperature,
		MaxTokens:   o.opts.MaxTokens,
	}

	var resp chatResponse
	if err := o.post(ctx, "/v1/chat/completions", o.headers, req, &resp); err != nil {
		return core.Message{}, err
	}
	if len(resp.Choices) == 0 {
		return core.Message{}, errNoChoices
	}

	choice := resp.Choices[0]
	log.FromCtx(ctx).Debug().
		Str("model", o.opts.Model).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Str("finish_reason", choice.FinishReason).
		Msg("chat completion")
	return choice.Message, nil
}
