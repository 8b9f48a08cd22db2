package llm

import (
	"context"
	"strings"

	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/pkg/log"
)

const (
	anthropicBaseURL   = "https://api.anthropic.com"
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

type Anthropic struct {
	endpoint
}

// NewAnthropic requires max_tokens on every request, so a zero MaxTokens
// falls back to anthropicMaxTokens.
func NewAnthropic(opts Options) *Anthropic {
	opts = withBaseURL(opts, anthropicBaseURL)
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = anthropicMaxTokens
	}
	return &Anthropic{endpoint: newEndpoint(opts)}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Chat hoists system messages into the top-level system field. The messages
// API only accepts user and assistant turns.
func (a *Anthropic) Chat(ctx context.Context, history []core.Message) (core.Message, error) {
	req := anthropicRequest{
		Model:       a.opts.Model,
		MaxTokens:   a.opts.MaxTokens,
		Temperature: a.opts.Temperature,
	}
	var system []string
	for _, m := range history {
		if m.Role == core.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		req.Messages = append(req.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	req.System = strings.Join(system, "\n\n")

	headers := map[string]string{
		"x-api-key":         a.opts.APIKey,
		"anthropic-version": anthropicVersion,
	}

	var resp anthropicResponse
	if err := a.post(ctx, "/v1/messages", headers, req, &resp); err != nil {
		return core.Message{}, err
	}

	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	log.FromCtx(ctx).Debug().
		Str("model", a.opts.Model).
		Int("input_tokens", resp.Usage.InputTokens).
		Int("output_tokens", resp.Usage.OutputTokens).
		Str("stop_reason", resp.StopReason).
		Msg("message completion")
	return core.Message{Role: core.RoleAssistant, Content: text.String()}, nil
}
