package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sandevgo/tuskmem/internal/config"
	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAICompatible_Chat(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, core.TuskName, r.Header.Get("X-Title"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":7}}`))
	}))
	defer srv.Close()

	p := NewOpenRouter(Options{BaseURL: srv.URL, APIKey: "secret", Model: "m-1", Timeout: time.Second, Temperature: 0.2, MaxTokens: 256})

	msg, err := p.Chat(context.Background(), []core.Message{
		{Role: core.RoleSystem, Content: "be brief"},
		{Role: core.RoleUser, Content: "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, core.Message{Role: core.RoleAssistant, Content: "hi"}, msg)
	assert.Equal(t, "m-1", got.Model)
	assert.Len(t, got.Messages, 2)
	assert.InDelta(t, 0.2, got.Temperature, 1e-9)
	assert.Equal(t, 256, got.MaxTokens)
}

func TestOpenAICompatible_OmitsUnsetSampling(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	_, err := NewOllama(Options{BaseURL: srv.URL, Model: "llama"}).Chat(context.Background(), nil)
	require.NoError(t, err)
	assert.NotContains(t, raw, "temperature")
	assert.NotContains(t, raw, "max_tokens")
}

func TestOpenAICompatible_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, `slow down`, true},
		{"server error", http.StatusBadGateway, `upstream`, true},
		{"bad request", http.StatusBadRequest, `bad`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewOpenAICompatible(Options{BaseURL: srv.URL, Model: "m", Timeout: time.Second}, nil).Chat(context.Background(), nil)
			var status *StatusError
			require.ErrorAs(t, err, &status)
			assert.Equal(t, tt.status, status.Code)
			assert.Equal(t, tt.retryable, status.Retryable())
		})
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()
	_, err := NewOpenAICompatible(Options{BaseURL: srv.URL, Model: "m", Timeout: time.Second}, nil).Chat(context.Background(), nil)
	assert.ErrorIs(t, err, errNoChoices)
}

func TestAnthropic_SystemPromptIsHoisted(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"sum"},{"type":"text","text":"mary"}]}`))
	}))
	defer srv.Close()

	msg, err := NewAnthropic(Options{BaseURL: srv.URL, APIKey: "key", Model: "claude", Timeout: time.Second}).Chat(context.Background(), []core.Message{
		{Role: core.RoleSystem, Content: "rules"},
		{Role: core.RoleUser, Content: "text"},
	})
	require.NoError(t, err)
	assert.Equal(t, "summary", msg.Content)
	assert.Equal(t, "rules", got["system"])
	assert.Len(t, got["messages"], 1)
	assert.EqualValues(t, anthropicMaxTokens, got["max_tokens"])
}

type flakyProvider struct {
	calls atomic.Int32
	fail  int32
	err   error
}

func (f *flakyProvider) Chat(context.Context, []core.Message) (core.Message, error) {
	if f.calls.Add(1) <= f.fail {
		return core.Message{}, f.err
	}
	return core.Message{Role: core.RoleAssistant, Content: "ok"}, nil
}

func TestLimited_RetriesTransientFailures(t *testing.T) {
	p := &flakyProvider{fail: 2, err: &StatusError{Code: http.StatusServiceUnavailable}}
	l := NewLimited(p, 0, 3)
	l.retrier = fastRetrier(3)

	msg, err := l.Chat(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Content)
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestLimited_StopsOnClientErrors(t *testing.T) {
	p := &flakyProvider{fail: 5, err: &StatusError{Code: http.StatusUnauthorized}}
	l := NewLimited(p, 0, 3)
	l.retrier = fastRetrier(3)

	_, err := l.Chat(context.Background(), nil)
	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestNewProvider(t *testing.T) {
	for _, name := range []string{"openai", "anthropic", "openrouter", "ollama"} {
		p, err := NewProvider(context.Background(), &config.LLMConfig{Provider: name, Model: "m"})
		require.NoError(t, err, name)
		assert.IsType(t, &Limited{}, p)
	}

	_, err := NewProvider(context.Background(), &config.LLMConfig{Provider: "custom"})
	assert.Error(t, err)

	_, err = NewProvider(context.Background(), &config.LLMConfig{Provider: "nope"})
	assert.ErrorContains(t, err, "unknown llm provider")
}
