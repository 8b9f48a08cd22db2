package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/internal/service/recall"
	"github.com/sandevgo/tuskmem/pkg/log"
)

const (
	ToolSearchHistory  = "search_conversation_history"
	ToolGetSummary     = "get_conversation_summary"
	ToolRecallContext  = "recall_context"
	ToolListSummaries  = "list_conversation_summaries"
	defaultSearchLimit = 5
)

const searchHistorySchema = `
{
  "type": "object",
  "properties": {
    "query": { "type": "string", "description": "What to look for in past conversation" },
    "time_range": { "type": "string", "description": "Lookback such as 24h, 7d or 2w, or an interval FROM/TO of RFC 3339 timestamps or dates" },
    "limit": { "type": "integer", "minimum": 1, "maximum": 50, "default": 5 }
  },
  "required": ["query"]
}
`

const getSummarySchema = `
{
  "type": "object",
  "properties": {
    "conversation_id": { "type": "string", "description": "Conversation whose current summary to return. Defaults to the active conversation" },
    "summary_id": { "type": "string", "description": "Archived summary to return instead of the current one" }
  }
}
`

const recallContextSchema = `
{
  "type": "object",
  "properties": {
    "context_type": { "type": "string", "enum": ["action_items", "questions", "facts", "entities"] },
    "conversation_id": { "type": "string", "description": "Defaults to the active conversation" }
  },
  "required": ["context_type"]
}
`

const listSummariesSchema = `
{
  "type": "object",
  "properties": {
    "conversation_id": { "type": "string", "description": "Only this conversation. Omit to list every conversation" },
    "time_range": { "type": "string", "description": "Lookback such as 24h, 7d or 2w, or an interval FROM/TO of RFC 3339 timestamps or dates" },
    "limit": { "type": "integer", "minimum": 1, "maximum": 50, "default": 5 }
  }
}
`

// Recall is the capability set served as tools.
type Recall interface {
	SearchConversationHistory(ctx context.Context, agentID, query string, tr recall.TimeRange, limit int) ([]recall.Excerpt, error)
	GetConversationSummary(ctx context.Context, agentID, conversationID, summaryID string) (*recall.SummaryView, error)
	RecallContext(ctx context.Context, agentID, conversationID string, t recall.ContextType) (*recall.ContextSlice, error)
	ListConversationSummaries(ctx context.Context, agentID, conversationID string, tr recall.TimeRange, limit int) ([]recall.SummaryView, error)
}

type tool struct {
	Description string
	Schema      string
	Handler     func(context.Context, json.RawMessage) (string, error)
}

// Server exposes recall to one agent over MCP. conversationID is the default
// for tools whose conversation_id argument is omitted.
type Server struct {
	recall         Recall
	agentID        string
	conversationID string
	mcp            *server.MCPServer
	in             io.Reader
	out            io.Writer
	now            func() time.Time
}

func NewServer(r Recall, agentID, conversationID string, in io.Reader, out io.Writer) *Server {
	s := &Server{
		recall:         r,
		agentID:        agentID,
		conversationID: conversationID,
		in:             in,
		out:            out,
		now:            time.Now,
	}
	s.mcp = server.NewMCPServer(
		core.TuskName,
		core.TuskVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	defs := s.definitions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		def := defs[name]
		s.mcp.AddTool(mcpgo.NewToolWithRawSchema(name, def.Description, json.RawMessage(def.Schema)), s.wrap(name, def.Handler))
	}
	return s
}

// MCP returns the underlying protocol server.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// Start serves JSON-RPC on the configured streams until ctx is cancelled or
// the input closes.
func (s *Server) Start(ctx context.Context) error {
	ctx = log.WithComponent(ctx, "mcp")
	log.FromCtx(ctx).Info().Str("agent_id", s.agentID).Msg("serving recall tools over stdio")

	stdio := server.NewStdioServer(s.mcp)
	err := stdio.Listen(ctx, s.in, s.out)
	if err != nil && ctx.Err() == nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("mcp stdio server stopped: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(context.Context) error {
	return nil
}

func (s *Server) definitions() map[string]tool {
	return map[string]tool{
		ToolSearchHistory: {
			Description: "Search earlier conversation (recent excerpts and archived summaries) by meaning. Returns ranked excerpts.",
			Schema:      searchHistorySchema,
			Handler:     s.searchHistory,
		},
		ToolGetSummary: {
			Description: "Return the running summary of a conversation, or an archived summary by id.",
			Schema:      getSummarySchema,
			Handler:     s.getSummary,
		},
		ToolRecallContext: {
			Description: "Return one section of the running summary: action items, open questions, key facts or entities.",
			Schema:      recallContextSchema,
			Handler:     s.recallContext,
		},
		ToolListSummaries: {
			Description: "List archived summaries, newest first. Pass a summary_id from the result to " + ToolGetSummary + " for details.",
			Schema:      listSummariesSchema,
			Handler:     s.listSummaries,
		},
	}
}

func (s *Server) wrap(name string, h func(context.Context, json.RawMessage) (string, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		logger := log.FromCtx(ctx)

		args, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcpgo.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		started := s.now()
		out, err := h(ctx, args)
		if err != nil {
			logger.Warn().Err(err).Str("tool", name).Msg("tool call failed")
			return mcpgo.NewToolResultError(err.Error()), nil
		}
		logger.Debug().Str("tool", name).Dur("took", s.now().Sub(started)).Msg("tool call")
		return mcpgo.NewToolResultText(out), nil
	}
}

func (s *Server) searchHistory(ctx context.Context, args json.RawMessage) (string, error) {
	var input struct {
		Query     string `json:"query"`
		TimeRange string `json:"time_range"`
		Limit     int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	tr, err := recall.ParseTimeRange(input.TimeRange, s.now())
	if err != nil {
		return "", err
	}
	if input.Limit <= 0 {
		input.Limit = defaultSearchLimit
	}

	excerpts, err := s.recall.SearchConversationHistory(ctx, s.agentID, input.Query, tr, input.Limit)
	if err != nil {
		return "", err
	}
	if excerpts == nil {
		excerpts = []recall.Excerpt{}
	}
	return encode(map[string]any{"results": excerpts})
}

func (s *Server) getSummary(ctx context.Context, args json.RawMessage) (string, error) {
	var input struct {
		ConversationID string `json:"conversation_id"`
		SummaryID      string `json:"summary_id"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	conv := input.ConversationID
	if conv == "" && input.SummaryID == "" {
		conv = s.conversationID
	}

	view, err := s.recall.GetConversationSummary(ctx, s.agentID, conv, input.SummaryID)
	if err != nil {
		return "", err
	}
	return encode(view)
}

func (s *Server) recallContext(ctx context.Context, args json.RawMessage) (string, error) {
	var input struct {
		ContextType    string `json:"context_type"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	t, err := recall.ParseContextType(input.ContextType)
	if err != nil {
		return "", err
	}
	conv := input.ConversationID
	if conv == "" {
		conv = s.conversationID
	}

	slice, err := s.recall.RecallContext(ctx, s.agentID, conv, t)
	if err != nil {
		return "", err
	}
	return encode(slice)
}

func (s *Server) listSummaries(ctx context.Context, args json.RawMessage) (string, error) {
	var input struct {
		ConversationID string `json:"conversation_id"`
		TimeRange      string `json:"time_range"`
		Limit          int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	tr, err := recall.ParseTimeRange(input.TimeRange, s.now())
	if err != nil {
		return "", err
	}
	if input.Limit <= 0 {
		input.Limit = defaultSearchLimit
	}

	views, err := s.recall.ListConversationSummaries(ctx, s.agentID, input.ConversationID, tr, input.Limit)
	if err != nil {
		return "", err
	}
	if views == nil {
		views = []recall.SummaryView{}
	}
	return encode(map[string]any{"summaries": views})
}

func encode(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	return string(b), nil
}
