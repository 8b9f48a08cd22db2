package recall

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sandevgo/tuskmem/internal/config"
	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/pkg/log"
)

const (
	maxSearchLimit = 50

	SourceChunk   = "chunk"
	SourceSummary = "summary"
	SourceBoard   = "board"
	SourceArchive = "archive"
)

var (
	ErrEmptyQuery           = errors.New("query must not be empty")
	ErrConversationRequired = errors.New("conversation_id is required")
	ErrUnknownContextType   = errors.New("unknown context type")
)

type ContextType string

const (
	ContextActionItems ContextType = "action_items"
	ContextQuestions   ContextType = "questions"
	ContextFacts       ContextType = "facts"
	ContextEntities    ContextType = "entities"
)

var ContextTypes = []ContextType{ContextActionItems, ContextQuestions, ContextFacts, ContextEntities}

func ParseContextType(s string) (ContextType, error) {
	t := ContextType(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(ContextTypes, t) {
		return "", fmt.Errorf("%w: %q", ErrUnknownContextType, s)
	}
	return t, nil
}

// WorkingMemory is the Tier 1 surface recall reads from.
type WorkingMemory interface {
	GetWorkingContext(ctx context.Context, conversationID, agentID string) (core.WorkingContext, error)
	SearchWorkingMemory(ctx context.Context, agentID, query string, limit int) ([]core.ChunkMatch, error)
}

type SummaryStore interface {
	GetSummary(ctx context.Context, id string) (*core.ConversationSummary, error)
	GetSummaries(ctx context.Context, ids []string) ([]core.ConversationSummary, error)
	ListSummaries(ctx context.Context, agentID string, from, to time.Time, limit int) ([]core.ConversationSummary, error)
}

// Excerpt is one ranked search result.
type Excerpt struct {
	Source         string    `json:"source"`
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	Similarity     float32   `json:"similarity"`
	Timestamp      time.Time `json:"timestamp"`
	ChunkType      string    `json:"chunk_type,omitempty"`
	RangeStart     int       `json:"range_start,omitempty"`
	RangeEnd       int       `json:"range_end,omitempty"`
}

// SummaryView is either the live board of a conversation or one archived
// summary.
type SummaryView struct {
	Source           string        `json:"source"`
	ConversationID   string        `json:"conversation_id"`
	SummaryID        string        `json:"summary_id,omitempty"`
	Kind             string        `json:"kind,omitempty"`
	Summary          string        `json:"summary"`
	KeyFacts         []string      `json:"key_facts,omitempty"`
	ActionItems      []string      `json:"action_items,omitempty"`
	PendingQuestions []string      `json:"pending_questions,omitempty"`
	Entities         core.Entities `json:"entities,omitempty"`
	Topics           []string      `json:"topics,omitempty"`
	MessageCount     int           `json:"message_count"`
	RangeStart       int           `json:"range_start,omitempty"`
	RangeEnd         int           `json:"range_end,omitempty"`
	UpdatedAt        time.Time     `json:"updated_at,omitzero"`
}

// ContextSlice is one section of a board.
type ContextSlice struct {
	ConversationID string        `json:"conversation_id"`
	Type           ContextType   `json:"type"`
	Items          []string      `json:"items,omitempty"`
	Entities       core.Entities `json:"entities,omitempty"`
}

// Service answers the agent's own questions about past conversation.
type Service struct {
	cfg       *config.MemoryConfig
	working   WorkingMemory
	summaries SummaryStore
	index     core.VectorIndex
	embedder  core.Embedder
}

func New(
	cfg *config.MemoryConfig,
	working WorkingMemory,
	summaries SummaryStore,
	index core.VectorIndex,
	embedder core.Embedder,
) *Service {
	return &Service{
		cfg:       cfg,
		working:   working,
		summaries: summaries,
		index:     index,
		embedder:  embedder,
	}
}

// SearchConversationHistory ranks recent chunks and archived summaries of one
// agent against query. An unavailable index yields no results, not an error.
func (s *Service) SearchConversationHistory(ctx context.Context, agentID, query string, tr TimeRange, limit int) ([]Excerpt, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if limit <= 0 {
		limit = s.cfg.SearchLimit
	}
	limit = min(limit, maxSearchLimit)

	// fetch extra so time filtering still leaves enough
	fetch := limit
	if !tr.IsZero() {
		fetch *= 2
	}

	var out []Excerpt

	chunks, err := s.working.SearchWorkingMemory(ctx, agentID, query, fetch)
	if err != nil {
		log.FromCtx(ctx).Warn().Err(err).Msg("chunk search failed")
	}
	for _, m := range chunks {
		if !tr.Contains(m.Chunk.CreatedAt) {
			continue
		}
		out = append(out, Excerpt{
			Source:         SourceChunk,
			ID:             m.Chunk.ID,
			ConversationID: m.Chunk.ConversationID,
			Text:           m.Chunk.ChunkText,
			Similarity:     m.Similarity,
			Timestamp:      m.Chunk.CreatedAt,
			ChunkType:      string(m.Chunk.ChunkType),
		})
	}

	for _, m := range s.searchSummaries(ctx, agentID, query, fetch) {
		sum := m.Summary
		if !tr.Overlaps(sum.ConversationStart, sum.ConversationEnd) {
			continue
		}
		out = append(out, Excerpt{
			Source:         SourceSummary,
			ID:             sum.ID,
			ConversationID: sum.ConversationID,
			Text:           sum.SummaryText,
			Similarity:     m.Similarity,
			Timestamp:      sum.ConversationEnd,
			RangeStart:     sum.RangeStart,
			RangeEnd:       sum.RangeEnd,
		})
	}

	slices.SortStableFunc(out, func(a, b Excerpt) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		}
		return b.Timestamp.Compare(a.Timestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Service) searchSummaries(ctx context.Context, agentID, query string, limit int) []core.SummaryMatch {
	logger := log.FromCtx(ctx)

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to embed recall query")
		return nil
	}
	hits, err := s.index.Search(ctx, vec, core.Scope{AgentID: agentID, Kind: core.KindSummary},
		limit, float32(s.cfg.SimilarityFloor))
	if err != nil {
		logger.Warn().Err(err).Msg("summary search failed")
		return nil
	}
	if len(hits) == 0 {
		return nil
	}

	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	rows, err := s.summaries.GetSummaries(ctx, ids)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load matched summaries")
		return nil
	}
	byID := make(map[string]core.ConversationSummary, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}

	out := make([]core.SummaryMatch, 0, len(hits))
	for _, h := range hits {
		if sum, ok := byID[h.ID]; ok && sum.AgentID == agentID {
			out = append(out, core.SummaryMatch{Summary: sum, Similarity: h.Similarity})
		}
	}
	return out
}

// Recall renders search results as short excerpts for the assembler.
func (s *Service) Recall(ctx context.Context, agentID, query string, limit int) ([]string, error) {
	excerpts, err := s.SearchConversationHistory(ctx, agentID, query, TimeRange{}, limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(excerpts))
	for _, e := range excerpts {
		out = append(out, fmt.Sprintf("[%s %s] %s", e.Source, e.Timestamp.Format(time.DateOnly), e.Text))
	}
	return out, nil
}

// GetConversationSummary returns the archived summary summaryID when given,
// otherwise the current board of conversationID. A conversation that was
// never summarized yields an empty board view.
func (s *Service) GetConversationSummary(ctx context.Context, agentID, conversationID, summaryID string) (*SummaryView, error) {
	if summaryID != "" {
		sum, err := s.summaries.GetSummary(ctx, summaryID)
		if err != nil {
			return nil, fmt.Errorf("failed to load summary %s: %w", summaryID, err)
		}
		if sum.AgentID != agentID || (conversationID != "" && sum.ConversationID != conversationID) {
			return nil, fmt.Errorf("summary %s: %w", summaryID, core.ErrNotFound)
		}
		view := archiveView(*sum)
		return &view, nil
	}

	if conversationID == "" {
		return nil, ErrConversationRequired
	}
	wc, err := s.working.GetWorkingContext(ctx, conversationID, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load board: %w", err)
	}
	return &SummaryView{
		Source:           SourceBoard,
		ConversationID:   conversationID,
		Summary:          wc.Summary,
		KeyFacts:         wc.KeyFacts,
		ActionItems:      wc.ActionItems,
		PendingQuestions: wc.PendingQuestions,
		Entities:         wc.Entities,
		Topics:           wc.Topics,
		MessageCount:     wc.MessageCount,
		UpdatedAt:        wc.LastUpdated,
	}, nil
}

// ListConversationSummaries returns the agent's archived summaries whose
// conversation span overlaps tr, newest first. An empty conversationID lists
// every conversation of the agent.
func (s *Service) ListConversationSummaries(ctx context.Context, agentID, conversationID string, tr TimeRange, limit int) ([]SummaryView, error) {
	if limit <= 0 {
		limit = s.cfg.SearchLimit
	}
	limit = min(limit, maxSearchLimit)

	// the store has no conversation filter, so over-fetch when narrowing
	fetch := limit
	if conversationID != "" {
		fetch = maxSearchLimit * 4
	}
	sums, err := s.summaries.ListSummaries(ctx, agentID, tr.From, tr.To, fetch)
	if err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}

	out := make([]SummaryView, 0, min(len(sums), limit))
	for _, sum := range sums {
		if conversationID != "" && sum.ConversationID != conversationID {
			continue
		}
		out = append(out, archiveView(sum))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func archiveView(sum core.ConversationSummary) SummaryView {
	return SummaryView{
		Source:         SourceArchive,
		ConversationID: sum.ConversationID,
		SummaryID:      sum.ID,
		Kind:           string(sum.Kind),
		Summary:        sum.SummaryText,
		KeyFacts:       sum.KeyFacts,
		Entities:       sum.Entities,
		Topics:         sum.Topics,
		MessageCount:   sum.MessageCount,
		RangeStart:     sum.RangeStart,
		RangeEnd:       sum.RangeEnd,
		UpdatedAt:      sum.CreatedAt,
	}
}

// RecallContext returns one section of the board.
func (s *Service) RecallContext(ctx context.Context, agentID, conversationID string, t ContextType) (*ContextSlice, error) {
	if !slices.Contains(ContextTypes, t) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContextType, t)
	}
	if conversationID == "" {
		return nil, ErrConversationRequired
	}
	wc, err := s.working.GetWorkingContext(ctx, conversationID, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load board: %w", err)
	}

	out := &ContextSlice{ConversationID: conversationID, Type: t}
	switch t {
	case ContextActionItems:
		out.Items = wc.ActionItems
	case ContextQuestions:
		out.Items = wc.PendingQuestions
	case ContextFacts:
		out.Items = wc.KeyFacts
	case ContextEntities:
		out.Entities = wc.Entities
	}
	return out, nil
}
