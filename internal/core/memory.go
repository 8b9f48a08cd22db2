package core

import (
	"strings"
	"time"
	"unicode"
)

// Turn is one raw message of a conversation. Index is 1-based and strictly
// increasing per conversation.
type Turn struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id"`
	OwnerID        string    `json:"owner_id"`
	Index          int       `json:"turn_index"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

func (t Turn) AsMessage() Message {
	return Message{Role: t.Role, Content: t.Content}
}

type ChunkType string

const (
	ChunkDialogue ChunkType = "dialogue"
	ChunkAction   ChunkType = "action"
	ChunkFact     ChunkType = "fact"
	ChunkQuestion ChunkType = "question"
	ChunkAnswer   ChunkType = "answer"
)

func (c ChunkType) Valid() bool {
	switch c {
	case ChunkDialogue, ChunkAction, ChunkFact, ChunkQuestion, ChunkAnswer:
		return true
	}
	return false
}

type SummaryKind string

const (
	SummaryIncremental SummaryKind = "incremental"
	SummaryFull        SummaryKind = "full"
)

// Entities groups named things by category (people, projects, tools, ...).
type Entities map[string][]string

// Merge returns a new map holding both sides, de-duplicated per category.
func (e Entities) Merge(other Entities) Entities {
	out := make(Entities, len(e)+len(other))
	for _, side := range []Entities{e, other} {
		for k, v := range side {
			k = strings.ToLower(strings.TrimSpace(k))
			if k == "" {
				continue
			}
			if merged := MergeUnique(out[k], v); len(merged) > 0 {
				out[k] = merged
			}
		}
	}
	return out
}

func (e Entities) Len() int {
	n := 0
	for _, v := range e {
		n += len(v)
	}
	return n
}

// SummaryBoard is the mutable per-conversation scratchpad (Tier 1).
// At most one exists per conversation.
type SummaryBoard struct {
	ConversationID   string    `json:"conversation_id"`
	AgentID          string    `json:"agent_id"`
	OwnerID          string    `json:"owner_id"`
	CurrentSummary   string    `json:"current_summary"`
	KeyFacts         []string  `json:"key_facts"`
	ActionItems      []string  `json:"action_items"`
	PendingQuestions []string  `json:"pending_questions"`
	Entities         Entities  `json:"entities"`
	Topics           []string  `json:"topics"`
	MessageCount     int       `json:"message_count"`
	UpdateFrequency  int       `json:"update_frequency"`
	CycleCount       int       `json:"cycle_count"`
	Version          int64     `json:"version"`
	InProgress       bool      `json:"in_progress"`
	LockToken        string    `json:"-"`
	LockedAt         time.Time `json:"locked_at"`
	LastUpdated      time.Time `json:"last_updated"`
	CreatedAt        time.Time `json:"created_at"`
}

// IsEmpty is true for boards that have never completed a cycle.
func (b *SummaryBoard) IsEmpty() bool {
	return b == nil || (b.CurrentSummary == "" && len(b.KeyFacts) == 0 &&
		len(b.ActionItems) == 0 && len(b.PendingQuestions) == 0)
}

// ConversationSummary is an immutable archival snapshot (Tier 3).
type ConversationSummary struct {
	ID                string      `json:"id"`
	ConversationID    string      `json:"conversation_id"`
	AgentID           string      `json:"agent_id"`
	OwnerID           string      `json:"owner_id"`
	Kind              SummaryKind `json:"kind"`
	SummaryText       string      `json:"summary_text"`
	KeyFacts          []string    `json:"key_facts"`
	Entities          Entities    `json:"entities"`
	Topics            []string    `json:"topics"`
	MessageCount      int         `json:"message_count"`
	RangeStart        int         `json:"range_start"`
	RangeEnd          int         `json:"range_end"`
	ConversationStart time.Time   `json:"conversation_start"`
	ConversationEnd   time.Time   `json:"conversation_end"`
	Embedding         []float32   `json:"-"`
	CreatedAt         time.Time   `json:"created_at"`
}

// WorkingMemoryChunk is an immutable, expiring excerpt of recent dialogue.
type WorkingMemoryChunk struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversation_id"`
	AgentID          string    `json:"agent_id"`
	OwnerID          string    `json:"owner_id"`
	ChunkText        string    `json:"chunk_text"`
	ChunkIndex       int       `json:"chunk_index"`
	SourceMessageIDs []int64   `json:"source_message_ids"`
	ImportanceScore  float64   `json:"importance_score"`
	ChunkType        ChunkType `json:"chunk_type"`
	Embedding        []float32 `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

func (c WorkingMemoryChunk) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// ChunkMatch is a chunk returned by similarity search.
type ChunkMatch struct {
	Chunk      WorkingMemoryChunk `json:"chunk"`
	Similarity float32            `json:"similarity"`
}

// SummaryMatch is an archival summary returned by similarity search.
type SummaryMatch struct {
	Summary    ConversationSummary `json:"summary"`
	Similarity float32             `json:"similarity"`
}

// WorkingContext is the read-only Tier 1 view handed to the assembler.
type WorkingContext struct {
	ConversationID   string    `json:"conversation_id"`
	Summary          string    `json:"summary"`
	KeyFacts         []string  `json:"key_facts"`
	ActionItems      []string  `json:"action_items"`
	PendingQuestions []string  `json:"pending_questions"`
	Entities         Entities  `json:"entities"`
	Topics           []string  `json:"topics"`
	MessageCount     int       `json:"message_count"`
	LastUpdated      time.Time `json:"last_updated"`
}

func EmptyWorkingContext(conversationID string) WorkingContext {
	return WorkingContext{ConversationID: conversationID}
}

func (w WorkingContext) IsEmpty() bool {
	return w.Summary == "" && len(w.KeyFacts) == 0 &&
		len(w.ActionItems) == 0 && len(w.PendingQuestions) == 0
}

func NewWorkingContext(b *SummaryBoard) WorkingContext {
	if b == nil {
		return WorkingContext{}
	}
	return WorkingContext{
		ConversationID:   b.ConversationID,
		Summary:          b.CurrentSummary,
		KeyFacts:         append([]string(nil), b.KeyFacts...),
		ActionItems:      append([]string(nil), b.ActionItems...),
		PendingQuestions: append([]string(nil), b.PendingQuestions...),
		Entities:         Entities{}.Merge(b.Entities),
		Topics:           append([]string(nil), b.Topics...),
		MessageCount:     b.MessageCount,
		LastUpdated:      b.LastUpdated,
	}
}

// CycleCommit is everything one summarization cycle persists atomically.
// Board carries the expected Version and the LockToken of the lease holder.
type CycleCommit struct {
	Board   *SummaryBoard
	Archive *ConversationSummary
	Chunks  []WorkingMemoryChunk
}

// NormalizeFact folds case, punctuation and whitespace so that trivially
// different phrasings of one fact compare equal.
func NormalizeFact(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// MergeUnique appends additions to base, skipping blanks and entries whose
// normalized form is already present. Order of first appearance is kept.
func MergeUnique(base, additions []string) []string {
	seen := make(map[string]struct{}, len(base)+len(additions))
	out := make([]string, 0, len(base)+len(additions))
	for _, list := range [][]string{base, additions} {
		for _, s := range list {
			s = strings.TrimSpace(s)
			key := NormalizeFact(s)
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
