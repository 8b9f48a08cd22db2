package core

import (
	"context"
	"time"
)

type TurnRepository interface {
	// AppendTurn assigns the next turn index for the conversation.
	AppendTurn(ctx context.Context, turn Turn) (Turn, error)
	// RecentTurns returns up to limit newest turns in chronological order.
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error)
	// TurnsAfter returns turns with index > afterIndex, oldest first.
	TurnsAfter(ctx context.Context, conversationID string, afterIndex, limit int) ([]Turn, error)
	LatestTurn(ctx context.Context, conversationID string) (Turn, error)
}

type BoardRepository interface {
	GetBoard(ctx context.Context, conversationID string) (*SummaryBoard, error)
	EnsureBoard(ctx context.Context, conversationID, agentID, ownerID string, frequency int) (*SummaryBoard, error)
	SetUpdateFrequency(ctx context.Context, conversationID, agentID, ownerID string, frequency int) error
	// TryAcquire takes the per-conversation lease. A lease older than
	// staleAfter is reclaimed. Returns ErrLockHeld when another holder is live.
	TryAcquire(ctx context.Context, conversationID, token string, now time.Time, staleAfter time.Duration) (*SummaryBoard, error)
	Release(ctx context.Context, conversationID, token string) error
	// CommitCycle writes the board, optional archive and chunks in one
	// transaction. Returns ErrConflict when version or token no longer match.
	CommitCycle(ctx context.Context, commit CycleCommit) error
}

type SummaryRepository interface {
	LatestSummary(ctx context.Context, conversationID string) (*ConversationSummary, error)
	GetSummary(ctx context.Context, id string) (*ConversationSummary, error)
	GetSummaries(ctx context.Context, ids []string) ([]ConversationSummary, error)
	ListSummaries(ctx context.Context, agentID string, from, to time.Time, limit int) ([]ConversationSummary, error)
}

type ChunkRepository interface {
	GetChunks(ctx context.Context, ids []string) ([]WorkingMemoryChunk, error)
	MaxChunkIndex(ctx context.Context, conversationID string) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) ([]ExpiredChunk, error)
}

// ExpiredChunk identifies a deleted chunk so its vector can be dropped too.
type ExpiredChunk struct {
	ID      string
	AgentID string
}

// EmbeddedRecord is a stored vector used to rebuild the in-memory index.
type EmbeddedRecord struct {
	ID        string
	Scope     Scope
	Embedding []float32
	Metadata  map[string]string
}
