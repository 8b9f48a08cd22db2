package memory

import (
	"context"
	"time"

	"github.com/sandevgo/tuskmem/internal/core"
)

// Conversation identifies whose turns are being folded into memory.
type Conversation struct {
	ID      string
	AgentID string
	OwnerID string
}

// BoardReader is the read side of the board store used on the request path.
type BoardReader interface {
	GetBoard(ctx context.Context, conversationID string) (*core.SummaryBoard, error)
}

// HistoryReader serves Tier 2.
type HistoryReader interface {
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]core.Turn, error)
}

// ChunkStore is what working memory needs from the chunk table.
type ChunkStore interface {
	GetChunks(ctx context.Context, ids []string) ([]core.WorkingMemoryChunk, error)
	DeleteExpired(ctx context.Context, now time.Time) ([]core.ExpiredChunk, error)
}
