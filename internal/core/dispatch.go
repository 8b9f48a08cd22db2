package core

import (
	"context"
	"time"
)

const (
	ReasonThreshold = "threshold"
	ReasonManual    = "manual"
)

// SummarizeEvent asks the background summarizer to run one cycle.
type SummarizeEvent struct {
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id"`
	OwnerID        string    `json:"owner_id"`
	Full           bool      `json:"full"`
	Reason         string    `json:"reason"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

type EventHandler func(ctx context.Context, event SummarizeEvent) error

// Dispatcher delivers events at least once and never reorders events of the
// same conversation. Events of different conversations may run in parallel.
type Dispatcher interface {
	Publish(ctx context.Context, event SummarizeEvent) error
	// Consume blocks, feeding events to handler until ctx is done.
	Consume(ctx context.Context, handler EventHandler) error
}
