package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/internal/metrics"
	"github.com/sandevgo/tuskmem/pkg/log"
)

// publishTimeout bounds how long a turn waits on a full dispatcher.
const publishTimeout = 250 * time.Millisecond

type NewTurn struct {
	ConversationID string
	AgentID        string
	OwnerID        string
	Role           string
	Content        string
	Timestamp      time.Time
}

type conversation struct {
	agentID   string
	ownerID   string
	pending   int
	frequency int
}

// Trigger counts stored turns per conversation and publishes one
// summarization event each time the count reaches the update frequency.
type Trigger struct {
	turns      core.TurnRepository
	boards     core.BoardRepository
	dispatcher core.Dispatcher
	metrics    *metrics.Collector
	frequency  int

	mu    sync.Mutex
	convs map[string]*conversation
}

func New(
	turns core.TurnRepository,
	boards core.BoardRepository,
	dispatcher core.Dispatcher,
	m *metrics.Collector,
	defaultFrequency int,
) *Trigger {
	return &Trigger{
		turns:      turns,
		boards:     boards,
		dispatcher: dispatcher,
		metrics:    m,
		frequency:  max(defaultFrequency, 1),
		convs:      make(map[string]*conversation),
	}
}

// OnNewTurn stores the turn and publishes when the threshold is crossed.
// Publish errors are logged, not returned: the turn itself is stored and the
// counter is kept so the next turn retries.
func (t *Trigger) OnNewTurn(ctx context.Context, in NewTurn) (core.Turn, error) {
	ctx = log.WithConversation(ctx, in.ConversationID, in.AgentID)

	turn, err := t.turns.AppendTurn(ctx, core.Turn{
		ConversationID: in.ConversationID,
		AgentID:        in.AgentID,
		OwnerID:        in.OwnerID,
		Role:           in.Role,
		Content:        in.Content,
		CreatedAt:      in.Timestamp,
	})
	if err != nil {
		return core.Turn{}, fmt.Errorf("failed to store turn: %w", err)
	}

	conv, err := t.load(ctx, in, turn.Index)
	if err != nil {
		return turn, err
	}

	t.mu.Lock()
	fire := conv.pending >= conv.frequency
	taken := 0
	if fire {
		taken, conv.pending = conv.pending, 0
	}
	t.mu.Unlock()

	if fire {
		_ = t.publish(ctx, core.SummarizeEvent{
			ConversationID: in.ConversationID,
			AgentID:        in.AgentID,
			OwnerID:        in.OwnerID,
			Reason:         core.ReasonThreshold,
		}, conv, taken)
	}
	return turn, nil
}

// load returns the counter for the conversation, creating the board on the
// first turn this process sees. A fresh counter starts from the board's
// unsummarized backlog so restarts do not lose progress toward a threshold.
// Thresholds the backlog already crossed were published by whoever saw them,
// so only the remainder past the last one carries over.
func (t *Trigger) load(ctx context.Context, in NewTurn, turnIndex int) (*conversation, error) {
	t.mu.Lock()
	conv, ok := t.convs[in.ConversationID]
	if ok {
		conv.pending++
		t.mu.Unlock()
		return conv, nil
	}
	t.mu.Unlock()

	board, err := t.boards.EnsureBoard(ctx, in.ConversationID, in.AgentID, in.OwnerID, t.frequency)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure board: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if conv, ok := t.convs[in.ConversationID]; ok {
		conv.pending++
		return conv, nil
	}
	conv = &conversation{
		agentID:   in.AgentID,
		ownerID:   in.OwnerID,
		pending:   restorePending(turnIndex-board.MessageCount, board.UpdateFrequency),
		frequency: board.UpdateFrequency,
	}
	t.convs[in.ConversationID] = conv
	return conv, nil
}

// restorePending maps an unsummarized backlog onto 1..frequency, so the turn
// that lands exactly on a threshold fires and the turns after it do not.
func restorePending(backlog, frequency int) int {
	frequency = max(frequency, 1)
	return (max(backlog, 1)-1)%frequency + 1
}

func (t *Trigger) publish(ctx context.Context, event core.SummarizeEvent, conv *conversation, taken int) error {
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	event.EnqueuedAt = time.Now().UTC()
	if err := t.dispatcher.Publish(pubCtx, event); err != nil {
		t.metrics.PublishFailed()
		log.FromCtx(ctx).Warn().Err(err).Str("reason", event.Reason).Msg("failed to publish summarize event")
		if conv != nil {
			t.mu.Lock()
			conv.pending += taken
			t.mu.Unlock()
		}
		return err
	}

	t.metrics.Dispatched(event.Reason)
	log.FromCtx(ctx).Debug().Str("reason", event.Reason).Bool("full", event.Full).Msg("summarize event published")
	return nil
}

func (t *Trigger) SetUpdateFrequency(ctx context.Context, conversationID string, n int) error {
	if n < 1 {
		return core.ErrInvalidFrequency
	}

	agentID, ownerID := t.owner(ctx, conversationID)
	if err := t.boards.SetUpdateFrequency(ctx, conversationID, agentID, ownerID, n); err != nil {
		return err
	}

	t.mu.Lock()
	if conv, ok := t.convs[conversationID]; ok {
		conv.frequency = n
	}
	t.mu.Unlock()
	return nil
}

// TriggerNow bypasses the threshold. The conversation must have a board or
// at least one stored turn.
func (t *Trigger) TriggerNow(ctx context.Context, conversationID string, full bool) error {
	event := core.SummarizeEvent{ConversationID: conversationID, Full: full, Reason: core.ReasonManual}

	if board, err := t.boards.GetBoard(ctx, conversationID); err == nil {
		event.AgentID, event.OwnerID = board.AgentID, board.OwnerID
	} else if errors.Is(err, core.ErrNotFound) {
		turn, err := t.turns.LatestTurn(ctx, conversationID)
		if err != nil {
			return err
		}
		event.AgentID, event.OwnerID = turn.AgentID, turn.OwnerID
	} else {
		return err
	}

	ctx = log.WithConversation(ctx, conversationID, event.AgentID)

	t.mu.Lock()
	conv := t.convs[conversationID]
	taken := 0
	if conv != nil {
		taken, conv.pending = conv.pending, 0
	}
	t.mu.Unlock()

	if err := t.publish(ctx, event, conv, taken); err != nil {
		return fmt.Errorf("failed to publish manual trigger: %w", err)
	}
	return nil
}

func (t *Trigger) owner(ctx context.Context, conversationID string) (string, string) {
	t.mu.Lock()
	conv, ok := t.convs[conversationID]
	t.mu.Unlock()
	if ok {
		return conv.agentID, conv.ownerID
	}
	if turn, err := t.turns.LatestTurn(ctx, conversationID); err == nil {
		return turn.AgentID, turn.OwnerID
	}
	return "", ""
}
