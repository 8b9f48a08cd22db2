package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/pkg/log"
)

type TurnsRepo struct {
	db *sql.DB
}

func NewTurnsRepo(db *sql.DB) *TurnsRepo {
	return &TurnsRepo{db: db}
}

// AppendTurn stores a turn and assigns the next index in a single statement,
// so concurrent appends to one conversation never share an index.
func (r *TurnsRepo) AppendTurn(ctx context.Context, turn core.Turn) (core.Turn, error) {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO turns (conversation_id, agent_id, owner_id, turn_index, role, content, created_at)
		SELECT ?, ?, ?, COALESCE(MAX(turn_index), 0) + 1, ?, ?, ?
		FROM turns WHERE conversation_id = ?
		RETURNING id, turn_index`

	row := r.db.QueryRowContext(ctx, query,
		turn.ConversationID, turn.AgentID, turn.OwnerID,
		turn.Role, turn.Content, toMillis(turn.CreatedAt),
		turn.ConversationID,
	)
	if err := row.Scan(&turn.ID, &turn.Index); err != nil {
		return core.Turn{}, fmt.Errorf("failed to insert turn: %w", err)
	}
	return turn, nil
}

func (r *TurnsRepo) RecentTurns(ctx context.Context, conversationID string, limit int) ([]core.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}

	// newest first, reversed below
	query := `
		SELECT id, conversation_id, agent_id, owner_id, turn_index, role, content, created_at
		FROM turns WHERE conversation_id = ?
		ORDER BY turn_index DESC LIMIT ?`

	turns, err := r.query(ctx, query, conversationID, limit)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}

	log.FromCtx(ctx).Debug().Int("count", len(turns)).Msg("loaded recent turns")
	return turns, nil
}

func (r *TurnsRepo) TurnsAfter(ctx context.Context, conversationID string, afterIndex, limit int) ([]core.Turn, error) {
	query := `
		SELECT id, conversation_id, agent_id, owner_id, turn_index, role, content, created_at
		FROM turns WHERE conversation_id = ? AND turn_index > ?
		ORDER BY turn_index ASC`
	args := []any{conversationID, afterIndex}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.query(ctx, query, args...)
}

func (r *TurnsRepo) LatestTurn(ctx context.Context, conversationID string) (core.Turn, error) {
	turns, err := r.query(ctx, `
		SELECT id, conversation_id, agent_id, owner_id, turn_index, role, content, created_at
		FROM turns WHERE conversation_id = ?
		ORDER BY turn_index DESC LIMIT 1`, conversationID)
	if err != nil {
		return core.Turn{}, err
	}
	if len(turns) == 0 {
		return core.Turn{}, fmt.Errorf("conversation %s: %w", conversationID, core.ErrNotFound)
	}
	return turns[0], nil
}

func (r *TurnsRepo) query(ctx context.Context, query string, args ...any) ([]core.Turn, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []core.Turn
	for rows.Next() {
		var t core.Turn
		var createdAt int64
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.AgentID, &t.OwnerID, &t.Index, &t.Role, &t.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.CreatedAt = fromMillis(createdAt)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return turns, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
