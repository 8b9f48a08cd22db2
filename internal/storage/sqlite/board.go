package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sandevgo/tuskmem/internal/core"
)

const boardColumns = `conversation_id, agent_id, owner_id, current_summary, key_facts, action_items,
	pending_questions, entities, topics, message_count, update_frequency, cycle_count,
	version, in_progress, lock_token, locked_at, last_updated, created_at`

type BoardRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewBoardRepo(db *sql.DB) *BoardRepo {
	return &BoardRepo{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *BoardRepo) GetBoard(ctx context.Context, conversationID string) (*core.SummaryBoard, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+boardColumns+` FROM summary_boards WHERE conversation_id = ?`, conversationID)
	b, err := scanBoard(row)
	if isNoRows(err) {
		return nil, fmt.Errorf("board %s: %w", conversationID, core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ListBoards returns the most recently updated boards of an agent.
func (r *BoardRepo) ListBoards(ctx context.Context, agentID string, limit int) ([]core.SummaryBoard, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+boardColumns+` FROM summary_boards WHERE agent_id = ? ORDER BY last_updated DESC LIMIT ?`,
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query boards: %w", err)
	}
	defer rows.Close()

	var boards []core.SummaryBoard
	for rows.Next() {
		b, err := scanBoard(rows)
		if err != nil {
			return nil, err
		}
		boards = append(boards, *b)
	}
	return boards, rows.Err()
}

// claimIdentity fills agent and owner on a board created before either was
// known, e.g. by SetUpdateFrequency ahead of the first turn. Set identity is
// never overwritten.
const claimIdentity = `
		agent_id = CASE WHEN summary_boards.agent_id = '' THEN excluded.agent_id ELSE summary_boards.agent_id END,
		owner_id = CASE WHEN summary_boards.owner_id = '' THEN excluded.owner_id ELSE summary_boards.owner_id END`

// EnsureBoard lazily creates the board on the first turn of a conversation.
func (r *BoardRepo) EnsureBoard(ctx context.Context, conversationID, agentID, ownerID string, frequency int) (*core.SummaryBoard, error) {
	if frequency < 1 {
		return nil, core.ErrInvalidFrequency
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO summary_boards (conversation_id, agent_id, owner_id, update_frequency, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET`+claimIdentity+`
		WHERE (summary_boards.agent_id = '' AND excluded.agent_id != '')
		   OR (summary_boards.owner_id = '' AND excluded.owner_id != '')`,
		conversationID, agentID, ownerID, frequency, toMillis(r.now()))
	if err != nil {
		return nil, fmt.Errorf("failed to create board: %w", err)
	}
	return r.GetBoard(ctx, conversationID)
}

// SetUpdateFrequency persists n for the conversation, creating the board if absent.
// It leaves version alone so an in-flight cycle can still commit.
func (r *BoardRepo) SetUpdateFrequency(ctx context.Context, conversationID, agentID, ownerID string, frequency int) error {
	if frequency < 1 {
		return core.ErrInvalidFrequency
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO summary_boards (conversation_id, agent_id, owner_id, update_frequency, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET update_frequency = excluded.update_frequency,`+claimIdentity,
		conversationID, agentID, ownerID, frequency, toMillis(r.now()))
	if err != nil {
		return fmt.Errorf("failed to set update frequency: %w", err)
	}
	return nil
}

func (r *BoardRepo) TryAcquire(ctx context.Context, conversationID, token string, now time.Time, staleAfter time.Duration) (*core.SummaryBoard, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE summary_boards
		SET in_progress = 1, lock_token = ?, locked_at = ?, version = version + 1
		WHERE conversation_id = ? AND (in_progress = 0 OR locked_at < ?)`,
		token, toMillis(now), conversationID, toMillis(now.Add(-staleAfter)))
	if err != nil {
		return nil, fmt.Errorf("failed to acquire board lease: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := r.GetBoard(ctx, conversationID); err != nil {
			return nil, err
		}
		return nil, core.ErrLockHeld
	}

	b, err := r.GetBoard(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if b.LockToken != token {
		return nil, core.ErrLockHeld
	}
	return b, nil
}

func (r *BoardRepo) Release(ctx context.Context, conversationID, token string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE summary_boards SET in_progress = 0, lock_token = '', locked_at = 0
		WHERE conversation_id = ? AND lock_token = ?`,
		conversationID, token)
	if err != nil {
		return fmt.Errorf("failed to release board lease: %w", err)
	}
	return nil
}

// CommitCycle is the only writer of board content. The update is
// conditional on the version and lease token read at acquire time; the
// archive row and chunks land in the same transaction or not at all.
func (r *BoardRepo) CommitCycle(ctx context.Context, commit core.CycleCommit) error {
	b := commit.Board
	if b == nil {
		return fmt.Errorf("commit without board")
	}

	facts, err := encodeStrings(b.KeyFacts)
	if err != nil {
		return err
	}
	actions, err := encodeStrings(b.ActionItems)
	if err != nil {
		return err
	}
	questions, err := encodeStrings(b.PendingQuestions)
	if err != nil {
		return err
	}
	entities, err := encodeEntities(b.Entities)
	if err != nil {
		return err
	}
	topics, err := encodeStrings(b.Topics)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin commit: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE summary_boards
		SET current_summary = ?, key_facts = ?, action_items = ?, pending_questions = ?,
			entities = ?, topics = ?, message_count = ?, cycle_count = ?,
			version = version + 1, in_progress = 0, lock_token = '', locked_at = 0, last_updated = ?
		WHERE conversation_id = ? AND version = ? AND lock_token = ?`,
		b.CurrentSummary, facts, actions, questions, entities, topics, b.MessageCount, b.CycleCount,
		toMillis(b.LastUpdated), b.ConversationID, b.Version, b.LockToken)
	if err != nil {
		return fmt.Errorf("failed to update board: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrConflict
	}

	if commit.Archive != nil {
		if err := insertSummary(ctx, tx, commit.Archive); err != nil {
			return err
		}
	}

	for i := range commit.Chunks {
		if err := insertChunk(ctx, tx, &commit.Chunks[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cycle: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBoard(row rowScanner) (*core.SummaryBoard, error) {
	var (
		b                                       core.SummaryBoard
		facts, actions, questions, ents, topics string
		inProgress                              int
		lockedAt, lastUpdated, createdAt        int64
	)
	err := row.Scan(&b.ConversationID, &b.AgentID, &b.OwnerID, &b.CurrentSummary,
		&facts, &actions, &questions, &ents, &topics,
		&b.MessageCount, &b.UpdateFrequency, &b.CycleCount, &b.Version,
		&inProgress, &b.LockToken, &lockedAt, &lastUpdated, &createdAt)
	if err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan board: %w", err)
	}

	if b.KeyFacts, err = decodeStrings(facts); err != nil {
		return nil, err
	}
	if b.ActionItems, err = decodeStrings(actions); err != nil {
		return nil, err
	}
	if b.PendingQuestions, err = decodeStrings(questions); err != nil {
		return nil, err
	}
	if b.Entities, err = decodeEntities(ents); err != nil {
		return nil, err
	}
	if b.Topics, err = decodeStrings(topics); err != nil {
		return nil, err
	}

	b.InProgress = inProgress != 0
	b.LockedAt = fromMillis(lockedAt)
	b.LastUpdated = fromMillis(lastUpdated)
	b.CreatedAt = fromMillis(createdAt)
	return &b, nil
}
