package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sandevgo/tuskmem/internal/core"
)

const summaryColumns = `id, conversation_id, agent_id, owner_id, kind, summary_text, key_facts, entities,
	topics, message_count, range_start, range_end, conversation_start, conversation_end, embedding, created_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type SummaryRepo struct {
	db *sql.DB
}

func NewSummaryRepo(db *sql.DB) *SummaryRepo {
	return &SummaryRepo{db: db}
}

func (r *SummaryRepo) LatestSummary(ctx context.Context, conversationID string) (*core.ConversationSummary, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+summaryColumns+` FROM conversation_summaries
		WHERE conversation_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, conversationID)
	s, err := scanSummary(row)
	if isNoRows(err) {
		return nil, fmt.Errorf("summary for %s: %w", conversationID, core.ErrNotFound)
	}
	return s, err
}

func (r *SummaryRepo) GetSummary(ctx context.Context, id string) (*core.ConversationSummary, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+summaryColumns+` FROM conversation_summaries WHERE id = ?`, id)
	s, err := scanSummary(row)
	if isNoRows(err) {
		return nil, fmt.Errorf("summary %s: %w", id, core.ErrNotFound)
	}
	return s, err
}

// GetSummaries loads rows by id; missing ids are skipped. Order follows ids.
func (r *SummaryRepo) GetSummaries(ctx context.Context, ids []string) ([]core.ConversationSummary, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT ` + summaryColumns + ` FROM conversation_summaries WHERE id IN (` + placeholders(len(ids)) + `)`
	rows, err := r.db.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]core.ConversationSummary, len(ids))
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		byID[s.ID] = *s
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]core.ConversationSummary, 0, len(byID))
	for _, id := range ids {
		if s, ok := byID[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// ListSummaries returns an agent's archive overlapping [from, to], newest
// first. Zero bounds are open.
func (r *SummaryRepo) ListSummaries(ctx context.Context, agentID string, from, to time.Time, limit int) ([]core.ConversationSummary, error) {
	query := `SELECT ` + summaryColumns + ` FROM conversation_summaries WHERE agent_id = ?`
	args := []any{agentID}
	if !from.IsZero() {
		query += ` AND conversation_end >= ?`
		args = append(args, toMillis(from))
	}
	if !to.IsZero() {
		query += ` AND conversation_start <= ?`
		args = append(args, toMillis(to))
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}
	defer rows.Close()

	var out []core.ConversationSummary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Embeddings streams every stored summary vector for index rebuilds.
func (r *SummaryRepo) Embeddings(ctx context.Context) ([]core.EmbeddedRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, conversation_id, agent_id, kind, embedding
		FROM conversation_summaries WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to query summary embeddings: %w", err)
	}
	defer rows.Close()

	var out []core.EmbeddedRecord
	for rows.Next() {
		var (
			id, conv, agent, kind string
			blob                  []byte
		)
		if err := rows.Scan(&id, &conv, &agent, &kind, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan summary embedding: %w", err)
		}
		vec, err := deserializeVector(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, core.EmbeddedRecord{
			ID:        id,
			Scope:     core.Scope{AgentID: agent, ConversationID: conv, Kind: core.KindSummary},
			Embedding: vec,
			Metadata:  map[string]string{"summary_kind": kind},
		})
	}
	return out, rows.Err()
}

func insertSummary(ctx context.Context, ex execer, s *core.ConversationSummary) error {
	facts, err := encodeStrings(s.KeyFacts)
	if err != nil {
		return err
	}
	entities, err := encodeEntities(s.Entities)
	if err != nil {
		return err
	}
	topics, err := encodeStrings(s.Topics)
	if err != nil {
		return err
	}
	blob, err := serializeVector(s.Embedding)
	if err != nil {
		return err
	}

	_, err = ex.ExecContext(ctx, `INSERT INTO conversation_summaries (`+summaryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.ConversationID, s.AgentID, s.OwnerID, string(s.Kind), s.SummaryText, facts, entities,
		topics, s.MessageCount, s.RangeStart, s.RangeEnd,
		toMillis(s.ConversationStart), toMillis(s.ConversationEnd), blob, toMillis(s.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert summary: %w", err)
	}
	return nil
}

func scanSummary(row rowScanner) (*core.ConversationSummary, error) {
	var (
		s                     core.ConversationSummary
		kind                  string
		facts, ents, topics   string
		start, end, createdAt int64
		blob                  []byte
	)
	err := row.Scan(&s.ID, &s.ConversationID, &s.AgentID, &s.OwnerID, &kind, &s.SummaryText,
		&facts, &ents, &topics, &s.MessageCount, &s.RangeStart, &s.RangeEnd,
		&start, &end, &blob, &createdAt)
	if err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan summary: %w", err)
	}

	s.Kind = core.SummaryKind(kind)
	if s.KeyFacts, err = decodeStrings(facts); err != nil {
		return nil, err
	}
	if s.Entities, err = decodeEntities(ents); err != nil {
		return nil, err
	}
	if s.Topics, err = decodeStrings(topics); err != nil {
		return nil, err
	}
	if s.Embedding, err = deserializeVector(blob); err != nil {
		return nil, err
	}
	s.ConversationStart = fromMillis(start)
	s.ConversationEnd = fromMillis(end)
	s.CreatedAt = fromMillis(createdAt)
	return &s, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
