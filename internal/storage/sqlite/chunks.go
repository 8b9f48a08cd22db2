package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sandevgo/tuskmem/internal/core"
)

const chunkColumns = `id, conversation_id, agent_id, owner_id, chunk_text, chunk_index, source_message_ids,
	importance_score, chunk_type, embedding, created_at, expires_at`

type ChunkRepo struct {
	db *sql.DB
}

func NewChunkRepo(db *sql.DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

// GetChunks loads chunks by id; missing ids are skipped. Order follows ids.
func (r *ChunkRepo) GetChunks(ctx context.Context, ids []string) ([]core.WorkingMemoryChunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM working_memory_chunks WHERE id IN (`+placeholders(len(ids))+`)`,
		stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]core.WorkingMemoryChunk, len(ids))
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		byID[c.ID] = *c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]core.WorkingMemoryChunk, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// MaxChunkIndex is 0 for a conversation without chunks.
func (r *ChunkRepo) MaxChunkIndex(ctx context.Context, conversationID string) (int, error) {
	var idx int
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(chunk_index), 0) FROM working_memory_chunks WHERE conversation_id = ?`,
		conversationID).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("failed to read max chunk index: %w", err)
	}
	return idx, nil
}

// ConversationChunks lists the unexpired chunks of one conversation in index order.
func (r *ChunkRepo) ConversationChunks(ctx context.Context, conversationID string, now time.Time) ([]core.WorkingMemoryChunk, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM working_memory_chunks
		WHERE conversation_id = ? AND expires_at > ? ORDER BY chunk_index ASC`,
		conversationID, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation chunks: %w", err)
	}
	defer rows.Close()

	var out []core.WorkingMemoryChunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// DeleteExpired removes rows with expires_at <= now and reports what was
// removed so the caller can drop the matching vectors.
func (r *ChunkRepo) DeleteExpired(ctx context.Context, now time.Time) ([]core.ExpiredChunk, error) {
	rows, err := r.db.QueryContext(ctx,
		`DELETE FROM working_memory_chunks WHERE expires_at <= ? RETURNING id, agent_id`,
		toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("failed to delete expired chunks: %w", err)
	}
	defer rows.Close()

	var out []core.ExpiredChunk
	for rows.Next() {
		var e core.ExpiredChunk
		if err := rows.Scan(&e.ID, &e.AgentID); err != nil {
			return nil, fmt.Errorf("failed to scan expired chunk: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Embeddings returns vectors of unexpired chunks for index rebuilds.
func (r *ChunkRepo) Embeddings(ctx context.Context, now time.Time) ([]core.EmbeddedRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, conversation_id, agent_id, chunk_type, embedding
		FROM working_memory_chunks WHERE embedding IS NOT NULL AND expires_at > ?`, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk embeddings: %w", err)
	}
	defer rows.Close()

	var out []core.EmbeddedRecord
	for rows.Next() {
		var (
			id, conv, agent, chunkType string
			blob                       []byte
		)
		if err := rows.Scan(&id, &conv, &agent, &chunkType, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan chunk embedding: %w", err)
		}
		vec, err := deserializeVector(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, core.EmbeddedRecord{
			ID:        id,
			Scope:     core.Scope{AgentID: agent, ConversationID: conv, Kind: core.KindChunk},
			Embedding: vec,
			Metadata:  map[string]string{"chunk_type": chunkType},
		})
	}
	return out, rows.Err()
}

func insertChunk(ctx context.Context, ex execer, c *core.WorkingMemoryChunk) error {
	if !c.ChunkType.Valid() {
		return fmt.Errorf("invalid chunk type %q", c.ChunkType)
	}
	sources, err := json.Marshal(c.SourceMessageIDs)
	if err != nil {
		return fmt.Errorf("failed to encode source ids: %w", err)
	}
	if c.SourceMessageIDs == nil {
		sources = []byte("[]")
	}
	blob, err := serializeVector(c.Embedding)
	if err != nil {
		return err
	}

	_, err = ex.ExecContext(ctx, `INSERT INTO working_memory_chunks (`+chunkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ConversationID, c.AgentID, c.OwnerID, c.ChunkText, c.ChunkIndex, string(sources),
		c.ImportanceScore, string(c.ChunkType), blob, toMillis(c.CreatedAt), toMillis(c.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to insert chunk %d: %w", c.ChunkIndex, err)
	}
	return nil
}

func scanChunk(row rowScanner) (*core.WorkingMemoryChunk, error) {
	var (
		c                    core.WorkingMemoryChunk
		sources, chunkType   string
		blob                 []byte
		createdAt, expiresAt int64
	)
	err := row.Scan(&c.ID, &c.ConversationID, &c.AgentID, &c.OwnerID, &c.ChunkText, &c.ChunkIndex,
		&sources, &c.ImportanceScore, &chunkType, &blob, &createdAt, &expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan chunk: %w", err)
	}

	if sources != "" {
		if err := json.Unmarshal([]byte(sources), &c.SourceMessageIDs); err != nil {
			return nil, fmt.Errorf("failed to decode source ids: %w", err)
		}
	}
	if c.Embedding, err = deserializeVector(blob); err != nil {
		return nil, err
	}
	c.ChunkType = core.ChunkType(chunkType)
	c.CreatedAt = fromMillis(createdAt)
	c.ExpiresAt = fromMillis(expiresAt)
	return &c, nil
}
