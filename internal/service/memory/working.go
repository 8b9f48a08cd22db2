package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sandevgo/tuskmem/internal/config"
	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/internal/metrics"
	"github.com/sandevgo/tuskmem/pkg/log"
	"github.com/sandevgo/tuskmem/pkg/retry"
)

// searchOverfetch compensates for hits whose rows expired since indexing.
const searchOverfetch = 3

// Working owns Tier 1 reads and the chunk side of working memory.
type Working struct {
	cfg      *config.MemoryConfig
	boards   BoardReader
	chunks   ChunkStore
	index    core.VectorIndex
	embedder core.Embedder
	chunker  *Chunker
	metrics  *metrics.Collector
	retrier  *retry.Retrier
	now      func() time.Time
}

func NewWorking(
	cfg *config.MemoryConfig,
	boards BoardReader,
	chunks ChunkStore,
	index core.VectorIndex,
	embedder core.Embedder,
	chunker *Chunker,
	m *metrics.Collector,
) *Working {
	return &Working{
		cfg:      cfg,
		boards:   boards,
		chunks:   chunks,
		index:    index,
		embedder: embedder,
		chunker:  chunker,
		metrics:  m,
		retrier:  retry.NewDefaultRetrier(),
		now:      time.Now,
	}
}

// GetWorkingContext returns the committed board. A conversation without a
// board yields the empty context, never ErrNotFound.
func (w *Working) GetWorkingContext(ctx context.Context, conversationID, agentID string) (core.WorkingContext, error) {
	board, err := w.boards.GetBoard(ctx, conversationID)
	if errors.Is(err, core.ErrNotFound) {
		return core.EmptyWorkingContext(conversationID), nil
	}
	if err != nil {
		return core.EmptyWorkingContext(conversationID), fmt.Errorf("failed to read working memory: %w", err)
	}
	if agentID != "" && board.AgentID != "" && board.AgentID != agentID {
		return core.EmptyWorkingContext(conversationID), nil
	}
	return core.NewWorkingContext(board), nil
}

// UpdateWorkingMemory turns freshly folded turns into embedded chunks. Chunk
// indexes start at startIndex. Nothing is persisted here; the rows travel in
// the summarizer's commit.
func (w *Working) UpdateWorkingMemory(ctx context.Context, conv Conversation, newTurns []core.Turn, startIndex int) ([]core.WorkingMemoryChunk, error) {
	segments := w.chunker.Split(ctx, newTurns)
	if len(segments) == 0 {
		return nil, nil
	}

	now := w.now().UTC()
	out := make([]core.WorkingMemoryChunk, 0, len(segments))
	for i, seg := range segments {
		text := seg.Text()
		if text == "" {
			continue
		}
		emb, err := w.embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed chunk: %w", err)
		}
		out = append(out, core.WorkingMemoryChunk{
			ID:               uuid.NewString(),
			ConversationID:   conv.ID,
			AgentID:          conv.AgentID,
			OwnerID:          conv.OwnerID,
			ChunkText:        text,
			ChunkIndex:       startIndex + len(out),
			SourceMessageIDs: seg.MessageIDs(),
			ImportanceScore:  Importance(seg.Turns, i, len(segments)),
			ChunkType:        Classify(seg.Turns),
			Embedding:        emb,
			CreatedAt:        now,
			ExpiresAt:        now.Add(w.cfg.ChunkTTL),
		})
	}
	return out, nil
}

// IndexChunks adds committed chunks to the vector index. Failures are only
// logged; a restart rebuilds the index from the stored vectors.
func (w *Working) IndexChunks(ctx context.Context, chunks []core.WorkingMemoryChunk) {
	for _, c := range chunks {
		scope := core.Scope{AgentID: c.AgentID, ConversationID: c.ConversationID, Kind: core.KindChunk}
		md := map[string]string{"chunk_type": string(c.ChunkType)}
		if err := w.index.Index(ctx, c.ID, c.Embedding, scope, md); err != nil {
			log.FromCtx(ctx).Warn().Err(err).Str("chunk_id", c.ID).Msg("failed to index chunk")
		}
	}
}

// SearchWorkingMemory ranks the agent's live chunks against query. Embedding
// or index failures degrade to an empty result.
func (w *Working) SearchWorkingMemory(ctx context.Context, agentID, query string, limit int) ([]core.ChunkMatch, error) {
	logger := log.FromCtx(ctx)
	if limit <= 0 {
		limit = w.cfg.SearchLimit
	}

	vec, err := w.embedder.Embed(ctx, query)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to embed working memory query")
		return nil, nil
	}

	hits, err := w.index.Search(ctx, vec,
		core.Scope{AgentID: agentID, Kind: core.KindChunk},
		limit*searchOverfetch, float32(w.cfg.SimilarityFloor))
	if err != nil {
		logger.Warn().Err(err).Msg("working memory search failed")
		return nil, nil
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	rows, err := w.chunks.GetChunks(ctx, ids)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load matched chunks")
		return nil, nil
	}
	byID := make(map[string]core.WorkingMemoryChunk, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}

	now := w.now()
	matches := make([]core.ChunkMatch, 0, limit)
	for _, h := range hits {
		chunk, ok := byID[h.ID]
		if !ok || chunk.Expired(now) {
			continue
		}
		matches = append(matches, core.ChunkMatch{Chunk: chunk, Similarity: h.Similarity})
		if len(matches) == limit {
			break
		}
	}
	return matches, nil
}

// Cleanup deletes expired chunks and drops their vectors.
func (w *Working) Cleanup(ctx context.Context) (int, error) {
	expired, err := w.chunks.DeleteExpired(ctx, w.now())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired chunks: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	byAgent := make(map[string][]string)
	for _, e := range expired {
		byAgent[e.AgentID] = append(byAgent[e.AgentID], e.ID)
	}
	for agentID, ids := range byAgent {
		if err := w.index.Delete(ctx, agentID, ids...); err != nil {
			log.FromCtx(ctx).Warn().Err(err).Str("agent_id", agentID).Msg("failed to drop expired vectors")
		}
	}

	w.metrics.ChunksExpired(len(expired))
	return len(expired), nil
}

func (w *Working) embed(ctx context.Context, text string) ([]float32, error) {
	return retry.Value(ctx, w.retrier, func() ([]float32, error) {
		v, err := w.embedder.Embed(ctx, text)
		if errors.Is(err, core.ErrDimensionMismatch) {
			return nil, retry.Permanent(err)
		}
		return v, err
	})
}
