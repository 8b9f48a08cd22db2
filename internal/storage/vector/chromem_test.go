package vector

import (
	"context"
	"testing"

	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunkScope(agent, conv string) core.Scope {
	return core.Scope{AgentID: agent, ConversationID: conv, Kind: core.KindChunk}
}

func TestIndex_SearchOrderingAndFloor(t *testing.T) {
	ctx := context.Background()
	idx := New(3)

	require.NoError(t, idx.Index(ctx, "exact", []float32{1, 0, 0}, chunkScope("a", "c1"), nil))
	require.NoError(t, idx.Index(ctx, "close", []float32{0.9, 0.3, 0}, chunkScope("a", "c1"), nil))
	require.NoError(t, idx.Index(ctx, "far", []float32{0, 1, 0}, chunkScope("a", "c1"), map[string]string{"chunk_type": "fact"}))

	hits, err := idx.Search(ctx, []float32{1, 0, 0}, core.Scope{AgentID: "a"}, 10, 0.7)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "exact", hits[0].ID)
	assert.Equal(t, "close", hits[1].ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-5)
	assert.Equal(t, "c1", hits[0].ConversationID)
	assert.Equal(t, core.KindChunk, hits[0].Kind)

	top, err := idx.Search(ctx, []float32{1, 0, 0}, core.Scope{AgentID: "a"}, 1, 0)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "exact", top[0].ID)
}

func TestIndex_ScopeIsolation(t *testing.T) {
	ctx := context.Background()
	idx := New(2)

	require.NoError(t, idx.Index(ctx, "a-c1", []float32{1, 0}, chunkScope("a", "c1"), nil))
	require.NoError(t, idx.Index(ctx, "a-c2", []float32{1, 0}, chunkScope("a", "c2"), nil))
	require.NoError(t, idx.Index(ctx, "a-sum", []float32{1, 0},
		core.Scope{AgentID: "a", ConversationID: "c1", Kind: core.KindSummary}, nil))
	require.NoError(t, idx.Index(ctx, "b-c1", []float32{1, 0}, chunkScope("b", "c1"), nil))

	tests := []struct {
		name  string
		scope core.Scope
		want  []string
	}{
		{"agent", core.Scope{AgentID: "a"}, []string{"a-c1", "a-c2", "a-sum"}},
		{"conversation", core.Scope{AgentID: "a", ConversationID: "c1"}, []string{"a-c1", "a-sum"}},
		{"kind", core.Scope{AgentID: "a", Kind: core.KindChunk}, []string{"a-c1", "a-c2"}},
		{"other agent", core.Scope{AgentID: "b"}, []string{"b-c1"}},
		{"unknown agent", core.Scope{AgentID: "z"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits, err := idx.Search(ctx, []float32{1, 0}, tt.scope, 10, 0)
			require.NoError(t, err)
			var ids []string
			for _, h := range hits {
				ids = append(ids, h.ID)
			}
			assert.ElementsMatch(t, tt.want, ids)
		})
	}
}

func TestIndex_RejectsBadVectors(t *testing.T) {
	ctx := context.Background()
	idx := New(3)

	err := idx.Index(ctx, "short", []float32{1, 0}, chunkScope("a", "c"), nil)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)

	err = idx.Index(ctx, "zero", []float32{0, 0, 0}, chunkScope("a", "c"), nil)
	assert.ErrorIs(t, err, core.ErrEmptyEmbedding)

	_, err = idx.Search(ctx, []float32{1, 0, 0, 0}, core.Scope{AgentID: "a"}, 3, 0)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)

	err = idx.Index(ctx, "no-agent", []float32{1, 0, 0}, core.Scope{}, nil)
	assert.Error(t, err)

	assert.Zero(t, idx.Count("a"))
}

func TestIndex_Delete(t *testing.T) {
	ctx := context.Background()
	idx := New(2)

	require.NoError(t, idx.Index(ctx, "x", []float32{1, 0}, chunkScope("a", "c"), nil))
	require.NoError(t, idx.Index(ctx, "y", []float32{0, 1}, chunkScope("a", "c"), nil))
	require.NoError(t, idx.Delete(ctx, "a", "x"))
	require.NoError(t, idx.Delete(ctx, "missing-agent", "x"))
	require.NoError(t, idx.Delete(ctx, "a"))

	assert.Equal(t, 1, idx.Count("a"))
	hits, err := idx.Search(ctx, []float32{1, 0}, core.Scope{AgentID: "a"}, 5, -1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "y", hits[0].ID)
}

func TestIndex_PersistentReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	idx, err := NewPersistent(dir, 2)
	require.NoError(t, err)
	require.NoError(t, idx.Index(ctx, "kept", []float32{0, 1}, chunkScope("a", "c"), nil))

	reopened, err := NewPersistent(dir, 2)
	require.NoError(t, err)
	hits, err := reopened.Search(ctx, []float32{0, 1}, core.Scope{AgentID: "a"}, 1, 0.9)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "kept", hits[0].ID)
}

func TestReindex(t *testing.T) {
	ctx := context.Background()
	idx := New(2)

	summaries := func(context.Context) ([]core.EmbeddedRecord, error) {
		return []core.EmbeddedRecord{
			{ID: "s1", Scope: core.Scope{AgentID: "a", ConversationID: "c", Kind: core.KindSummary}, Embedding: []float32{1, 0}},
			{ID: "bad", Scope: core.Scope{AgentID: "a", Kind: core.KindSummary}, Embedding: []float32{1, 0, 0}},
		}, nil
	}
	chunks := func(context.Context) ([]core.EmbeddedRecord, error) {
		return []core.EmbeddedRecord{
			{ID: "k1", Scope: chunkScope("a", "c"), Embedding: []float32{0, 1}},
		}, nil
	}

	indexed, skipped, err := Reindex(ctx, idx, summaries, chunks)
	require.NoError(t, err)
	assert.Equal(t, 2, indexed)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, 2, idx.Count("a"))
}
