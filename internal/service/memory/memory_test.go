package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sandevgo/tuskmem/internal/config"
	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/internal/metrics"
	"github.com/sandevgo/tuskmem/internal/storage/sqlite"
	"github.com/sandevgo/tuskmem/internal/storage/vector"
	"github.com/sandevgo/tuskmem/pkg/retry"
	"github.com/sandevgo/tuskmem/pkg/tokens"
	"github.com/stretchr/testify/require"
)

// tableEmbedder returns fixed vectors per text and a default for the rest.
type tableEmbedder struct {
	dims    int
	vectors map[string][]float32
	err     error
}

func (e *tableEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	v := make([]float32, e.dims)
	v[e.dims-1] = 1
	return v, nil
}

func (e *tableEmbedder) Dimensions() int { return e.dims }

type memEnv struct {
	cfg     *config.MemoryConfig
	turns   *sqlite.TurnsRepo
	boards  *sqlite.BoardRepo
	chunks  *sqlite.ChunkRepo
	index   *vector.Index
	emb     *tableEmbedder
	working *Working
}

func newMemEnv(t *testing.T) *memEnv {
	t.Helper()
	db, err := sqlite.NewDB(context.Background(), filepath.Join(t.TempDir(), "mem.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.DefaultMemoryConfig()
	e := &memEnv{
		cfg:    cfg,
		turns:  sqlite.NewTurnsRepo(db),
		boards: sqlite.NewBoardRepo(db),
		chunks: sqlite.NewChunkRepo(db),
		index:  vector.New(2),
		emb:    &tableEmbedder{dims: 2, vectors: map[string][]float32{}},
	}
	chunker := NewChunker(ChunkerConfig{MaxTokens: cfg.ChunkMaxTokens, CompletionMarkers: cfg.CompletionMarkers}, tokens.Estimator{}, nil)
	e.working = NewWorking(cfg, e.boards, e.chunks, e.index, e.emb, chunker, metrics.NewCollector())
	e.working.retrier = retry.NewRetrier(&retry.Config{MaxRetries: 1, BackoffFactor: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})
	return e
}

// commitBoard writes board content and chunks the way a summarizer cycle does.
func (e *memEnv) commitBoard(t *testing.T, b core.SummaryBoard, chunks ...core.WorkingMemoryChunk) {
	t.Helper()
	ctx := context.Background()
	_, err := e.boards.EnsureBoard(ctx, b.ConversationID, b.AgentID, b.OwnerID, 5)
	require.NoError(t, err)
	held, err := e.boards.TryAcquire(ctx, b.ConversationID, "test", time.Now(), time.Minute)
	require.NoError(t, err)

	b.Version = held.Version
	b.LockToken = "test"
	b.CycleCount = held.CycleCount + 1
	b.LastUpdated = time.Now()
	require.NoError(t, e.boards.CommitCycle(ctx, core.CycleCommit{Board: &b, Chunks: chunks}))
}

// failingBoards simulates an unreachable store.
type failingBoards struct{}

func (failingBoards) GetBoard(context.Context, string) (*core.SummaryBoard, error) {
	return nil, errors.New("database is locked")
}

type failingHistory struct{}

func (failingHistory) RecentTurns(context.Context, string, int) ([]core.Turn, error) {
	return nil, errors.New("database is locked")
}
