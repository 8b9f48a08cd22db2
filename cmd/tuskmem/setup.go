package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/sandevgo/tuskmem/internal/config"
	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/internal/metrics"
	"github.com/sandevgo/tuskmem/internal/providers/embedding"
	"github.com/sandevgo/tuskmem/internal/providers/llm"
	"github.com/sandevgo/tuskmem/internal/service/memory"
	"github.com/sandevgo/tuskmem/internal/service/recall"
	"github.com/sandevgo/tuskmem/internal/service/summarizer"
	"github.com/sandevgo/tuskmem/internal/service/trigger"
	"github.com/sandevgo/tuskmem/internal/storage/sqlite"
	"github.com/sandevgo/tuskmem/internal/storage/vector"
	"github.com/sandevgo/tuskmem/internal/transport/queue"
	"github.com/sandevgo/tuskmem/pkg/log"
	"github.com/sandevgo/tuskmem/pkg/srv"
	"github.com/sandevgo/tuskmem/pkg/tokens"
)

// App holds the components shared by every command. Commands add the
// summarizer and dispatcher only when they need them.
type App struct {
	Cfg       *config.AppConfig
	Mem       *config.MemoryConfig
	Embedding *config.EmbeddingConfig
	LLM       *config.LLMConfig
	Queue     *config.QueueConfig

	DB        *sql.DB
	Turns     *sqlite.TurnsRepo
	Boards    *sqlite.BoardRepo
	Summaries *sqlite.SummaryRepo
	Chunks    *sqlite.ChunkRepo

	Index     *vector.Index
	Embedder  core.Embedder
	Counter   tokens.Counter
	Metrics   *metrics.Collector
	Chunker   *memory.Chunker
	Working   *memory.Working
	Recall    *recall.Service
	Assembler *memory.Assembler

	closers []func() error
}

func NewApp(ctx context.Context) (*App, error) {
	if err := initEnv(ctx, config.RuntimeDir()); err != nil {
		return nil, fmt.Errorf("failed to init env: %w", err)
	}

	// 1. Configuration
	a := &App{
		Cfg:       config.NewAppConfig(ctx),
		Mem:       config.NewMemoryConfig(ctx),
		Embedding: config.NewEmbeddingConfig(ctx),
		LLM:       config.NewLLMConfig(ctx),
		Queue:     config.NewQueueConfig(ctx),
		Metrics:   metrics.NewCollector(),
	}

	// 2. Storage
	if err := config.EnsureRuntimeDir(a.Cfg.GetRuntimePath()); err != nil {
		return nil, fmt.Errorf("failed to create runtime dir: %w", err)
	}
	db, err := sqlite.NewDB(ctx, a.Cfg.GetDatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)
	a.Turns = sqlite.NewTurnsRepo(db)
	a.Boards = sqlite.NewBoardRepo(db)
	a.Summaries = sqlite.NewSummaryRepo(db)
	a.Chunks = sqlite.NewChunkRepo(db)

	// 3. Embeddings
	a.Embedder, err = embedding.NewEmbedder(ctx, a.Embedding)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	if c, ok := a.Embedder.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	// 4. Vector index
	if err := a.initIndex(ctx); err != nil {
		a.Close()
		return nil, err
	}

	// 5. Memory
	a.Counter = tokens.New(a.Mem.TokenEncoding)
	a.Chunker = memory.NewChunker(memory.ChunkerConfig{
		MaxTokens:          a.Mem.ChunkMaxTokens,
		TopicShiftDistance: a.Mem.TopicShiftDistance,
		CompletionMarkers:  a.Mem.CompletionMarkers,
	}, a.Counter, a.Embedder)
	a.Working = memory.NewWorking(a.Mem, a.Boards, a.Chunks, a.Index, a.Embedder, a.Chunker, a.Metrics)
	a.Recall = recall.New(a.Mem, a.Working, a.Summaries, a.Index, a.Embedder)
	a.Assembler = memory.NewAssembler(
		a.Mem,
		memory.NewSysPrompt(a.Cfg),
		a.Working,
		a.Turns,
		a.Recall,
		a.Counter,
		a.Metrics,
	)

	return a, nil
}

// initIndex opens the vector index and rebuilds it from stored embeddings
// unless it is persisted on disk.
func (a *App) initIndex(ctx context.Context) error {
	dims := a.Embedder.Dimensions()
	if !a.Cfg.PersistVectors {
		a.Index = vector.New(dims)
		return a.reindex(ctx)
	}

	idx, err := vector.NewPersistent(a.Cfg.GetVectorPath(), dims)
	if err != nil {
		return fmt.Errorf("failed to open vector index: %w", err)
	}
	a.Index = idx
	return nil
}

func (a *App) reindex(ctx context.Context) error {
	chunks := func(ctx context.Context) ([]core.EmbeddedRecord, error) {
		return a.Chunks.Embeddings(ctx, time.Now())
	}
	if _, _, err := vector.Reindex(ctx, a.Index, chunks, a.Summaries.Embeddings); err != nil {
		return fmt.Errorf("failed to rebuild vector index: %w", err)
	}
	return nil
}

// NewSummarizer connects the model provider.
func (a *App) NewSummarizer(ctx context.Context) (*summarizer.Summarizer, error) {
	ai, err := llm.NewProvider(ctx, a.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM provider: %w", err)
	}
	stores := summarizer.Stores{
		Turns:     a.Turns,
		Boards:    a.Boards,
		Summaries: a.Summaries,
		Chunks:    a.Chunks,
	}
	return summarizer.New(a.Mem, stores, a.Working, a.Chunker, ai, a.Embedder, a.Index, a.Counter, a.Metrics), nil
}

// NewDispatcher returns the configured queue. The channel driver only works
// inside one process, so one-shot commands pass handler to run cycles inline.
func (a *App) NewDispatcher(ctx context.Context, inline core.EventHandler) (core.Dispatcher, error) {
	switch a.Queue.Driver {
	case "channel":
		if inline != nil {
			return queue.NewInline(inline), nil
		}
		d := queue.NewChannel(a.Queue.Partitions, a.Queue.BufferSize)
		a.closers = append(a.closers, d.Close)
		return d, nil
	case "redis":
		client, err := queue.NewRedisClient(ctx, a.Queue)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		return queue.NewRedis(ctx, client, a.Queue)
	default:
		return nil, fmt.Errorf("unknown queue driver: %s", a.Queue.Driver)
	}
}

func (a *App) NewTrigger(d core.Dispatcher) *trigger.Trigger {
	return trigger.New(a.Turns, a.Boards, d, a.Metrics, a.Mem.UpdateFrequency)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewServices wires the long-running process: summarizer workers, chunk
// cleanup and the optional metrics endpoint.
func NewServices(ctx context.Context) []srv.Service {
	logger := log.FromCtx(ctx)
	services := make([]srv.Service, 0)

	app, err := NewApp(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize")
	}
	services = append(services, srv.NewCleanup(app.Close))

	sum, err := app.NewSummarizer(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize summarizer")
	}
	dispatcher, err := app.NewDispatcher(ctx, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize dispatcher")
	}

	services = append(services, summarizer.NewWorker(sum, dispatcher))
	services = append(services, memory.NewCleanupService(app.Working, app.Cfg.CleanupSchedule))

	if app.Cfg.MetricsAddr != "" {
		services = append(services, metrics.NewServer(app.Cfg.MetricsAddr, app.Metrics))
	}
	return services
}

func initEnv(ctx context.Context, runtimePath string) error {
	logger := log.FromCtx(ctx)
	envFile := filepath.Join(runtimePath, ".env")

	if _, err := os.Stat(envFile); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := godotenv.Load(envFile); err != nil {
		logger.Warn().Err(err).Str("path", envFile).Msg("failed to load .env file")
		return err
	}

	logger.Debug().Str("path", envFile).Msg("loaded .env file")
	return nil
}
