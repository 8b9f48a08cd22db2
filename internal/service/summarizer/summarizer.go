package summarizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sandevgo/tuskmem/internal/config"
	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/internal/metrics"
	"github.com/sandevgo/tuskmem/internal/service/memory"
	"github.com/sandevgo/tuskmem/pkg/log"
	"github.com/sandevgo/tuskmem/pkg/retry"
	"github.com/sandevgo/tuskmem/pkg/tokens"
	"golang.org/x/sync/errgroup"
)

const (
	modeIncremental = "incremental"
	modeFull        = "full"
)

// Stores groups the repositories a cycle reads and writes.
type Stores struct {
	Turns     core.TurnRepository
	Boards    core.BoardRepository
	Summaries core.SummaryRepository
	Chunks    core.ChunkRepository
}

// Summarizer runs summarization cycles. A cycle holds the conversation's
// board lease from acquire to commit; an event that finds the lease taken
// is dropped and the backlog waits for the next trigger.
type Summarizer struct {
	cfg      *config.MemoryConfig
	stores   Stores
	working  *memory.Working
	chunker  *memory.Chunker
	ai       core.AIProvider
	embedder core.Embedder
	index    core.VectorIndex
	counter  tokens.Counter
	metrics  *metrics.Collector
	retrier  *retry.Retrier
	now      func() time.Time
}

func New(
	cfg *config.MemoryConfig,
	stores Stores,
	working *memory.Working,
	chunker *memory.Chunker,
	ai core.AIProvider,
	embedder core.Embedder,
	index core.VectorIndex,
	counter tokens.Counter,
	m *metrics.Collector,
) *Summarizer {
	return &Summarizer{
		cfg:      cfg,
		stores:   stores,
		working:  working,
		chunker:  chunker,
		ai:       ai,
		embedder: embedder,
		index:    index,
		counter:  counter,
		metrics:  m,
		retrier:  retry.NewDefaultRetrier(),
		now:      time.Now,
	}
}

// HandleEvent is the dispatcher handler. Lock rejections are expected and
// are not reported as errors.
func (s *Summarizer) HandleEvent(ctx context.Context, event core.SummarizeEvent) error {
	outcome, err := s.RunCycle(ctx, event)
	if outcome == metrics.OutcomeLockHeld {
		log.FromCtx(ctx).Info().Msg("summary board busy, event dropped")
	}
	return err
}

// RunCycle executes one cycle and reports how it ended.
func (s *Summarizer) RunCycle(ctx context.Context, event core.SummarizeEvent) (string, error) {
	ctx = log.WithConversation(ctx, event.ConversationID, event.AgentID)
	logger := log.FromCtx(ctx)

	mode := modeIncremental
	if event.Full {
		mode = modeFull
	}
	started := s.now()

	token := uuid.NewString()
	board, err := s.acquire(ctx, event, token)
	if errors.Is(err, core.ErrLockHeld) {
		s.metrics.Cycle(mode, metrics.OutcomeLockHeld, 0)
		return metrics.OutcomeLockHeld, nil
	}
	if err != nil {
		s.metrics.Cycle(mode, metrics.OutcomeFailed, 0)
		return metrics.OutcomeFailed, err
	}

	commit, err := s.prepare(ctx, board, mode)
	if err != nil || commit == nil {
		s.release(ctx, event.ConversationID, token)
		if err != nil {
			s.metrics.Cycle(mode, metrics.OutcomeFailed, 0)
			return metrics.OutcomeFailed, err
		}
		s.metrics.Cycle(mode, metrics.OutcomeEmpty, 0)
		return metrics.OutcomeEmpty, nil
	}

	if err := s.commit(ctx, commit, token); err != nil {
		s.release(ctx, event.ConversationID, token)
		if errors.Is(err, core.ErrConflict) {
			logger.Warn().Msg("summary board changed during the cycle, abandoning")
			s.metrics.Cycle(mode, metrics.OutcomeConflict, 0)
			return metrics.OutcomeConflict, nil
		}
		s.metrics.Cycle(mode, metrics.OutcomeFailed, 0)
		return metrics.OutcomeFailed, err
	}

	s.working.IndexChunks(ctx, commit.Chunks)
	if a := commit.Archive; a != nil {
		scope := core.Scope{AgentID: a.AgentID, ConversationID: a.ConversationID, Kind: core.KindSummary}
		if err := s.index.Index(ctx, a.ID, a.Embedding, scope, map[string]string{"summary_kind": string(a.Kind)}); err != nil {
			logger.Warn().Err(err).Str("summary_id", a.ID).Msg("failed to index summary")
		}
	}

	took := s.now().Sub(started)
	s.metrics.Cycle(mode, metrics.OutcomeCommitted, took)
	logger.Info().
		Str("mode", mode).
		Int("message_count", commit.Board.MessageCount).
		Int("chunks", len(commit.Chunks)).
		Bool("archived", commit.Archive != nil).
		Dur("took", took).
		Msg("summary board updated")
	return metrics.OutcomeCommitted, nil
}

// acquire takes the lease, creating the board first when the conversation
// has never been seen.
func (s *Summarizer) acquire(ctx context.Context, event core.SummarizeEvent, token string) (*core.SummaryBoard, error) {
	board, err := s.stores.Boards.TryAcquire(ctx, event.ConversationID, token, s.now(), s.cfg.LockTimeout)
	if !errors.Is(err, core.ErrNotFound) {
		return board, err
	}
	if _, err := s.stores.Boards.EnsureBoard(ctx, event.ConversationID, event.AgentID, event.OwnerID, s.cfg.UpdateFrequency); err != nil {
		return nil, fmt.Errorf("failed to create summary board: %w", err)
	}
	return s.stores.Boards.TryAcquire(ctx, event.ConversationID, token, s.now(), s.cfg.LockTimeout)
}

// release runs even when ctx is already cancelled so a shutdown does not
// leave the lease to expire on its own.
func (s *Summarizer) release(ctx context.Context, conversationID, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.stores.Boards.Release(ctx, conversationID, token); err != nil {
		log.FromCtx(ctx).Warn().Err(err).Msg("failed to release summary board")
	}
}

// commit writes the cycle. On a conflict the board is re-read and the write
// retried once if the lease is still ours.
func (s *Summarizer) commit(ctx context.Context, commit *core.CycleCommit, token string) error {
	err := s.stores.Boards.CommitCycle(ctx, *commit)
	if !errors.Is(err, core.ErrConflict) {
		return err
	}

	current, gerr := s.stores.Boards.GetBoard(ctx, commit.Board.ConversationID)
	if gerr != nil {
		return fmt.Errorf("failed to re-read board after conflict: %w", gerr)
	}
	if !current.InProgress || current.LockToken != token {
		return core.ErrConflict
	}
	commit.Board.Version = current.Version
	return s.stores.Boards.CommitCycle(ctx, *commit)
}

// prepare does all model and embedding work before anything is written. A
// nil commit means there was nothing to fold in.
func (s *Summarizer) prepare(ctx context.Context, board *core.SummaryBoard, mode string) (*core.CycleCommit, error) {
	var (
		next     *core.SummaryBoard
		newTurns []core.Turn
		first    time.Time
		last     time.Time
		err      error
	)

	switch mode {
	case modeFull:
		var all []core.Turn
		all, err = s.allTurns(ctx, board.ConversationID)
		if err != nil {
			return nil, err
		}
		if len(all) == 0 {
			return nil, nil
		}
		next, err = s.summarizeFull(ctx, board, all)
		if err != nil {
			return nil, err
		}
		first, last = all[0].CreatedAt, all[len(all)-1].CreatedAt
		for i, t := range all {
			if t.Index > board.MessageCount {
				newTurns = all[i:]
				break
			}
		}
		next.MessageCount = all[len(all)-1].Index

	default:
		newTurns, err = s.stores.Turns.TurnsAfter(ctx, board.ConversationID, board.MessageCount, s.cfg.MaxBatchTurns)
		if err != nil {
			return nil, fmt.Errorf("failed to load backlog: %w", err)
		}
		if len(newTurns) == 0 {
			return nil, nil
		}
		next, err = s.summarizeIncremental(ctx, board, newTurns)
		if err != nil {
			return nil, err
		}
		next.MessageCount = newTurns[len(newTurns)-1].Index
		last = newTurns[len(newTurns)-1].CreatedAt
	}

	now := s.now().UTC()
	next.CurrentSummary = clampSummary(s.counter, next.CurrentSummary, s.cfg.SummaryTokenCeiling)
	next.CycleCount = board.CycleCount + 1
	next.LastUpdated = now

	commit := &core.CycleCommit{Board: next}

	if len(newTurns) > 0 {
		start, err := s.stores.Chunks.MaxChunkIndex(ctx, board.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("failed to read chunk index: %w", err)
		}
		conv := memory.Conversation{ID: board.ConversationID, AgentID: board.AgentID, OwnerID: board.OwnerID}
		commit.Chunks, err = s.working.UpdateWorkingMemory(ctx, conv, newTurns, start+1)
		if err != nil {
			return nil, err
		}
	}

	if mode == modeFull || (s.cfg.ArchiveEvery > 0 && next.CycleCount%s.cfg.ArchiveEvery == 0) {
		commit.Archive, err = s.archive(ctx, board, next, mode, first, last)
		if err != nil {
			return nil, err
		}
	}
	return commit, nil
}

func (s *Summarizer) summarizeIncremental(ctx context.Context, board *core.SummaryBoard, turns []core.Turn) (*core.SummaryBoard, error) {
	prompt := buildIncrementalPrompt(board, memory.FormatTurns(turns), s.cfg.SummaryTokenCeiling)
	r, err := s.ask(ctx, prompt)
	if err != nil {
		return nil, err
	}
	if r == nil {
		fb := plainSummary(board.CurrentSummary, turns)
		r = &fb
	}
	return mergeIncremental(board, *r), nil
}

func (s *Summarizer) summarizeFull(ctx context.Context, board *core.SummaryBoard, turns []core.Turn) (*core.SummaryBoard, error) {
	segments := s.chunker.Split(ctx, turns)
	partials := make([]result, len(segments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.ChunkParallelism, 1))
	for i, seg := range segments {
		g.Go(func() error {
			prompt := buildChunkPrompt(seg.Text(), i+1, len(segments), s.cfg.SummaryTokenCeiling)
			r, err := s.ask(gctx, prompt)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i+1, err)
			}
			if r == nil {
				fb := plainSummary("", seg.Turns)
				r = &fb
			}
			partials[i] = *r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(partials) == 1 {
		return replaceBoard(board, partials[0]), nil
	}

	r, err := s.ask(ctx, buildCombinePrompt(partials, s.cfg.SummaryTokenCeiling))
	if err != nil {
		return nil, err
	}
	if r == nil {
		fb := combineFallback(partials)
		r = &fb
	}
	return replaceBoard(board, *r), nil
}

// ask calls the model. A reply that cannot be parsed yields a nil result and
// no error so the caller can fall back to plain text.
func (s *Summarizer) ask(ctx context.Context, prompt string) (*result, error) {
	resp, err := s.ai.Chat(ctx, []core.Message{
		{Role: core.RoleSystem, Content: systemPrompt},
		{Role: core.RoleUser, Content: prompt},
	})
	if err != nil {
		return nil, fmt.Errorf("summarization call failed: %w", err)
	}

	r, err := parseResult(resp.Content)
	if err != nil {
		log.FromCtx(ctx).Warn().Err(err).Msg("malformed summary output, using plain text")
		s.metrics.FallbackSummary()
		return nil, nil
	}
	return &r, nil
}

func (s *Summarizer) archive(
	ctx context.Context,
	prev, next *core.SummaryBoard,
	mode string,
	first, last time.Time,
) (*core.ConversationSummary, error) {
	rangeStart := 1
	kind := core.SummaryFull
	if mode == modeIncremental {
		kind = core.SummaryIncremental
		latest, err := s.stores.Summaries.LatestSummary(ctx, prev.ConversationID)
		switch {
		case err == nil:
			rangeStart = latest.RangeEnd + 1
		case !errors.Is(err, core.ErrNotFound):
			return nil, fmt.Errorf("failed to read latest summary: %w", err)
		}
	}

	if first.IsZero() {
		head, err := s.stores.Turns.TurnsAfter(ctx, prev.ConversationID, 0, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to read first turn: %w", err)
		}
		if len(head) > 0 {
			first = head[0].CreatedAt
		}
	}
	emb, err := s.embed(ctx, next.CurrentSummary)
	if err != nil {
		return nil, fmt.Errorf("failed to embed summary: %w", err)
	}

	return &core.ConversationSummary{
		ID:                uuid.NewString(),
		ConversationID:    prev.ConversationID,
		AgentID:           prev.AgentID,
		OwnerID:           prev.OwnerID,
		Kind:              kind,
		SummaryText:       next.CurrentSummary,
		KeyFacts:          next.KeyFacts,
		Entities:          next.Entities,
		Topics:            next.Topics,
		MessageCount:      next.MessageCount,
		RangeStart:        min(rangeStart, next.MessageCount),
		RangeEnd:          next.MessageCount,
		ConversationStart: first,
		ConversationEnd:   last,
		Embedding:         emb,
		CreatedAt:         next.LastUpdated,
	}, nil
}

func (s *Summarizer) embed(ctx context.Context, text string) ([]float32, error) {
	return retry.Value(ctx, s.retrier, func() ([]float32, error) {
		v, err := s.embedder.Embed(ctx, text)
		if errors.Is(err, core.ErrDimensionMismatch) {
			return nil, retry.Permanent(err)
		}
		return v, err
	})
}

func (s *Summarizer) allTurns(ctx context.Context, conversationID string) ([]core.Turn, error) {
	page := max(s.cfg.MaxBatchTurns, 1)
	var all []core.Turn
	after := 0
	for {
		turns, err := s.stores.Turns.TurnsAfter(ctx, conversationID, after, page)
		if err != nil {
			return nil, fmt.Errorf("failed to load history: %w", err)
		}
		all = append(all, turns...)
		if len(turns) < page {
			return all, nil
		}
		after = turns[len(turns)-1].Index
	}
}
