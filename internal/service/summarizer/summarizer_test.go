package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sandevgo/tuskmem/internal/config"
	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/internal/metrics"
	"github.com/sandevgo/tuskmem/internal/providers/embedding"
	"github.com/sandevgo/tuskmem/internal/service/memory"
	"github.com/sandevgo/tuskmem/internal/storage/sqlite"
	"github.com/sandevgo/tuskmem/internal/storage/vector"
	"github.com/sandevgo/tuskmem/pkg/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dims = 64

// fakeAI answers with reply(prompt). It records every prompt it saw.
type fakeAI struct {
	mu      sync.Mutex
	prompts []string
	reply   func(prompt string) (string, error)
}

func (f *fakeAI) Chat(_ context.Context, history []core.Message) (core.Message, error) {
	prompt := history[len(history)-1].Content
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()

	content, err := f.reply(prompt)
	if err != nil {
		return core.Message{}, err
	}
	return core.Message{Role: core.RoleAssistant, Content: content}, nil
}

func jsonReply(t *testing.T, v map[string]any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return "Here is the memory:\n```json\n" + string(b) + "\n```"
}

// userLines returns the user turns of the "New messages" section.
func userLines(prompt string) []string {
	_, section, ok := strings.Cut(prompt, "New messages:\n")
	if !ok {
		return nil
	}
	var out []string
	for _, line := range strings.Split(section, "\n") {
		if rest, ok := strings.CutPrefix(line, "USER: "); ok {
			out = append(out, rest)
		}
	}
	return out
}

type testEnv struct {
	cfg       *config.MemoryConfig
	turns     *sqlite.TurnsRepo
	boards    *sqlite.BoardRepo
	summaries *sqlite.SummaryRepo
	chunks    *sqlite.ChunkRepo
	index     *vector.Index
	working   *memory.Working
	sum       *Summarizer
}

func newTestEnv(t *testing.T, ai core.AIProvider) *testEnv {
	t.Helper()
	db, err := sqlite.NewDB(context.Background(), filepath.Join(t.TempDir(), "mem.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.DefaultMemoryConfig()
	cfg.TopicShiftDistance = 0

	e := &testEnv{
		cfg:       cfg,
		turns:     sqlite.NewTurnsRepo(db),
		boards:    sqlite.NewBoardRepo(db),
		summaries: sqlite.NewSummaryRepo(db),
		chunks:    sqlite.NewChunkRepo(db),
		index:     vector.New(dims),
	}
	embedder := embedding.NewHash(dims)
	counter := tokens.Estimator{}
	chunker := memory.NewChunker(memory.ChunkerConfig{
		MaxTokens:          cfg.ChunkMaxTokens,
		TopicShiftDistance: cfg.TopicShiftDistance,
		CompletionMarkers:  cfg.CompletionMarkers,
	}, counter, embedder)
	m := metrics.NewCollector()
	e.working = memory.NewWorking(cfg, e.boards, e.chunks, e.index, embedder, chunker, m)
	e.sum = New(cfg, Stores{
		Turns:     e.turns,
		Boards:    e.boards,
		Summaries: e.summaries,
		Chunks:    e.chunks,
	}, e.working, chunker, ai, embedder, e.index, counter, m)
	return e
}

func (e *testEnv) addTurns(t *testing.T, conv string, contents ...string) {
	t.Helper()
	for i, c := range contents {
		role := core.RoleUser
		if i%2 == 1 {
			role = core.RoleAssistant
		}
		_, err := e.turns.AppendTurn(context.Background(), core.Turn{
			ConversationID: conv,
			AgentID:        "agent",
			OwnerID:        "owner",
			Role:           role,
			Content:        c,
		})
		require.NoError(t, err)
	}
}

func (e *testEnv) board(t *testing.T, conv string) *core.SummaryBoard {
	t.Helper()
	b, err := e.boards.GetBoard(context.Background(), conv)
	require.NoError(t, err)
	return b
}

func event(conv string, full bool) core.SummarizeEvent {
	return core.SummarizeEvent{ConversationID: conv, AgentID: "agent", OwnerID: "owner", Full: full}
}

func TestRunCycle_IncrementalFoldsBacklog(t *testing.T) {
	ai := &fakeAI{reply: func(string) (string, error) {
		return jsonReply(t, map[string]any{
			"summary":           "User is planning a trip to Lisbon in May.",
			"key_facts":         []string{"User lives in Berlin", "User is vegetarian"},
			"entities":          map[string][]string{"places": {"Lisbon", "Berlin"}},
			"topics":            []string{"travel"},
			"action_items":      []string{"Book flights"},
			"pending_questions": []string{"Which hotel?"},
		}), nil
	}}
	e := newTestEnv(t, ai)
	e.addTurns(t, "c1",
		"I live in Berlin and I'm vegetarian.",
		"Noted.",
		"Please book flights to Lisbon for May.",
		"Sure, any hotel preference?",
		"Not yet.",
	)

	outcome, err := e.sum.RunCycle(context.Background(), event("c1", false))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeCommitted, outcome)

	b := e.board(t, "c1")
	assert.Equal(t, 5, b.MessageCount)
	assert.Equal(t, 1, b.CycleCount)
	assert.NotEmpty(t, b.CurrentSummary)
	assert.Equal(t, []string{"User lives in Berlin", "User is vegetarian"}, b.KeyFacts)
	assert.Equal(t, []string{"Book flights"}, b.ActionItems)
	assert.Equal(t, []string{"Which hotel?"}, b.PendingQuestions)
	assert.ElementsMatch(t, []string{"Lisbon", "Berlin"}, b.Entities["places"])
	assert.False(t, b.InProgress, "lease is released by the commit")

	maxIdx, err := e.chunks.MaxChunkIndex(context.Background(), "c1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, maxIdx, 1)
	assert.Equal(t, maxIdx, e.index.Count("agent"))

	require.Len(t, ai.prompts, 1)
	assert.Contains(t, ai.prompts[0], "USER: Please book flights to Lisbon for May.")

	// nothing new to fold
	outcome, err = e.sum.RunCycle(context.Background(), event("c1", false))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeEmpty, outcome)
	assert.False(t, e.board(t, "c1").InProgress)
}

func TestRunCycle_FactsAreNotDuplicated(t *testing.T) {
	replies := []string{"User lives in Berlin", "user lives in berlin.", "  User  lives in Berlin!"}
	n := 0
	ai := &fakeAI{reply: func(string) (string, error) {
		fact := replies[n%len(replies)]
		n++
		return jsonReply(t, map[string]any{
			"summary":   fmt.Sprintf("Summary %d.", n),
			"key_facts": []string{fact, "User has a dog"},
		}), nil
	}}
	e := newTestEnv(t, ai)

	for round := 0; round < 3; round++ {
		e.addTurns(t, "c1", "I live in Berlin with my dog.", "Nice.")
		outcome, err := e.sum.RunCycle(context.Background(), event("c1", false))
		require.NoError(t, err)
		require.Equal(t, metrics.OutcomeCommitted, outcome)
	}

	b := e.board(t, "c1")
	assert.Equal(t, []string{"User lives in Berlin", "User has a dog"}, b.KeyFacts)
	assert.Equal(t, 6, b.MessageCount)
}

func TestMergeIncremental_SameBatchTwice(t *testing.T) {
	board := &core.SummaryBoard{KeyFacts: []string{"User likes tea"}}
	r := result{
		Summary:  "Talked about drinks.",
		KeyFacts: []string{"User likes tea", "User dislikes coffee"},
		Topics:   []string{"drinks"},
	}

	once := mergeIncremental(board, r)
	twice := mergeIncremental(once, r)

	assert.Equal(t, []string{"User likes tea", "User dislikes coffee"}, twice.KeyFacts)
	assert.Equal(t, []string{"drinks"}, twice.Topics)
	assert.Equal(t, []string{"User likes tea"}, board.KeyFacts, "input board is not modified")
}

func TestMergeIncremental_OmittedListsAreKept(t *testing.T) {
	board := &core.SummaryBoard{
		ActionItems:      []string{"Call Anna"},
		PendingQuestions: []string{"When is the demo?"},
	}

	kept := mergeIncremental(board, result{Summary: "s"})
	assert.Equal(t, []string{"Call Anna"}, kept.ActionItems)
	assert.Equal(t, []string{"When is the demo?"}, kept.PendingQuestions)

	replaced := mergeIncremental(board, result{Summary: "s", hasActions: true, hasQuestions: true})
	assert.Empty(t, replaced.ActionItems)
	assert.Empty(t, replaced.PendingQuestions)
}

func TestRunCycle_MalformedOutputFallsBackToPlainText(t *testing.T) {
	ai := &fakeAI{reply: func(string) (string, error) {
		return "I cannot produce JSON today.", nil
	}}
	e := newTestEnv(t, ai)
	e.addTurns(t, "c1", "My flight lands at 9am", "Got it")

	outcome, err := e.sum.RunCycle(context.Background(), event("c1", false))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeCommitted, outcome)

	b := e.board(t, "c1")
	assert.Equal(t, 2, b.MessageCount)
	assert.Contains(t, b.CurrentSummary, "USER: My flight lands at 9am.")
	assert.Contains(t, b.CurrentSummary, "ASSISTANT: Got it.")
}

func TestRunCycle_SummaryIsCappedAtCeiling(t *testing.T) {
	long := strings.Repeat("The user keeps talking about the same long topic again. ", 200)
	ai := &fakeAI{reply: func(string) (string, error) {
		return jsonReply(t, map[string]any{"summary": long}), nil
	}}
	e := newTestEnv(t, ai)
	e.cfg.SummaryTokenCeiling = 50
	e.addTurns(t, "c1", "hello there")

	_, err := e.sum.RunCycle(context.Background(), event("c1", false))
	require.NoError(t, err)

	b := e.board(t, "c1")
	assert.NotEmpty(t, b.CurrentSummary)
	assert.LessOrEqual(t, tokens.Estimator{}.Count(b.CurrentSummary), 50)
}

func TestRunCycle_ConcurrentCyclesOneLockRejection(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	ai := &fakeAI{reply: func(string) (string, error) {
		once.Do(func() { close(entered) })
		<-release
		return jsonReply(t, map[string]any{"summary": "done"}), nil
	}}
	e := newTestEnv(t, ai)
	e.addTurns(t, "c1", "one", "two", "three", "four", "five")

	type res struct {
		outcome string
		err     error
	}
	first := make(chan res, 1)
	go func() {
		o, err := e.sum.RunCycle(context.Background(), event("c1", false))
		first <- res{o, err}
	}()
	<-entered

	outcome, err := e.sum.RunCycle(context.Background(), event("c1", false))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeLockHeld, outcome)

	close(release)
	r := <-first
	require.NoError(t, r.err)
	assert.Equal(t, metrics.OutcomeCommitted, r.outcome)
	assert.Equal(t, 5, e.board(t, "c1").MessageCount)
	assert.Len(t, ai.prompts, 1)
}

func TestRunCycle_ModelFailureKeepsBacklog(t *testing.T) {
	fail := true
	ai := &fakeAI{reply: func(string) (string, error) {
		if fail {
			return "", errors.New("upstream unavailable")
		}
		return jsonReply(t, map[string]any{"summary": "recovered"}), nil
	}}
	e := newTestEnv(t, ai)
	e.addTurns(t, "c1", "a", "b", "c")

	outcome, err := e.sum.RunCycle(context.Background(), event("c1", false))
	require.Error(t, err)
	assert.Equal(t, metrics.OutcomeFailed, outcome)

	b := e.board(t, "c1")
	assert.Zero(t, b.MessageCount)
	assert.False(t, b.InProgress, "abandoned cycle releases the lease")

	fail = false
	outcome, err = e.sum.RunCycle(context.Background(), event("c1", false))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeCommitted, outcome)
	assert.Equal(t, 3, e.board(t, "c1").MessageCount)
}

func TestRunCycle_ArchivesEveryNthIncrementalCycle(t *testing.T) {
	ai := &fakeAI{reply: func(string) (string, error) {
		return jsonReply(t, map[string]any{"summary": "Rolling summary.", "key_facts": []string{"User is Sam"}}), nil
	}}
	e := newTestEnv(t, ai)
	e.cfg.ArchiveEvery = 3
	ctx := context.Background()

	for cycle := 1; cycle <= 3; cycle++ {
		e.addTurns(t, "c1", "I am Sam", "hi Sam")
		_, err := e.sum.RunCycle(ctx, event("c1", false))
		require.NoError(t, err)

		_, err = e.summaries.LatestSummary(ctx, "c1")
		if cycle < 3 {
			assert.ErrorIs(t, err, core.ErrNotFound, "cycle %d", cycle)
		} else {
			require.NoError(t, err)
		}
	}

	s, err := e.summaries.LatestSummary(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, core.SummaryIncremental, s.Kind)
	assert.Equal(t, 1, s.RangeStart)
	assert.Equal(t, 6, s.RangeEnd)
	assert.Equal(t, []string{"User is Sam"}, s.KeyFacts)
	assert.Len(t, s.Embedding, dims)

	hits, err := e.index.Search(ctx, s.Embedding, core.Scope{AgentID: "agent", Kind: core.KindSummary}, 1, 0.9)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, s.ID, hits[0].ID)
}

func TestRunCycle_FullResummarization(t *testing.T) {
	ai := &fakeAI{reply: func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, "Combine") {
			return jsonReply(t, map[string]any{
				"summary":      "Deployed the service and planned the launch.",
				"key_facts":    []string{"Service runs on port 8080"},
				"action_items": []string{"Announce launch"},
			}), nil
		}
		return jsonReply(t, map[string]any{"summary": "A part.", "key_facts": []string{"partial fact"}}), nil
	}}
	e := newTestEnv(t, ai)
	ctx := context.Background()

	e.addTurns(t, "c1", "Deploy the service please", "Deploying now")
	_, err := e.turns.AppendTurn(ctx, core.Turn{ConversationID: "c1", AgentID: "agent", Role: core.RoleTool, Content: "<html><body><p>deploy ok</p></body></html>"})
	require.NoError(t, err)
	e.addTurns(t, "c1", "Now let's plan the launch", "Sure, when?")

	// an earlier incremental board that the full run replaces
	_, err = e.sum.RunCycle(ctx, event("c1", false))
	require.NoError(t, err)
	require.Equal(t, []string{"partial fact"}, e.board(t, "c1").KeyFacts)

	outcome, err := e.sum.RunCycle(ctx, event("c1", true))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeCommitted, outcome)

	b := e.board(t, "c1")
	assert.Equal(t, "Deployed the service and planned the launch.", b.CurrentSummary)
	assert.Equal(t, []string{"Service runs on port 8080"}, b.KeyFacts)
	assert.Equal(t, []string{"Announce launch"}, b.ActionItems)
	assert.Equal(t, 5, b.MessageCount)

	var chunkPrompts int
	for _, p := range ai.prompts {
		if strings.HasPrefix(p, "Summarize part") {
			chunkPrompts++
			assert.NotContains(t, p, "<html>")
		}
	}
	assert.Equal(t, 2, chunkPrompts, "the tool result closes the first chunk")

	s, err := e.summaries.LatestSummary(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, core.SummaryFull, s.Kind)
	assert.Equal(t, 1, s.RangeStart)
	assert.Equal(t, 5, s.RangeEnd)
}

// conflictingBoards fails the first commit with a conflict while leaving the
// lease in place.
type conflictingBoards struct {
	core.BoardRepository
	failures int
}

func (c *conflictingBoards) CommitCycle(ctx context.Context, commit core.CycleCommit) error {
	if c.failures > 0 {
		c.failures--
		return core.ErrConflict
	}
	return c.BoardRepository.CommitCycle(ctx, commit)
}

func TestRunCycle_ConflictRetriedOnceWhileLeaseHeld(t *testing.T) {
	ai := &fakeAI{reply: func(string) (string, error) {
		return jsonReply(t, map[string]any{"summary": "ok"}), nil
	}}
	e := newTestEnv(t, ai)
	e.addTurns(t, "c1", "hello")

	boards := &conflictingBoards{BoardRepository: e.boards, failures: 1}
	e.sum.stores.Boards = boards

	outcome, err := e.sum.RunCycle(context.Background(), event("c1", false))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeCommitted, outcome)
	assert.Equal(t, 1, e.board(t, "c1").MessageCount)

	e.addTurns(t, "c1", "again")
	boards.failures = 2
	outcome, err = e.sum.RunCycle(context.Background(), event("c1", false))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeConflict, outcome)
	b := e.board(t, "c1")
	assert.Equal(t, 1, b.MessageCount)
	assert.False(t, b.InProgress)
}

func TestRunCycle_StolenLeaseAbandons(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	e.addTurns(t, "c1", "hello")

	// a slow cycle whose lease goes stale and is reclaimed by another worker
	e.sum.ai = &fakeAI{reply: func(string) (string, error) {
		_, err := e.boards.TryAcquire(ctx, "c1", "other-worker", time.Now().Add(time.Hour), e.cfg.LockTimeout)
		require.NoError(t, err)
		return jsonReply(t, map[string]any{"summary": "late"}), nil
	}}

	outcome, err := e.sum.RunCycle(ctx, event("c1", false))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeConflict, outcome)

	b := e.board(t, "c1")
	assert.Zero(t, b.MessageCount)
	assert.Equal(t, "other-worker", b.LockToken, "the new holder keeps its lease")
}
