package trigger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/internal/metrics"
	"github.com/sandevgo/tuskmem/internal/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	events []core.SummarizeEvent
	fail   int
}

func (f *fakeDispatcher) Publish(_ context.Context, ev core.SummarizeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("queue down")
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeDispatcher) Consume(context.Context, core.EventHandler) error { return nil }

func (f *fakeDispatcher) published() []core.SummarizeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.SummarizeEvent(nil), f.events...)
}

type fixture struct {
	trigger    *Trigger
	dispatcher *fakeDispatcher
	boards     *sqlite.BoardRepo
	turnRepo   *sqlite.TurnsRepo
}

func setup(t *testing.T, frequency int) *fixture {
	t.Helper()
	db, err := sqlite.NewDB(context.Background(), filepath.Join(t.TempDir(), "trigger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	d := &fakeDispatcher{}
	boards := sqlite.NewBoardRepo(db)
	turnRepo := sqlite.NewTurnsRepo(db)
	return &fixture{
		trigger:    New(turnRepo, boards, d, metrics.NewCollector(), frequency),
		dispatcher: d,
		boards:     boards,
		turnRepo:   turnRepo,
	}
}

func (f *fixture) turns(t *testing.T, conv string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.trigger.OnNewTurn(context.Background(), NewTurn{
			ConversationID: conv,
			AgentID:        "agent",
			OwnerID:        "owner",
			Role:           core.RoleUser,
			Content:        fmt.Sprintf("turn %d", i),
		})
		require.NoError(t, err)
	}
}

func TestOnNewTurn_FiresOncePerThreshold(t *testing.T) {
	f := setup(t, 5)

	f.turns(t, "c1", 4)
	assert.Empty(t, f.dispatcher.published())

	board, err := f.boards.GetBoard(context.Background(), "c1")
	require.NoError(t, err, "first turn creates the board")
	assert.Equal(t, 5, board.UpdateFrequency)

	f.turns(t, "c1", 8)
	events := f.dispatcher.published()
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, "c1", ev.ConversationID)
		assert.Equal(t, "agent", ev.AgentID)
		assert.Equal(t, core.ReasonThreshold, ev.Reason)
		assert.False(t, ev.Full)
	}
}

func TestOnNewTurn_ConcurrentTurnsFireExactlyOnce(t *testing.T) {
	f := setup(t, 5)
	f.turns(t, "c1", 1)

	var wg sync.WaitGroup
	for i := 0; i < 19; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.trigger.OnNewTurn(context.Background(), NewTurn{
				ConversationID: "c1", AgentID: "agent", Role: core.RoleUser, Content: fmt.Sprint(i),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, f.dispatcher.published(), 4)
}

func TestOnNewTurn_PublishFailureKeepsCounter(t *testing.T) {
	f := setup(t, 3)
	f.dispatcher.fail = 1

	f.turns(t, "c1", 3)
	assert.Empty(t, f.dispatcher.published())

	f.turns(t, "c1", 1)
	assert.Len(t, f.dispatcher.published(), 1, "the next turn retries the publish")
}

func TestOnNewTurn_FreshProcessPerTurnFiresOncePerThreshold(t *testing.T) {
	f := setup(t, 3)

	// each turn arrives through a new process, as with one-shot CLI calls,
	// and no worker commits a cycle in between
	for i := 0; i < 7; i++ {
		f.trigger = New(f.turnRepo, f.boards, f.dispatcher, metrics.NewCollector(), 3)
		f.turns(t, "c1", 1)
	}

	assert.Len(t, f.dispatcher.published(), 2, "turns 3 and 6 cross a threshold")
}

func TestRestorePending(t *testing.T) {
	cases := []struct {
		backlog, frequency, want int
	}{
		{backlog: 0, frequency: 5, want: 1},
		{backlog: 1, frequency: 5, want: 1},
		{backlog: 4, frequency: 5, want: 4},
		{backlog: 5, frequency: 5, want: 5},
		{backlog: 6, frequency: 5, want: 1},
		{backlog: 10, frequency: 5, want: 5},
		{backlog: 3, frequency: 0, want: 1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, restorePending(tc.backlog, tc.frequency), "backlog %d every %d", tc.backlog, tc.frequency)
	}
}

func TestSetUpdateFrequency(t *testing.T) {
	f := setup(t, 5)
	ctx := context.Background()

	assert.ErrorIs(t, f.trigger.SetUpdateFrequency(ctx, "c1", 0), core.ErrInvalidFrequency)

	f.turns(t, "c1", 1)
	require.NoError(t, f.trigger.SetUpdateFrequency(ctx, "c1", 2))
	f.turns(t, "c1", 1)
	assert.Len(t, f.dispatcher.published(), 1)

	board, err := f.boards.GetBoard(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, board.UpdateFrequency)

	// unknown conversations get a board right away
	require.NoError(t, f.trigger.SetUpdateFrequency(ctx, "c2", 7))
	board, err = f.boards.GetBoard(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, 7, board.UpdateFrequency)
}

func TestSetUpdateFrequency_BeforeFirstTurnKeepsAgentScope(t *testing.T) {
	f := setup(t, 5)
	ctx := context.Background()

	require.NoError(t, f.trigger.SetUpdateFrequency(ctx, "c1", 2))
	board, err := f.boards.GetBoard(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, board.AgentID)

	f.turns(t, "c1", 2)

	board, err = f.boards.GetBoard(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "agent", board.AgentID)
	assert.Equal(t, "owner", board.OwnerID)
	assert.Equal(t, 2, board.UpdateFrequency)

	events := f.dispatcher.published()
	require.Len(t, events, 1)
	assert.Equal(t, "agent", events[0].AgentID)
}

func TestTriggerNow(t *testing.T) {
	f := setup(t, 5)
	ctx := context.Background()

	assert.ErrorIs(t, f.trigger.TriggerNow(ctx, "missing", true), core.ErrNotFound)

	f.turns(t, "c1", 3)
	require.NoError(t, f.trigger.TriggerNow(ctx, "c1", true))
	events := f.dispatcher.published()
	require.Len(t, events, 1)
	assert.True(t, events[0].Full)
	assert.Equal(t, core.ReasonManual, events[0].Reason)
	assert.Equal(t, "owner", events[0].OwnerID)

	// the manual trigger consumed the backlog
	f.turns(t, "c1", 4)
	assert.Len(t, f.dispatcher.published(), 1)
	f.turns(t, "c1", 1)
	assert.Len(t, f.dispatcher.published(), 2)
}
