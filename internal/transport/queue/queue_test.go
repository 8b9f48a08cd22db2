package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sandevgo/tuskmem/internal/config"
	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects handled events per conversation.
type recorder struct {
	mu   sync.Mutex
	seen map[string][]string
	n    int
	all  chan struct{}
	want int
}

func newRecorder(want int) *recorder {
	return &recorder{seen: map[string][]string{}, all: make(chan struct{}), want: want}
}

func (r *recorder) handle(_ context.Context, ev core.SummarizeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[ev.ConversationID] = append(r.seen[ev.ConversationID], ev.Reason)
	r.n++
	if r.n == r.want {
		close(r.all)
	}
	return nil
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.all:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for events")
	}
}

func publishSeq(t *testing.T, d core.Dispatcher, convs []string, perConv int) {
	t.Helper()
	for i := 0; i < perConv; i++ {
		for _, conv := range convs {
			err := d.Publish(context.Background(), core.SummarizeEvent{
				ConversationID: conv,
				AgentID:        "agent",
				Reason:         fmt.Sprintf("%d", i),
			})
			require.NoError(t, err)
		}
	}
}

func expectedSeq(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%d", i)
	}
	return out
}

func TestPartition(t *testing.T) {
	assert.Equal(t, 0, Partition("anything", 1))
	assert.Equal(t, Partition("conv-1", 8), Partition("conv-1", 8))
	for _, id := range []string{"a", "b", "conv-42", ""} {
		p := Partition(id, 8)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 8)
	}
}

func TestChannelDispatcher_PerConversationOrder(t *testing.T) {
	d := NewChannel(4, 64)
	defer d.Close()

	convs := []string{"c1", "c2", "c3", "c4", "c5"}
	rec := newRecorder(len(convs) * 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Consume(ctx, rec.handle)

	publishSeq(t, d, convs, 10)
	rec.wait(t)

	for _, conv := range convs {
		assert.Equal(t, expectedSeq(10), rec.seen[conv], conv)
	}
}

func TestChannelDispatcher_ConversationsRunInParallel(t *testing.T) {
	const parts = 8
	d := NewChannel(parts, 4)
	defer d.Close()

	slow, fast := "slow", ""
	for i := 0; fast == ""; i++ {
		if c := fmt.Sprintf("fast-%d", i); Partition(c, parts) != Partition(slow, parts) {
			fast = c
		}
	}

	release := make(chan struct{})
	fastDone := make(chan struct{})
	handler := func(ctx context.Context, ev core.SummarizeEvent) error {
		if ev.ConversationID == slow {
			<-release
			return nil
		}
		close(fastDone)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Consume(ctx, handler)

	require.NoError(t, d.Publish(ctx, core.SummarizeEvent{ConversationID: slow}))
	require.NoError(t, d.Publish(ctx, core.SummarizeEvent{ConversationID: fast}))

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("a slow conversation blocked an unrelated one")
	}
	close(release)
}

func TestChannelDispatcher_PublishRespectsContextAndClose(t *testing.T) {
	d := NewChannel(1, 1)
	require.NoError(t, d.Publish(context.Background(), core.SummarizeEvent{ConversationID: "c"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Publish(ctx, core.SummarizeEvent{ConversationID: "c"}), context.DeadlineExceeded)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.Publish(context.Background(), core.SummarizeEvent{ConversationID: "c"}), ErrClosed)
}

func TestChannelDispatcher_HandlerPanicDoesNotStopPartition(t *testing.T) {
	d := NewChannel(1, 4)
	defer d.Close()

	done := make(chan struct{})
	handler := func(_ context.Context, ev core.SummarizeEvent) error {
		if ev.Reason == "boom" {
			panic("boom")
		}
		close(done)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Consume(ctx, handler)

	require.NoError(t, d.Publish(ctx, core.SummarizeEvent{ConversationID: "c", Reason: "boom"}))
	require.NoError(t, d.Publish(ctx, core.SummarizeEvent{ConversationID: "c", Reason: "ok"}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("partition stopped after a panic")
	}
}

func setupRedis(t *testing.T, consumer string) (*miniredis.Miniredis, *redis.Client, *config.QueueConfig) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := &config.QueueConfig{
		Partitions:   3,
		RedisAddr:    mr.Addr(),
		StreamPrefix: "test:summarize",
		Group:        "workers",
		Consumer:     consumer,
		Block:        50 * time.Millisecond,
	}
	client, err := NewRedisClient(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return mr, client, cfg
}

func TestRedisDispatcher_DeliversInOrder(t *testing.T) {
	_, client, cfg := setupRedis(t, "w1")
	d, err := NewRedis(context.Background(), client, cfg)
	require.NoError(t, err)

	// a second constructor must tolerate existing groups
	_, err = NewRedis(context.Background(), client, cfg)
	require.NoError(t, err)

	convs := []string{"c1", "c2", "c3"}
	publishSeq(t, d, convs, 5)

	rec := newRecorder(15)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Consume(ctx, rec.handle)
	rec.wait(t)

	for _, conv := range convs {
		assert.Equal(t, expectedSeq(5), rec.seen[conv], conv)
	}
}

func TestRedisDispatcher_ReplaysPendingEntries(t *testing.T) {
	_, client, cfg := setupRedis(t, "w1")
	cfg.Partitions = 1
	d, err := NewRedis(context.Background(), client, cfg)
	require.NoError(t, err)

	require.NoError(t, d.Publish(context.Background(), core.SummarizeEvent{ConversationID: "c1", Reason: "0"}))

	// a previous run read the entry and died before acknowledging it
	_, err = client.XReadGroup(context.Background(), &redis.XReadGroupArgs{
		Group:    cfg.Group,
		Consumer: cfg.Consumer,
		Streams:  []string{d.stream(0), ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)

	rec := newRecorder(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Consume(ctx, rec.handle)
	rec.wait(t)

	assert.Equal(t, []string{"0"}, rec.seen["c1"])
}

func TestRedisDispatcher_ClaimsEntriesOfDeadConsumer(t *testing.T) {
	_, client, cfg := setupRedis(t, "w2")
	cfg.Partitions = 1
	cfg.ClaimIdle = 20 * time.Millisecond
	d, err := NewRedis(context.Background(), client, cfg)
	require.NoError(t, err)

	require.NoError(t, d.Publish(context.Background(), core.SummarizeEvent{ConversationID: "c1", Reason: "0"}))

	// another node read the entry and never came back
	_, err = client.XReadGroup(context.Background(), &redis.XReadGroupArgs{
		Group:    cfg.Group,
		Consumer: "w1",
		Streams:  []string{d.stream(0), ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)
	time.Sleep(2 * cfg.ClaimIdle)

	rec := newRecorder(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Consume(ctx, rec.handle)
	rec.wait(t)

	assert.Equal(t, []string{"0"}, rec.seen["c1"])
	require.Eventually(t, func() bool {
		pending, err := client.XPending(context.Background(), d.stream(0), cfg.Group).Result()
		return err == nil && pending.Count == 0
	}, time.Second, 10*time.Millisecond, "the claimed entry is acknowledged")
}

func TestRedisDispatcher_SkipsMalformedEntries(t *testing.T) {
	_, client, cfg := setupRedis(t, "w1")
	cfg.Partitions = 1
	d, err := NewRedis(context.Background(), client, cfg)
	require.NoError(t, err)

	require.NoError(t, client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: d.stream(0),
		Values: map[string]any{eventField: "not json"},
	}).Err())
	payload, _ := json.Marshal(core.SummarizeEvent{ConversationID: "c1", Reason: "0"})
	require.NoError(t, client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: d.stream(0),
		Values: map[string]any{eventField: string(payload)},
	}).Err())

	rec := newRecorder(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Consume(ctx, rec.handle)
	rec.wait(t)

	assert.Equal(t, []string{"0"}, rec.seen["c1"])
}

func TestInlineDispatcher_HandlesOnPublish(t *testing.T) {
	var got core.SummarizeEvent
	d := NewInline(func(ctx context.Context, ev core.SummarizeEvent) error {
		require.NoError(t, ctx.Err(), "the publish deadline does not reach the handler")
		got = ev
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	require.NoError(t, d.Publish(ctx, core.SummarizeEvent{ConversationID: "c1", Full: true}))
	assert.Equal(t, "c1", got.ConversationID)
	assert.True(t, got.Full)
	assert.False(t, got.EnqueuedAt.IsZero())

	failing := NewInline(func(context.Context, core.SummarizeEvent) error { return fmt.Errorf("boom") })
	assert.EqualError(t, failing.Publish(context.Background(), core.SummarizeEvent{}), "boom")
}
