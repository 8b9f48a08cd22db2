package queue

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/pkg/log"
)

var ErrClosed = errors.New("dispatcher is closed")

// Partition maps a conversation to one of n ordered lanes.
func Partition(conversationID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return int(h.Sum32() % uint32(n))
}

// ChannelDispatcher is the in-process queue. Each partition is drained by a
// single goroutine, so events of one conversation are handled in publish order.
type ChannelDispatcher struct {
	parts     []chan core.SummarizeEvent
	done      chan struct{}
	closeOnce sync.Once
}

var _ core.Dispatcher = (*ChannelDispatcher)(nil)

func NewChannel(partitions, buffer int) *ChannelDispatcher {
	if partitions < 1 {
		partitions = 1
	}
	parts := make([]chan core.SummarizeEvent, partitions)
	for i := range parts {
		parts[i] = make(chan core.SummarizeEvent, buffer)
	}
	return &ChannelDispatcher{parts: parts, done: make(chan struct{})}
}

// Publish blocks while the partition buffer is full.
func (d *ChannelDispatcher) Publish(ctx context.Context, event core.SummarizeEvent) error {
	if event.EnqueuedAt.IsZero() {
		event.EnqueuedAt = time.Now().UTC()
	}
	select {
	case <-d.done:
		return ErrClosed
	default:
	}

	ch := d.parts[Partition(event.ConversationID, len(d.parts))]
	select {
	case ch <- event:
		return nil
	case <-d.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *ChannelDispatcher) Consume(ctx context.Context, handler core.EventHandler) error {
	var wg sync.WaitGroup
	for i, ch := range d.parts {
		wg.Add(1)
		go func(partition int, ch <-chan core.SummarizeEvent) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-d.done:
					return
				case event := <-ch:
					deliver(ctx, handler, partition, event)
				}
			}
		}(i, ch)
	}
	wg.Wait()
	return nil
}

// Close stops consumers; events still buffered are dropped.
func (d *ChannelDispatcher) Close() error {
	d.closeOnce.Do(func() { close(d.done) })
	return nil
}

func deliver(ctx context.Context, handler core.EventHandler, partition int, event core.SummarizeEvent) {
	ctx = log.WithConversation(ctx, event.ConversationID, event.AgentID)
	logger := log.FromCtx(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("summarize handler panicked")
		}
	}()

	started := time.Now()
	if err := handler(ctx, event); err != nil {
		logger.Error().Err(err).Int("partition", partition).Msg("summarize event failed")
		return
	}
	logger.Debug().
		Int("partition", partition).
		Str("reason", event.Reason).
		Dur("took", time.Since(started)).
		Msg("summarize event handled")
}
