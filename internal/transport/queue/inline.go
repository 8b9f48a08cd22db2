package queue

import (
	"context"
	"time"

	"github.com/sandevgo/tuskmem/internal/core"
)

// InlineDispatcher runs the handler inside Publish. It is used by one-shot
// CLI commands where no worker is consuming.
type InlineDispatcher struct {
	handler core.EventHandler
}

var _ core.Dispatcher = (*InlineDispatcher)(nil)

func NewInline(handler core.EventHandler) *InlineDispatcher {
	return &InlineDispatcher{handler: handler}
}

// Publish handles the event before returning. The publisher's deadline only
// bounds enqueueing, so the handler gets a context without it.
func (d *InlineDispatcher) Publish(ctx context.Context, event core.SummarizeEvent) error {
	if event.EnqueuedAt.IsZero() {
		event.EnqueuedAt = time.Now().UTC()
	}
	return d.handler(context.WithoutCancel(ctx), event)
}

func (d *InlineDispatcher) Consume(ctx context.Context, _ core.EventHandler) error {
	<-ctx.Done()
	return nil
}
