package summarizer

import (
	"context"
	"sync"

	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/pkg/log"
)

// Worker feeds dispatcher events into the summarizer until shut down.
type Worker struct {
	summarizer *Summarizer
	dispatcher core.Dispatcher

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(s *Summarizer, d core.Dispatcher) *Worker {
	return &Worker{summarizer: s, dispatcher: d, done: make(chan struct{})}
}

func (w *Worker) Start(ctx context.Context) error {
	ctx = log.WithComponent(ctx, "summarizer")
	logger := log.FromCtx(ctx)
	logger.Info().Msg("starting summarizer")

	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	defer close(w.done)

	err := w.dispatcher.Consume(ctx, w.summarizer.HandleEvent)
	logger.Info().Msg("summarizer stopped")
	return err
}

// Shutdown stops consuming and waits for the in-flight cycles to return.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
