package llm

import (
	"context"
	"time"

	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/pkg/log"
	"github.com/sandevgo/tuskmem/pkg/retry"
	"golang.org/x/time/rate"
)

// Limited paces calls to a provider and retries transient failures.
type Limited struct {
	next    core.AIProvider
	limiter *rate.Limiter
	retrier *retry.Retrier
}

func NewLimited(next core.AIProvider, requestsPerMinute, maxRetries int) *Limited {
	limit := rate.Inf
	burst := 1
	if requestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(requestsPerMinute))
		burst = max(1, requestsPerMinute/10)
	}

	cfg := retry.NewDefaultConfig()
	cfg.MaxRetries = maxRetries
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
		retrier: retry.NewRetrier(cfg),
	}
}

func (l *Limited) Chat(ctx context.Context, history []core.Message) (core.Message, error) {
	logger := log.FromCtx(ctx)

	// *StatusError reports its own retryability to the retrier.
	return retry.Value(ctx, l.retrier, func() (core.Message, error) {
		if err := l.limiter.Wait(ctx); err != nil {
			return core.Message{}, retry.Permanent(err)
		}
		msg, err := l.next.Chat(ctx, history)
		if err != nil {
			if ctx.Err() != nil {
				return core.Message{}, retry.Permanent(err)
			}
			logger.Warn().Err(err).Msg("llm call failed")
			return core.Message{}, err
		}
		return msg, nil
	})
}
