package llm

import (
	"time"

	"github.com/sandevgo/tuskmem/pkg/retry"
)

func fastRetrier(maxRetries int) *retry.Retrier {
	return retry.NewRetrier(&retry.Config{
		MaxRetries:    maxRetries,
		BackoffFactor: 1,
		InitialDelay:  time.Millisecond,
		MaxDelay:      time.Millisecond,
	})
}
