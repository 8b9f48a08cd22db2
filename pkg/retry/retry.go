package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

type Operation = func() error

type Config struct {
	MaxRetries    int
	BackoffFactor float64
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Jitter        time.Duration
	// OnRetry is called before sleeping between attempts.
	OnRetry func(attempt int, err error, delay time.Duration)
}

func NewDefaultConfig() *Config {
	return &Config{
		MaxRetries:    5,
		BackoffFactor: 2.15,
		InitialDelay:  300 * time.Millisecond,
		MaxDelay:      20 * time.Second,
		Jitter:        50 * time.Millisecond,
	}
}

// Retryable is implemented by errors that know whether a repeat can help,
// such as HTTP status errors. Retryable() == false ends the loop at once.
type Retryable interface {
	Retryable() bool
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// classify returns the error to surface and whether the loop must stop.
func classify(err error) (error, bool) {
	var p *permanentError
	if errors.As(err, &p) {
		return p.err, true
	}
	var r Retryable
	if errors.As(err, &r) && !r.Retryable() {
		return err, true
	}
	return err, false
}

type Retrier struct {
	config *Config
}

func NewRetrier(config *Config) *Retrier {
	return &Retrier{
		config: config,
	}
}

func NewDefaultRetrier() *Retrier {
	return NewRetrier(NewDefaultConfig())
}

// Do runs op until it succeeds, fails permanently, the retries are exhausted
// or ctx is done. Permanent errors are returned unwrapped.
func (r *Retrier) Do(ctx context.Context, op Operation) error {
	b := backoff{cfg: r.config, delay: r.config.InitialDelay}

	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		err, stop := classify(err)
		if stop || attempt >= r.config.MaxRetries {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := b.next()
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt+1, err, wait)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, r *Retrier, op func() (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, func() error {
		v, err := op()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// backoff grows the delay geometrically up to MaxDelay and adds jitter on top.
type backoff struct {
	cfg   *Config
	delay time.Duration
}

func (b *backoff) next() time.Duration {
	wait := min(b.delay, b.cfg.MaxDelay)
	if b.cfg.Jitter > 0 {
		wait += rand.N(b.cfg.Jitter)
	}

	grown := time.Duration(float64(b.delay) * b.cfg.BackoffFactor)
	b.delay = min(max(grown, b.delay), b.cfg.MaxDelay)
	return wait
}
