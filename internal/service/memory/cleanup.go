package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sandevgo/tuskmem/pkg/log"
)

// CleanupService sweeps expired chunks on a cron schedule.
type CleanupService struct {
	working  *Working
	schedule string

	mu   sync.Mutex
	cron *cron.Cron
}

func NewCleanupService(working *Working, schedule string) *CleanupService {
	if schedule == "" {
		schedule = "@every 1h"
	}
	return &CleanupService{working: working, schedule: schedule}
}

func (s *CleanupService) Start(ctx context.Context) error {
	ctx = log.WithComponent(ctx, "chunk_cleanup")
	logger := log.FromCtx(ctx)

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", s.schedule, err)
	}

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	s.sweep(ctx)
	c.Start()
	logger.Info().Str("schedule", s.schedule).Msg("chunk cleanup scheduled")
	return nil
}

func (s *CleanupService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cleanup still running: %w", ctx.Err())
	}
}

func (s *CleanupService) sweep(ctx context.Context) {
	logger := log.FromCtx(ctx)
	n, err := s.working.Cleanup(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("chunk cleanup failed")
		return
	}
	if n > 0 {
		logger.Info().Int("deleted", n).Msg("expired chunks removed")
	}
}
