package srv

import (
	"context"
	"time"

	"github.com/sandevgo/tuskmem/pkg/log"
)

// ShutdownTimeout bounds how long a single service may take to stop.
const ShutdownTimeout = 15 * time.Second

type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

func StartServices(ctx context.Context, services []Service) {
	logger := log.FromCtx(ctx)
	for _, service := range services {
		go func(service Service) {
			if err := service.Start(ctx); err != nil {
				logger.Fatal().Err(err).Msgf("%T failed to start", service)
			}
		}(service)
	}
}

// ShutdownServices waits for ctx to be cancelled and stops the services in
// reverse start order, so storage closes after its consumers.
func ShutdownServices(ctx context.Context, services []Service) {
	<-ctx.Done()
	logger := log.FromCtx(ctx)

	for i := len(services) - 1; i >= 0; i-- {
		service := services[i]
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		if err := service.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msgf("%T failed to shutdown", service)
		}
		cancel()
	}
}

// Cleanup is a Service that only releases resources on shutdown.
type Cleanup func() error

func (Cleanup) Start(context.Context) error { return nil }

func (c Cleanup) Shutdown(context.Context) error {
	if c == nil {
		return nil
	}
	return c()
}

func NewCleanup(fn func() error) Service {
	return Cleanup(fn)
}
