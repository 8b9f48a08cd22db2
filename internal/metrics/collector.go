package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sandevgo/tuskmem/pkg/log"
)

const namespace = "tuskmem"

// Cycle outcomes.
const (
	OutcomeCommitted = "committed"
	OutcomeLockHeld  = "lock_held"
	OutcomeConflict  = "conflict"
	OutcomeFailed    = "failed"
	OutcomeEmpty     = "empty"
)

// Collector owns its registry so tests and multiple instances never clash
// on the global one. All methods are safe on a nil receiver.
type Collector struct {
	registry *prometheus.Registry

	dispatches      *prometheus.CounterVec
	publishFailures prometheus.Counter

	cycles            *prometheus.CounterVec
	cycleDuration     *prometheus.HistogramVec
	fallbackSummaries prometheus.Counter

	expiredChunks prometheus.Counter

	assembledTokens prometheus.Histogram
	assemblies      *prometheus.CounterVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Summarization events published, by reason",
		}, []string{"reason"}),
		publishFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Summarization events that could not be published",
		}),
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_cycles_total",
			Help:      "Summarization cycles by mode and outcome",
		}, []string{"mode", "outcome"}),
		cycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "summary_cycle_duration_seconds",
			Help:      "Duration of committed summarization cycles",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"mode"}),
		fallbackSummaries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_summaries_total",
			Help:      "Cycles that used the plain-text fallback summary",
		}),
		expiredChunks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_chunks_total",
			Help:      "Working memory chunks removed by cleanup",
		}),
		assembledTokens: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assembled_tokens",
			Help:      "Estimated tokens of assembled contexts",
			Buckets:   prometheus.ExponentialBuckets(256, 2, 8),
		}),
		assemblies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assemblies_total",
			Help:      "Context assemblies, by whether they were degraded",
		}, []string{"degraded"}),
	}
}

func (c *Collector) Dispatched(reason string) {
	if c == nil {
		return
	}
	c.dispatches.WithLabelValues(reason).Inc()
}

func (c *Collector) PublishFailed() {
	if c == nil {
		return
	}
	c.publishFailures.Inc()
}

func (c *Collector) Cycle(mode, outcome string, took time.Duration) {
	if c == nil {
		return
	}
	c.cycles.WithLabelValues(mode, outcome).Inc()
	if outcome == OutcomeCommitted {
		c.cycleDuration.WithLabelValues(mode).Observe(took.Seconds())
	}
}

func (c *Collector) FallbackSummary() {
	if c == nil {
		return
	}
	c.fallbackSummaries.Inc()
}

func (c *Collector) ChunksExpired(n int) {
	if c == nil {
		return
	}
	c.expiredChunks.Add(float64(n))
}

func (c *Collector) Assembled(tokens int, degraded bool) {
	if c == nil {
		return
	}
	c.assembledTokens.Observe(float64(tokens))
	label := "false"
	if degraded {
		label = "true"
	}
	c.assemblies.WithLabelValues(label).Inc()
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Server exposes /metrics; it implements srv.Service.
type Server struct {
	http *http.Server
}

func NewServer(addr string, c *Collector) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return &Server{http: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
}

func (s *Server) Start(ctx context.Context) error {
	log.FromCtx(ctx).Info().Str("addr", s.http.Addr).Msg("metrics endpoint listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
