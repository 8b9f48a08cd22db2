package config

import (
	"context"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sandevgo/tuskmem/pkg/log"
)

type MemoryConfig struct {
	// Trigger
	UpdateFrequency int `env:"TUSK_UPDATE_FREQUENCY" envDefault:"5"`

	// Summarizer
	SummaryTokenCeiling int           `env:"TUSK_SUMMARY_TOKEN_CEILING" envDefault:"500"`
	LockTimeout         time.Duration `env:"TUSK_LOCK_TIMEOUT" envDefault:"2m"`
	ArchiveEvery        int           `env:"TUSK_ARCHIVE_EVERY" envDefault:"3"`
	MaxBatchTurns       int           `env:"TUSK_MAX_BATCH_TURNS" envDefault:"200"`
	ChunkParallelism    int           `env:"TUSK_CHUNK_PARALLELISM" envDefault:"4"`

	// Chunker
	ChunkMaxTokens     int      `env:"TUSK_CHUNK_MAX_TOKENS" envDefault:"400"`
	// 0 turns topic-shift boundaries off. Feature-hashed vectors of two turns
	// on one topic are far apart, so enable it only with a semantic embedder.
	TopicShiftDistance float64  `env:"TUSK_TOPIC_SHIFT_DISTANCE" envDefault:"0"`
	CompletionMarkers  []string `env:"TUSK_COMPLETION_MARKERS" envSeparator:"|" envDefault:"task complete|done.|resolved"`

	// Working memory
	ChunkTTL        time.Duration `env:"TUSK_CHUNK_TTL" envDefault:"168h"`
	SimilarityFloor float64       `env:"TUSK_SIMILARITY_FLOOR" envDefault:"0.7"`
	SearchLimit     int           `env:"TUSK_SEARCH_LIMIT" envDefault:"5"`

	// Assembler
	TokenBudget           int            `env:"TUSK_TOKEN_BUDGET" envDefault:"4000"`
	ContextHistorySize    int            `env:"TUSK_CONTEXT_HISTORY_SIZE" envDefault:"10"`
	AgentHistorySizes     map[string]int `env:"TUSK_AGENT_HISTORY_SIZES" envKeyValSeparator:":"`
	FallbackHistoryFactor int            `env:"TUSK_FALLBACK_HISTORY_FACTOR" envDefault:"2"`
	RecallLimit           int            `env:"TUSK_RECALL_LIMIT" envDefault:"3"`
	TokenEncoding         string         `env:"TUSK_TOKEN_ENCODING" envDefault:"cl100k_base"`
}

func NewMemoryConfig(ctx context.Context) *MemoryConfig {
	c := &MemoryConfig{}
	if err := env.Parse(c); err != nil {
		log.FromCtx(ctx).Fatal().Err(err).Msg("failed to parse Memory config")
	}
	if err := c.Validate(); err != nil {
		log.FromCtx(ctx).Fatal().Err(err).Msg("invalid Memory config")
	}
	return c
}

// DefaultMemoryConfig returns the envDefault values. The prefix makes every
// lookup miss so the process environment is ignored.
func DefaultMemoryConfig() *MemoryConfig {
	c, err := env.ParseAsWithOptions[MemoryConfig](env.Options{Prefix: "TUSK_DEFAULTS_ONLY__"})
	if err != nil {
		panic(fmt.Sprintf("memory config defaults: %v", err))
	}
	return &c
}

func (c *MemoryConfig) Validate() error {
	switch {
	case c.UpdateFrequency < 1:
		return fmt.Errorf("TUSK_UPDATE_FREQUENCY must be >= 1, got %d", c.UpdateFrequency)
	case c.SummaryTokenCeiling < 1:
		return fmt.Errorf("TUSK_SUMMARY_TOKEN_CEILING must be >= 1, got %d", c.SummaryTokenCeiling)
	case c.SimilarityFloor < -1 || c.SimilarityFloor > 1:
		return fmt.Errorf("TUSK_SIMILARITY_FLOOR must be within [-1, 1], got %v", c.SimilarityFloor)
	case c.TopicShiftDistance < 0 || c.TopicShiftDistance > 2:
		return fmt.Errorf("TUSK_TOPIC_SHIFT_DISTANCE must be within [0, 2], got %v", c.TopicShiftDistance)
	case c.TokenBudget < 1:
		return fmt.Errorf("TUSK_TOKEN_BUDGET must be >= 1, got %d", c.TokenBudget)
	case c.ChunkMaxTokens < 1:
		return fmt.Errorf("TUSK_CHUNK_MAX_TOKENS must be >= 1, got %d", c.ChunkMaxTokens)
	case c.LockTimeout <= 0:
		return fmt.Errorf("TUSK_LOCK_TIMEOUT must be positive")
	}
	return nil
}

// HistorySize returns the per-agent Tier 2 allowance.
func (c *MemoryConfig) HistorySize(agentID string) int {
	if n, ok := c.AgentHistorySizes[agentID]; ok && n > 0 {
		return n
	}
	return c.ContextHistorySize
}
