package config

import (
	"context"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sandevgo/tuskmem/pkg/log"
)

type QueueConfig struct {
	// channel keeps events in process; redis uses Redis Streams and survives restarts.
	Driver     string `env:"TUSK_QUEUE_DRIVER" envDefault:"channel"`
	Partitions int    `env:"TUSK_QUEUE_PARTITIONS" envDefault:"8"`
	BufferSize int    `env:"TUSK_QUEUE_BUFFER" envDefault:"256"`

	RedisAddr     string        `env:"TUSK_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"TUSK_REDIS_PASSWORD"`
	RedisDB       int           `env:"TUSK_REDIS_DB" envDefault:"0"`
	StreamPrefix  string        `env:"TUSK_REDIS_STREAM_PREFIX" envDefault:"tuskmem:summarize"`
	Group         string        `env:"TUSK_REDIS_GROUP" envDefault:"summarizers"`
	Consumer      string        `env:"TUSK_REDIS_CONSUMER"`
	Block         time.Duration `env:"TUSK_REDIS_BLOCK" envDefault:"2s"`
	// Entries pending on any consumer this long are claimed; 0 disables.
	ClaimIdle     time.Duration `env:"TUSK_REDIS_CLAIM_IDLE" envDefault:"5m"`
}

func NewQueueConfig(ctx context.Context) *QueueConfig {
	c := &QueueConfig{}
	if err := env.Parse(c); err != nil {
		log.FromCtx(ctx).Fatal().Err(err).Msg("failed to parse Queue config")
	}
	if c.Consumer == "" {
		c.Consumer, _ = os.Hostname()
	}
	return c
}
