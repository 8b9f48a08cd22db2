package config

import (
	"context"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/sandevgo/tuskmem/pkg/log"
)

type AppConfig struct {
	RuntimePath  string `env:"TUSK_RUNTIME_PATH"`
	DatabaseFile string `env:"TUSK_DATABASE_FILE" envDefault:"tuskmem.db"`

	// Persist the vector index next to the database instead of rebuilding it
	// from stored embeddings on every start.
	PersistVectors bool `env:"TUSK_PERSIST_VECTORS" envDefault:"false"`

	MetricsAddr     string `env:"TUSK_METRICS_ADDR"`
	CleanupSchedule string `env:"TUSK_CLEANUP_SCHEDULE" envDefault:"@every 1h"`
}

func NewAppConfig(ctx context.Context) *AppConfig {
	c := &AppConfig{}
	if err := env.Parse(c); err != nil {
		log.FromCtx(ctx).Fatal().Err(err).Msg("failed to parse App config")
	}
	if c.RuntimePath == "" {
		c.RuntimePath = RuntimeDir()
	}
	return c
}

func (c AppConfig) GetRuntimePath() string {
	return c.RuntimePath
}

func (c AppConfig) GetSystemPath() string {
	return filepath.Join(c.RuntimePath, "SYSTEM.md")
}

func (c AppConfig) GetIdentityPath() string {
	return filepath.Join(c.RuntimePath, "IDENTITY.md")
}

func (c AppConfig) GetUserProfilePath() string {
	return filepath.Join(c.RuntimePath, "USER.md")
}

func (c AppConfig) GetMemoryPath() string {
	return filepath.Join(c.RuntimePath, "MEMORY.md")
}

func (c AppConfig) GetDatabasePath() string {
	if filepath.IsAbs(c.DatabaseFile) {
		return c.DatabaseFile
	}
	return filepath.Join(c.RuntimePath, c.DatabaseFile)
}

func (c AppConfig) GetVectorPath() string {
	return filepath.Join(c.RuntimePath, "vectors")
}
