package main

import (
	"fmt"

	"github.com/sandevgo/tuskmem/internal/config"
	"github.com/sandevgo/tuskmem/pkg/env"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as .env lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, flushLog := setupLoggerTo(cmd.Context(), cmd.ErrOrStderr())
		defer flushLog()

		if err := initEnv(ctx, config.RuntimeDir()); err != nil {
			return err
		}

		out, err := env.MarshalEnv(
			config.NewAppConfig(ctx),
			config.NewMemoryConfig(ctx),
			config.NewLLMConfig(ctx),
			config.NewEmbeddingConfig(ctx),
			config.NewQueueConfig(ctx),
		)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), out)
		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
