package main

import (
	"os"
	"os/signal"

	"github.com/sandevgo/tuskmem/internal/transport/mcp"
	"github.com/spf13/cobra"
)

var mcpFlags struct {
	agent        string
	conversation string
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve recall tools to an agent over MCP stdio",
	Long: `Exposes search_conversation_history, get_conversation_summary and recall_context
for one agent. Logs go to stderr; stdout carries the protocol.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		ctx, flushLog := setupLoggerTo(ctx, os.Stderr)
		defer flushLog()

		app, err := NewApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		server := mcp.NewServer(app.Recall, mcpFlags.agent, mcpFlags.conversation, os.Stdin, os.Stdout)
		return server.Start(ctx)
	},
}

func init() {
	mcpCmd.Flags().StringVarP(&mcpFlags.agent, "agent", "a", "default", "agent whose memory is served")
	mcpCmd.Flags().StringVarP(&mcpFlags.conversation, "conversation", "c", "", "default conversation for tools called without one")
	rootCmd.AddCommand(mcpCmd)
}
