package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/internal/service/trigger"
	"github.com/spf13/cobra"
)

var turnFlags struct {
	conversation string
	agent        string
	owner        string
	role         string
}

var turnCmd = &cobra.Command{
	Use:   "turn [content]",
	Short: "Record a conversation turn",
	Long: `Stores one turn and publishes a summarization event when the conversation
reaches its update frequency. With the channel queue the cycle runs before the command returns.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, flushLog := setupLoggerTo(cmd.Context(), cmd.ErrOrStderr())
		defer flushLog()

		app, err := NewApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		sum, err := app.NewSummarizer(ctx)
		if err != nil {
			return err
		}
		d, err := app.NewDispatcher(ctx, sum.HandleEvent)
		if err != nil {
			return err
		}

		role := strings.ToLower(turnFlags.role)
		switch role {
		case core.RoleUser, core.RoleAssistant, core.RoleTool, core.RoleSystem:
		default:
			return fmt.Errorf("unknown role: %s", turnFlags.role)
		}

		turn, err := app.NewTrigger(d).OnNewTurn(ctx, trigger.NewTurn{
			ConversationID: turnFlags.conversation,
			AgentID:        turnFlags.agent,
			OwnerID:        turnFlags.owner,
			Role:           role,
			Content:        strings.Join(args, " "),
			Timestamp:      time.Now(),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stored turn %d of %s\n", turn.Index, turn.ConversationID)
		return nil
	},
}

func init() {
	turnCmd.Flags().StringVarP(&turnFlags.conversation, "conversation", "c", "", "conversation id")
	turnCmd.Flags().StringVarP(&turnFlags.agent, "agent", "a", "default", "agent id")
	turnCmd.Flags().StringVarP(&turnFlags.owner, "owner", "o", "", "owner id")
	turnCmd.Flags().StringVarP(&turnFlags.role, "role", "r", core.RoleUser, "user, assistant, tool or system")
	_ = turnCmd.MarkFlagRequired("conversation")
	rootCmd.AddCommand(turnCmd)
}
