package main

import (
	"errors"
	"fmt"

	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/spf13/cobra"
)

var triggerFlags struct {
	full      bool
	frequency int
}

var triggerCmd = &cobra.Command{
	Use:   "trigger [conversation]",
	Short: "Summarize a conversation now or change its update frequency",
	Args:  cobra.ExactArgs(1),
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
		trig := app.NewTrigger(d)
		conversationID := args[0]
		out := cmd.OutOrStdout()

		if cmd.Flags().Changed("frequency") {
			if err := trig.SetUpdateFrequency(ctx, conversationID, triggerFlags.frequency); err != nil {
				return err
			}
			fmt.Fprintf(out, "update frequency of %s set to %d\n", conversationID, triggerFlags.frequency)
			return nil
		}

		if err := trig.TriggerNow(ctx, conversationID, triggerFlags.full); err != nil {
			if errors.Is(err, core.ErrNotFound) {
				return fmt.Errorf("conversation %s has no turns", conversationID)
			}
			return err
		}

		board, err := app.Boards.GetBoard(ctx, conversationID)
		if err != nil {
			fmt.Fprintf(out, "summarization of %s requested\n", conversationID)
			return nil
		}
		fmt.Fprintf(out, "%s: %d messages summarized in %d cycles\n", conversationID, board.MessageCount, board.CycleCount)
		return nil
	},
}

func init() {
	triggerCmd.Flags().BoolVar(&triggerFlags.full, "full", false, "re-summarize the whole conversation")
	triggerCmd.Flags().IntVar(&triggerFlags.frequency, "frequency", 0, "set the update frequency instead of triggering")
	rootCmd.AddCommand(triggerCmd)
}
