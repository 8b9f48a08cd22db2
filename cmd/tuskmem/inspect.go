package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss/table"
	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/internal/service/ui"
	"github.com/spf13/cobra"
)

var inspectFlags struct {
	conversation string
	agent        string
	limit        int
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show an agent's conversations or the live chunks of one conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, flushLog := setupLoggerTo(cmd.Context(), cmd.ErrOrStderr())
		defer flushLog()

		app, err := NewApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		out := cmd.OutOrStdout()
		if inspectFlags.conversation == "" {
			boards, err := app.Boards.ListBoards(ctx, inspectFlags.agent, inspectFlags.limit)
			if err != nil {
				return err
			}
			return printBoards(out, boards)
		}

		board, err := app.Boards.GetBoard(ctx, inspectFlags.conversation)
		if err != nil {
			return err
		}
		chunks, err := app.Chunks.ConversationChunks(ctx, board.ConversationID, time.Now())
		if err != nil {
			return err
		}
		return printChunks(out, board, chunks)
	},
}

func printBoards(w io.Writer, boards []core.SummaryBoard) error {
	if len(boards) == 0 {
		_, err := fmt.Fprintln(w, ui.DescStyle.Render("no conversations"))
		return err
	}
	t := table.New().Headers("CONVERSATION", "MESSAGES", "CYCLES", "EVERY", "UPDATED")
	for _, b := range boards {
		updated := "never"
		if !b.LastUpdated.IsZero() {
			updated = b.LastUpdated.Local().Format(time.DateTime)
		}
		t.Row(b.ConversationID,
			strconv.Itoa(b.MessageCount),
			strconv.Itoa(b.CycleCount),
			strconv.Itoa(b.UpdateFrequency),
			updated)
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func printChunks(w io.Writer, board *core.SummaryBoard, chunks []core.WorkingMemoryChunk) error {
	fmt.Fprintln(w, ui.TitleStyle.Render(board.ConversationID))
	if board.CurrentSummary != "" {
		fmt.Fprintf(w, "%s\n\n", board.CurrentSummary)
	}
	for _, c := range chunks {
		fmt.Fprintf(w, "%s %s\n%s\n\n",
			ui.FlagStyle.Render(fmt.Sprintf("#%d %s %.2f", c.ChunkIndex, c.ChunkType, c.ImportanceScore)),
			ui.DescStyle.Render("expires "+c.ExpiresAt.Local().Format(time.DateTime)),
			c.ChunkText)
	}
	_, err := fmt.Fprintf(w, "%d live chunks\n", len(chunks))
	return err
}

func init() {
	f := inspectCmd.Flags()
	f.StringVarP(&inspectFlags.conversation, "conversation", "c", "", "show the chunks of this conversation")
	f.StringVarP(&inspectFlags.agent, "agent", "a", "default", "agent id")
	f.IntVarP(&inspectFlags.limit, "limit", "n", 20, "number of conversations to list")
	rootCmd.AddCommand(inspectCmd)
}
