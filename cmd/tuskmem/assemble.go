package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sandevgo/tuskmem/internal/service/memory"
	"github.com/sandevgo/tuskmem/internal/service/ui"
	"github.com/sandevgo/tuskmem/pkg/conv"
	"github.com/spf13/cobra"
)

var assembleFlags struct {
	conversation string
	agent        string
	owner        string
	query        string
	external     string
	turnIndex    int
	asJSON       bool
	asHTML       bool
	plain        bool
}

var assembleCmd = &cobra.Command{
	Use:   "assemble [user turn]",
	Short: "Print the context that would be sent with a user turn",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, flushLog := setupLoggerTo(cmd.Context(), cmd.ErrOrStderr())
		defer flushLog()

		app, err := NewApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		out := app.Assembler.Assemble(ctx, memory.Request{
			ConversationID:   assembleFlags.conversation,
			AgentID:          assembleFlags.agent,
			OwnerID:          assembleFlags.owner,
			UserTurn:         strings.Join(args, " "),
			ExternalContext:  assembleFlags.external,
			RecallQuery:      assembleFlags.query,
			CurrentTurnIndex: assembleFlags.turnIndex,
		})

		w := cmd.OutOrStdout()
		if assembleFlags.asJSON {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		if assembleFlags.plain {
			_, err = fmt.Fprint(w, renderPlain(out))
			return err
		}

		md := renderAssembly(out)
		if assembleFlags.asHTML {
			_, err = fmt.Fprintln(w, conv.MarkdownToHTML([]byte(md)))
			return err
		}
		_, err = fmt.Fprint(w, md)
		return err
	},
}

func renderAssembly(a *memory.Assembly) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<!-- %d of %d tokens", a.TokensUsed, a.Budget)
	if a.Degraded {
		b.WriteString(", degraded")
	}
	b.WriteString(" -->\n")
	for _, m := range a.Messages {
		fmt.Fprintf(&b, "\n**%s**\n\n%s\n", strings.ToUpper(m.Role), m.Content)
	}
	return b.String()
}

// renderPlain styles the assembly for a terminal.
func renderPlain(a *memory.Assembly) string {
	var b strings.Builder
	b.WriteString(ui.Meter(a.TokensUsed, a.Budget, 30))
	if a.Degraded {
		b.WriteString(" " + ui.WarnStyle.Render("degraded"))
	}
	b.WriteString("\n")
	for _, m := range a.Messages {
		fmt.Fprintf(&b, "\n%s\n%s\n", ui.Role(m.Role), m.Content)
	}
	return b.String()
}

func init() {
	f := assembleCmd.Flags()
	f.StringVarP(&assembleFlags.conversation, "conversation", "c", "", "conversation id")
	f.StringVarP(&assembleFlags.agent, "agent", "a", "default", "agent id")
	f.StringVarP(&assembleFlags.owner, "owner", "o", "", "owner id")
	f.StringVarP(&assembleFlags.query, "recall", "q", "", "add archival recall for this query")
	f.StringVar(&assembleFlags.external, "external", "", "caller supplied context block")
	f.IntVar(&assembleFlags.turnIndex, "turn-index", 0, "stored index of the user turn, excluded from history")
	f.BoolVar(&assembleFlags.asJSON, "json", false, "print the assembly as JSON")
	f.BoolVar(&assembleFlags.asHTML, "html", false, "render the messages as HTML")
	f.BoolVar(&assembleFlags.plain, "plain", false, "styled terminal output with a token meter")
	_ = assembleCmd.MarkFlagRequired("conversation")
	rootCmd.AddCommand(assembleCmd)
}
