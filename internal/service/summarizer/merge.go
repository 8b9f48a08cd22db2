package summarizer

import (
	"strings"

	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/internal/service/memory"
	"github.com/sandevgo/tuskmem/pkg/tokens"
)

// mergeIncremental folds r into a copy of board. Facts and topics are
// appended without duplicates, the summary is replaced by the model's
// rewrite, and action items and questions follow the model's lists when it
// returned them.
func mergeIncremental(board *core.SummaryBoard, r result) *core.SummaryBoard {
	next := *board
	next.CurrentSummary = r.Summary
	next.KeyFacts = core.MergeUnique(board.KeyFacts, r.KeyFacts)
	next.Entities = board.Entities.Merge(r.Entities)
	next.Topics = core.MergeUnique(board.Topics, r.Topics)

	if r.hasActions {
		next.ActionItems = r.ActionItems
	} else {
		next.ActionItems = core.MergeUnique(board.ActionItems, r.ActionItems)
	}
	if r.hasQuestions {
		next.PendingQuestions = r.PendingQuestions
	} else {
		next.PendingQuestions = core.MergeUnique(board.PendingQuestions, r.PendingQuestions)
	}
	return &next
}

// replaceBoard installs a full-resummarization result over board.
func replaceBoard(board *core.SummaryBoard, r result) *core.SummaryBoard {
	next := *board
	next.CurrentSummary = r.Summary
	next.KeyFacts = core.MergeUnique(nil, r.KeyFacts)
	next.Entities = core.Entities{}.Merge(r.Entities)
	next.Topics = core.MergeUnique(nil, r.Topics)
	next.ActionItems = core.MergeUnique(nil, r.ActionItems)
	next.PendingQuestions = core.MergeUnique(nil, r.PendingQuestions)
	return &next
}

// combineFallback joins partial results when the combining call fails.
func combineFallback(partials []result) result {
	var out result
	summaries := make([]string, 0, len(partials))
	for _, p := range partials {
		summaries = append(summaries, p.Summary)
		out.KeyFacts = core.MergeUnique(out.KeyFacts, p.KeyFacts)
		out.Entities = out.Entities.Merge(p.Entities)
		out.Topics = core.MergeUnique(out.Topics, p.Topics)
		out.ActionItems = core.MergeUnique(out.ActionItems, p.ActionItems)
		out.PendingQuestions = core.MergeUnique(out.PendingQuestions, p.PendingQuestions)
	}
	out.Summary = strings.Join(summaries, " ")
	return out
}

// plainSummary is the fallback for output that could not be parsed: the
// previous summary followed by the new turns as plain text.
func plainSummary(previous string, turns []core.Turn) result {
	var parts []string
	if s := strings.TrimSpace(previous); s != "" {
		parts = append(parts, s)
	}
	for _, t := range turns {
		if t.Role == core.RoleSystem || strings.TrimSpace(t.Content) == "" {
			continue
		}
		line := memory.FormatTurn(t)
		if !strings.HasSuffix(line, ".") && !strings.HasSuffix(line, "?") && !strings.HasSuffix(line, "!") {
			line += "."
		}
		parts = append(parts, line)
	}
	return result{Summary: strings.Join(parts, " ")}
}

func clampSummary(counter tokens.Counter, s string, ceiling int) string {
	return tokens.Truncate(counter, s, ceiling)
}
