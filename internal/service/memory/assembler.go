package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/sandevgo/tuskmem/internal/config"
	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/internal/metrics"
	"github.com/sandevgo/tuskmem/pkg/log"
	"github.com/sandevgo/tuskmem/pkg/tokens"
)

const (
	workingMemoryHeader = "## Working memory"
	recallHeader        = "## Recalled context"
)

// Recaller runs archival search for Tier 3 and returns ready-to-read excerpts.
type Recaller interface {
	Recall(ctx context.Context, agentID, query string, limit int) ([]string, error)
}

type Request struct {
	ConversationID string
	AgentID        string
	OwnerID        string
	UserTurn       string
	// ExternalContext is long-term memory or tool context supplied by the caller.
	ExternalContext string
	// RecallQuery, when set, adds archival search results.
	RecallQuery string
	// CurrentTurnIndex is the stored index of UserTurn, if it was already
	// recorded. That turn and anything after it are left out of history.
	CurrentTurnIndex int
}

type Assembly struct {
	Messages            []core.Message `json:"messages"`
	TokensUsed          int            `json:"tokens_used"`
	Budget              int            `json:"budget"`
	WorkingMemoryTokens int            `json:"working_memory_tokens"`
	RecallTokens        int            `json:"recall_tokens"`
	HistoryTokens       int            `json:"history_tokens"`
	HistoryTurns        int            `json:"history_turns"`
	Degraded            bool           `json:"degraded"`
}

// Assembler builds the ordered message list for one model call. It only reads
// committed state and never waits on a running summarization cycle.
type Assembler struct {
	cfg      *config.MemoryConfig
	prompter Prompter
	working  *Working
	history  HistoryReader
	recaller Recaller
	counter  tokens.Counter
	metrics  *metrics.Collector
}

func NewAssembler(
	cfg *config.MemoryConfig,
	prompter Prompter,
	working *Working,
	history HistoryReader,
	recaller Recaller,
	counter tokens.Counter,
	m *metrics.Collector,
) *Assembler {
	return &Assembler{
		cfg:      cfg,
		prompter: prompter,
		working:  working,
		history:  history,
		recaller: recaller,
		counter:  counter,
		metrics:  m,
	}
}

func (a *Assembler) Assemble(ctx context.Context, req Request) *Assembly {
	ctx = log.WithConversation(ctx, req.ConversationID, req.AgentID)
	logger := log.FromCtx(ctx)

	out := &Assembly{Budget: a.cfg.TokenBudget}

	system := a.prompter.Build()
	user := core.Message{Role: core.RoleUser, Content: req.UserTurn}
	var external []core.Message
	if strings.TrimSpace(req.ExternalContext) != "" {
		external = append(external, core.Message{Role: core.RoleSystem, Content: req.ExternalContext})
	}

	fixed := a.cost(system...) + a.cost(external...) + a.cost(user)
	remaining := a.cfg.TokenBudget - fixed

	// Tier 1
	var wmBlock *core.Message
	wc, wcErr := a.working.GetWorkingContext(ctx, req.ConversationID, req.AgentID)
	if wcErr != nil {
		logger.Warn().Err(wcErr).Msg("working memory unavailable")
	}
	tier1Available := wcErr == nil && !wc.IsEmpty()
	if tier1Available {
		if block, cost, ok := a.fitWorkingMemory(wc, remaining); ok {
			wmBlock = &core.Message{Role: core.RoleSystem, Content: block}
			remaining -= cost
			out.WorkingMemoryTokens = cost
		}
	}

	// Tier 2
	allowance := a.cfg.HistorySize(req.AgentID)
	if !tier1Available {
		allowance *= max(a.cfg.FallbackHistoryFactor, 1)
	}
	turns, histErr := a.recentTurns(ctx, req, allowance)
	if histErr != nil {
		logger.Warn().Err(histErr).Msg("recent history unavailable")
	}

	if wcErr != nil && histErr != nil {
		return a.minimal(out, system, user)
	}
	out.Degraded = wcErr != nil || histErr != nil

	var history []core.Message
	for i := len(turns) - 1; i >= 0; i-- {
		msg := turns[i].AsMessage()
		cost := a.cost(msg)
		if cost > remaining {
			break
		}
		history = append(history, msg)
		remaining -= cost
		out.HistoryTokens += cost
	}
	slices.Reverse(history)
	out.HistoryTurns = len(history)

	// Tier 3
	var recallBlock *core.Message
	if req.RecallQuery != "" && a.recaller != nil {
		if block, cost, ok := a.fitRecall(ctx, req, remaining); ok {
			recallBlock = &core.Message{Role: core.RoleSystem, Content: block}
			out.RecallTokens = cost
		}
	}

	msgs := make([]core.Message, 0, len(system)+len(external)+len(history)+3)
	msgs = append(msgs, system...)
	msgs = append(msgs, external...)
	if wmBlock != nil {
		msgs = append(msgs, *wmBlock)
	}
	if recallBlock != nil {
		msgs = append(msgs, *recallBlock)
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, user)

	out.Messages = msgs
	out.TokensUsed = a.cost(msgs...)
	a.metrics.Assembled(out.TokensUsed, out.Degraded)

	logger.Debug().
		Int("tokens", out.TokensUsed).
		Int("working_memory", out.WorkingMemoryTokens).
		Int("history_turns", out.HistoryTurns).
		Int("recall", out.RecallTokens).
		Msg("context assembled")
	return out
}

// minimal is the context used when persistence is entirely unreachable.
func (a *Assembler) minimal(out *Assembly, system []core.Message, user core.Message) *Assembly {
	out.Messages = append(append([]core.Message(nil), system...), user)
	out.TokensUsed = a.cost(out.Messages...)
	out.Degraded = true
	a.metrics.Assembled(out.TokensUsed, true)
	return out
}

func (a *Assembler) recentTurns(ctx context.Context, req Request, allowance int) ([]core.Turn, error) {
	if allowance <= 0 {
		return nil, nil
	}
	limit := allowance
	if req.CurrentTurnIndex > 0 {
		limit++
	}
	turns, err := a.history.RecentTurns(ctx, req.ConversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent turns: %w", err)
	}
	if req.CurrentTurnIndex > 0 {
		turns = slices.DeleteFunc(turns, func(t core.Turn) bool {
			return t.Index >= req.CurrentTurnIndex
		})
	}
	if len(turns) > allowance {
		turns = turns[len(turns)-allowance:]
	}
	return turns, nil
}

// fitWorkingMemory shrinks the board until it fits: pending questions go
// first, then action items, then the oldest facts. If the summary alone is
// still too large the block is skipped.
func (a *Assembler) fitWorkingMemory(wc core.WorkingContext, remaining int) (string, int, bool) {
	for {
		block := FormatWorkingMemory(wc)
		if block == "" {
			return "", 0, false
		}
		cost := a.cost(core.Message{Role: core.RoleSystem, Content: block})
		if cost <= remaining {
			return block, cost, true
		}

		switch {
		case len(wc.PendingQuestions) > 0:
			wc.PendingQuestions = wc.PendingQuestions[:len(wc.PendingQuestions)-1]
		case len(wc.ActionItems) > 0:
			wc.ActionItems = wc.ActionItems[:len(wc.ActionItems)-1]
		case len(wc.KeyFacts) > 0:
			wc.KeyFacts = wc.KeyFacts[1:]
		default:
			return "", 0, false
		}
	}
}

func (a *Assembler) fitRecall(ctx context.Context, req Request, remaining int) (string, int, bool) {
	excerpts, err := a.recaller.Recall(ctx, req.AgentID, req.RecallQuery, a.cfg.RecallLimit)
	if err != nil {
		log.FromCtx(ctx).Warn().Err(err).Msg("recall failed")
		return "", 0, false
	}

	for len(excerpts) > 0 {
		block := formatRecall(excerpts)
		cost := a.cost(core.Message{Role: core.RoleSystem, Content: block})
		if cost <= remaining {
			return block, cost, true
		}
		excerpts = excerpts[:len(excerpts)-1]
	}
	return "", 0, false
}

func (a *Assembler) cost(msgs ...core.Message) int {
	total := 0
	for _, m := range msgs {
		total += tokens.CountMessage(a.counter, m.Content)
	}
	return total
}

// FormatWorkingMemory renders Tier 1 as one labelled block.
func FormatWorkingMemory(wc core.WorkingContext) string {
	if wc.IsEmpty() {
		return ""
	}

	var b strings.Builder
	b.WriteString(workingMemoryHeader)
	b.WriteString("\n")
	if wc.Summary != "" {
		b.WriteString("\n### Summary\n")
		b.WriteString(wc.Summary)
		b.WriteString("\n")
	}
	writeList(&b, "Key facts", wc.KeyFacts)
	writeList(&b, "Action items", wc.ActionItems)
	writeList(&b, "Pending questions", wc.PendingQuestions)
	return strings.TrimRight(b.String(), "\n")
}

func formatRecall(excerpts []string) string {
	var b strings.Builder
	b.WriteString(recallHeader)
	b.WriteString("\n")
	for _, e := range excerpts {
		b.WriteString("\n- ")
		b.WriteString(strings.ReplaceAll(strings.TrimSpace(e), "\n", "\n  "))
	}
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString("\n### ")
	b.WriteString(title)
	b.WriteString("\n")
	for _, it := range items {
		b.WriteString("- ")
		b.WriteString(it)
		b.WriteString("\n")
	}
}
