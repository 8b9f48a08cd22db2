package summarizer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sandevgo/tuskmem/internal/core"
)

const systemPrompt = "You are a conversation memory system. Output only valid JSON."

const resultShape = `Return one JSON object with these keys:
"summary": string,
"key_facts": [string],
"entities": {"people": [string], "places": [string], "organizations": [string], "projects": [string], "tools": [string], "other": [string]},
"topics": [string],
"action_items": [string],
"pending_questions": [string].
Facts must be self-contained (write "User" instead of "he" or "I"). Ignore greetings and small talk.`

// result is the structured answer of one summarization call. Nil lists mean
// the model left the key out.
type result struct {
	Summary          string
	KeyFacts         []string
	Entities         core.Entities
	Topics           []string
	ActionItems      []string
	PendingQuestions []string
	hasActions       bool
	hasQuestions     bool
}

type rawResult struct {
	Summary          string          `json:"summary"`
	KeyFacts         []string        `json:"key_facts"`
	Entities         json.RawMessage `json:"entities"`
	Topics           []string        `json:"topics"`
	ActionItems      *[]string       `json:"action_items"`
	PendingQuestions *[]string       `json:"pending_questions"`
}

func buildIncrementalPrompt(board *core.SummaryBoard, transcript string, ceiling int) string {
	var b strings.Builder
	b.WriteString("Update the running memory of a conversation with the new messages below.\n")
	b.WriteString(resultShape)
	fmt.Fprintf(&b, `
"summary" is a consolidated rewrite of the whole conversation so far in chronological order, at most %d tokens. Do not just append the new messages.
"key_facts" lists durable facts from the NEW messages only.
"action_items" and "pending_questions" are the complete current lists after the new messages.
`, ceiling)

	b.WriteString("\nCurrent summary:\n")
	if board.CurrentSummary == "" {
		b.WriteString("(none)\n")
	} else {
		b.WriteString(board.CurrentSummary)
		b.WriteString("\n")
	}
	writeSection(&b, "Known facts", board.KeyFacts)
	writeSection(&b, "Open action items", board.ActionItems)
	writeSection(&b, "Pending questions", board.PendingQuestions)

	b.WriteString("\nNew messages:\n")
	b.WriteString(transcript)
	return b.String()
}

func buildChunkPrompt(transcript string, part, total, ceiling int) string {
	return fmt.Sprintf(`Summarize part %d of %d of a conversation.
%s
"summary" covers only this part, at most %d tokens.

Messages:
%s`, part, total, resultShape, ceiling, transcript)
}

func buildCombinePrompt(partials []result, ceiling int) string {
	var b strings.Builder
	b.WriteString("Combine the partial summaries of one conversation, given in chronological order, into a single memory.\n")
	b.WriteString(resultShape)
	fmt.Fprintf(&b, "\n\"summary\" is one narrative for the whole conversation, at most %d tokens.\n", ceiling)

	for i, p := range partials {
		fmt.Fprintf(&b, "\nPart %d:\n%s\n", i+1, p.Summary)
		writeSection(&b, "Facts", p.KeyFacts)
		writeSection(&b, "Action items", p.ActionItems)
		writeSection(&b, "Questions", p.PendingQuestions)
	}
	return b.String()
}

func writeSection(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString("\n")
	b.WriteString(title)
	b.WriteString(":\n")
	for _, it := range items {
		b.WriteString("- ")
		b.WriteString(it)
		b.WriteString("\n")
	}
}

func parseResult(content string) (result, error) {
	jsonStr := extractJSONObject(content)
	if jsonStr == "" {
		return result{}, fmt.Errorf("no JSON object found in response")
	}

	var raw rawResult
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return result{}, fmt.Errorf("unmarshal summary: %w", err)
	}
	if strings.TrimSpace(raw.Summary) == "" {
		return result{}, fmt.Errorf("summary is empty")
	}

	out := result{
		Summary:  strings.TrimSpace(raw.Summary),
		KeyFacts: core.MergeUnique(nil, raw.KeyFacts),
		Entities: parseEntities(raw.Entities),
		Topics:   core.MergeUnique(nil, raw.Topics),
	}
	if raw.ActionItems != nil {
		out.hasActions = true
		out.ActionItems = core.MergeUnique(nil, *raw.ActionItems)
	}
	if raw.PendingQuestions != nil {
		out.hasQuestions = true
		out.PendingQuestions = core.MergeUnique(nil, *raw.PendingQuestions)
	}
	return out, nil
}

// parseEntities accepts the requested category map and also a flat list,
// which lands under "other".
func parseEntities(raw json.RawMessage) core.Entities {
	if len(raw) == 0 {
		return core.Entities{}
	}
	var grouped map[string][]string
	if err := json.Unmarshal(raw, &grouped); err == nil {
		return core.Entities{}.Merge(grouped)
	}
	var flat []string
	if err := json.Unmarshal(raw, &flat); err == nil {
		return core.Entities{}.Merge(core.Entities{"other": flat})
	}
	return core.Entities{}
}

func extractJSONObject(content string) string {
	start := strings.Index(content, "{")
	if start == -1 {
		return ""
	}

	end := strings.LastIndex(content[start:], "}")
	if end == -1 {
		return ""
	}

	return content[start : start+end+1]
}
