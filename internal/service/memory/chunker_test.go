package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/sandevgo/tuskmem/internal/config"
	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/internal/providers/embedding"
	"github.com/sandevgo/tuskmem/pkg/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func turnsOf(contents ...string) []core.Turn {
	out := make([]core.Turn, len(contents))
	for i, c := range contents {
		role := core.RoleUser
		if i%2 == 1 {
			role = core.RoleAssistant
		}
		out[i] = core.Turn{ID: int64(i + 1), Index: i + 1, Role: role, Content: c}
	}
	return out
}

func segmentIDs(segs []Segment) [][]int64 {
	out := make([][]int64, 0, len(segs))
	for _, s := range segs {
		out = append(out, s.MessageIDs())
	}
	return out
}

func TestChunker_TokenCeiling(t *testing.T) {
	c := NewChunker(ChunkerConfig{MaxTokens: 20}, tokens.Estimator{}, nil)
	word := strings.Repeat("x", 40) // 10 tokens + overhead

	segs := c.Split(context.Background(), turnsOf(word, word, word))
	assert.Equal(t, [][]int64{{1}, {2}, {3}}, segmentIDs(segs))
	for _, s := range segs {
		assert.Positive(t, s.Tokens)
	}

	one := c.Split(context.Background(), turnsOf(strings.Repeat("y", 400)))
	require.Len(t, one, 1, "an oversized turn still forms its own segment")
}

func TestChunker_CompletionMarkers(t *testing.T) {
	c := NewChunker(ChunkerConfig{MaxTokens: 1000, CompletionMarkers: []string{"Task Complete", " "}}, tokens.Estimator{}, nil)

	turns := turnsOf("set up the repo", "working on it", "ok", "task complete, repo ready", "next: docs", "sure")
	segs := c.Split(context.Background(), turns)
	assert.Equal(t, [][]int64{{1, 2, 3, 4}, {5, 6}}, segmentIDs(segs))

	tool := []core.Turn{
		{ID: 1, Role: core.RoleUser, Content: "fetch the page"},
		{ID: 2, Role: core.RoleTool, Content: "<p>page</p>"},
		{ID: 3, Role: core.RoleAssistant, Content: "here it is"},
	}
	assert.Equal(t, [][]int64{{1, 2}, {3}}, segmentIDs(c.Split(context.Background(), tool)))
	assert.Empty(t, c.Split(context.Background(), nil))
}

func TestChunker_TopicShift(t *testing.T) {
	emb := &tableEmbedder{dims: 2, vectors: map[string][]float32{
		"cooking pasta":    {1, 0},
		"boil the water":   {0.95, 0.3},
		"stock markets":    {0, 1},
		"index funds fell": {0.1, 1},
	}}
	c := NewChunker(ChunkerConfig{MaxTokens: 1000, TopicShiftDistance: 0.5}, tokens.Estimator{}, emb)

	segs := c.Split(context.Background(), turnsOf("cooking pasta", "boil the water", "stock markets", "index funds fell"))
	assert.Equal(t, [][]int64{{1, 2}, {3, 4}}, segmentIDs(segs))

	disabled := NewChunker(ChunkerConfig{MaxTokens: 1000}, tokens.Estimator{}, emb)
	assert.Len(t, disabled.Split(context.Background(), turnsOf("cooking pasta", "stock markets")), 1)
}

func TestChunker_TopicShiftAgainstSegmentCentroid(t *testing.T) {
	emb := &tableEmbedder{dims: 2, vectors: map[string][]float32{
		"flights":   {1, 0},
		"luggage":   {0.6, 0.8},
		"insurance": {0, 1},
	}}
	c := NewChunker(ChunkerConfig{MaxTokens: 1000, TopicShiftDistance: 0.5}, tokens.Estimator{}, emb)

	// each step is under the cutoff but the segment as a whole drifted
	segs := c.Split(context.Background(), turnsOf("flights", "luggage", "insurance"))
	assert.Equal(t, [][]int64{{1, 2}, {3}}, segmentIDs(segs))
}

func TestChunker_DefaultConfigKeepsOneTopicTogether(t *testing.T) {
	cfg := config.DefaultMemoryConfig()
	c := NewChunker(ChunkerConfig{
		MaxTokens:          cfg.ChunkMaxTokens,
		TopicShiftDistance: cfg.TopicShiftDistance,
		CompletionMarkers:  cfg.CompletionMarkers,
	}, tokens.Estimator{}, embedding.NewHash(384))

	segs := c.Split(context.Background(), turnsOf(
		"We are planning a trip to Lisbon in May.",
		"Great, how many nights are you staying?",
		"Five nights, near Alfama if possible.",
		"Alfama has small guesthouses with river views.",
		"Book one with breakfast and a late checkout.",
	))
	assert.Len(t, segs, 1)
}

func TestChunker_EmbedderFailureDisablesTopicShift(t *testing.T) {
	emb := &tableEmbedder{dims: 2, err: assert.AnError}
	c := NewChunker(ChunkerConfig{MaxTokens: 1000, TopicShiftDistance: 0.1}, tokens.Estimator{}, emb)

	segs := c.Split(context.Background(), turnsOf("a", "b", "c"))
	assert.Len(t, segs, 1)
}

func TestCosineDistance(t *testing.T) {
	assert.InDelta(t, 0, CosineDistance([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 1, CosineDistance([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, 2, CosineDistance([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 1.0, CosineDistance([]float32{0, 0}, []float32{1, 0}))
	assert.Equal(t, 1.0, CosineDistance([]float32{1}, []float32{1, 0}))
}

func TestFormatTurns(t *testing.T) {
	turns := []core.Turn{
		{Role: core.RoleUser, Content: " hello "},
		{Role: core.RoleAssistant, Content: ""},
		{Role: core.RoleTool, Content: "<div><p>Result</p></div>"},
	}
	assert.Equal(t, "USER: hello\nTOOL: Result", FormatTurns(turns))
}

func TestImportance(t *testing.T) {
	ack := []core.Turn{{Role: core.RoleAssistant, Content: "Ok."}}
	request := []core.Turn{{Role: core.RoleUser, Content: "Please email Maria the 2 reports?"}}

	low := Importance(ack, 0, 2)
	high := Importance(request, 1, 2)
	assert.Less(t, low, high)
	assert.LessOrEqual(t, high, 1.0)
	assert.GreaterOrEqual(t, low, 0.0)

	assert.Greater(t, Importance(request, 1, 2), Importance(request, 0, 2), "later segments weigh more")
	assert.Zero(t, Importance(nil, 0, 1))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		turns []core.Turn
		want  core.ChunkType
	}{
		{"tool", []core.Turn{{Role: core.RoleTool, Content: "ok"}}, core.ChunkAction},
		{"imperative", []core.Turn{{Role: core.RoleUser, Content: "Remind me tomorrow."}}, core.ChunkAction},
		{"open question", []core.Turn{{Role: core.RoleUser, Content: "Where is the key?"}}, core.ChunkQuestion},
		{"answered", []core.Turn{
			{Role: core.RoleUser, Content: "Where is the key?"},
			{Role: core.RoleAssistant, Content: "Under the mat."},
		}, core.ChunkAnswer},
		{"fact", []core.Turn{{Role: core.RoleUser, Content: "My sister is a nurse."}}, core.ChunkFact},
		{"dialogue", []core.Turn{{Role: core.RoleUser, Content: "hello there"}}, core.ChunkDialogue},
		{"empty", nil, core.ChunkDialogue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.turns))
		})
	}
}
