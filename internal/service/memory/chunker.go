package memory

import (
	"context"
	"math"
	"strings"

	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/pkg/conv"
	"github.com/sandevgo/tuskmem/pkg/log"
	"github.com/sandevgo/tuskmem/pkg/tokens"
)

// ChunkerConfig holds the boundary thresholds. A zero TopicShiftDistance
// disables topic-shift detection.
type ChunkerConfig struct {
	MaxTokens          int
	TopicShiftDistance float64
	CompletionMarkers  []string
}

// Segment is a run of consecutive turns that belong together.
type Segment struct {
	Turns  []core.Turn
	Tokens int
}

func (s Segment) Text() string {
	return FormatTurns(s.Turns)
}

func (s Segment) MessageIDs() []int64 {
	ids := make([]int64, 0, len(s.Turns))
	for _, t := range s.Turns {
		ids = append(ids, t.ID)
	}
	return ids
}

// Chunker groups turns into segments. A boundary falls before a turn that
// would push the segment past MaxTokens or that drifts away from the
// segment's centroid, and after a turn that carries a completion marker.
type Chunker struct {
	cfg      ChunkerConfig
	counter  tokens.Counter
	embedder core.Embedder
	markers  []string
}

func NewChunker(cfg ChunkerConfig, counter tokens.Counter, embedder core.Embedder) *Chunker {
	markers := make([]string, 0, len(cfg.CompletionMarkers))
	for _, m := range cfg.CompletionMarkers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			markers = append(markers, m)
		}
	}
	if cfg.MaxTokens < 1 {
		cfg.MaxTokens = 400
	}
	return &Chunker{cfg: cfg, counter: counter, embedder: embedder, markers: markers}
}

func (c *Chunker) Split(ctx context.Context, turns []core.Turn) []Segment {
	if len(turns) == 0 {
		return nil
	}

	vectors := c.turnVectors(ctx, turns)

	var (
		segments []Segment
		cur      Segment
		centroid []float64
	)
	flush := func() {
		if len(cur.Turns) > 0 {
			segments = append(segments, cur)
		}
		cur = Segment{}
		centroid = nil
	}

	for i, turn := range turns {
		cost := c.turnCost(turn)
		var vec []float32
		if vectors != nil {
			vec = vectors[i]
		}
		if len(cur.Turns) > 0 {
			if cur.Tokens+cost > c.cfg.MaxTokens || c.topicShift(centroid, vec) {
				flush()
			}
		}
		cur.Turns = append(cur.Turns, turn)
		cur.Tokens += cost
		centroid = accumulate(centroid, vec)

		if c.IsCompletion(turn) {
			flush()
		}
	}
	flush()
	return segments
}

// IsCompletion reports whether a turn closes a unit of work.
func (c *Chunker) IsCompletion(turn core.Turn) bool {
	if turn.Role == core.RoleTool {
		return true
	}
	content := strings.ToLower(turn.Content)
	for _, m := range c.markers {
		if strings.Contains(content, m) {
			return true
		}
	}
	return false
}

func (c *Chunker) turnCost(turn core.Turn) int {
	return tokens.CountMessage(c.counter, FormatTurn(turn))
}

// topicShift compares a turn with the sum of the segment's turn vectors.
// Direction is all cosine needs, so the sum stands in for the mean.
func (c *Chunker) topicShift(centroid []float64, vec []float32) bool {
	if centroid == nil || vec == nil || len(centroid) != len(vec) {
		return false
	}
	cur := make([]float32, len(vec))
	for i := range centroid {
		cur[i] = float32(centroid[i])
	}
	return CosineDistance(cur, vec) > c.cfg.TopicShiftDistance
}

func accumulate(sum []float64, vec []float32) []float64 {
	if vec == nil {
		return sum
	}
	if sum == nil {
		sum = make([]float64, len(vec))
	}
	if len(sum) != len(vec) {
		return sum
	}
	for i, v := range vec {
		sum[i] += float64(v)
	}
	return sum
}

// turnVectors embeds every turn for topic-shift detection. Any failure turns
// the heuristic off for this split rather than failing it.
func (c *Chunker) turnVectors(ctx context.Context, turns []core.Turn) [][]float32 {
	if c.embedder == nil || c.cfg.TopicShiftDistance <= 0 || len(turns) < 2 {
		return nil
	}
	vectors := make([][]float32, len(turns))
	for i, t := range turns {
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		v, err := c.embedder.Embed(ctx, t.Content)
		if err != nil {
			log.FromCtx(ctx).Warn().Err(err).Msg("topic shift detection disabled for this batch")
			return nil
		}
		vectors[i] = v
	}
	return vectors
}

// CosineDistance is 1 - cosine similarity, in [0, 2]. Zero vectors are
// treated as unrelated.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// FormatTurn renders one "ROLE: content" line. Tool output that looks like
// HTML is flattened to text first.
func FormatTurn(t core.Turn) string {
	content := t.Content
	if t.Role == core.RoleTool && conv.LooksLikeHTML(content) {
		content = conv.ToPlainText(content)
	}
	return strings.ToUpper(t.Role) + ": " + strings.TrimSpace(content)
}

// FormatTurns renders turns as a plain transcript, one "ROLE: content" line
// per turn.
func FormatTurns(turns []core.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		b.WriteString(FormatTurn(t))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
