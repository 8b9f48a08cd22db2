package vector

import (
	"context"
	"fmt"
	"math"
	"os"
	"slices"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/pkg/log"
)

const (
	metaAgent        = "agent_id"
	metaConversation = "conversation_id"
	metaKind         = "kind"
)

// Index keeps chunk and summary vectors in chromem, one collection per agent
// so that a search can never cross agents.
type Index struct {
	db          *chromem.DB
	dims        int
	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

var _ core.VectorIndex = (*Index)(nil)

// New creates an in-memory index for vectors of exactly dims components.
func New(dims int) *Index {
	return &Index{
		db:          chromem.NewDB(),
		dims:        dims,
		collections: make(map[string]*chromem.Collection),
	}
}

// NewPersistent stores documents under path and loads existing ones.
func NewPersistent(path string, dims int) (*Index, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create vector directory: %w", err)
	}
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}
	return &Index{
		db:          db,
		dims:        dims,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (i *Index) Dimensions() int {
	return i.dims
}

func (i *Index) Index(ctx context.Context, id string, embedding []float32, scope core.Scope, metadata map[string]string) error {
	if err := i.validate(embedding); err != nil {
		return err
	}
	col, err := i.collection(scope.AgentID, true)
	if err != nil {
		return err
	}

	md := make(map[string]string, len(metadata)+3)
	for k, v := range metadata {
		md[k] = v
	}
	md[metaAgent] = scope.AgentID
	md[metaConversation] = scope.ConversationID
	md[metaKind] = string(scope.Kind)

	err = col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Embedding: slices.Clone(embedding),
		Metadata:  md,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrIndexUnavailable, err)
	}
	return nil
}

func (i *Index) Search(ctx context.Context, query []float32, scope core.Scope, k int, minSimilarity float32) ([]core.VectorHit, error) {
	if k <= 0 {
		return nil, nil
	}
	if err := i.validate(query); err != nil {
		return nil, err
	}
	col, err := i.collection(scope.AgentID, false)
	if err != nil || col == nil {
		return nil, err
	}

	where := map[string]string{}
	if scope.ConversationID != "" {
		where[metaConversation] = scope.ConversationID
	}
	if scope.Kind != "" {
		where[metaKind] = string(scope.Kind)
	}

	// chromem rejects nResults above the collection size
	n := min(k, col.Count())
	if n == 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, query, n, where, nil)
	if err != nil && col.Count() < n {
		if n = col.Count(); n == 0 {
			return nil, nil
		}
		results, err = col.QueryEmbedding(ctx, query, n, where, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrIndexUnavailable, err)
	}

	hits := make([]core.VectorHit, 0, len(results))
	for _, r := range results {
		if r.Similarity < minSimilarity {
			continue
		}
		hits = append(hits, core.VectorHit{
			ID:             r.ID,
			ConversationID: r.Metadata[metaConversation],
			Kind:           core.VectorKind(r.Metadata[metaKind]),
			Similarity:     r.Similarity,
			Metadata:       r.Metadata,
		})
	}
	slices.SortStableFunc(hits, func(a, b core.VectorHit) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		}
		return 0
	})

	log.FromCtx(ctx).Debug().
		Str("agent_id", scope.AgentID).
		Int("candidates", len(results)).
		Int("hits", len(hits)).
		Msg("vector search")
	return hits, nil
}

func (i *Index) Delete(ctx context.Context, agentID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	col, err := i.collection(agentID, false)
	if err != nil || col == nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("%w: %v", core.ErrIndexUnavailable, err)
	}
	return nil
}

// Count reports how many vectors an agent has indexed.
func (i *Index) Count(agentID string) int {
	col, err := i.collection(agentID, false)
	if err != nil || col == nil {
		return 0
	}
	return col.Count()
}

func (i *Index) validate(v []float32) error {
	if len(v) != i.dims {
		return fmt.Errorf("%w: got %d, want %d", core.ErrDimensionMismatch, len(v), i.dims)
	}
	var norm float64
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return core.ErrEmptyEmbedding
		}
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return core.ErrEmptyEmbedding
	}
	return nil
}

// collection returns the agent's collection. With create=false a missing
// collection yields (nil, nil).
func (i *Index) collection(agentID string, create bool) (*chromem.Collection, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}

	i.mu.RLock()
	col, ok := i.collections[agentID]
	i.mu.RUnlock()
	if ok {
		return col, nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if col, ok := i.collections[agentID]; ok {
		return col, nil
	}

	name := "agent_" + agentID
	// persisted collections are loaded by the db before we ever see them
	if col = i.db.GetCollection(name, noEmbed); col == nil {
		if !create {
			return nil, nil
		}
		var err error
		col, err = i.db.CreateCollection(name, nil, noEmbed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrIndexUnavailable, err)
		}
	}
	i.collections[agentID] = col
	return col, nil
}

// noEmbed guards against chromem falling back to its default remote
// embedder. Every document here arrives with its own vector.
func noEmbed(_ context.Context, _ string) ([]float32, error) {
	return nil, fmt.Errorf("vector index does not embed text")
}
