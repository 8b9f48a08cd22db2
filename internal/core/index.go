package core

import "context"

type VectorKind string

const (
	KindChunk   VectorKind = "chunk"
	KindSummary VectorKind = "summary"
)

// Scope restricts a search or tags an indexed vector. Empty fields match all,
// except AgentID which is always required.
type Scope struct {
	AgentID        string
	ConversationID string
	Kind           VectorKind
}

type VectorHit struct {
	ID             string
	ConversationID string
	Kind           VectorKind
	Similarity     float32
	Metadata       map[string]string
}

type VectorIndex interface {
	Index(ctx context.Context, id string, embedding []float32, scope Scope, metadata map[string]string) error
	// Search returns hits with similarity >= minSimilarity, most similar first.
	Search(ctx context.Context, query []float32, scope Scope, k int, minSimilarity float32) ([]VectorHit, error)
	Delete(ctx context.Context, agentID string, ids ...string) error
	Dimensions() int
}
