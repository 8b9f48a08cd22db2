package embedding

import (
	"context"
	"fmt"
	"slices"

	"github.com/dgraph-io/ristretto"
	"github.com/sandevgo/tuskmem/internal/core"
)

// Cached memoizes embeddings by text.
type Cached struct {
	next  core.Embedder
	cache *ristretto.Cache
}

var _ core.Embedder = (*Cached)(nil)

func NewCached(next core.Embedder, size int64) (*Cached, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &Cached{next: next, cache: cache}, nil
}

func (c *Cached) Dimensions() int {
	return c.next.Dimensions()
}

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		return slices.Clone(v.([]float32)), nil
	}
	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, slices.Clone(vec), 1)
	return vec, nil
}

func (c *Cached) Close() error {
	c.cache.Close()
	return nil
}
