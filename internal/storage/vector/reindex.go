package vector

import (
	"context"
	"errors"
	"fmt"

	"github.com/sandevgo/tuskmem/internal/core"
	"github.com/sandevgo/tuskmem/pkg/log"
)

// Source yields stored vectors, typically straight from the relational store.
type Source func(ctx context.Context) ([]core.EmbeddedRecord, error)

// Reindex loads every record from sources into idx. Records with a
// dimension the index does not accept are skipped and counted.
func Reindex(ctx context.Context, idx core.VectorIndex, sources ...Source) (indexed, skipped int, err error) {
	logger := log.FromCtx(ctx)

	for _, src := range sources {
		records, err := src(ctx)
		if err != nil {
			return indexed, skipped, fmt.Errorf("failed to load vectors: %w", err)
		}
		for _, rec := range records {
			err := idx.Index(ctx, rec.ID, rec.Embedding, rec.Scope, rec.Metadata)
			switch {
			case err == nil:
				indexed++
			case errors.Is(err, core.ErrDimensionMismatch), errors.Is(err, core.ErrEmptyEmbedding):
				skipped++
				logger.Warn().Err(err).Str("id", rec.ID).Msg("skipping stored vector")
			default:
				return indexed, skipped, err
			}
		}
	}

	logger.Info().Int("indexed", indexed).Int("skipped", skipped).Msg("vector index rebuilt")
	return indexed, skipped, nil
}
