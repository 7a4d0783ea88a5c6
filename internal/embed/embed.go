// Package embed turns ticket text into fixed-length vectors for storm
// detection. Identical text always yields the identical vector.
package embed

import (
	"context"
	"errors"
)

// ErrEmbeddingFailed wraps every backend failure.
var ErrEmbeddingFailed = errors.New("embedding failed")

// Embedder produces embeddings of a fixed dimensionality.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Dimensions() int
	Name() string
}
