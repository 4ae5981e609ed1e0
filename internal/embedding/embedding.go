// Package embedding generates and caches text embeddings.
//
// Embeddings are produced locally by a deterministic hash embedder; no
// external model service is called. The Service fronts the embedder with an
// in-memory tier and an optional persistent Cache file.
package embedding

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/rcliao/agentdb/internal/errs"
)

// Vector is a float32 embedding vector.
type Vector = []float32

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dims() int
}

// HashEmbedder derives a unit vector from the FNV-1a hash of the text.
// Equal texts always produce equal vectors; different texts produce
// unrelated ones. It carries no semantic meaning.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hash embedder with the given dimension.
func NewHashEmbedder(dims int) (*HashEmbedder, error) {
	if dims <= 0 {
		return nil, errs.Validation("embedding.hash", "dimensions must be positive, got %d", dims)
	}
	return &HashEmbedder{dims: dims}, nil
}

// Embed returns the deterministic embedding of text.
func (e *HashEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make(Vector, e.dims)
	for i := range vec {
		// Knuth's MMIX LCG.
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	normalize(vec)
	return vec, nil
}

// Dims returns the embedding dimension.
func (e *HashEmbedder) Dims() int { return e.dims }

// normalize scales vec to unit length in place.
func normalize(vec Vector) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
}
