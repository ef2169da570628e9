// Package embed provides embedding providers: a deterministic hashing
// provider that needs no network and an HTTP provider for Voyage-compatible
// embedding APIs.
package embed

import (
	"context"
	"math"
	"slices"
	"time"

	"github.com/Aman-CERP/codeindex/internal/config"
	cerrors "github.com/Aman-CERP/codeindex/internal/errors"
)

// InputType tells the provider what a text is used for. Some models embed
// queries and documents differently.
type InputType string

const (
	InputDocument InputType = "document"
	InputQuery    InputType = "query"
)

// Provider defaults.
const (
	DefaultBatchSize = 32
	MaxBatchSize     = 128
	DefaultTimeout   = 30 * time.Second
)

// Provider computes embeddings. Implementations are safe for concurrent use.
type Provider interface {
	// EmbedBatch returns one vector per text, in input order.
	EmbedBatch(ctx context.Context, texts []string, input InputType) ([][]float32, error)

	// Dimension returns the vector size.
	Dimension() int

	// Model identifies the model; it is part of every cache key.
	Model() string

	Close() error
}

// ValidateDimension fails with an invalid-dimension error unless dim is one
// of the supported sizes.
func ValidateDimension(dim int) error {
	if !slices.Contains(config.SupportedDimensions, dim) {
		return cerrors.InvalidDimension(dim, config.SupportedDimensions)
	}
	return nil
}

// normalizeVector normalizes a vector to unit length.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
