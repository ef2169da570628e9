package store

import (
	"context"
	"fmt"
	"math"
)

// DistanceCosine is the only metric collections use; scores are cosine
// similarity in [-1, 1], higher is closer.
const DistanceCosine = "cosine"

// CollectionConfig describes a vector collection at creation time.
type CollectionConfig struct {
	Name              string
	Dimension         int
	Shards            int
	ReplicationFactor int
	Distance          string
}

// CollectionInfo is the metadata returned for an existing collection.
type CollectionInfo struct {
	Config      CollectionConfig
	PointCount  int
	ShardPoints []int // live points per shard
}

// Point is one vector with its payload. Payload values are strings so
// filters can compare them exactly.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]string
}

// Condition matches a payload field. Match requires equality; Any requires
// the value to be one of the listed values. Exactly one should be set.
type Condition struct {
	Field string
	Match string
	Any   []string
}

// Filter holds conditions that must all match.
type Filter struct {
	Must []Condition
}

// Matches reports whether payload satisfies every condition.
func (f *Filter) Matches(payload map[string]string) bool {
	if f == nil {
		return true
	}
	for _, c := range f.Must {
		v, ok := payload[c.Field]
		if !ok {
			return false
		}
		if len(c.Any) > 0 {
			found := false
			for _, want := range c.Any {
				if v == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		if v != c.Match {
			return false
		}
	}
	return true
}

// IsEmpty reports whether the filter has no conditions.
func (f *Filter) IsEmpty() bool {
	return f == nil || len(f.Must) == 0
}

// VectorQuery is a similarity search request.
type VectorQuery struct {
	Vector         []float32
	Filter         *Filter
	Limit          int
	ScoreThreshold float32 // results scoring below are dropped
}

// ScoredPoint is one similarity search hit.
type ScoredPoint struct {
	ID      string
	Score   float32
	Payload map[string]string
}

// VectorStore holds named collections of vectors.
type VectorStore interface {
	CreateCollection(ctx context.Context, cfg CollectionConfig) error
	CollectionExists(ctx context.Context, name string) bool
	DeleteCollection(ctx context.Context, name string) error
	GetCollection(ctx context.Context, name string) (*CollectionInfo, error)
	ListCollections(ctx context.Context) []string

	// Upsert inserts or replaces points by id.
	Upsert(ctx context.Context, collection string, points []Point) error
	Delete(ctx context.Context, collection string, ids []string) error
	Search(ctx context.Context, collection string, q VectorQuery) ([]ScoredPoint, error)

	Close() error
}

// ErrDimensionMismatch reports a vector whose length differs from its collection.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// ErrCollectionNotFound reports an operation on a missing collection.
type ErrCollectionNotFound struct {
	Name string
}

func (e ErrCollectionNotFound) Error() string {
	return fmt.Sprintf("collection %q not found", e.Name)
}

// normalizeVector returns a unit-length copy of v.
func normalizeVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)

	var sumSquares float64
	for _, val := range out {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return out
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range out {
		out[i] *= inv
	}
	return out
}

// cosine returns the dot product of two unit vectors.
func cosine(a, b []float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot
}
