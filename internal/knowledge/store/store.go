// Package store provides passage persistence backends for the knowledge index.
package store

import (
	"context"

	"github.com/kart-io/courseatlas/internal/model"
)

// Entry is a passage together with its embedding vector.
type Entry struct {
	Passage      model.Passage
	Vector       []float32
	ModelVersion string
}

// Hit is a passage returned from a similarity search.
type Hit struct {
	Passage      model.Passage
	Vector       []float32
	ModelVersion string
	Similarity   float64
}

// VectorStore stores passage entries keyed by passage ID and answers
// approximate nearest neighbour queries over their vectors.
//
// Upsert and Remove must be atomic per passage ID: a searcher sees
// either the previous entry or the new one, never a partial write,
// and a removed passage never appears in subsequent searches.
type VectorStore interface {
	// Upsert inserts or replaces entries by passage ID.
	Upsert(ctx context.Context, entries []Entry) error

	// Remove deletes the given passage IDs. Unknown IDs are ignored.
	Remove(ctx context.Context, ids []string) error

	// Search returns up to limit entries ordered by descending cosine
	// similarity to the query vector.
	Search(ctx context.Context, vector []float32, limit int) ([]Hit, error)

	// ModelVersions returns the distinct embedding model versions
	// present in the store.
	ModelVersions(ctx context.Context) ([]string, error)

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int64, error)

	// Close releases backend resources.
	Close(ctx context.Context) error
}
