package store

import (
	"context"
	"sort"
	"sync"

	"github.com/kart-io/courseatlas/internal/model"
	"github.com/kart-io/courseatlas/internal/pkg/textutil"
)

var _ VectorStore = (*MemoryStore)(nil)

// MemoryStore is an in-process VectorStore backed by a map.
//
// Search performs an exact cosine scan over all entries, which keeps
// results deterministic and makes the store suitable for development
// and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
	}
}

// Upsert inserts or replaces entries by passage ID.
func (s *MemoryStore) Upsert(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.entries[e.Passage.ID] = e
	}
	return nil
}

// Remove deletes the given passage IDs.
func (s *MemoryStore) Remove(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.entries, id)
	}
	return nil
}

// Search returns up to limit entries by descending cosine similarity.
// Ties break on passage ID so ordering is stable across runs.
func (s *MemoryStore) Search(_ context.Context, vector []float32, limit int) ([]Hit, error) {
	s.mu.RLock()
	hits := make([]Hit, 0, len(s.entries))
	for _, e := range s.entries {
		hits = append(hits, Hit{
			Passage:      e.Passage,
			Vector:       e.Vector,
			ModelVersion: e.ModelVersion,
			Similarity:   textutil.CosineSimilarity(vector, e.Vector),
		})
	}
	s.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Passage.ID < hits[j].Passage.ID
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// ModelVersions returns the distinct embedding model versions present.
func (s *MemoryStore) ModelVersions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, e := range s.entries {
		seen[e.ModelVersion] = struct{}{}
	}
	versions := make([]string, 0, len(seen))
	for v := range seen {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions, nil
}

// Count returns the number of stored entries.
func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close(_ context.Context) error {
	return nil
}

// Get returns the entry for a passage ID, mainly for tests.
func (s *MemoryStore) Get(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// Passages returns all stored passages, mainly for tests.
func (s *MemoryStore) Passages() []model.Passage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Passage, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Passage)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
