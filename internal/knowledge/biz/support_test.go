package biz

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/kart-io/courseatlas/internal/model"
	"github.com/kart-io/courseatlas/pkg/llm"
	"github.com/kart-io/courseatlas/pkg/llm/resilience"
)

// fakeProvider is a deterministic in-process embedding provider. Texts
// with an explicit vector in vectors use it; everything else gets a
// stable hash-derived vector. failN makes the first N Embed calls fail.
type fakeProvider struct {
	version string
	vectors map[string][]float32

	mu    sync.Mutex
	failN int
	calls int
}

var _ llm.EmbeddingProvider = (*fakeProvider)(nil)

func newFakeProvider(version string) *fakeProvider {
	return &fakeProvider{
		version: version,
		vectors: make(map[string][]float32),
	}
}

func (f *fakeProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	if f.failN > 0 {
		f.failN--
		f.mu.Unlock()
		return nil, fmt.Errorf("embedding backend unreachable")
	}
	f.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		if v, ok := f.vectors[text]; ok {
			out[i] = v
			continue
		}
		out[i] = hashVector(text)
	}
	return out, nil
}

func (f *fakeProvider) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeProvider) Name() string         { return "fake" }
func (f *fakeProvider) ModelVersion() string { return f.version }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) failNext(n int) {
	f.mu.Lock()
	f.failN = n
	f.mu.Unlock()
}

func hashVector(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()
	v := make([]float32, 4)
	for i := range v {
		seed = seed*6364136223846793005 + 1442695040888963407
		v[i] = float32(seed%1000)/1000 + 0.001
	}
	return v
}

// fastRetry keeps backoff delays negligible in tests.
func fastRetry() *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		RetryableErrors: func(error) bool {
			return true
		},
	}
}

func testPassage(id, body string, kind model.SourceKind, key model.EntityKey, retrievedAt time.Time) model.Passage {
	return model.Passage{
		ID:          id,
		Entity:      key,
		Kind:        kind,
		Body:        body,
		SourceID:    "src-" + id,
		RetrievedAt: retrievedAt,
	}
}
