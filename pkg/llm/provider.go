// Package llm provides the embedding-provider abstraction used by the
// indexing and retrieval pipeline. Queries and passages must share one
// embedding model and version, so every provider reports a stable
// ModelVersion that index entries are tagged with.
//
// The core never invokes a text-generation model; assembled prompt
// payloads are handed off to an external generator.
package llm

import (
	"context"
	"fmt"
	"sync"
)

// EmbeddingProvider generates vector embeddings for text.
type EmbeddingProvider interface {
	// Embed generates embeddings for a batch of texts, one vector per
	// input in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedSingle generates the embedding for a single text.
	EmbedSingle(ctx context.Context, text string) ([]float32, error)

	// Name returns the provider name.
	Name() string

	// ModelVersion returns the identifier of the embedding model,
	// e.g. "ollama/nomic-embed-text". Vectors produced under different
	// model versions are never comparable.
	ModelVersion() string
}

// EmbeddingProviderFactory builds a provider from a configuration map.
type EmbeddingProviderFactory func(config map[string]any) (EmbeddingProvider, error)

var registry = &providerRegistry{
	factories: make(map[string]EmbeddingProviderFactory),
}

type providerRegistry struct {
	mu        sync.RWMutex
	factories map[string]EmbeddingProviderFactory
}

// RegisterEmbeddingProvider registers a provider factory under name.
// Providers register themselves from init in their own packages.
func RegisterEmbeddingProvider(name string, factory EmbeddingProviderFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.factories[name] = factory
}

// NewEmbeddingProvider creates a provider instance by name.
func NewEmbeddingProvider(name string, config map[string]any) (EmbeddingProvider, error) {
	registry.mu.RLock()
	factory, ok := registry.factories[name]
	registry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown embedding provider: %s", name)
	}
	return factory(config)
}

// ListProviders lists all registered provider names.
func ListProviders() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	names := make([]string, 0, len(registry.factories))
	for name := range registry.factories {
		names = append(names, name)
	}
	return names
}
