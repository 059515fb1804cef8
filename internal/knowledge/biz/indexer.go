package biz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kart-io/logger"

	"github.com/kart-io/courseatlas/internal/knowledge/metrics"
	"github.com/kart-io/courseatlas/internal/knowledge/store"
	"github.com/kart-io/courseatlas/internal/model"
	"github.com/kart-io/courseatlas/pkg/llm"
	"github.com/kart-io/courseatlas/pkg/llm/resilience"
)

// IndexerConfig tunes the embedding indexer.
type IndexerConfig struct {
	// BatchSize is how many passages embed in one remote call.
	BatchSize int
	// QueueSize bounds the pending passage queue. Add blocks by
	// flushing when the queue is full, which applies backpressure to
	// ingestion workers.
	QueueSize int
	// Retry controls backoff on embedding-service failures.
	Retry *resilience.RetryConfig
}

// DefaultIndexerConfig returns the default indexer configuration.
func DefaultIndexerConfig() IndexerConfig {
	return IndexerConfig{
		BatchSize: 16,
		QueueSize: 256,
		Retry:     resilience.DefaultRetryConfig(),
	}
}

// Indexer embeds passages and writes them to the vector store in
// fixed-size batches. Entries are tagged with the embedding model
// version so the retriever can reject mismatched indexes.
type Indexer struct {
	cfg      IndexerConfig
	provider llm.EmbeddingProvider
	store    store.VectorStore
	breaker  *resilience.CircuitBreaker

	queue chan model.Passage
	// flushMu serializes flushes so each batch embeds once and
	// upserts once.
	flushMu sync.Mutex
}

// NewIndexer creates an indexer over the given provider and store.
func NewIndexer(cfg IndexerConfig, provider llm.EmbeddingProvider, vs store.VectorStore) *Indexer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Retry == nil {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	return &Indexer{
		cfg:      cfg,
		provider: provider,
		store:    vs,
		breaker:  resilience.NewCircuitBreaker(nil),
		queue:    make(chan model.Passage, cfg.QueueSize),
	}
}

// ModelVersion returns the embedding model version entries are tagged
// with.
func (ix *Indexer) ModelVersion() string {
	return ix.provider.ModelVersion()
}

// Add queues a passage for indexing. When the queue is full it flushes
// before retrying, so producers slow down instead of growing memory.
func (ix *Indexer) Add(ctx context.Context, p model.Passage) error {
	for {
		select {
		case ix.queue <- p:
			return nil
		default:
		}
		if _, err := ix.Flush(ctx); err != nil {
			return err
		}
		select {
		case ix.queue <- p:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Flush drains the pending queue and indexes it in batches, returning
// the number of passages written.
func (ix *Indexer) Flush(ctx context.Context) (int, error) {
	ix.flushMu.Lock()
	defer ix.flushMu.Unlock()

	pending := make([]model.Passage, 0, len(ix.queue))
	for {
		select {
		case p := <-ix.queue:
			pending = append(pending, p)
		default:
			return ix.indexAll(ctx, pending)
		}
	}
}

// IndexBatch embeds and upserts the passages directly, bypassing the
// queue. Used when the caller already holds a complete batch.
func (ix *Indexer) IndexBatch(ctx context.Context, passages []model.Passage) (int, error) {
	ix.flushMu.Lock()
	defer ix.flushMu.Unlock()
	return ix.indexAll(ctx, passages)
}

func (ix *Indexer) indexAll(ctx context.Context, passages []model.Passage) (int, error) {
	indexed := 0
	for start := 0; start < len(passages); start += ix.cfg.BatchSize {
		end := start + ix.cfg.BatchSize
		if end > len(passages) {
			end = len(passages)
		}
		if err := ix.indexChunk(ctx, passages[start:end]); err != nil {
			return indexed, err
		}
		indexed += end - start
	}
	return indexed, nil
}

func (ix *Indexer) indexChunk(ctx context.Context, chunk []model.Passage) error {
	bodies := make([]string, len(chunk))
	for i, p := range chunk {
		bodies[i] = p.Body
	}

	var vectors [][]float32
	err := resilience.RetryWithCircuitBreaker(ctx, ix.cfg.Retry, ix.breaker, func() error {
		var embedErr error
		vectors, embedErr = ix.provider.Embed(ctx, bodies)
		if embedErr != nil {
			metrics.Get().RecordEmbedRetry()
		}
		return embedErr
	})
	if err != nil {
		return fmt.Errorf("%w: embed batch of %d: %v", ErrEmbeddingService, len(chunk), err)
	}
	if len(vectors) != len(chunk) {
		return fmt.Errorf("%w: got %d vectors for %d passages", ErrEmbeddingService, len(vectors), len(chunk))
	}

	now := time.Now().UTC()
	version := ix.provider.ModelVersion()
	entries := make([]store.Entry, len(chunk))
	for i, p := range chunk {
		p.CreatedAt = now
		entries[i] = store.Entry{
			Passage:      p,
			Vector:       vectors[i],
			ModelVersion: version,
		}
	}

	if err := ix.store.Upsert(ctx, entries); err != nil {
		return fmt.Errorf("upsert batch of %d: %w", len(entries), err)
	}

	metrics.Get().RecordIndexed(int64(len(entries)))
	logger.Debugw("Indexed passage batch",
		"count", len(entries),
		"modelVersion", version,
	)
	return nil
}

// Remove deletes passages from the index by ID.
func (ix *Indexer) Remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := ix.store.Remove(ctx, ids); err != nil {
		return fmt.Errorf("remove %d passages: %w", len(ids), err)
	}
	return nil
}
