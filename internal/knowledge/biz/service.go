package biz

import (
	"context"
	"errors"
	"sync"

	"github.com/kart-io/logger"
	"github.com/oklog/ulid/v2"

	"github.com/kart-io/courseatlas/internal/knowledge/metrics"
	"github.com/kart-io/courseatlas/internal/knowledge/store"
	"github.com/kart-io/courseatlas/internal/model"
	"github.com/kart-io/courseatlas/pkg/pool"
)

// KnowledgeService is the aggregation and retrieval facade exposed to
// the transport layer.
type KnowledgeService interface {
	// Ingest runs one batch through resolve, normalize, and index.
	// Per-record failures quarantine or skip the record; they never
	// abort the batch.
	Ingest(ctx context.Context, batch model.IngestBatch) (model.IngestReport, error)

	// Query retrieves ranked passages. Retrieval-path failure comes
	// back as status UNAVAILABLE in the response, not as an error,
	// so the caller decides user-visible behavior.
	Query(ctx context.Context, req model.QueryRequest) (model.QueryResponse, error)

	// Context retrieves and assembles a prompt payload for the
	// external generation model.
	Context(ctx context.Context, req model.ContextRequest) (model.PromptPayload, error)

	// Stats reports index, cache, and business metrics.
	Stats(ctx context.Context) (map[string]any, error)

	// Quarantined lists quarantined records for operator review.
	Quarantined(ctx context.Context, limit, offset int) ([]store.QuarantinedRecord, error)

	// Requeue pulls quarantined records back through resolution
	// against the current roster. Records that fail again are
	// re-quarantined under the new run.
	Requeue(ctx context.Context, ids []uint) (model.IngestReport, error)
}

// Service wires the pipeline components together.
type Service struct {
	resolver   *Resolver
	normalizer *Normalizer
	indexer    *Indexer
	retriever  *Retriever
	assembler  *Assembler
	cache      *QueryCache
	quarantine *store.QuarantineStore
	store      store.VectorStore
	workers    *pool.Pool
}

var _ KnowledgeService = (*Service)(nil)

// NewService creates the knowledge service. cache, quarantine, and
// workers may be nil; the service then skips caching, logs quarantined
// records without persisting them, and resolves records inline.
func NewService(
	resolver *Resolver,
	normalizer *Normalizer,
	indexer *Indexer,
	retriever *Retriever,
	assembler *Assembler,
	cache *QueryCache,
	quarantine *store.QuarantineStore,
	vs store.VectorStore,
	workers *pool.Pool,
) *Service {
	return &Service{
		resolver:   resolver,
		normalizer: normalizer,
		indexer:    indexer,
		retriever:  retriever,
		assembler:  assembler,
		cache:      cache,
		quarantine: quarantine,
		store:      vs,
		workers:    workers,
	}
}

// Ingest implements KnowledgeService.
func (s *Service) Ingest(ctx context.Context, batch model.IngestBatch) (model.IngestReport, error) {
	report := model.IngestReport{
		RunID:    ulid.Make().String(),
		Received: batch.Total(),
	}

	// The catalog roster defines identity for the whole run; the alias
	// cache never carries over between runs.
	s.resolver.Reset(batch[model.SourceCatalog])

	var (
		mu          sync.Mutex
		wg          sync.WaitGroup
		passages    []model.Passage
		seen        = make(map[string]struct{})
		quarantined int
		skipped     int
	)

	process := func(rec model.SourceRecord) {
		p, err := s.processRecord(ctx, report.RunID, rec)
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			if _, dup := seen[p.ID]; !dup {
				seen[p.ID] = struct{}{}
				passages = append(passages, p)
			}
		case errors.Is(err, ErrUnresolved) || errors.Is(err, ErrAmbiguousEntity):
			quarantined++
		default:
			skipped++
		}
	}

	for _, kind := range model.SourceKinds() {
		for _, rec := range batch[kind] {
			rec := rec
			if s.workers == nil {
				process(rec)
				continue
			}
			wg.Add(1)
			task := func() {
				defer wg.Done()
				process(rec)
			}
			if err := s.workers.Submit(task); err != nil {
				// Pool saturated or closed; fall back inline.
				wg.Done()
				process(rec)
			}
		}
	}
	wg.Wait()

	indexed, err := s.indexer.IndexBatch(ctx, passages)
	report.Indexed = indexed
	report.Quarantined = quarantined
	report.Skipped = skipped

	metrics.Get().RecordIngestion(int64(report.Received), 0, int64(quarantined), int64(skipped))

	if err != nil {
		logger.Errorw("Ingestion run failed during indexing",
			"runId", report.RunID,
			"indexed", indexed,
			"pending", len(passages)-indexed,
			"error", err.Error(),
		)
		return report, err
	}

	if s.cache != nil {
		if cerr := s.cache.Clear(ctx); cerr != nil {
			logger.Warnw("Failed to clear query cache after ingestion", "error", cerr.Error())
		}
	}

	logger.Infow("Ingestion run complete",
		"runId", report.RunID,
		"received", report.Received,
		"indexed", report.Indexed,
		"quarantined", report.Quarantined,
		"skipped", report.Skipped,
	)
	return report, nil
}

// processRecord resolves and normalizes one record, routing failures
// to quarantine or skip.
func (s *Service) processRecord(ctx context.Context, runID string, rec model.SourceRecord) (model.Passage, error) {
	key, err := s.resolver.Resolve(rec)
	if err != nil {
		if errors.Is(err, ErrUnresolved) || errors.Is(err, ErrAmbiguousEntity) {
			s.quarantineRecord(ctx, runID, rec, err)
		}
		return model.Passage{}, err
	}

	p, err := s.normalizer.Normalize(rec, key)
	if err != nil {
		logger.Warnw("Record skipped during normalization",
			"runId", runID,
			"kind", string(rec.Kind),
			"sourceId", rec.SourceID,
			"error", err.Error(),
		)
		return model.Passage{}, err
	}
	return p, nil
}

func (s *Service) quarantineRecord(ctx context.Context, runID string, rec model.SourceRecord, cause error) {
	logger.Warnw("Record quarantined",
		"runId", runID,
		"kind", string(rec.Kind),
		"sourceId", rec.SourceID,
		"reason", cause.Error(),
	)
	if s.quarantine == nil {
		return
	}
	if err := s.quarantine.Save(ctx, runID, rec, cause.Error()); err != nil {
		logger.Errorw("Failed to persist quarantined record",
			"runId", runID,
			"sourceId", rec.SourceID,
			"error", err.Error(),
		)
	}
}

// Query implements KnowledgeService.
func (s *Service) Query(ctx context.Context, req model.QueryRequest) (model.QueryResponse, error) {
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, req); err == nil && cached != nil {
			metrics.Get().RecordQuery(true, nil)
			return *cached, nil
		}
	}

	result, err := s.retriever.Retrieve(ctx, req.QueryText, req.Filters, req.K)
	if err != nil {
		if errors.Is(err, ErrRetrievalUnavailable) {
			metrics.Get().RecordQuery(false, err)
			return model.QueryResponse{
				Passages: []model.RetrievedPassage{},
				Status:   model.RetrievalUnavailable,
			}, nil
		}
		metrics.Get().RecordQuery(false, err)
		return model.QueryResponse{}, err
	}

	resp := model.QueryResponse{
		Passages: make([]model.RetrievedPassage, 0, len(result.Passages)),
		Status:   result.Status,
	}
	for _, sp := range result.Passages {
		resp.Passages = append(resp.Passages, model.RetrievedPassage{
			ID:         sp.Passage.ID,
			SourceKind: sp.Passage.Kind,
			Body:       sp.Passage.Body,
			Provenance: sp.Passage.Provenance(),
			Score:      sp.Score,
		})
	}

	metrics.Get().RecordQuery(false, nil)

	if s.cache != nil && resp.Status == model.RetrievalOK {
		if cerr := s.cache.Set(ctx, req, &resp); cerr != nil {
			logger.Warnw("Failed to cache query response", "error", cerr.Error())
		}
	}
	return resp, nil
}

// Context implements KnowledgeService.
func (s *Service) Context(ctx context.Context, req model.ContextRequest) (model.PromptPayload, error) {
	result, err := s.retriever.Retrieve(ctx, req.QueryText, req.Filters, req.K)
	if err != nil {
		if errors.Is(err, ErrRetrievalUnavailable) {
			return model.PromptPayload{
				PromptPassages: []model.PromptPassage{},
				Status:         model.RetrievalUnavailable,
			}, nil
		}
		return model.PromptPayload{}, err
	}
	return s.assembler.Assemble(result, req.TokenBudget), nil
}

// Stats implements KnowledgeService.
func (s *Service) Stats(ctx context.Context) (map[string]any, error) {
	count, err := s.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	versions, err := s.store.ModelVersions(ctx)
	if err != nil {
		return nil, err
	}

	stats := map[string]any{
		"index": map[string]any{
			"passages":       count,
			"model_versions": versions,
		},
		"metrics": metrics.Get().Snapshot(),
	}

	if s.cache != nil {
		cacheStats, err := s.cache.Stats(ctx)
		if err == nil {
			stats["cache"] = cacheStats
		}
	}
	if s.quarantine != nil {
		if n, err := s.quarantine.Count(ctx); err == nil {
			stats["quarantine"] = map[string]any{"records": n}
		}
	}
	return stats, nil
}

// Quarantined implements KnowledgeService.
func (s *Service) Quarantined(ctx context.Context, limit, offset int) ([]store.QuarantinedRecord, error) {
	if s.quarantine == nil {
		return []store.QuarantinedRecord{}, nil
	}
	return s.quarantine.List(ctx, limit, offset)
}

// Requeue implements KnowledgeService. Unlike Ingest it does not reset
// the roster, so requeued records resolve against the catalog of the
// most recent ingestion run.
func (s *Service) Requeue(ctx context.Context, ids []uint) (model.IngestReport, error) {
	report := model.IngestReport{RunID: ulid.Make().String()}
	if s.quarantine == nil {
		return report, nil
	}

	records, err := s.quarantine.Take(ctx, ids)
	if err != nil {
		return report, err
	}
	report.Received = len(records)

	var (
		passages    []model.Passage
		seen        = make(map[string]struct{})
		quarantined int
		skipped     int
	)
	for _, rec := range records {
		p, err := s.processRecord(ctx, report.RunID, rec)
		switch {
		case err == nil:
			if _, dup := seen[p.ID]; !dup {
				seen[p.ID] = struct{}{}
				passages = append(passages, p)
			}
		case errors.Is(err, ErrUnresolved) || errors.Is(err, ErrAmbiguousEntity):
			quarantined++
		default:
			skipped++
		}
	}

	indexed, err := s.indexer.IndexBatch(ctx, passages)
	report.Indexed = indexed
	report.Quarantined = quarantined
	report.Skipped = skipped

	metrics.Get().RecordIngestion(int64(report.Received), 0, int64(quarantined), int64(skipped))
	if err != nil {
		return report, err
	}

	if s.cache != nil && indexed > 0 {
		if cerr := s.cache.Clear(ctx); cerr != nil {
			logger.Warnw("Failed to clear query cache after requeue", "error", cerr.Error())
		}
	}

	logger.Infow("Requeue run complete",
		"runId", report.RunID,
		"received", report.Received,
		"indexed", report.Indexed,
		"quarantined", report.Quarantined,
		"skipped", report.Skipped,
	)
	return report, nil
}
