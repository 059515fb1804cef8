package biz

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/courseatlas/internal/knowledge/store"
	"github.com/kart-io/courseatlas/internal/model"
	"github.com/kart-io/courseatlas/pkg/pool"
)

type serviceFixture struct {
	svc      *Service
	store    *store.MemoryStore
	provider *fakeProvider
	cache    *QueryCache
	redis    *miniredis.Miniredis
}

func newServiceFixture(t *testing.T, withCache bool) *serviceFixture {
	t.Helper()

	provider := newFakeProvider("fake/v1")
	memStore := store.NewMemoryStore()

	ixCfg := DefaultIndexerConfig()
	ixCfg.BatchSize = 4
	ixCfg.Retry = fastRetry()
	indexer := NewIndexer(ixCfg, provider, memStore)

	rtCfg := DefaultRetrieverConfig()
	rtCfg.Retry = fastRetry()
	retriever := NewRetriever(rtCfg, provider, memStore)

	quarantine, err := store.NewQuarantineStore(":memory:")
	require.NoError(t, err)

	workers, err := pool.New("ingest-test", pool.IngestConfig(4))
	require.NoError(t, err)
	t.Cleanup(workers.Release)

	f := &serviceFixture{store: memStore, provider: provider}
	if withCache {
		f.redis = miniredis.RunT(t)
		client := goredis.NewClient(&goredis.Options{Addr: f.redis.Addr()})
		f.cache = NewQueryCache(client, &QueryCacheConfig{
			Enabled:   true,
			TTL:       time.Minute,
			KeyPrefix: "courseatlas:query:",
		})
	}

	f.svc = NewService(
		NewResolver(DefaultResolverConfig()),
		NewNormalizer(DefaultNormalizerConfig()),
		indexer,
		retriever,
		NewAssembler(DefaultAssemblerConfig()),
		f.cache,
		quarantine,
		memStore,
		workers,
	)
	return f
}

func sampleBatch() model.IngestBatch {
	now := time.Now()
	return model.IngestBatch{
		model.SourceCatalog: {
			{
				Kind:     model.SourceCatalog,
				SourceID: "catalog-cop3502",
				Attributes: model.Attributes{
					CourseCode:  "COP3502",
					CourseTitle: "Programming Fundamentals 1",
					Description: "First course in programming.",
					Credits:     "3",
					Instructor:  "J. Smith",
				},
				RetrievedAt: now,
			},
		},
		model.SourceReview: {
			{
				Kind:     model.SourceReview,
				SourceID: "rmp-1",
				Body:     "clear lectures",
				Attributes: model.Attributes{
					CourseCode: "COP3502",
					Instructor: "Jon Smith",
					Rating:     4.5,
				},
				RetrievedAt: now,
			},
		},
	}
}

func TestIngestThenRetrieveScenario(t *testing.T) {
	// The catalog's "J. Smith" and the review's "Jon Smith" must land
	// on one entity, and the review must surface in the query top-3.
	f := newServiceFixture(t, false)
	ctx := context.Background()

	report, err := f.svc.Ingest(ctx, sampleBatch())
	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 2, report.Received)
	assert.Equal(t, 2, report.Indexed)
	assert.Zero(t, report.Quarantined)
	assert.Zero(t, report.Skipped)

	resp, err := f.svc.Query(ctx, model.QueryRequest{QueryText: "COP3502 professor quality", K: 3})
	require.NoError(t, err)
	assert.Equal(t, model.RetrievalOK, resp.Status)

	var reviewHit *model.RetrievedPassage
	for i := range resp.Passages {
		if resp.Passages[i].SourceKind == model.SourceReview {
			reviewHit = &resp.Passages[i]
		}
	}
	require.NotNil(t, reviewHit, "review passage must appear in top-3")
	assert.Contains(t, reviewHit.Body, "clear lectures")
	assert.Equal(t, "rmp-1", reviewHit.Provenance.SourceID)

	// Both passages resolved to the same entity key.
	passages := f.store.Passages()
	require.Len(t, passages, 2)
	assert.Equal(t, passages[0].Entity.CourseLevel(), passages[1].Entity.CourseLevel())
	assert.Equal(t, "j smith", passages[0].Entity.Instructor)
	assert.Equal(t, "j smith", passages[1].Entity.Instructor)
}

func TestIngestIdempotent(t *testing.T) {
	f := newServiceFixture(t, false)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, sampleBatch())
	require.NoError(t, err)
	countBefore, err := f.store.Count(ctx)
	require.NoError(t, err)

	_, err = f.svc.Ingest(ctx, sampleBatch())
	require.NoError(t, err)
	countAfter, err := f.store.Count(ctx)
	require.NoError(t, err)

	assert.Equal(t, countBefore, countAfter, "re-ingesting identical records must not grow the index")
}

func TestIngestDuplicateRecordsInOneBatch(t *testing.T) {
	f := newServiceFixture(t, false)
	ctx := context.Background()

	batch := sampleBatch()
	batch[model.SourceReview] = append(batch[model.SourceReview], batch[model.SourceReview][0])

	report, err := f.svc.Ingest(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Received)
	assert.Equal(t, 2, report.Indexed, "identical records collapse to one passage")
}

func TestIngestQuarantinesUnresolved(t *testing.T) {
	f := newServiceFixture(t, false)
	ctx := context.Background()

	batch := sampleBatch()
	batch[model.SourceReview] = append(batch[model.SourceReview], model.SourceRecord{
		Kind:     model.SourceReview,
		SourceID: "rmp-unknown",
		Body:     "great class",
		Attributes: model.Attributes{
			CourseCode: "XXX9999",
			Instructor: "Nobody Known",
			Rating:     5,
		},
	})

	report, err := f.svc.Ingest(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Quarantined)
	assert.Equal(t, 2, report.Indexed)

	rows, err := f.svc.Quarantined(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "rmp-unknown", rows[0].SourceID)
	assert.Equal(t, report.RunID, rows[0].RunID)
}

func TestIngestSkipsMalformed(t *testing.T) {
	f := newServiceFixture(t, false)
	ctx := context.Background()

	batch := sampleBatch()
	batch[model.SourceEval] = []model.SourceRecord{
		{
			Kind:       model.SourceEval,
			SourceID:   "eval-empty",
			Attributes: model.Attributes{CourseCode: "COP3502"},
		},
	}

	report, err := f.svc.Ingest(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 2, report.Indexed)
}

func TestQueryUnavailableStatus(t *testing.T) {
	f := newServiceFixture(t, false)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, sampleBatch())
	require.NoError(t, err)

	f.provider.failNext(3)
	resp, err := f.svc.Query(ctx, model.QueryRequest{QueryText: "anything", K: 5})
	require.NoError(t, err, "unavailability is a status, not an error")
	assert.Equal(t, model.RetrievalUnavailable, resp.Status)
	assert.Empty(t, resp.Passages)
}

func TestQueryUsesCache(t *testing.T) {
	f := newServiceFixture(t, true)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, sampleBatch())
	require.NoError(t, err)

	req := model.QueryRequest{QueryText: "COP3502 reviews", K: 5}
	first, err := f.svc.Query(ctx, req)
	require.NoError(t, err)
	require.Equal(t, model.RetrievalOK, first.Status)

	callsAfterFirst := f.provider.callCount()
	second, err := f.svc.Query(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	require.Len(t, second.Passages, len(first.Passages))
	for i := range first.Passages {
		assert.Equal(t, first.Passages[i].ID, second.Passages[i].ID)
	}
	assert.Equal(t, callsAfterFirst, f.provider.callCount(), "cache hit must not re-embed")
}

func TestIngestClearsCache(t *testing.T) {
	f := newServiceFixture(t, true)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, sampleBatch())
	require.NoError(t, err)

	req := model.QueryRequest{QueryText: "COP3502 reviews", K: 5}
	_, err = f.svc.Query(ctx, req)
	require.NoError(t, err)

	stats, err := f.cache.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats["key_count"])

	_, err = f.svc.Ingest(ctx, sampleBatch())
	require.NoError(t, err)

	stats, err = f.cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats["key_count"], "ingestion must invalidate cached queries")
}

func TestContextAssemblesPayload(t *testing.T) {
	f := newServiceFixture(t, false)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, sampleBatch())
	require.NoError(t, err)

	payload, err := f.svc.Context(ctx, model.ContextRequest{
		QueryText:   "COP3502 professor quality",
		K:           3,
		TokenBudget: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, model.RetrievalOK, payload.Status)
	require.NotEmpty(t, payload.PromptPassages)
	assert.Positive(t, payload.TokenCount)
	for _, p := range payload.PromptPassages {
		assert.NotEmpty(t, p.Provenance.SourceID)
		assert.NotEmpty(t, p.Provenance.SourceKind)
	}
}

func TestStats(t *testing.T) {
	f := newServiceFixture(t, false)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, sampleBatch())
	require.NoError(t, err)

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)

	index, ok := stats["index"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(2), index["passages"])
	assert.Equal(t, []string{"fake/v1"}, index["model_versions"])

	quarantine, ok := stats["quarantine"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(0), quarantine["records"])
}

func TestRequeueResolvesAgainstCurrentRoster(t *testing.T) {
	// A review quarantined for an unknown course resolves once a later
	// catalog run adds the course, without re-submitting the review.
	f := newServiceFixture(t, false)
	ctx := context.Background()

	review := model.SourceRecord{
		Kind:     model.SourceReview,
		SourceID: "rmp-77",
		Body:     "tough but fair grading",
		Attributes: model.Attributes{
			CourseCode: "CIS4930",
			Instructor: "Amy Jones",
			Rating:     4.0,
		},
		RetrievedAt: time.Now(),
	}
	report, err := f.svc.Ingest(ctx, model.IngestBatch{model.SourceReview: {review}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Quarantined)
	assert.Zero(t, report.Indexed)

	// A later run ships the catalog entry the review needs.
	_, err = f.svc.Ingest(ctx, model.IngestBatch{
		model.SourceCatalog: {
			{
				Kind:     model.SourceCatalog,
				SourceID: "catalog-cis4930",
				Attributes: model.Attributes{
					CourseCode:  "CIS4930",
					CourseTitle: "Special Topics",
					Instructor:  "Amy Jones",
				},
				RetrievedAt: time.Now(),
			},
		},
	})
	require.NoError(t, err)

	rows, err := f.svc.Quarantined(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	requeued, err := f.svc.Requeue(ctx, []uint{rows[0].ID})
	require.NoError(t, err)
	assert.Equal(t, 1, requeued.Received)
	assert.Equal(t, 1, requeued.Indexed)
	assert.Zero(t, requeued.Quarantined)

	rows, err = f.svc.Quarantined(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
