package biz

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kart-io/logger"

	"github.com/kart-io/courseatlas/internal/knowledge/metrics"
	"github.com/kart-io/courseatlas/internal/knowledge/store"
	"github.com/kart-io/courseatlas/internal/model"
	"github.com/kart-io/courseatlas/internal/pkg/textutil"
	"github.com/kart-io/courseatlas/pkg/llm"
	"github.com/kart-io/courseatlas/pkg/llm/resilience"
)

// RetrieverConfig tunes retrieval.
type RetrieverConfig struct {
	// DefaultK is used when a query does not set k.
	DefaultK int
	// OverfetchFactor over-fetches candidates so post-filtering and
	// dedup do not under-fill results.
	OverfetchFactor int
	// NearDupThreshold is the cosine distance under which two passages
	// of the same entity and source kind count as duplicates.
	NearDupThreshold float64
	// SimilarityWeight and RecencyWeight combine into the rerank score.
	SimilarityWeight float64
	RecencyWeight    float64
	// RecencyHalfLife is the age at which the recency prior halves.
	RecencyHalfLife time.Duration
	// Retry controls backoff on embedding-service failures.
	Retry *resilience.RetryConfig
}

// DefaultRetrieverConfig returns the default retriever configuration.
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		DefaultK:         8,
		OverfetchFactor:  3,
		NearDupThreshold: 0.02,
		SimilarityWeight: 0.75,
		RecencyWeight:    0.25,
		RecencyHalfLife:  90 * 24 * time.Hour,
		Retry:            resilience.DefaultRetryConfig(),
	}
}

// Retriever answers queries over the passage index. It is stateless
// per request and safe for unbounded concurrent use.
//
// The query must embed under the same model version the index was
// built with; a mismatch rejects the request instead of comparing
// incomparable vectors.
type Retriever struct {
	cfg      RetrieverConfig
	provider llm.EmbeddingProvider
	store    store.VectorStore
	breaker  *resilience.CircuitBreaker
	now      func() time.Time
}

// NewRetriever creates a retriever over the given provider and store.
func NewRetriever(cfg RetrieverConfig, provider llm.EmbeddingProvider, vs store.VectorStore) *Retriever {
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = 8
	}
	if cfg.OverfetchFactor <= 0 {
		cfg.OverfetchFactor = 3
	}
	if cfg.NearDupThreshold <= 0 {
		cfg.NearDupThreshold = 0.02
	}
	if cfg.SimilarityWeight <= 0 && cfg.RecencyWeight <= 0 {
		cfg.SimilarityWeight = 0.75
		cfg.RecencyWeight = 0.25
	}
	if cfg.RecencyHalfLife <= 0 {
		cfg.RecencyHalfLife = 90 * 24 * time.Hour
	}
	if cfg.Retry == nil {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	return &Retriever{
		cfg:      cfg,
		provider: provider,
		store:    vs,
		breaker:  resilience.NewCircuitBreaker(nil),
		now:      time.Now,
	}
}

// Retrieve runs the retrieval pipeline for one query. An empty result
// is status EMPTY, not an error; ErrRetrievalUnavailable and
// ErrIndexInconsistency are the only failure modes.
func (r *Retriever) Retrieve(ctx context.Context, queryText string, filters *model.QueryFilters, k int) (model.RetrievalResult, error) {
	started := r.now()
	result, err := r.retrieve(ctx, queryText, filters, k)
	metrics.Get().RecordRetrieval(r.now().Sub(started), err)
	return result, err
}

func (r *Retriever) retrieve(ctx context.Context, queryText string, filters *model.QueryFilters, k int) (model.RetrievalResult, error) {
	if k <= 0 {
		k = r.cfg.DefaultK
	}

	if err := r.checkVersions(ctx); err != nil {
		return model.RetrievalResult{Status: model.RetrievalUnavailable}, err
	}

	vector, err := r.embedQuery(ctx, queryText)
	if err != nil {
		return model.RetrievalResult{Status: model.RetrievalUnavailable}, err
	}

	hits, err := r.store.Search(ctx, vector, k*r.cfg.OverfetchFactor)
	if err != nil {
		return model.RetrievalResult{Status: model.RetrievalUnavailable},
			fmt.Errorf("%w: index search: %v", ErrRetrievalUnavailable, err)
	}

	hits = applyFilters(hits, filters)
	hits = r.dedupeNearDuplicates(hits)
	passages := r.rerank(hits, k)

	status := model.RetrievalOK
	if len(passages) == 0 {
		status = model.RetrievalEmpty
	}
	return model.RetrievalResult{Status: status, Passages: passages}, nil
}

// checkVersions rejects queries when the index holds vectors from a
// different embedding model version.
func (r *Retriever) checkVersions(ctx context.Context) error {
	versions, err := r.store.ModelVersions(ctx)
	if err != nil {
		return fmt.Errorf("%w: read index versions: %v", ErrRetrievalUnavailable, err)
	}
	own := r.provider.ModelVersion()
	for _, v := range versions {
		if v != own {
			logger.Warnw("Index version mismatch",
				"indexVersion", v,
				"queryVersion", own,
			)
			return fmt.Errorf("%w: index holds %q, query uses %q", ErrIndexInconsistency, v, own)
		}
	}
	return nil
}

func (r *Retriever) embedQuery(ctx context.Context, queryText string) ([]float32, error) {
	var vector []float32
	err := resilience.RetryWithCircuitBreaker(ctx, r.cfg.Retry, r.breaker, func() error {
		var embedErr error
		vector, embedErr = r.provider.EmbedSingle(ctx, queryText)
		if embedErr != nil {
			metrics.Get().RecordEmbedRetry()
		}
		return embedErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", ErrRetrievalUnavailable, err)
	}
	return vector, nil
}

// applyFilters drops hits failing the structured post-filters. Filters
// stay out of the vector search because they are cheap relative to
// re-embedding.
func applyFilters(hits []store.Hit, filters *model.QueryFilters) []store.Hit {
	if filters == nil {
		return hits
	}

	kinds := make(map[model.SourceKind]struct{}, len(filters.SourceKinds))
	for _, k := range filters.SourceKinds {
		kinds[k] = struct{}{}
	}

	out := hits[:0]
	for _, h := range hits {
		if filters.Term != "" && !strings.EqualFold(passageTerm(h.Passage), filters.Term) {
			continue
		}
		if filters.Department != "" &&
			!strings.EqualFold(h.Passage.Entity.Subject, textutil.NormalizeIdentifier(filters.Department)) {
			continue
		}
		if len(kinds) > 0 {
			if _, ok := kinds[h.Passage.Kind]; !ok {
				continue
			}
		}
		out = append(out, h)
	}
	return out
}

func passageTerm(p model.Passage) string {
	if p.Entity.Term != "" {
		return p.Entity.Term
	}
	return p.Attributes.Term
}

// dedupeNearDuplicates keeps the most recently retrieved passage among
// near-duplicates sharing an entity key and source kind.
func (r *Retriever) dedupeNearDuplicates(hits []store.Hit) []store.Hit {
	if len(hits) < 2 {
		return hits
	}

	// Most recent first so the survivor of each duplicate group is the
	// freshest passage.
	sorted := make([]store.Hit, len(hits))
	copy(sorted, hits)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Passage.RetrievedAt.After(sorted[j].Passage.RetrievedAt)
	})

	kept := make([]store.Hit, 0, len(sorted))
	for _, h := range sorted {
		dup := false
		for _, k := range kept {
			if h.Passage.Entity != k.Passage.Entity || h.Passage.Kind != k.Passage.Kind {
				continue
			}
			if textutil.CosineDistance(h.Vector, k.Vector) < r.cfg.NearDupThreshold {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, h)
		}
	}
	return kept
}

// rerank scores hits by weighted similarity plus recency prior and
// returns the ranked top k.
func (r *Retriever) rerank(hits []store.Hit, k int) []model.ScoredPassage {
	now := r.now()
	scored := make([]model.ScoredPassage, 0, len(hits))
	for _, h := range hits {
		scored = append(scored, model.ScoredPassage{
			Passage:    h.Passage,
			Similarity: h.Similarity,
			Score:      r.cfg.SimilarityWeight*h.Similarity + r.cfg.RecencyWeight*r.recency(now, h.Passage.RetrievedAt),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Passage.ID < scored[j].Passage.ID
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	for i := range scored {
		scored[i].Rank = i + 1
	}
	return scored
}

// recency decays exponentially with passage age, halving every
// RecencyHalfLife.
func (r *Retriever) recency(now, retrievedAt time.Time) float64 {
	if retrievedAt.IsZero() {
		return 0
	}
	age := now.Sub(retrievedAt)
	if age < 0 {
		age = 0
	}
	return math.Exp2(-age.Hours() / r.cfg.RecencyHalfLife.Hours())
}
