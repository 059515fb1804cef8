// Package metrics collects business metrics for the knowledge service.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds atomic counters for the knowledge service. All record
// methods are safe for concurrent use.
type Metrics struct {
	// Query path.
	queriesTotal      uint64
	queriesCacheHits  uint64
	queriesCacheMiss  uint64
	queriesErrors     uint64
	retrievalTotal    uint64
	retrievalErrors   uint64
	retrievalDuration float64 // seconds

	// Embedding calls.
	embedRetries uint64

	// Ingestion.
	recordsReceived    uint64
	passagesIndexed    uint64
	recordsQuarantined uint64
	recordsSkipped     uint64

	durationMu sync.Mutex
	startTime  time.Time
}

var (
	global *Metrics
	once   sync.Once
)

// Get returns the global metrics instance.
func Get() *Metrics {
	once.Do(func() {
		global = New()
	})
	return global
}

// New creates an independent metrics instance, mainly for tests.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordQuery records one query and its cache outcome.
func (m *Metrics) RecordQuery(cacheHit bool, err error) {
	atomic.AddUint64(&m.queriesTotal, 1)
	if err != nil {
		atomic.AddUint64(&m.queriesErrors, 1)
		return
	}
	if cacheHit {
		atomic.AddUint64(&m.queriesCacheHits, 1)
	} else {
		atomic.AddUint64(&m.queriesCacheMiss, 1)
	}
}

// RecordRetrieval records one retrieval pass.
func (m *Metrics) RecordRetrieval(duration time.Duration, err error) {
	atomic.AddUint64(&m.retrievalTotal, 1)
	if err != nil {
		atomic.AddUint64(&m.retrievalErrors, 1)
		return
	}

	m.durationMu.Lock()
	m.retrievalDuration += duration.Seconds()
	m.durationMu.Unlock()
}

// RecordEmbedRetry records a failed embedding attempt that will be
// retried (or has exhausted its retries).
func (m *Metrics) RecordEmbedRetry() {
	atomic.AddUint64(&m.embedRetries, 1)
}

// RecordIngestion records the outcome counts of an ingestion run.
func (m *Metrics) RecordIngestion(received, indexed, quarantined, skipped int64) {
	if received > 0 {
		atomic.AddUint64(&m.recordsReceived, uint64(received))
	}
	if indexed > 0 {
		atomic.AddUint64(&m.passagesIndexed, uint64(indexed))
	}
	if quarantined > 0 {
		atomic.AddUint64(&m.recordsQuarantined, uint64(quarantined))
	}
	if skipped > 0 {
		atomic.AddUint64(&m.recordsSkipped, uint64(skipped))
	}
}

// RecordIndexed records passages written to the index outside a full
// ingestion run.
func (m *Metrics) RecordIndexed(n int64) {
	if n > 0 {
		atomic.AddUint64(&m.passagesIndexed, uint64(n))
	}
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() map[string]any {
	m.durationMu.Lock()
	retrievalDuration := m.retrievalDuration
	m.durationMu.Unlock()

	hits := atomic.LoadUint64(&m.queriesCacheHits)
	misses := atomic.LoadUint64(&m.queriesCacheMiss)
	hitRate := 0.0
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	return map[string]any{
		"queries_total":              atomic.LoadUint64(&m.queriesTotal),
		"queries_cache_hits":         hits,
		"queries_cache_misses":       misses,
		"queries_errors":             atomic.LoadUint64(&m.queriesErrors),
		"cache_hit_rate":             hitRate,
		"retrieval_total":            atomic.LoadUint64(&m.retrievalTotal),
		"retrieval_errors":           atomic.LoadUint64(&m.retrievalErrors),
		"retrieval_duration_seconds": retrievalDuration,
		"embed_retries":              atomic.LoadUint64(&m.embedRetries),
		"ingest_records_received":    atomic.LoadUint64(&m.recordsReceived),
		"ingest_passages_indexed":    atomic.LoadUint64(&m.passagesIndexed),
		"ingest_records_quarantined": atomic.LoadUint64(&m.recordsQuarantined),
		"ingest_records_skipped":     atomic.LoadUint64(&m.recordsSkipped),
		"uptime_seconds":             time.Since(m.startTime).Seconds(),
	}
}
