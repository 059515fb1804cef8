package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordQuery(t *testing.T) {
	m := New()

	m.RecordQuery(true, nil)
	m.RecordQuery(false, nil)
	m.RecordQuery(false, nil)
	m.RecordQuery(false, errors.New("boom"))

	snap := m.Snapshot()
	assert.Equal(t, uint64(4), snap["queries_total"])
	assert.Equal(t, uint64(1), snap["queries_cache_hits"])
	assert.Equal(t, uint64(2), snap["queries_cache_misses"])
	assert.Equal(t, uint64(1), snap["queries_errors"])
	assert.InDelta(t, 1.0/3.0, snap["cache_hit_rate"], 1e-9)
}

func TestRecordRetrieval(t *testing.T) {
	m := New()

	m.RecordRetrieval(100*time.Millisecond, nil)
	m.RecordRetrieval(200*time.Millisecond, nil)
	m.RecordRetrieval(0, errors.New("down"))

	snap := m.Snapshot()
	assert.Equal(t, uint64(3), snap["retrieval_total"])
	assert.Equal(t, uint64(1), snap["retrieval_errors"])
	assert.InDelta(t, 0.3, snap["retrieval_duration_seconds"], 1e-9)
}

func TestRecordIngestion(t *testing.T) {
	m := New()

	m.RecordIngestion(10, 7, 2, 1)
	m.RecordIngestion(5, 5, 0, 0)

	snap := m.Snapshot()
	assert.Equal(t, uint64(15), snap["ingest_records_received"])
	assert.Equal(t, uint64(12), snap["ingest_passages_indexed"])
	assert.Equal(t, uint64(2), snap["ingest_records_quarantined"])
	assert.Equal(t, uint64(1), snap["ingest_records_skipped"])
}

func TestConcurrentRecording(t *testing.T) {
	m := New()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RecordQuery(j%2 == 0, nil)
				m.RecordEmbedRetry()
			}
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	assert.Equal(t, uint64(1000), snap["queries_total"])
	assert.Equal(t, uint64(1000), snap["embed_retries"])
}

func TestGetReturnsSameInstance(t *testing.T) {
	assert.Same(t, Get(), Get())
}
