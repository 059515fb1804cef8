package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/courseatlas/internal/model"
)

func newTestQuarantine(t *testing.T) *QuarantineStore {
	t.Helper()
	s, err := NewQuarantineStore(":memory:")
	require.NoError(t, err)
	return s
}

func TestQuarantineSaveAndList(t *testing.T) {
	s := newTestQuarantine(t)
	ctx := context.Background()

	rec := model.SourceRecord{
		Kind:     model.SourceReview,
		SourceID: "rmp-123",
		Body:     "great lectures",
		Attributes: model.Attributes{
			CourseCode: "COP3502",
			Instructor: "J. Smith",
		},
		RetrievedAt: time.Now(),
	}
	require.NoError(t, s.Save(ctx, "run-1", rec, "instructor not found in roster"))

	rows, err := s.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "run-1", rows[0].RunID)
	assert.Equal(t, "review", rows[0].Kind)
	assert.Equal(t, "rmp-123", rows[0].SourceID)
	assert.Equal(t, "instructor not found in roster", rows[0].Reason)

	decoded, err := rows[0].Record()
	require.NoError(t, err)
	assert.Equal(t, rec.Body, decoded.Body)
	assert.Equal(t, rec.Attributes.CourseCode, decoded.Attributes.CourseCode)
}

func TestQuarantineListByRun(t *testing.T) {
	s := newTestQuarantine(t)
	ctx := context.Background()

	for i, runID := range []string{"run-a", "run-b", "run-a"} {
		rec := model.SourceRecord{Kind: model.SourceForum, SourceID: string(rune('x' + i))}
		require.NoError(t, s.Save(ctx, runID, rec, "ambiguous course reference"))
	}

	rows, err := s.ListByRun(ctx, "run-a")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestQuarantineTakeRemovesAndDecodes(t *testing.T) {
	s := newTestQuarantine(t)
	ctx := context.Background()

	rec := model.SourceRecord{Kind: model.SourceEval, SourceID: "eval-7", Body: "avg rating 4.2"}
	require.NoError(t, s.Save(ctx, "run-1", rec, "course not in catalog"))

	rows, err := s.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	taken, err := s.Take(ctx, []uint{rows[0].ID})
	require.NoError(t, err)
	require.Len(t, taken, 1)
	assert.Equal(t, "eval-7", taken[0].SourceID)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestQuarantinePurge(t *testing.T) {
	s := newTestQuarantine(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "run-1", model.SourceRecord{Kind: model.SourceCatalog, SourceID: "old"}, "bad payload"))

	purged, err := s.Purge(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
