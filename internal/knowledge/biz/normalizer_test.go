package biz

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/courseatlas/internal/model"
	"github.com/kart-io/courseatlas/internal/pkg/textutil"
)

var testKey = model.EntityKey{Subject: "COP", Number: "3502", Instructor: "j smith"}

func TestNormalizeCatalog(t *testing.T) {
	n := NewNormalizer(DefaultNormalizerConfig())

	rec := model.SourceRecord{
		Kind:     model.SourceCatalog,
		SourceID: "catalog-cop3502",
		Attributes: model.Attributes{
			CourseCode:    "COP3502",
			CourseTitle:   "Programming Fundamentals 1",
			Description:   "First course in programming.",
			Prerequisites: "MAC1140",
			Credits:       "3",
			Term:          "Fall 2026",
			Instructor:    "J. Smith",
			DeliveryMode:  "PC",
		},
		RetrievedAt: time.Now(),
	}

	p, err := n.Normalize(rec, testKey)
	require.NoError(t, err)
	assert.Contains(t, p.Body, "COP3502 Programming Fundamentals 1 (3 credits)")
	assert.Contains(t, p.Body, "In-Person")
	assert.Contains(t, p.Body, "First course in programming.")
	assert.Contains(t, p.Body, "Prerequisites: MAC1140.")
	assert.Equal(t, model.SourceCatalog, p.Kind)
	assert.Equal(t, testKey, p.Entity)
}

func TestNormalizeReview(t *testing.T) {
	n := NewNormalizer(DefaultNormalizerConfig())

	rec := model.SourceRecord{
		Kind:     model.SourceReview,
		SourceID: "rmp-1",
		Body:     "clear lectures",
		Attributes: model.Attributes{
			CourseCode:     "COP3502",
			Instructor:     "J. Smith",
			Rating:         4.5,
			Difficulty:     3.0,
			WouldTakeAgain: 90,
			Grade:          "A",
		},
	}

	p, err := n.Normalize(rec, testKey)
	require.NoError(t, err)
	assert.Contains(t, p.Body, "4.5/5")
	assert.Contains(t, p.Body, `"clear lectures"`)
	assert.Contains(t, p.Body, "difficulty 3.0")
	assert.Contains(t, p.Body, "90% would take again")
	assert.Equal(t, "positive", p.Attributes.Sentiment)
}

func TestNormalizeEval(t *testing.T) {
	n := NewNormalizer(DefaultNormalizerConfig())

	rec := model.SourceRecord{
		Kind:     model.SourceEval,
		SourceID: "eval-1",
		Attributes: model.Attributes{
			CourseCode:    "COP3502",
			Term:          "Spring 2026",
			AvgRating:     2.1,
			AvgGPA:        3.1,
			ResponseCount: 120,
		},
	}

	p, err := n.Normalize(rec, testKey)
	require.NoError(t, err)
	assert.Contains(t, p.Body, "average instructor rating of 2.1/5")
	assert.Contains(t, p.Body, "average GPA of 3.1")
	assert.Contains(t, p.Body, "across 120 responses")
	assert.Equal(t, "negative", p.Attributes.Sentiment)
}

func TestNormalizeForumStripsMarkup(t *testing.T) {
	n := NewNormalizer(DefaultNormalizerConfig())

	rec := model.SourceRecord{
		Kind:     model.SourceForum,
		SourceID: "reddit-1",
		Body:     `<p>Has anyone taken <strong>COP3502</strong>? See <a href="https://example.com">the syllabus</a> first.</p>`,
		Attributes: model.Attributes{
			CourseCode: "COP3502",
			Title:      "COP3502 difficulty?",
			Flair:      "Question",
		},
	}

	p, err := n.Normalize(rec, testKey)
	require.NoError(t, err)
	assert.NotContains(t, p.Body, "<")
	assert.NotContains(t, p.Body, "https://example.com")
	assert.Contains(t, p.Body, "Has anyone taken COP3502?")
	assert.Contains(t, p.Body, "the syllabus")
	assert.Contains(t, p.Body, `titled "COP3502 difficulty?"`)
	assert.Contains(t, p.Body, "[Question]")
}

func TestNormalizeForumTruncatesAtSentence(t *testing.T) {
	cfg := NormalizerConfig{MaxTokens: 24}
	n := NewNormalizer(cfg)

	long := strings.Repeat("This sentence fills some of the token budget. ", 20)
	rec := model.SourceRecord{
		Kind:       model.SourceForum,
		SourceID:   "reddit-2",
		Body:       long,
		Attributes: model.Attributes{CourseCode: "COP3502"},
	}

	p, err := n.Normalize(rec, testKey)
	require.NoError(t, err)
	assert.LessOrEqual(t, textutil.TokenCount(p.Body), cfg.MaxTokens)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(p.Body), "."), "body must end on a sentence boundary: %q", p.Body)
}

func TestNormalizeIdempotent(t *testing.T) {
	n := NewNormalizer(DefaultNormalizerConfig())

	rec := model.SourceRecord{
		Kind:        model.SourceReview,
		SourceID:    "rmp-1",
		Body:        "clear lectures",
		Attributes:  model.Attributes{CourseCode: "COP3502", Rating: 4.5},
		RetrievedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}

	p1, err := n.Normalize(rec, testKey)
	require.NoError(t, err)
	p2, err := n.Normalize(rec, testKey)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.Equal(t, p1.ID, p2.ID)
}

func TestNormalizeIDChangesWithContent(t *testing.T) {
	n := NewNormalizer(DefaultNormalizerConfig())

	base := model.SourceRecord{
		Kind:       model.SourceReview,
		SourceID:   "rmp-1",
		Body:       "clear lectures",
		Attributes: model.Attributes{CourseCode: "COP3502", Rating: 4.5},
	}
	other := base
	other.Body = "hard exams"

	p1, err := n.Normalize(base, testKey)
	require.NoError(t, err)
	p2, err := n.Normalize(other, testKey)
	require.NoError(t, err)
	assert.NotEqual(t, p1.ID, p2.ID)
}

func TestNormalizeMalformedRecords(t *testing.T) {
	n := NewNormalizer(DefaultNormalizerConfig())

	tests := []struct {
		name string
		rec  model.SourceRecord
	}{
		{
			name: "catalog without title or description",
			rec:  model.SourceRecord{Kind: model.SourceCatalog, SourceID: "c1"},
		},
		{
			name: "review without rating or comment",
			rec:  model.SourceRecord{Kind: model.SourceReview, SourceID: "r1"},
		},
		{
			name: "eval without figures",
			rec:  model.SourceRecord{Kind: model.SourceEval, SourceID: "e1"},
		},
		{
			name: "empty forum post",
			rec:  model.SourceRecord{Kind: model.SourceForum, SourceID: "f1"},
		},
		{
			name: "unknown kind",
			rec:  model.SourceRecord{Kind: "wiki", SourceID: "w1", Body: "text"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(tt.rec, testKey)
			assert.ErrorIs(t, err, ErrNormalization)
		})
	}
}
