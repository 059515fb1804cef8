// Package model defines the shared data model for the CourseAtlas
// knowledge base: raw source records, canonical entity keys, and
// normalized passages.
package model

import (
	"time"
)

// SourceKind identifies which scraped source a record came from.
type SourceKind string

const (
	// SourceCatalog is the official course catalog. It is the authority
	// for course and instructor identity.
	SourceCatalog SourceKind = "catalog"
	// SourceReview is the professor-review site.
	SourceReview SourceKind = "review"
	// SourceEval is the course-evaluation archive.
	SourceEval SourceKind = "eval"
	// SourceForum is the student discussion forum.
	SourceForum SourceKind = "forum"
)

// Valid reports whether k is a known source kind.
func (k SourceKind) Valid() bool {
	switch k {
	case SourceCatalog, SourceReview, SourceEval, SourceForum:
		return true
	}
	return false
}

// SourceKinds lists every recognized source kind.
func SourceKinds() []SourceKind {
	return []SourceKind{SourceCatalog, SourceReview, SourceEval, SourceForum}
}

// Attributes holds the structured fields extracted per source. The
// SourceKind on the owning record discriminates which fields are
// meaningful; unset fields are zero values. Keeping a single tagged
// struct lets each source's shape evolve independently without an
// inheritance hierarchy.
type Attributes struct {
	// Shared course identity fields.
	CourseCode string `json:"course_code,omitempty"`
	Term       string `json:"term,omitempty"`
	Instructor string `json:"instructor,omitempty"`
	Department string `json:"department,omitempty"`

	// Catalog fields.
	CourseTitle   string `json:"course_title,omitempty"`
	Description   string `json:"description,omitempty"`
	Prerequisites string `json:"prerequisites,omitempty"`
	Credits       string `json:"credits,omitempty"`
	DeliveryMode  string `json:"delivery_mode,omitempty"`

	// Review fields.
	Rating         float64 `json:"rating,omitempty"`
	Difficulty     float64 `json:"difficulty,omitempty"`
	WouldTakeAgain float64 `json:"would_take_again,omitempty"`
	Grade          string  `json:"grade,omitempty"`
	Tags           string  `json:"tags,omitempty"`

	// Eval fields.
	AvgRating     float64 `json:"avg_rating,omitempty"`
	AvgGPA        float64 `json:"avg_gpa,omitempty"`
	ResponseCount int     `json:"response_count,omitempty"`

	// Forum fields.
	Title     string `json:"title,omitempty"`
	Flair     string `json:"flair,omitempty"`
	VoteScore int    `json:"vote_score,omitempty"`

	// Sentiment tag attached during normalization (positive, negative,
	// mixed) for review/eval passages.
	Sentiment string `json:"sentiment,omitempty"`
}

// SourceRecord is one raw extracted datum from a single source.
// Records are immutable once ingested; a re-scrape supersedes earlier
// records instead of mutating them.
type SourceRecord struct {
	Kind        SourceKind `json:"kind"`
	SourceID    string     `json:"source_id"`
	Body        string     `json:"body"`
	Attributes  Attributes `json:"attributes"`
	RetrievedAt time.Time  `json:"retrieved_at"`
}

// IngestBatch maps each source kind to the ordered records scraped from
// it. This is the only contract the core defines toward the scrapers.
type IngestBatch map[SourceKind][]SourceRecord

// Total returns the number of records across all sources.
func (b IngestBatch) Total() int {
	n := 0
	for _, recs := range b {
		n += len(recs)
	}
	return n
}

// IngestReport summarizes one ingestion run.
type IngestReport struct {
	RunID       string `json:"run_id"`
	Received    int    `json:"received"`
	Indexed     int    `json:"indexed"`
	Quarantined int    `json:"quarantined"`
	Skipped     int    `json:"skipped"`
}
