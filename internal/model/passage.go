package model

import "time"

// Passage is the normalized unit of retrievable text, bound to exactly
// one EntityKey. The ID is a content-addressed hash, so re-normalizing
// identical input yields the same passage and ingestion is idempotent.
type Passage struct {
	ID          string     `json:"id"`
	Entity      EntityKey  `json:"entity"`
	Kind        SourceKind `json:"source_kind"`
	Body        string     `json:"body"`
	Attributes  Attributes `json:"attributes"`
	SourceID    string     `json:"source_id"`
	RetrievedAt time.Time  `json:"retrieved_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Provenance records where a passage's content originated so answers
// built on it can be audited.
type Provenance struct {
	SourceKind  SourceKind `json:"source_kind"`
	SourceID    string     `json:"source_id"`
	RetrievedAt time.Time  `json:"retrieved_at"`
}

// Provenance returns the passage's provenance triple.
func (p Passage) Provenance() Provenance {
	return Provenance{SourceKind: p.Kind, SourceID: p.SourceID, RetrievedAt: p.RetrievedAt}
}
