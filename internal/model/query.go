package model

// RetrievalStatus distinguishes a valid empty result from a retrieval
// failure. EMPTY means the index answered but nothing matched;
// UNAVAILABLE means the retrieval path itself failed (for example the
// embedding service stayed down through every retry).
type RetrievalStatus string

const (
	RetrievalOK          RetrievalStatus = "OK"
	RetrievalEmpty       RetrievalStatus = "EMPTY"
	RetrievalUnavailable RetrievalStatus = "UNAVAILABLE"
)

// QueryFilters are cheap structured post-filters applied after the
// vector search, never baked into it.
type QueryFilters struct {
	Term        string       `json:"term,omitempty"`
	Department  string       `json:"department,omitempty"`
	SourceKinds []SourceKind `json:"source_kinds,omitempty"`
}

// QueryRequest is the retrieval query input.
type QueryRequest struct {
	QueryText string        `json:"query_text" binding:"required"`
	Filters   *QueryFilters `json:"filters,omitempty"`
	K         int           `json:"k,omitempty"`
}

// ScoredPassage is one retrieval hit: the passage, its vector
// similarity to the query, the combined rerank score, and its final
// rank (1-based).
type ScoredPassage struct {
	Passage    Passage `json:"passage"`
	Similarity float64 `json:"similarity"`
	Score      float64 `json:"score"`
	Rank       int     `json:"rank"`
}

// RetrievalResult is the ephemeral, query-scoped ranked passage list.
// It is never persisted.
type RetrievalResult struct {
	Status   RetrievalStatus `json:"status"`
	Passages []ScoredPassage `json:"passages"`
}

// RetrievedPassage is the wire form of one hit in a query response.
type RetrievedPassage struct {
	ID         string     `json:"id"`
	SourceKind SourceKind `json:"source_kind"`
	Body       string     `json:"body"`
	Provenance Provenance `json:"provenance"`
	Score      float64    `json:"score"`
}

// QueryResponse is the /v1/query output.
type QueryResponse struct {
	Passages []RetrievedPassage `json:"passages"`
	Status   RetrievalStatus    `json:"retrieval_status"`
}

// ContextRequest asks for an assembled prompt payload for the external
// generation model.
type ContextRequest struct {
	QueryText   string        `json:"query_text" binding:"required"`
	Filters     *QueryFilters `json:"filters,omitempty"`
	K           int           `json:"k,omitempty"`
	TokenBudget int           `json:"token_budget,omitempty"`
}

// PromptPassage is one passage formatted for the generation handoff,
// provenance attached verbatim.
type PromptPassage struct {
	Body       string     `json:"body"`
	Provenance Provenance `json:"provenance"`
}

// PromptPayload is the generation handoff emitted by the context
// assembler. The core never invokes the generation model itself.
type PromptPayload struct {
	PromptPassages []PromptPassage `json:"prompt_passages"`
	TokenCount     int             `json:"token_count"`
	Status         RetrievalStatus `json:"retrieval_status"`
}
