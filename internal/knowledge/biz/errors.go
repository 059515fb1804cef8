// Package biz implements the knowledge aggregation and retrieval
// pipeline: entity resolution, normalization, indexing, retrieval,
// and context assembly.
package biz

import "errors"

var (
	// ErrUnresolved means a record could not be matched against the
	// catalog roster. The record is quarantined, not dropped.
	ErrUnresolved = errors.New("entity unresolved")

	// ErrAmbiguousEntity means a record matched multiple roster entries
	// equally well. Ambiguity never merges two distinct entities, so
	// the record is quarantined.
	ErrAmbiguousEntity = errors.New("entity resolution ambiguous")

	// ErrNormalization means a record was malformed beyond templating.
	// The record is skipped and logged with its source identifier.
	ErrNormalization = errors.New("record normalization failed")

	// ErrEmbeddingService means a remote embed call failed. Transient
	// failures are retried with backoff before this surfaces.
	ErrEmbeddingService = errors.New("embedding service error")

	// ErrIndexInconsistency means the index holds vectors from a
	// different embedding model version than the querying one. The
	// request is rejected rather than silently compared.
	ErrIndexInconsistency = errors.New("index embedding version mismatch")

	// ErrRetrievalUnavailable means the retrieval path itself failed,
	// for example the embedding service stayed down through every
	// retry. Distinct from an empty result, which is not an error.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")
)
