// Package backend defines the retrieval-backend contract the gateway
// dispatches to, plus the Qdrant implementation.
//
// The backend is treated as opaque storage with three operations: upsert
// documents, run scoped similarity queries, and delete. Its internal
// indexing and ranking are out of the gateway's scope.
package backend

import (
	"context"
	"errors"
)

// ErrBackendFailure wraps any retrieval-backend error surfaced to the
// gateway. The gateway does not retry beyond the client's own transient
// retries; the caller must retry the operation.
var ErrBackendFailure = errors.New("retrieval backend failure")

// Document is a unit of ingested content.
type Document struct {
	// ID is the document identifier. Assigned by the backend on upsert
	// when empty.
	ID string

	// Text is the extracted text content.
	Text string

	// Metadata carries additional key-value pairs stored with the document.
	Metadata map[string]string
}

// Filter restricts a query or delete to matching documents.
type Filter struct {
	// DocumentIDs restricts matches to these document ids. The gateway
	// always overwrites this field with the caller's scope set; an empty
	// non-nil filter matches nothing.
	DocumentIDs []string

	// Metadata restricts matches to documents whose metadata contains
	// every listed key-value pair.
	Metadata map[string]string
}

// Query is one similarity sub-query.
type Query struct {
	// Text is the natural-language query.
	Text string `json:"query"`

	// TopK bounds the number of results. Implementations apply a default
	// when zero.
	TopK int `json:"top_k,omitempty"`

	// Filter restricts the search. The gateway overrides DocumentIDs
	// before the query reaches the backend.
	Filter *Filter `json:"filter,omitempty"`
}

// ScoredDocument is one query hit.
type ScoredDocument struct {
	// DocumentID is the id of the matched document.
	DocumentID string `json:"document_id"`

	// Text is the matched chunk's text.
	Text string `json:"text"`

	// Score is the similarity score, higher is more similar.
	Score float32 `json:"score"`

	// Metadata is the stored document metadata.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// QueryResult pairs a sub-query with its hits.
type QueryResult struct {
	Query   string           `json:"query"`
	Results []ScoredDocument `json:"results"`
}

// Backend is the retrieval-backend contract.
type Backend interface {
	// Upsert stores documents and returns their ids, generating ids for
	// documents that carry none.
	Upsert(ctx context.Context, docs []Document) ([]string, error)

	// Query runs each sub-query and returns one result set per query,
	// in order.
	Query(ctx context.Context, queries []Query) ([]QueryResult, error)

	// Matching returns the ids of documents the filter selects, without
	// modifying anything. Callers use it to learn what a filtered delete
	// will touch before issuing it.
	Matching(ctx context.Context, filter *Filter) ([]string, error)

	// Delete removes documents by id and/or filter. Exactly the documents
	// matching the selector disappear; returns true on success.
	Delete(ctx context.Context, ids []string, filter *Filter) (bool, error)

	// Close releases backend connections.
	Close() error
}
