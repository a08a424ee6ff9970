// Package entity is the storage collaborator for synced collections.
// Documents are schemaless JSON objects addressed by (collection, id).
package entity

import (
	"context"
	"errors"
)

// IDKey is the reserved document key carrying the entity identifier.
const IDKey = "id"

// Document is one synced entity. Mutating hooks may edit it in place before
// the owning transaction commits.
type Document map[string]any

// ID returns the document identifier, or "" when unset.
func (doc Document) ID() string {
	id, _ := doc[IDKey].(string)
	return id
}

// Clone returns a shallow copy so callers cannot alias stored state.
func (doc Document) Clone() Document {
	if doc == nil {
		return nil
	}
	copied := make(Document, len(doc))
	for key, value := range doc {
		copied[key] = value
	}
	return copied
}

var (
	// ErrEntityNotFound indicates no document matched the (collection, id) pair.
	ErrEntityNotFound = errors.New("entity_store.not_found")
	// ErrMissingEntityID indicates an update or remove without an id.
	ErrMissingEntityID = errors.New("entity_store.missing_id")
)

// Filter narrows a query before results materialize. A nil Filter matches everything.
type Filter func(Document) bool

// Store exposes query primitives and a transactional unit-of-work for mutations.
type Store interface {
	// Query returns every document in the collection matching the filter.
	Query(ctx context.Context, collection string, filter Filter) ([]Document, error)
	// Get returns one document by id.
	Get(ctx context.Context, collection string, id string) (Document, error)
	// Begin opens a transaction for a single mutating command.
	Begin(ctx context.Context) (Tx, error)
}

// Tx stages mutations until Commit. The staged document returned by each
// mutation is live: edits made to it before Commit are what gets persisted.
type Tx interface {
	// Create stages a new document, assigning an id when none is present.
	Create(collection string, doc Document) (Document, error)
	// Update stages a full replacement of an existing document.
	Update(collection string, doc Document) (Document, error)
	// Remove stages deletion and returns the document being removed.
	Remove(collection string, id string) (Document, error)
	Commit() error
	Rollback() error
}
