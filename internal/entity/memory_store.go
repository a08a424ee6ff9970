package entity

import (
	"context"
	"errors"
	"sync"

	"github.com/oklog/ulid/v2"
)

var errTxFinished = errors.New("entity_store.tx_finished")

// MemoryStore keeps collections in process memory. Intended for tests and
// dev runs; a transaction holds the store mutex until Commit or Rollback.
type MemoryStore struct {
	mutex       sync.Mutex
	collections map[string]map[string]Document
}

// NewMemoryStore constructs an empty in-memory entity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string]Document)}
}

// Query returns matching documents in the collection.
func (store *MemoryStore) Query(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var results []Document
	for _, doc := range store.collections[collection] {
		if filter == nil || filter(doc) {
			results = append(results, doc.Clone())
		}
	}
	return results, nil
}

// Get returns one document by id.
func (store *MemoryStore) Get(ctx context.Context, collection string, id string) (Document, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	doc, ok := store.collections[collection][id]
	if !ok {
		return nil, ErrEntityNotFound
	}
	return doc.Clone(), nil
}

// Count reports the number of documents in a collection. Test helper.
func (store *MemoryStore) Count(collection string) int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.collections[collection])
}

// Begin locks the store and returns a staging transaction.
func (store *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	store.mutex.Lock()
	return &memoryTx{store: store}, nil
}

type memoryOpKind int

const (
	opCreate memoryOpKind = iota
	opUpdate
	opRemove
)

type memoryOp struct {
	kind       memoryOpKind
	collection string
	doc        Document
	id         string
}

type memoryTx struct {
	store    *MemoryStore
	ops      []memoryOp
	finished bool
}

func (tx *memoryTx) Create(collection string, doc Document) (Document, error) {
	if tx.finished {
		return nil, errTxFinished
	}
	staged := doc.Clone()
	if staged == nil {
		staged = Document{}
	}
	if staged.ID() == "" {
		staged[IDKey] = ulid.Make().String()
	}
	tx.ops = append(tx.ops, memoryOp{kind: opCreate, collection: collection, doc: staged})
	return staged, nil
}

func (tx *memoryTx) Update(collection string, doc Document) (Document, error) {
	if tx.finished {
		return nil, errTxFinished
	}
	id := doc.ID()
	if id == "" {
		return nil, ErrMissingEntityID
	}
	if _, ok := tx.store.collections[collection][id]; !ok {
		return nil, ErrEntityNotFound
	}
	staged := doc.Clone()
	tx.ops = append(tx.ops, memoryOp{kind: opUpdate, collection: collection, doc: staged})
	return staged, nil
}

func (tx *memoryTx) Remove(collection string, id string) (Document, error) {
	if tx.finished {
		return nil, errTxFinished
	}
	if id == "" {
		return nil, ErrMissingEntityID
	}
	existing, ok := tx.store.collections[collection][id]
	if !ok {
		return nil, ErrEntityNotFound
	}
	tx.ops = append(tx.ops, memoryOp{kind: opRemove, collection: collection, id: id})
	return existing.Clone(), nil
}

func (tx *memoryTx) Commit() error {
	if tx.finished {
		return errTxFinished
	}
	tx.finished = true
	for _, op := range tx.ops {
		bucket, ok := tx.store.collections[op.collection]
		if !ok {
			bucket = make(map[string]Document)
			tx.store.collections[op.collection] = bucket
		}
		switch op.kind {
		case opCreate, opUpdate:
			bucket[op.doc.ID()] = op.doc.Clone()
		case opRemove:
			delete(bucket, op.id)
		}
	}
	tx.store.mutex.Unlock()
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.finished {
		return errTxFinished
	}
	tx.finished = true
	tx.store.mutex.Unlock()
	return nil
}
