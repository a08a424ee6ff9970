package synckit

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errTxFinished = errors.New("token_store.tx_finished")

// MemoryRefreshTokenStore is an in-memory store intended for tests and dev.
// A transaction holds the store mutex from Begin to Commit/Rollback, which
// gives the single-writer discipline renewal needs without a real database.
type MemoryRefreshTokenStore struct {
	mutex   sync.Mutex
	records map[string]*memoryTokenRecord
	clock   Clock
}

type memoryTokenRecord struct {
	OwnerID       string
	KeyHash       string
	CreatedAtUnix int64
}

// NewMemoryRefreshTokenStore creates an empty in-memory token store.
func NewMemoryRefreshTokenStore(clock Clock) *MemoryRefreshTokenStore {
	if clock == nil {
		clock = SystemClock{}
	}
	return &MemoryRefreshTokenStore{
		records: make(map[string]*memoryTokenRecord),
		clock:   clock,
	}
}

// Begin locks the store and returns a transactional view over a working copy.
func (store *MemoryRefreshTokenStore) Begin(ctx context.Context) (RefreshTokenTx, error) {
	store.mutex.Lock()
	working := make(map[string]*memoryTokenRecord, len(store.records))
	for keyHash, record := range store.records {
		copied := *record
		working[keyHash] = &copied
	}
	return &memoryTokenTx{store: store, working: working}, nil
}

// CountForOwner reports live tokens held by the owner. Test helper.
func (store *MemoryRefreshTokenStore) CountForOwner(ownerID string) int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	count := 0
	for _, record := range store.records {
		if record.OwnerID == ownerID {
			count++
		}
	}
	return count
}

// Contains reports whether the given (owner, key) pair is currently stored. Test helper.
func (store *MemoryRefreshTokenStore) Contains(ownerID string, refreshKey string) bool {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.records[hashRefreshKey(refreshKey)]
	return ok && record.OwnerID == ownerID
}

type memoryTokenTx struct {
	store    *MemoryRefreshTokenStore
	working  map[string]*memoryTokenRecord
	finished bool
}

func (tx *memoryTokenTx) DeleteIssuedBefore(cutoff time.Time) error {
	if tx.finished {
		return errTxFinished
	}
	cutoffUnix := cutoff.Unix()
	for keyHash, record := range tx.working {
		if record.CreatedAtUnix < cutoffUnix {
			delete(tx.working, keyHash)
		}
	}
	return nil
}

func (tx *memoryTokenTx) Consume(ownerID string, refreshKey string) error {
	if tx.finished {
		return errTxFinished
	}
	keyHash := hashRefreshKey(refreshKey)
	record, ok := tx.working[keyHash]
	if !ok || record.OwnerID != ownerID {
		return ErrTokenNotFound
	}
	delete(tx.working, keyHash)
	return nil
}

func (tx *memoryTokenTx) Insert(ownerID string) (string, error) {
	if tx.finished {
		return "", errTxFinished
	}
	refreshKey, keyHash, err := generateRefreshKey()
	if err != nil {
		return "", err
	}
	tx.working[keyHash] = &memoryTokenRecord{
		OwnerID:       ownerID,
		KeyHash:       keyHash,
		CreatedAtUnix: tx.store.clock.Now().Unix(),
	}
	return refreshKey, nil
}

func (tx *memoryTokenTx) DeleteAllForOwner(ownerID string) error {
	if tx.finished {
		return errTxFinished
	}
	for keyHash, record := range tx.working {
		if record.OwnerID == ownerID {
			delete(tx.working, keyHash)
		}
	}
	return nil
}

func (tx *memoryTokenTx) Commit() error {
	if tx.finished {
		return errTxFinished
	}
	tx.finished = true
	tx.store.records = tx.working
	tx.store.mutex.Unlock()
	return nil
}

func (tx *memoryTokenTx) Rollback() error {
	if tx.finished {
		return errTxFinished
	}
	tx.finished = true
	tx.store.mutex.Unlock()
	return nil
}
