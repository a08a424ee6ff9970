package synckit

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNonceNotFound indicates the supplied nonce was not issued or already consumed.
	ErrNonceNotFound = errors.New("nonce.not_found")
	// ErrNonceExpired indicates the nonce expired before consumption.
	ErrNonceExpired = errors.New("nonce.expired")
)

// NonceStore issues one-time nonce tokens binding a Google sign-in exchange
// to the connection that requested it.
type NonceStore interface {
	Issue(ctx context.Context) (string, error)
	Consume(ctx context.Context, nonce string) error
}

type memoryNonceStore struct {
	mutex   sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	clock   Clock
}

// NewMemoryNonceStore constructs an in-memory NonceStore with the provided TTL.
func NewMemoryNonceStore(ttl time.Duration, clock Clock) NonceStore {
	if clock == nil {
		clock = SystemClock{}
	}
	return &memoryNonceStore{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		clock:   clock,
	}
}

func (store *memoryNonceStore) Issue(ctx context.Context) (string, error) {
	buffer := make([]byte, 32)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	nonce := base64.RawURLEncoding.EncodeToString(buffer)
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[nonce] = store.clock.Now().Add(store.ttl)
	return nonce, nil
}

func (store *memoryNonceStore) Consume(ctx context.Context, nonce string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	defer store.purgeExpiredLocked()
	expiry, ok := store.entries[nonce]
	if !ok {
		return ErrNonceNotFound
	}
	delete(store.entries, nonce)
	if store.clock.Now().After(expiry) {
		return ErrNonceExpired
	}
	return nil
}

func (store *memoryNonceStore) purgeExpiredLocked() {
	if len(store.entries) == 0 {
		return
	}
	now := store.clock.Now()
	for nonce, expiry := range store.entries {
		if now.After(expiry) {
			delete(store.entries, nonce)
		}
	}
}
