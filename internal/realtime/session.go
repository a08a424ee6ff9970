package realtime

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mprlab/rtsync/internal/synckit"
)

// ConnectionSession is the per-connection state: the current identity and
// the collection subscriptions. Both are written by the connection's own
// goroutine and additionally read by the hub during broadcast, so each sits
// behind its own lock.
type ConnectionSession struct {
	ConnectionID string
	CreatedAt    time.Time

	principalMutex sync.RWMutex
	principal      *synckit.Principal

	subscriptionsMutex sync.RWMutex
	subscriptions      map[string]struct{}
}

// NewConnectionSession constructs a session with a fresh connection id.
func NewConnectionSession(now time.Time) *ConnectionSession {
	return &ConnectionSession{
		ConnectionID:  ulid.Make().String(),
		CreatedAt:     now,
		subscriptions: make(map[string]struct{}),
	}
}

// Principal returns the current identity, or nil when unauthenticated.
func (session *ConnectionSession) Principal() *synckit.Principal {
	session.principalMutex.RLock()
	defer session.principalMutex.RUnlock()
	return session.principal
}

// SetPrincipal replaces the session identity. Last renewal wins.
func (session *ConnectionSession) SetPrincipal(principal synckit.Principal) {
	session.principalMutex.Lock()
	defer session.principalMutex.Unlock()
	session.principal = &principal
}

// ClearPrincipal drops the session identity on logout.
func (session *ConnectionSession) ClearPrincipal() {
	session.principalMutex.Lock()
	defer session.principalMutex.Unlock()
	session.principal = nil
}

// Subscribe marks the session as interested in a collection's changes.
func (session *ConnectionSession) Subscribe(collection string) {
	session.subscriptionsMutex.Lock()
	defer session.subscriptionsMutex.Unlock()
	session.subscriptions[collection] = struct{}{}
}

// Unsubscribe drops interest in a collection.
func (session *ConnectionSession) Unsubscribe(collection string) {
	session.subscriptionsMutex.Lock()
	defer session.subscriptionsMutex.Unlock()
	delete(session.subscriptions, collection)
}

// IsSubscribed reports whether the session wants a collection's changes.
func (session *ConnectionSession) IsSubscribed(collection string) bool {
	session.subscriptionsMutex.RLock()
	defer session.subscriptionsMutex.RUnlock()
	_, ok := session.subscriptions[collection]
	return ok
}
