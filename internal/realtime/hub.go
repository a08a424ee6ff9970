package realtime

import (
	"sync"

	"go.uber.org/zap"
)

// Hub tracks connected clients for change-notification fan-out. It is
// intentionally minimal: persistence and authorization live elsewhere.
type Hub struct {
	logger *zap.Logger

	mutex   sync.RWMutex
	clients map[string]*Client
}

// NewHub constructs an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// Register adds a connected client keyed by its connection id.
func (hub *Hub) Register(client *Client) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	hub.clients[client.Session.ConnectionID] = client
}

// Unregister removes a client on disconnect.
func (hub *Hub) Unregister(connectionID string) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	delete(hub.clients, connectionID)
}

// PublishChange fans a change envelope out to every session subscribed to
// the collection, except the originating connection, which already received
// a direct response. The authorized gate is evaluated per recipient session
// before enqueueing; a nil gate delivers to every subscriber. Delivery is
// best-effort.
func (hub *Hub) PublishChange(collection string, change Envelope, originConnectionID string, authorized func(*ConnectionSession) bool) {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	for connectionID, client := range hub.clients {
		if connectionID == originConnectionID {
			continue
		}
		if !client.Session.IsSubscribed(collection) {
			continue
		}
		if authorized != nil && !authorized(client.Session) {
			continue
		}
		if !client.TryEnqueue(change) {
			hub.logger.Warn("change notification dropped",
				zap.String("code", "hub.queue_full"),
				zap.String("connection_id", connectionID),
				zap.String("collection", collection))
		}
	}
}
