package realtime

import "sync"

// Client is one connected websocket session together with its outbound queue.
//
// Send is intentionally never closed so broadcasters cannot panic on a
// concurrent close; done signals the owning goroutines to stop instead.
type Client struct {
	Session *ConnectionSession
	Send    chan Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(session *ConnectionSession, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		Session: session,
		Send:    make(chan Envelope, sendQueueSize),
		done:    make(chan struct{}),
	}
}

// Done returns a channel closed when the client is shutting down.
func (client *Client) Done() <-chan struct{} {
	return client.done
}

// Close signals the client goroutines to stop. Idempotent.
func (client *Client) Close() {
	client.closeOnce.Do(func() {
		close(client.done)
	})
}

// TryEnqueue offers an envelope to the send queue without blocking.
// A full queue drops the envelope; change notifications are best-effort.
func (client *Client) TryEnqueue(envelope Envelope) bool {
	select {
	case <-client.done:
		return false
	case client.Send <- envelope:
		return true
	default:
		return false
	}
}
