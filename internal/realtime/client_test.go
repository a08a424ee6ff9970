package realtime

import (
	"testing"
	"time"

	"github.com/mprlab/rtsync/internal/synckit"
)

func TestClientTryEnqueueDropsWhenFull(t *testing.T) {
	session := NewConnectionSession(time.Unix(1700000000, 0))
	client := NewClient(session, 0)

	capacity := cap(client.Send)
	for index := 0; index < capacity; index++ {
		if !client.TryEnqueue(Envelope{Kind: KindChange}) {
			t.Fatalf("expected enqueue %d to succeed", index)
		}
	}
	if client.TryEnqueue(Envelope{Kind: KindChange}) {
		t.Fatalf("expected enqueue on full queue to drop")
	}
}

func TestClientCloseIsIdempotentAndStopsEnqueue(t *testing.T) {
	client := NewClient(NewConnectionSession(time.Unix(1700000000, 0)), 8)
	client.Close()
	client.Close()

	select {
	case <-client.Done():
	default:
		t.Fatalf("expected done channel to be closed")
	}
	if client.TryEnqueue(Envelope{Kind: KindChange}) {
		t.Fatalf("expected enqueue after close to fail")
	}
}

func TestConnectionSessionPrincipalAndSubscriptions(t *testing.T) {
	session := NewConnectionSession(time.Unix(1700000000, 0))
	if session.ConnectionID == "" {
		t.Fatalf("expected a connection id")
	}
	if session.Principal() != nil {
		t.Fatalf("expected new session to be unauthenticated")
	}

	session.SetPrincipal(synckit.Principal{ID: "alice"})
	if principal := session.Principal(); principal == nil || principal.ID != "alice" {
		t.Fatalf("expected principal alice, got %+v", principal)
	}
	session.ClearPrincipal()
	if session.Principal() != nil {
		t.Fatalf("expected cleared principal")
	}

	session.Subscribe("document")
	if !session.IsSubscribed("document") {
		t.Fatalf("expected subscription to register")
	}
	session.Unsubscribe("document")
	if session.IsSubscribed("document") {
		t.Fatalf("expected unsubscribe to take effect")
	}
}
