package synckit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryTokenStoreInsertAndConsume(t *testing.T) {
	store := NewMemoryRefreshTokenStore(fixedClock{timestamp: time.Unix(1700000000, 0)})

	tx, err := store.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin error: %v", err)
	}
	refreshKey, insertErr := tx.Insert("user-1")
	if insertErr != nil {
		t.Fatalf("insert error: %v", insertErr)
	}
	if commitErr := tx.Commit(); commitErr != nil {
		t.Fatalf("commit error: %v", commitErr)
	}
	if !store.Contains("user-1", refreshKey) {
		t.Fatalf("expected committed token to be stored")
	}

	tx, err = store.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin error: %v", err)
	}
	if consumeErr := tx.Consume("user-1", refreshKey); consumeErr != nil {
		t.Fatalf("consume error: %v", consumeErr)
	}
	if commitErr := tx.Commit(); commitErr != nil {
		t.Fatalf("commit error: %v", commitErr)
	}
	if store.CountForOwner("user-1") != 0 {
		t.Fatalf("expected no tokens after consumption")
	}
}

func TestMemoryTokenStoreConsumeRejectsUnknownAndWrongOwner(t *testing.T) {
	store := NewMemoryRefreshTokenStore(fixedClock{timestamp: time.Unix(1700000000, 0)})

	tx, _ := store.Begin(context.Background())
	refreshKey, insertErr := tx.Insert("user-1")
	if insertErr != nil {
		t.Fatalf("insert error: %v", insertErr)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit error: %v", err)
	}

	tx, _ = store.Begin(context.Background())
	if err := tx.Consume("user-1", "not-a-key"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound for unknown key, got %v", err)
	}
	if err := tx.Consume("someone-else", refreshKey); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound for wrong owner, got %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback error: %v", err)
	}
	if !store.Contains("user-1", refreshKey) {
		t.Fatalf("expected token to survive rolled-back consumption attempts")
	}
}

func TestMemoryTokenStoreDeleteIssuedBefore(t *testing.T) {
	clock := &movableClock{timestamp: time.Unix(1700000000, 0)}
	store := NewMemoryRefreshTokenStore(clock)

	tx, _ := store.Begin(context.Background())
	staleKey, _ := tx.Insert("user-1")
	_ = tx.Commit()

	clock.Advance(2 * time.Hour)
	tx, _ = store.Begin(context.Background())
	freshKey, _ := tx.Insert("user-1")
	if err := tx.DeleteIssuedBefore(clock.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("sweep error: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit error: %v", err)
	}

	if store.Contains("user-1", staleKey) {
		t.Fatalf("expected stale token to be swept")
	}
	if !store.Contains("user-1", freshKey) {
		t.Fatalf("expected fresh token to survive the sweep")
	}
}

func TestMemoryTokenStoreDeleteAllForOwner(t *testing.T) {
	store := NewMemoryRefreshTokenStore(fixedClock{timestamp: time.Unix(1700000000, 0)})

	tx, _ := store.Begin(context.Background())
	_, _ = tx.Insert("user-1")
	_, _ = tx.Insert("user-1")
	otherKey, _ := tx.Insert("user-2")
	_ = tx.Commit()

	tx, _ = store.Begin(context.Background())
	if err := tx.DeleteAllForOwner("user-1"); err != nil {
		t.Fatalf("delete all error: %v", err)
	}
	_ = tx.Commit()

	if store.CountForOwner("user-1") != 0 {
		t.Fatalf("expected every user-1 token to be deleted")
	}
	if !store.Contains("user-2", otherKey) {
		t.Fatalf("expected user-2 token to be untouched")
	}
}

func TestMemoryTokenStoreRollbackDiscardsWork(t *testing.T) {
	store := NewMemoryRefreshTokenStore(fixedClock{timestamp: time.Unix(1700000000, 0)})

	tx, _ := store.Begin(context.Background())
	refreshKey, _ := tx.Insert("user-1")
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback error: %v", err)
	}
	if store.Contains("user-1", refreshKey) {
		t.Fatalf("expected rolled-back insert to vanish")
	}
}

func TestMemoryTokenStoreFinishedTxRejectsFurtherUse(t *testing.T) {
	store := NewMemoryRefreshTokenStore(fixedClock{timestamp: time.Unix(1700000000, 0)})

	tx, _ := store.Begin(context.Background())
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit error: %v", err)
	}
	if _, err := tx.Insert("user-1"); err == nil {
		t.Fatalf("expected insert on finished tx to fail")
	}
	if err := tx.Commit(); err == nil {
		t.Fatalf("expected double commit to fail")
	}
	if err := tx.Rollback(); err == nil {
		t.Fatalf("expected rollback after commit to fail")
	}
}
