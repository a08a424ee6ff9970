package entity

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreCreateAssignsID(t *testing.T) {
	store := NewMemoryStore()

	tx, err := store.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin error: %v", err)
	}
	staged, createErr := tx.Create("document", Document{"title": "hello"})
	if createErr != nil {
		t.Fatalf("create error: %v", createErr)
	}
	if staged.ID() == "" {
		t.Fatalf("expected create to assign an id")
	}
	if commitErr := tx.Commit(); commitErr != nil {
		t.Fatalf("commit error: %v", commitErr)
	}

	loaded, getErr := store.Get(context.Background(), "document", staged.ID())
	if getErr != nil {
		t.Fatalf("get error: %v", getErr)
	}
	if loaded["title"] != "hello" {
		t.Fatalf("unexpected stored document: %v", loaded)
	}
}

func TestMemoryStoreCreateKeepsProvidedID(t *testing.T) {
	store := NewMemoryStore()

	tx, _ := store.Begin(context.Background())
	staged, err := tx.Create("document", Document{"id": "doc-1", "title": "hello"})
	if err != nil {
		t.Fatalf("create error: %v", err)
	}
	if staged.ID() != "doc-1" {
		t.Fatalf("expected provided id to be kept, got %s", staged.ID())
	}
	_ = tx.Commit()
}

func TestMemoryStoreStagedDocumentEditsPersist(t *testing.T) {
	store := NewMemoryStore()

	tx, _ := store.Begin(context.Background())
	staged, _ := tx.Create("document", Document{"id": "doc-1"})
	staged["stamped"] = true
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit error: %v", err)
	}

	loaded, _ := store.Get(context.Background(), "document", "doc-1")
	if loaded["stamped"] != true {
		t.Fatalf("expected pre-commit edits to the staged document to persist")
	}
}

func TestMemoryStoreUpdateRequiresExistingEntity(t *testing.T) {
	store := NewMemoryStore()

	tx, _ := store.Begin(context.Background())
	if _, err := tx.Update("document", Document{"title": "no id"}); !errors.Is(err, ErrMissingEntityID) {
		t.Fatalf("expected ErrMissingEntityID, got %v", err)
	}
	if _, err := tx.Update("document", Document{"id": "ghost"}); !errors.Is(err, ErrEntityNotFound) {
		t.Fatalf("expected ErrEntityNotFound, got %v", err)
	}
	_ = tx.Rollback()
}

func TestMemoryStoreUpdateReplacesDocument(t *testing.T) {
	store := NewMemoryStore()

	tx, _ := store.Begin(context.Background())
	_, _ = tx.Create("document", Document{"id": "doc-1", "title": "old", "stale": "field"})
	_ = tx.Commit()

	tx, _ = store.Begin(context.Background())
	if _, err := tx.Update("document", Document{"id": "doc-1", "title": "new"}); err != nil {
		t.Fatalf("update error: %v", err)
	}
	_ = tx.Commit()

	loaded, _ := store.Get(context.Background(), "document", "doc-1")
	if loaded["title"] != "new" {
		t.Fatalf("expected replacement title, got %v", loaded["title"])
	}
	if _, ok := loaded["stale"]; ok {
		t.Fatalf("expected full replacement to drop stale fields")
	}
}

func TestMemoryStoreRemove(t *testing.T) {
	store := NewMemoryStore()

	tx, _ := store.Begin(context.Background())
	_, _ = tx.Create("document", Document{"id": "doc-1", "title": "bye"})
	_ = tx.Commit()

	tx, _ = store.Begin(context.Background())
	removed, err := tx.Remove("document", "doc-1")
	if err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if removed["title"] != "bye" {
		t.Fatalf("expected removed document to be returned")
	}
	_ = tx.Commit()

	if _, err := store.Get(context.Background(), "document", "doc-1"); !errors.Is(err, ErrEntityNotFound) {
		t.Fatalf("expected removed entity to be gone, got %v", err)
	}

	tx, _ = store.Begin(context.Background())
	if _, err := tx.Remove("document", "doc-1"); !errors.Is(err, ErrEntityNotFound) {
		t.Fatalf("expected ErrEntityNotFound for repeat removal, got %v", err)
	}
	if _, err := tx.Remove("document", ""); !errors.Is(err, ErrMissingEntityID) {
		t.Fatalf("expected ErrMissingEntityID for blank id, got %v", err)
	}
	_ = tx.Rollback()
}

func TestMemoryStoreRollbackDiscardsStagedOps(t *testing.T) {
	store := NewMemoryStore()

	tx, _ := store.Begin(context.Background())
	_, _ = tx.Create("document", Document{"id": "doc-1"})
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback error: %v", err)
	}
	if store.Count("document") != 0 {
		t.Fatalf("expected rolled-back create to vanish")
	}
}

func TestMemoryStoreQueryWithFilter(t *testing.T) {
	store := NewMemoryStore()

	tx, _ := store.Begin(context.Background())
	_, _ = tx.Create("document", Document{"id": "a", "owner": "alice"})
	_, _ = tx.Create("document", Document{"id": "b", "owner": "bob"})
	_ = tx.Commit()

	owned, err := store.Query(context.Background(), "document", func(doc Document) bool {
		return doc["owner"] == "alice"
	})
	if err != nil {
		t.Fatalf("query error: %v", err)
	}
	if len(owned) != 1 || owned[0].ID() != "a" {
		t.Fatalf("expected only alice's document, got %v", owned)
	}

	all, _ := store.Query(context.Background(), "document", nil)
	if len(all) != 2 {
		t.Fatalf("expected two documents with nil filter, got %d", len(all))
	}

	// Query results are clones; editing them must not touch stored state.
	all[0]["owner"] = "mallory"
	reloaded, _ := store.Get(context.Background(), "document", all[0].ID())
	if reloaded["owner"] == "mallory" {
		t.Fatalf("expected query results to be detached copies")
	}
}

func TestMemoryStoreFinishedTxRejectsFurtherUse(t *testing.T) {
	store := NewMemoryStore()

	tx, _ := store.Begin(context.Background())
	_ = tx.Commit()
	if _, err := tx.Create("document", Document{}); err == nil {
		t.Fatalf("expected create on finished tx to fail")
	}
	if err := tx.Commit(); err == nil {
		t.Fatalf("expected double commit to fail")
	}
}
