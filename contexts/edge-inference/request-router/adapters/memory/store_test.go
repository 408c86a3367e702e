package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"edgeway/contexts/edge-inference/request-router/domain/entities"
	domainerrors "edgeway/contexts/edge-inference/request-router/domain/errors"
)

func entry(t *testing.T, id string, priority entities.Priority, sequence uint64) entities.QueueEntry {
	t.Helper()
	created := time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)
	req, err := entities.NewRequest(id, []byte(`{"messages":[]}`), priority, "", created, time.Time{})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return entities.NewQueueEntry(req, sequence, 0, created)
}

func TestSaveRejectsOrderCollision(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	if err := store.SaveEntry(ctx, entry(t, "a", entities.PriorityNormal, 1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	err := store.SaveEntry(ctx, entry(t, "b", entities.PriorityNormal, 1))
	if !errors.Is(err, domainerrors.ErrRepositoryInvariantBroke) {
		t.Fatalf("expected invariant error, got %v", err)
	}
	if err := store.SaveEntry(ctx, entry(t, "c", entities.PriorityLow, 1)); err != nil {
		t.Fatalf("expected same sequence in another priority to be allowed, got %v", err)
	}
}

func TestSaveUpsertsAndLoadOrders(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	_ = store.SaveEntry(ctx, entry(t, "low", entities.PriorityLow, 1))
	_ = store.SaveEntry(ctx, entry(t, "critical", entities.PriorityCritical, 2))
	updated := entry(t, "low", entities.PriorityLow, 1)
	updated.Request.AttemptCount = 2
	_ = store.SaveEntry(ctx, updated)

	items, err := store.LoadEntries(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(items) != 2 || items[0].Request.ID != "critical" || items[1].Request.AttemptCount != 2 {
		t.Fatalf("unexpected entries: %+v", items)
	}

	items[0].Request.Payload[0] = 'X'
	again, _ := store.LoadEntries(ctx)
	if again[0].Request.Payload[0] == 'X' {
		t.Fatalf("expected loaded payloads to be copies")
	}

	_ = store.DeleteEntry(ctx, "low")
	_ = store.DeleteEntry(ctx, "missing")
	if store.Len() != 1 {
		t.Fatalf("expected 1 entry left, got %d", store.Len())
	}
	if err := store.SaveEntry(ctx, entry(t, "reuse", entities.PriorityLow, 1)); err != nil {
		t.Fatalf("expected freed key to be reusable, got %v", err)
	}
}

func TestStoreSuppliesIDsAndTime(t *testing.T) {
	store := NewStore(nil)
	first, _ := store.NewID(context.Background())
	second, _ := store.NewID(context.Background())
	if first == "" || first == second {
		t.Fatalf("expected distinct ids, got %q and %q", first, second)
	}
	if store.Now().Location() != time.UTC {
		t.Fatalf("expected UTC clock")
	}
}
