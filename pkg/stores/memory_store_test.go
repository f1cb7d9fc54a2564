package stores

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestMemoryStoreImplementsStore pins the interface at compile time.
var _ Store = (*MemoryStore)(nil)
var _ Store = (*SQLiteStore)(nil)

func TestMemoryStackCRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	stack := testStack("s-001", "acme", "web")
	if err := store.SaveStack(ctx, stack); err != nil {
		t.Fatalf("failed to save stack: %v", err)
	}

	retrieved, err := store.GetStack(ctx, "s-001")
	if err != nil {
		t.Fatalf("failed to get stack: %v", err)
	}
	if retrieved.Name != "web" {
		t.Errorf("Expected name web, got %s", retrieved.Name)
	}

	// Returned record is a copy; mutating it must not affect the store.
	retrieved.Status = "MANGLED"
	again, err := store.GetStack(ctx, "s-001")
	if err != nil {
		t.Fatalf("failed to get stack: %v", err)
	}
	if again.Status == "MANGLED" {
		t.Error("Expected store to be isolated from caller mutation")
	}

	if err := store.UpdateStackStatus(ctx, "s-001", "CREATE_COMPLETE", ""); err != nil {
		t.Fatalf("failed to update stack status: %v", err)
	}
	byName, err := store.GetStackByName(ctx, "acme", "web")
	if err != nil {
		t.Fatalf("failed to get stack by name: %v", err)
	}
	if byName.Status != "CREATE_COMPLETE" {
		t.Errorf("Expected status CREATE_COMPLETE, got %s", byName.Status)
	}
}

func TestMemoryStackDuplicateName(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.SaveStack(ctx, testStack("s-1", "acme", "web")); err != nil {
		t.Fatalf("failed to save stack: %v", err)
	}
	if err := store.SaveStack(ctx, testStack("s-2", "acme", "web")); err == nil {
		t.Error("Expected duplicate live name to be rejected")
	}

	// Same name under a different tenant is fine.
	if err := store.SaveStack(ctx, testStack("s-3", "globex", "web")); err != nil {
		t.Errorf("Expected cross-tenant name to be accepted, got: %v", err)
	}

	// After deletion the name is free again.
	if err := store.MarkStackDeleted(ctx, "s-1"); err != nil {
		t.Fatalf("failed to mark stack deleted: %v", err)
	}
	if err := store.SaveStack(ctx, testStack("s-2", "acme", "web")); err != nil {
		t.Errorf("Expected name reuse after delete, got: %v", err)
	}
}

func TestMemoryResourceCRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now().UTC()
	res := &ResourceRecord{
		StackID:    "s-001",
		Name:       "vol",
		Type:       "sim.Volume",
		Definition: `{"type":"sim.Volume","properties":{"Size":10}}`,
		Status:     "PENDING",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.SaveResource(ctx, res); err != nil {
		t.Fatalf("failed to save resource: %v", err)
	}

	if err := store.UpdateResourceProviderID(ctx, "s-001", "vol", "vol-9"); err != nil {
		t.Fatalf("failed to update provider id: %v", err)
	}
	if err := store.UpdateResourceStatus(ctx, "s-001", "vol", "CREATE_COMPLETE", ""); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}

	retrieved, err := store.GetResource(ctx, "s-001", "vol")
	if err != nil {
		t.Fatalf("failed to get resource: %v", err)
	}
	if retrieved.ProviderID != "vol-9" || retrieved.Status != "CREATE_COMPLETE" {
		t.Errorf("Expected vol-9/CREATE_COMPLETE, got %s/%s", retrieved.ProviderID, retrieved.Status)
	}

	if err := store.DeleteResource(ctx, "s-001", "vol"); err != nil {
		t.Fatalf("failed to delete resource: %v", err)
	}
	if _, err := store.GetResource(ctx, "s-001", "vol"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryEventLog(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		event := &EventRecord{
			StackID:   "s-001",
			Status:    "CREATE_IN_PROGRESS",
			Timestamp: time.Now().UTC(),
		}
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if event.ID != int64(i+1) {
			t.Errorf("Expected event ID %d, got %d", i+1, event.ID)
		}
	}

	events, err := store.ListEvents(ctx, "s-001", 2, 1)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].ID != 2 || events[1].ID != 3 {
		t.Errorf("Expected IDs [2 3], got [%d %d]", events[0].ID, events[1].ID)
	}
}

func TestOpenDriverSelection(t *testing.T) {
	if _, err := Open(DriverMemory, ""); err != nil {
		t.Errorf("Expected memory driver to open, got: %v", err)
	}
	if _, err := Open(DriverSQLite, ":memory:"); err != nil {
		t.Errorf("Expected sqlite driver to open, got: %v", err)
	}
	if _, err := Open("bolt", ""); err == nil {
		t.Error("Expected unknown driver to be rejected")
	}
}
