package eventsourcing

import (
	"context"
	"testing"
)

func TestInMemoryCheckpointStore(t *testing.T) {
	store := NewInMemoryCheckpointStore()
	ctx := context.Background()

	position, err := store.GetCheckpoint(ctx, "projector-1")
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if position != 0 {
		t.Errorf("expected position 0 for unknown subscriber, got %d", position)
	}

	if err := store.SaveCheckpoint(ctx, "projector-1", 42); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	if err := store.SaveCheckpoint(ctx, "projector-2", 7); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	position, err = store.GetCheckpoint(ctx, "projector-1")
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if position != 42 {
		t.Errorf("expected position 42, got %d", position)
	}

	// Повторное сохранение перезаписывает позицию
	if err := store.SaveCheckpoint(ctx, "projector-1", 100); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	position, _ = store.GetCheckpoint(ctx, "projector-1")
	if position != 100 {
		t.Errorf("expected position 100, got %d", position)
	}

	checkpoints, err := store.ListCheckpoints(ctx)
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(checkpoints) != 2 {
		t.Errorf("expected 2 checkpoints, got %d", len(checkpoints))
	}

	if err := store.DeleteCheckpoint(ctx, "projector-1"); err != nil {
		t.Fatalf("DeleteCheckpoint failed: %v", err)
	}
	position, _ = store.GetCheckpoint(ctx, "projector-1")
	if position != 0 {
		t.Errorf("expected position 0 after delete, got %d", position)
	}
}
