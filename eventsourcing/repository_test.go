package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/akriventsev/sagakit/events"
)

func newTestRepository(store EventStore, snapshots SnapshotStore, config RepositoryConfig) *EventSourcedRepository[*testAccount] {
	return NewEventSourcedRepository(store, snapshots, config, newTestAccount)
}

func TestRepositorySaveAndLoad(t *testing.T) {
	store := NewInMemoryEventStore(DefaultInMemoryEventStoreConfig())
	repo := newTestRepository(store, nil, RepositoryConfig{UseSnapshots: false})
	ctx := context.Background()

	account := newTestAccount("acc-1")
	if err := account.Deposit(100); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := account.Withdraw(30); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}

	if err := repo.Save(ctx, account); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if got := len(account.GetUncommittedEvents()); got != 0 {
		t.Errorf("expected uncommitted events cleared after save, got %d", got)
	}

	loaded, err := repo.GetByID(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if loaded.Balance != 70 {
		t.Errorf("expected balance 70, got %d", loaded.Balance)
	}
	if loaded.Version() != 2 {
		t.Errorf("expected version 2, got %d", loaded.Version())
	}
}

func TestRepositorySaveDetectsConflict(t *testing.T) {
	store := NewInMemoryEventStore(DefaultInMemoryEventStoreConfig())
	repo := newTestRepository(store, nil, RepositoryConfig{UseSnapshots: false})
	ctx := context.Background()

	account := newTestAccount("acc-1")
	if err := account.Deposit(100); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := repo.Save(ctx, account); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Два клиента загружают одну версию
	first, err := repo.GetByID(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	second, err := repo.GetByID(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}

	if err := first.Deposit(10); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := repo.Save(ctx, first); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := second.Deposit(20); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := repo.Save(ctx, second); !errors.Is(err, ErrConcurrencyConflict) {
		t.Errorf("expected ErrConcurrencyConflict, got %v", err)
	}
}

func TestRepositoryGetByIDNotFound(t *testing.T) {
	store := NewInMemoryEventStore(DefaultInMemoryEventStoreConfig())
	repo := newTestRepository(store, nil, RepositoryConfig{UseSnapshots: false})

	if _, err := repo.GetByID(context.Background(), "missing"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestRepositorySnapshotAndReplayEquivalence(t *testing.T) {
	store := NewInMemoryEventStore(DefaultInMemoryEventStoreConfig())
	snapshots := NewInMemorySnapshotStore()

	withSnapshots := newTestRepository(store, snapshots, RepositoryConfig{
		UseSnapshots:     true,
		SnapshotStrategy: NewFrequencySnapshotStrategy(5),
	})
	fullReplay := newTestRepository(store, nil, RepositoryConfig{UseSnapshots: false})
	ctx := context.Background()

	account := newTestAccount("acc-1")
	for i := 0; i < 12; i++ {
		if err := account.Deposit(10); err != nil {
			t.Fatalf("Deposit failed: %v", err)
		}
		if err := withSnapshots.Save(ctx, account); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	snapshot, err := snapshots.GetSnapshot(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if snapshot == nil {
		t.Fatal("expected snapshot to be created")
	}
	if snapshot.Version != 10 {
		t.Errorf("expected snapshot at version 10, got %d", snapshot.Version)
	}

	fromSnapshot, err := withSnapshots.GetByID(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetByID with snapshots failed: %v", err)
	}
	fromEvents, err := fullReplay.GetByID(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetByID with full replay failed: %v", err)
	}

	// Загрузка через снапшот эквивалентна полному replay
	if fromSnapshot.Balance != fromEvents.Balance {
		t.Errorf("snapshot load diverged from replay: %d != %d", fromSnapshot.Balance, fromEvents.Balance)
	}
	if fromSnapshot.Version() != fromEvents.Version() {
		t.Errorf("snapshot version diverged from replay: %d != %d", fromSnapshot.Version(), fromEvents.Version())
	}
	if fromSnapshot.Balance != 120 {
		t.Errorf("expected balance 120, got %d", fromSnapshot.Balance)
	}
}

func TestRepositoryLoadWithSnapshotAndNoNewEvents(t *testing.T) {
	store := NewInMemoryEventStore(DefaultInMemoryEventStoreConfig())
	snapshots := NewInMemorySnapshotStore()
	repo := newTestRepository(store, snapshots, RepositoryConfig{
		UseSnapshots:     true,
		SnapshotStrategy: NewFrequencySnapshotStrategy(2),
	})
	ctx := context.Background()

	account := newTestAccount("acc-1")
	if err := account.Deposit(100); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := account.Deposit(50); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := repo.Save(ctx, account); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := repo.GetByID(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if loaded.Balance != 150 {
		t.Errorf("expected balance 150, got %d", loaded.Balance)
	}
	if loaded.Version() != 2 {
		t.Errorf("expected version 2, got %d", loaded.Version())
	}
}

// conflictingStore возвращает ErrConcurrencyConflict первые N вызовов AppendEvents
type conflictingStore struct {
	EventStore
	remaining int
}

func (s *conflictingStore) AppendEvents(ctx context.Context, aggregateID, aggregateType string, expectedVersion int64, evts []events.Event) (int64, error) {
	if s.remaining > 0 {
		s.remaining--
		return 0, fmt.Errorf("aggregate %s: %w", aggregateID, ErrConcurrencyConflict)
	}
	return s.EventStore.AppendEvents(ctx, aggregateID, aggregateType, expectedVersion, evts)
}

func TestExecuteCommandRetriesOnConflict(t *testing.T) {
	inner := NewInMemoryEventStore(DefaultInMemoryEventStoreConfig())
	ctx := context.Background()

	seed := newTestAccount("acc-1")
	if err := seed.Deposit(100); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	seedRepo := newTestRepository(inner, nil, RepositoryConfig{UseSnapshots: false})
	if err := seedRepo.Save(ctx, seed); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	store := &conflictingStore{EventStore: inner, remaining: 2}
	repo := newTestRepository(store, nil, RepositoryConfig{UseSnapshots: false, MaxConflictRetries: 3})

	attempts := 0
	err := repo.ExecuteCommand(ctx, "acc-1", func(account *testAccount) error {
		attempts++
		return account.Deposit(50)
	})
	if err != nil {
		t.Fatalf("ExecuteCommand failed: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}

	loaded, err := repo.GetByID(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if loaded.Balance != 150 {
		t.Errorf("expected balance 150, got %d", loaded.Balance)
	}
}

func TestExecuteCommandExhaustsRetries(t *testing.T) {
	inner := NewInMemoryEventStore(DefaultInMemoryEventStoreConfig())
	ctx := context.Background()

	seed := newTestAccount("acc-1")
	if err := seed.Deposit(100); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	seedRepo := newTestRepository(inner, nil, RepositoryConfig{UseSnapshots: false})
	if err := seedRepo.Save(ctx, seed); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	store := &conflictingStore{EventStore: inner, remaining: 10}
	repo := newTestRepository(store, nil, RepositoryConfig{UseSnapshots: false, MaxConflictRetries: 3})

	err := repo.ExecuteCommand(ctx, "acc-1", func(account *testAccount) error {
		return account.Deposit(50)
	})
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Errorf("expected ErrConcurrencyConflict after exhausting retries, got %v", err)
	}
}

func TestRepositoryExistsAndVersion(t *testing.T) {
	store := NewInMemoryEventStore(DefaultInMemoryEventStoreConfig())
	repo := newTestRepository(store, nil, RepositoryConfig{UseSnapshots: false})
	ctx := context.Background()

	exists, err := repo.Exists(ctx, "acc-1")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("expected aggregate to not exist")
	}

	account := newTestAccount("acc-1")
	if err := account.Deposit(100); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := account.Deposit(50); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := repo.Save(ctx, account); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	exists, err = repo.Exists(ctx, "acc-1")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected aggregate to exist")
	}

	version, err := repo.GetVersion(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetVersion failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}
}
