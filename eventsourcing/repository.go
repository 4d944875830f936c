package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// AggregateFactory фабричная функция для создания агрегатов
type AggregateFactory[T AggregateInterface] func(id string) T

// RepositoryConfig конфигурация для Event Sourced репозитория
type RepositoryConfig struct {
	UseSnapshots     bool
	SnapshotStrategy SnapshotStrategy
	Serializer       SnapshotSerializer
	// MaxConflictRetries ограничивает число перезагрузок агрегата
	// в ExecuteCommand при конфликте версий
	MaxConflictRetries int
}

// DefaultRepositoryConfig возвращает конфигурацию по умолчанию
func DefaultRepositoryConfig() RepositoryConfig {
	return RepositoryConfig{
		UseSnapshots:       true,
		SnapshotStrategy:   NewFrequencySnapshotStrategy(100),
		Serializer:         NewJSONSnapshotSerializer(),
		MaxConflictRetries: 3,
	}
}

// EventSourcedRepository generic репозиторий для Event Sourced агрегатов
type EventSourcedRepository[T AggregateInterface] struct {
	eventStore    EventStore
	snapshotStore SnapshotStore
	config        RepositoryConfig
	factory       AggregateFactory[T]
}

// NewEventSourcedRepository создает новый Event Sourced репозиторий
func NewEventSourcedRepository[T AggregateInterface](
	eventStore EventStore,
	snapshotStore SnapshotStore,
	config RepositoryConfig,
	factory AggregateFactory[T],
) *EventSourcedRepository[T] {
	if config.Serializer == nil {
		config.Serializer = NewJSONSnapshotSerializer()
	}
	if config.SnapshotStrategy == nil {
		config.SnapshotStrategy = NewFrequencySnapshotStrategy(100)
	}
	if config.MaxConflictRetries <= 0 {
		config.MaxConflictRetries = 3
	}

	return &EventSourcedRepository[T]{
		eventStore:    eventStore,
		snapshotStore: snapshotStore,
		config:        config,
		factory:       factory,
	}
}

// Save сохраняет агрегат, добавляя uncommitted события в EventStore.
// При конфликте версий возвращает ErrConcurrencyConflict: вызывающая
// сторона перезагружает агрегат и повторяет команду (см. ExecuteCommand).
func (r *EventSourcedRepository[T]) Save(ctx context.Context, aggregate T) error {
	uncommittedEvents := aggregate.GetUncommittedEvents()
	if len(uncommittedEvents) == 0 {
		return nil
	}

	expectedVersion := aggregate.Version() - int64(len(uncommittedEvents))
	if expectedVersion < 0 {
		expectedVersion = 0
	}

	newVersion, err := r.eventStore.AppendEvents(ctx, aggregate.ID(), aggregate.AggregateType(), expectedVersion, uncommittedEvents)
	if err != nil {
		return fmt.Errorf("failed to append events: %w", err)
	}

	aggregate.MarkEventsAsCommitted()

	// Снапшот — best-effort оптимизация, ошибка не прерывает сохранение
	if r.config.UseSnapshots && r.snapshotStore != nil {
		if r.config.SnapshotStrategy.ShouldCreateSnapshot(aggregate, newVersion) {
			if err := r.createSnapshot(ctx, aggregate); err != nil {
				log.Printf("failed to create snapshot for aggregate %s: %v", aggregate.ID(), err)
			}
		}
	}

	return nil
}

// GetByID загружает агрегат по ID, восстанавливая состояние из событий
func (r *EventSourcedRepository[T]) GetByID(ctx context.Context, aggregateID string) (T, error) {
	var zero T

	if r.factory == nil {
		return zero, fmt.Errorf("aggregate factory not set")
	}

	aggregate := r.factory(aggregateID)

	// Пытаемся загрузить из снапшота
	var fromVersion int64
	if r.config.UseSnapshots && r.snapshotStore != nil {
		snapshot, err := r.snapshotStore.GetSnapshot(ctx, aggregateID)
		if err == nil && snapshot != nil {
			if err := r.config.Serializer.Deserialize(snapshot.State, aggregate); err != nil {
				// Снапшот нечитаем — replay с начала дает корректное состояние
				fromVersion = 0
			} else {
				aggregate.SetVersion(snapshot.Version)
				fromVersion = snapshot.Version
			}
		}
	}

	storedEvents, err := r.eventStore.GetEvents(ctx, aggregateID, fromVersion, 0)
	if err != nil {
		if errors.Is(err, ErrStreamNotFound) {
			if fromVersion > 0 {
				// Снапшот есть, событий после него нет
				return aggregate, nil
			}
			return zero, fmt.Errorf("aggregate not found: %s: %w", aggregateID, err)
		}
		return zero, fmt.Errorf("failed to get events: %w", err)
	}

	if fromVersion == 0 && len(storedEvents) == 0 {
		return zero, fmt.Errorf("aggregate not found: %s: %w", aggregateID, ErrStreamNotFound)
	}

	for _, stored := range storedEvents {
		if stored.EventData == nil {
			return zero, fmt.Errorf("event %s at version %d is not deserialized", stored.EventType, stored.Version)
		}
		if err := aggregate.Apply(stored.EventData); err != nil {
			return zero, fmt.Errorf("failed to apply event at version %d: %w", stored.Version, err)
		}
		aggregate.SetVersion(stored.Version)
	}

	return aggregate, nil
}

// ExecuteCommand загружает агрегат, применяет команду и сохраняет результат.
// При ErrConcurrencyConflict агрегат перезагружается и команда применяется
// заново, до MaxConflictRetries попыток.
func (r *EventSourcedRepository[T]) ExecuteCommand(ctx context.Context, aggregateID string, command func(T) error) error {
	var lastErr error
	for attempt := 0; attempt < r.config.MaxConflictRetries; attempt++ {
		aggregate, err := r.GetByID(ctx, aggregateID)
		if err != nil {
			return err
		}

		if err := command(aggregate); err != nil {
			return err
		}

		lastErr = r.Save(ctx, aggregate)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrConcurrencyConflict) {
			return lastErr
		}
	}
	return lastErr
}

// Exists проверяет существование агрегата
func (r *EventSourcedRepository[T]) Exists(ctx context.Context, aggregateID string) (bool, error) {
	events, err := r.eventStore.GetEvents(ctx, aggregateID, 0, 1)
	if err != nil {
		if errors.Is(err, ErrStreamNotFound) {
			return false, nil
		}
		return false, err
	}
	return len(events) > 0, nil
}

// GetVersion возвращает текущую версию агрегата
func (r *EventSourcedRepository[T]) GetVersion(ctx context.Context, aggregateID string) (int64, error) {
	events, err := r.eventStore.GetEvents(ctx, aggregateID, 0, 0)
	if err != nil {
		if errors.Is(err, ErrStreamNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Version, nil
}

// createSnapshot создает снапшот агрегата
func (r *EventSourcedRepository[T]) createSnapshot(ctx context.Context, aggregate T) error {
	snapshot, err := NewSnapshot(aggregate, r.config.Serializer)
	if err != nil {
		return err
	}
	return r.snapshotStore.SaveSnapshot(ctx, snapshot)
}
