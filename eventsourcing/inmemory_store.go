package eventsourcing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/akriventsev/sagakit/events"
)

// InMemoryEventStoreConfig конфигурация для InMemory Event Store
type InMemoryEventStoreConfig struct {
	MaxEventsPerStream int64
	SubscriptionBuffer int
}

// DefaultInMemoryEventStoreConfig возвращает конфигурацию по умолчанию
func DefaultInMemoryEventStoreConfig() InMemoryEventStoreConfig {
	return InMemoryEventStoreConfig{
		MaxEventsPerStream: 10000,
		SubscriptionBuffer: 100,
	}
}

// InMemoryEventStore реализация EventStore в памяти для тестирования и разработки
type InMemoryEventStore struct {
	mu        sync.RWMutex
	streams   map[string][]StoredEvent
	allEvents []StoredEvent
	position  int64
	config    InMemoryEventStoreConfig

	subsMu    sync.Mutex
	subs      map[int64]*memorySubscription
	nextSubID int64
}

// NewInMemoryEventStore создает новый InMemory Event Store
func NewInMemoryEventStore(config InMemoryEventStoreConfig) *InMemoryEventStore {
	return &InMemoryEventStore{
		streams:   make(map[string][]StoredEvent),
		allEvents: make([]StoredEvent, 0),
		config:    config,
		subs:      make(map[int64]*memorySubscription),
	}
}

// AppendEvents атомарно добавляет батч событий в поток агрегата
func (s *InMemoryEventStore) AppendEvents(ctx context.Context, aggregateID, aggregateType string, expectedVersion int64, evts []events.Event) (int64, error) {
	if expectedVersion < 0 {
		return 0, ErrInvalidVersion
	}

	s.mu.Lock()

	stream := s.streams[aggregateID]
	currentVersion := int64(0)
	if len(stream) > 0 {
		currentVersion = stream[len(stream)-1].Version
	}

	// Проверяем версию для оптимистичной конкурентности
	if expectedVersion != currentVersion {
		s.mu.Unlock()
		return 0, fmt.Errorf("aggregate %s: %w: expected %d, got %d", aggregateID, ErrConcurrencyConflict, expectedVersion, currentVersion)
	}

	if s.config.MaxEventsPerStream > 0 {
		newEventCount := int64(len(stream)) + int64(len(evts))
		if newEventCount > s.config.MaxEventsPerStream {
			s.mu.Unlock()
			return 0, fmt.Errorf("max events per stream exceeded: %d (limit: %d)", newEventCount, s.config.MaxEventsPerStream)
		}
	}

	now := time.Now()
	for i, event := range evts {
		s.position++
		storedEvent := StoredEvent{
			ID:            event.EventID(),
			AggregateID:   aggregateID,
			AggregateType: aggregateType,
			EventType:     event.EventType(),
			EventData:     event,
			Metadata:      convertMetadata(event.Metadata()),
			Version:       expectedVersion + int64(i) + 1,
			Position:      s.position,
			OccurredAt:    event.OccurredAt(),
			CreatedAt:     now,
		}
		stream = append(stream, storedEvent)
		s.allEvents = append(s.allEvents, storedEvent)
	}

	s.streams[aggregateID] = stream
	newVersion := stream[len(stream)-1].Version
	s.mu.Unlock()

	s.notifySubscribers()
	return newVersion, nil
}

// GetEvents возвращает события агрегата с версиями в интервале (fromVersion, toVersion]
func (s *InMemoryEventStore) GetEvents(ctx context.Context, aggregateID string, fromVersion, toVersion int64) ([]StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, exists := s.streams[aggregateID]
	if !exists {
		return nil, fmt.Errorf("aggregate %s: %w", aggregateID, ErrStreamNotFound)
	}

	var result []StoredEvent
	for _, event := range stream {
		if event.Version <= fromVersion {
			continue
		}
		if toVersion > 0 && event.Version > toVersion {
			break
		}
		result = append(result, event)
	}

	return result, nil
}

// GetEventStream возвращает полный поток агрегата вместе с его метаданными
func (s *InMemoryEventStore) GetEventStream(ctx context.Context, aggregateID string) (*EventStream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, exists := s.streams[aggregateID]
	if !exists || len(stream) == 0 {
		return nil, fmt.Errorf("aggregate %s: %w", aggregateID, ErrStreamNotFound)
	}

	evts := make([]StoredEvent, len(stream))
	copy(evts, stream)
	return &EventStream{
		AggregateID: aggregateID,
		Events:      evts,
		Metadata: StreamMetadata{
			CurrentVersion: stream[len(stream)-1].Version,
			EventCount:     int64(len(stream)),
			CreatedAt:      stream[0].CreatedAt,
			UpdatedAt:      stream[len(stream)-1].CreatedAt,
		},
	}, nil
}

// GetEventsByType возвращает события определенного типа в порядке глобальной позиции
func (s *InMemoryEventStore) GetEventsByType(ctx context.Context, eventType string, fromTimestamp time.Time, limit int) ([]StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []StoredEvent
	for _, event := range s.allEvents {
		if event.EventType != eventType || !event.OccurredAt.After(fromTimestamp) {
			continue
		}
		result = append(result, event)
		if limit > 0 && len(result) >= limit {
			break
		}
	}

	return result, nil
}

// GetAllEvents возвращает все события с позицией выше fromPosition
func (s *InMemoryEventStore) GetAllEvents(ctx context.Context, fromPosition int64) (<-chan StoredEvent, error) {
	s.mu.RLock()
	snapshot := make([]StoredEvent, 0)
	for _, event := range s.allEvents {
		if event.Position > fromPosition {
			snapshot = append(snapshot, event)
		}
	}
	s.mu.RUnlock()

	ch := make(chan StoredEvent, 100)
	go func() {
		defer close(ch)
		for _, event := range snapshot {
			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// GetGlobalPosition возвращает текущую глобальную позицию хранилища
func (s *InMemoryEventStore) GetGlobalPosition(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position, nil
}

// Subscribe подписывает обработчик на новые события указанных типов
func (s *InMemoryEventStore) Subscribe(ctx context.Context, eventTypes []string, handler StoredEventHandler, fromPosition int64) (Subscription, error) {
	typeSet := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		typeSet[t] = true
	}

	sub := &memorySubscription{
		store:    s,
		types:    typeSet,
		handler:  handler,
		position: fromPosition,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	s.subsMu.Lock()
	s.nextSubID++
	sub.id = s.nextSubID
	s.subs[sub.id] = sub
	s.subsMu.Unlock()

	go sub.run(ctx)
	return sub, nil
}

// notifySubscribers будит все активные подписки после успешного append
func (s *InMemoryEventStore) notifySubscribers() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, sub := range s.subs {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
}

// removeSubscription удаляет подписку из реестра
func (s *InMemoryEventStore) removeSubscription(id int64) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	delete(s.subs, id)
}

// Clear очищает все события (для тестов)
func (s *InMemoryEventStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = make(map[string][]StoredEvent)
	s.allEvents = make([]StoredEvent, 0)
	s.position = 0
}

// memorySubscription подписка на события InMemory Event Store
type memorySubscription struct {
	id       int64
	store    *InMemoryEventStore
	types    map[string]bool
	handler  StoredEventHandler
	position int64
	notify   chan struct{}
	done     chan struct{}
	cancel   sync.Once
}

// run доставляет события по порядку глобальной позиции
func (sub *memorySubscription) run(ctx context.Context) {
	defer sub.store.removeSubscription(sub.id)
	sub.deliver(ctx)

	for {
		select {
		case <-ctx.Done():
			sub.Cancel()
			return
		case <-sub.done:
			return
		case <-sub.notify:
			sub.deliver(ctx)
		}
	}
}

// deliver доставляет все еще не доставленные события
func (sub *memorySubscription) deliver(ctx context.Context) {
	sub.store.mu.RLock()
	pending := make([]StoredEvent, 0)
	for _, event := range sub.store.allEvents {
		if event.Position <= sub.position {
			continue
		}
		if len(sub.types) > 0 && !sub.types[event.EventType] {
			continue
		}
		pending = append(pending, event)
	}
	sub.store.mu.RUnlock()

	for _, event := range pending {
		select {
		case <-sub.done:
			return
		case <-ctx.Done():
			return
		default:
		}
		// Ошибка обработчика не останавливает доставку: позиция
		// продвигается, семантика at-least-once сохраняется на
		// уровне переподключения с checkpoint-позиции
		_ = sub.handler(ctx, event)
		sub.position = event.Position
	}
}

// Cancel останавливает доставку событий
func (sub *memorySubscription) Cancel() {
	sub.cancel.Do(func() {
		close(sub.done)
	})
}

// Done возвращает канал, закрываемый после остановки доставки
func (sub *memorySubscription) Done() <-chan struct{} {
	return sub.done
}

// InMemorySnapshotStore реализация SnapshotStore в памяти
type InMemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
}

// NewInMemorySnapshotStore создает новый InMemory Snapshot Store
func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{
		snapshots: make(map[string]*Snapshot),
	}
}

// SaveSnapshot сохраняет снапшот
func (s *InMemorySnapshotStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshot.AggregateID] = &snapshot
	return nil
}

// GetSnapshot возвращает последний снапшот
func (s *InMemorySnapshotStore) GetSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, exists := s.snapshots[aggregateID]
	if !exists {
		return nil, nil
	}
	return snapshot, nil
}

// DeleteSnapshots удаляет старые снапшоты
func (s *InMemorySnapshotStore) DeleteSnapshots(ctx context.Context, aggregateID string, beforeVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, exists := s.snapshots[aggregateID]
	if exists && snapshot.Version < beforeVersion {
		delete(s.snapshots, aggregateID)
	}
	return nil
}

// Clear очищает все снапшоты (для тестов)
func (s *InMemorySnapshotStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = make(map[string]*Snapshot)
}

// convertMetadata преобразует метаданные события в map
func convertMetadata(metadata events.EventMetadata) map[string]interface{} {
	result := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		result[k] = v
	}
	return result
}
