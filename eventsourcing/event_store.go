// Package eventsourcing предоставляет полную поддержку Event Sourcing паттерна.
package eventsourcing

import (
	"context"
	"time"

	"github.com/akriventsev/sagakit/core"
	"github.com/akriventsev/sagakit/events"
)

var (
	// ErrConcurrencyConflict возникает при конфликте версий при сохранении событий.
	// Вызывающая сторона обязана перезагрузить агрегат и повторить команду.
	ErrConcurrencyConflict = core.NewError(core.ErrConcurrencyConflict, "expected version does not match current version")
	// ErrStreamNotFound возникает когда поток событий агрегата не найден
	ErrStreamNotFound = core.NewError(core.ErrStreamNotFound, "event stream not found")
	// ErrInvalidVersion возникает при некорректной версии события
	ErrInvalidVersion = core.NewError(core.ErrInvalidConfig, "invalid event version")
)

// StoredEvent представляет сохраненное событие с метаданными.
// Version монотонна в пределах агрегата и начинается с 1, Position
// монотонна глобально и используется как resume token для подписок.
type StoredEvent struct {
	ID            string
	AggregateID   string
	AggregateType string
	EventType     string
	EventData     events.Event // nil, если событие не десериализовано
	RawData       []byte
	Metadata      map[string]interface{}
	Version       int64
	Position      int64
	OccurredAt    time.Time
	CreatedAt     time.Time
}

// EventStream представляет поток событий агрегата
type EventStream struct {
	AggregateID string
	Events      []StoredEvent
	Metadata    StreamMetadata
}

// StreamMetadata содержит метаданные потока событий
type StreamMetadata struct {
	CurrentVersion int64
	EventCount     int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EventDeserializer интерфейс для десериализации событий из хранилища
type EventDeserializer interface {
	// DeserializeEvent десериализует JSON/BSON данные в конкретный тип события
	DeserializeEvent(eventType string, data []byte) (events.Event, error)
}

// StoredEventHandler обработчик событий подписки.
// Доставка at-least-once: при переподключении возможны дубликаты,
// обработчик обязан быть идемпотентным.
type StoredEventHandler func(ctx context.Context, event StoredEvent) error

// Subscription отменяемая подписка на поток событий
type Subscription interface {
	// Cancel останавливает доставку событий
	Cancel()
	// Done возвращает канал, закрываемый после остановки доставки
	Done() <-chan struct{}
}

// EventStore интерфейс для хранения событий
type EventStore interface {
	// AppendEvents атомарно добавляет батч событий в поток агрегата с проверкой
	// версии для оптимистичной конкурентности и возвращает новую версию потока.
	// expectedVersion 0 означает, что поток еще не существует.
	AppendEvents(ctx context.Context, aggregateID, aggregateType string, expectedVersion int64, events []events.Event) (int64, error)

	// GetEvents возвращает события агрегата с версиями в интервале
	// (fromVersion, toVersion] в порядке версий, без пропусков и дубликатов.
	// toVersion 0 означает "до конца потока".
	GetEvents(ctx context.Context, aggregateID string, fromVersion, toVersion int64) ([]StoredEvent, error)

	// GetEventsByType возвращает события определенного типа начиная с указанного
	// времени в порядке глобальной позиции. limit 0 означает "без ограничения".
	GetEventsByType(ctx context.Context, eventType string, fromTimestamp time.Time, limit int) ([]StoredEvent, error)

	// GetAllEvents возвращает все события с позицией выше fromPosition для replay
	GetAllEvents(ctx context.Context, fromPosition int64) (<-chan StoredEvent, error)

	// GetGlobalPosition возвращает текущую глобальную позицию хранилища
	GetGlobalPosition(ctx context.Context) (int64, error)

	// Subscribe подписывает обработчик на новые события указанных типов.
	// Пустой список типов означает "все типы". fromPosition задает позицию,
	// после которой начинается доставка.
	Subscribe(ctx context.Context, eventTypes []string, handler StoredEventHandler, fromPosition int64) (Subscription, error)
}
