package eventsourcing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Snapshot представляет снапшот состояния агрегата.
// Version равна версии последнего события, вошедшего в снапшот:
// загрузка = снапшот + события с версией > Version.
type Snapshot struct {
	AggregateID   string
	AggregateType string
	Version       int64
	State         []byte
	Metadata      map[string]interface{}
	CreatedAt     time.Time
}

// NewSnapshot сериализует текущее состояние агрегата в снапшот
func NewSnapshot(aggregate AggregateInterface, serializer SnapshotSerializer) (Snapshot, error) {
	state, err := serializer.Serialize(aggregate)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to serialize aggregate: %w", err)
	}
	return Snapshot{
		AggregateID:   aggregate.ID(),
		AggregateType: aggregate.AggregateType(),
		Version:       aggregate.Version(),
		State:         state,
		Metadata:      make(map[string]interface{}),
		CreatedAt:     time.Now(),
	}, nil
}

// SnapshotStore интерфейс для хранения снапшотов.
// Снапшоты — best-effort оптимизация: отсутствующий или устаревший
// снапшот никогда не приводит к некорректному состоянию, потребитель
// всегда дочитывает события выше версии снапшота.
type SnapshotStore interface {
	// SaveSnapshot сохраняет снапшот агрегата
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error

	// GetSnapshot возвращает последний снапшот агрегата
	GetSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error)

	// DeleteSnapshots удаляет старые снапшоты до указанной версии
	DeleteSnapshots(ctx context.Context, aggregateID string, beforeVersion int64) error
}

// SnapshotSerializer интерфейс для сериализации состояния агрегата
type SnapshotSerializer interface {
	// Serialize сериализует агрегат в байты
	Serialize(aggregate interface{}) ([]byte, error)

	// Deserialize десериализует байты обратно в агрегат
	Deserialize(data []byte, aggregate interface{}) error
}

// JSONSnapshotSerializer реализация SnapshotSerializer с использованием JSON
type JSONSnapshotSerializer struct{}

// NewJSONSnapshotSerializer создает новый JSON сериализатор
func NewJSONSnapshotSerializer() *JSONSnapshotSerializer {
	return &JSONSnapshotSerializer{}
}

func (s *JSONSnapshotSerializer) Serialize(aggregate interface{}) ([]byte, error) {
	return json.Marshal(aggregate)
}

func (s *JSONSnapshotSerializer) Deserialize(data []byte, aggregate interface{}) error {
	return json.Unmarshal(data, aggregate)
}

// SnapshotStrategy определяет, когда репозиторий создает снапшот.
// eventCount — версия агрегата после сохранения батча.
type SnapshotStrategy interface {
	ShouldCreateSnapshot(aggregate AggregateInterface, eventCount int64) bool
}

// FrequencySnapshotStrategy создает снапшот каждые N событий
type FrequencySnapshotStrategy struct {
	every int64
}

// NewFrequencySnapshotStrategy создает стратегию по частоте
func NewFrequencySnapshotStrategy(frequency int64) *FrequencySnapshotStrategy {
	return &FrequencySnapshotStrategy{every: frequency}
}

func (s *FrequencySnapshotStrategy) ShouldCreateSnapshot(aggregate AggregateInterface, eventCount int64) bool {
	return s.every > 0 && eventCount > 0 && eventCount%s.every == 0
}

// TimeBasedSnapshotStrategy создает снапшот не чаще одного раза за интервал.
// Безопасна при конкурентных Save одного репозитория.
type TimeBasedSnapshotStrategy struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

// NewTimeBasedSnapshotStrategy создает стратегию по времени
func NewTimeBasedSnapshotStrategy(interval time.Duration) *TimeBasedSnapshotStrategy {
	return &TimeBasedSnapshotStrategy{
		interval: interval,
		last:     time.Now(),
	}
}

func (s *TimeBasedSnapshotStrategy) ShouldCreateSnapshot(aggregate AggregateInterface, eventCount int64) bool {
	if s.interval <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if now.Sub(s.last) < s.interval {
		return false
	}
	s.last = now
	return true
}

// CompositeSnapshotStrategy срабатывает, когда срабатывает любая из стратегий
type CompositeSnapshotStrategy struct {
	strategies []SnapshotStrategy
}

// NewCompositeSnapshotStrategy объединяет несколько стратегий
func NewCompositeSnapshotStrategy(strategies ...SnapshotStrategy) *CompositeSnapshotStrategy {
	return &CompositeSnapshotStrategy{strategies: strategies}
}

func (s *CompositeSnapshotStrategy) ShouldCreateSnapshot(aggregate AggregateInterface, eventCount int64) bool {
	for _, strategy := range s.strategies {
		if strategy.ShouldCreateSnapshot(aggregate, eventCount) {
			return true
		}
	}
	return false
}

// NewHybridSnapshotStrategy объединяет частоту и время: снапшот каждые
// N событий, но не реже одного раза за интервал при активной записи
func NewHybridSnapshotStrategy(frequency int64, interval time.Duration) *CompositeSnapshotStrategy {
	return NewCompositeSnapshotStrategy(
		NewFrequencySnapshotStrategy(frequency),
		NewTimeBasedSnapshotStrategy(interval),
	)
}
