// Package events предоставляет адаптеры для публикации событий хранилища
// во внешние брокеры сообщений.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/akriventsev/sagakit/eventsourcing"
)

// Publisher публикует сохраненные события во внешний брокер
type Publisher interface {
	// Publish публикует одно событие
	Publish(ctx context.Context, event eventsourcing.StoredEvent) error
	// Close освобождает ресурсы публикатора
	Close() error
}

// Envelope формат публикуемого сообщения
type Envelope struct {
	EventID       string                 `json:"event_id"`
	EventType     string                 `json:"event_type"`
	AggregateID   string                 `json:"aggregate_id"`
	AggregateType string                 `json:"aggregate_type"`
	Version       int64                  `json:"version"`
	Position      int64                  `json:"position"`
	OccurredAt    time.Time              `json:"occurred_at"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Data          json.RawMessage        `json:"data,omitempty"`
}

// NewEnvelope строит Envelope из сохраненного события
func NewEnvelope(event eventsourcing.StoredEvent) (Envelope, error) {
	data := event.RawData
	if data == nil && event.EventData != nil {
		serialized, err := json.Marshal(event.EventData)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to serialize event %s: %w", event.ID, err)
		}
		data = serialized
	}

	return Envelope{
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		Version:       event.Version,
		Position:      event.Position,
		OccurredAt:    event.OccurredAt,
		Metadata:      event.Metadata,
		Data:          data,
	}, nil
}

// Topic формирует имя topic/subject по шаблону {prefix}.{aggregate_type}.{event_type}
func Topic(prefix string, event eventsourcing.StoredEvent) string {
	aggregateType := event.AggregateType
	if aggregateType == "" {
		aggregateType = "unknown"
	}
	return fmt.Sprintf("%s.%s.%s", prefix, aggregateType, event.EventType)
}

// RetryConfig политика повторов публикации
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig возвращает политику повторов по умолчанию
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// publishWithRetry выполняет публикацию с повторами и экспоненциальной задержкой
func publishWithRetry(ctx context.Context, config RetryConfig, publish func() error) error {
	maxAttempts := config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	delay := config.InitialDelay

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * config.BackoffMultiplier)
			if config.MaxDelay > 0 && delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		if lastErr = publish(); lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("failed to publish after %d attempts: %w", maxAttempts, lastErr)
}
