package events

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/akriventsev/sagakit/eventsourcing"
)

// RelayConfig конфигурация ретранслятора событий
type RelayConfig struct {
	// Name имя подписчика, ключ чекпоинта
	Name string
	// Store источник событий
	Store eventsourcing.EventStore
	// Checkpoints хранилище позиций; nil означает доставку с начала
	// при каждом запуске
	Checkpoints eventsourcing.CheckpointStore
	// Publisher получатель событий
	Publisher Publisher
	// EventTypes фильтр типов событий, пустой список — все типы
	EventTypes []string
	// Retry политика повторов публикации одного события
	Retry RetryConfig
}

// Validate проверяет корректность конфигурации
func (c *RelayConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("relay name is required")
	}
	if c.Store == nil {
		return fmt.Errorf("event store is required")
	}
	if c.Publisher == nil {
		return fmt.Errorf("publisher is required")
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = DefaultRetryConfig()
	}
	return nil
}

// Relay ретранслирует события хранилища во внешний брокер.
// Позиция последнего опубликованного события сохраняется в CheckpointStore,
// перезапуск возобновляет доставку с этой позиции. Гарантия at-least-once:
// сбой между публикацией и сохранением чекпоинта приводит к повторной
// публикации события.
type Relay struct {
	config RelayConfig

	mu           sync.Mutex
	subscription eventsourcing.Subscription
	running      bool
}

// NewRelay создает новый ретранслятор
func NewRelay(config RelayConfig) (*Relay, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid relay config: %w", err)
	}
	return &Relay{config: config}, nil
}

// Name возвращает имя подписчика
func (r *Relay) Name() string {
	return r.config.Name
}

// Start возобновляет доставку с сохраненной позиции
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("relay %s is already running", r.config.Name)
	}

	var fromPosition int64
	if r.config.Checkpoints != nil {
		position, err := r.config.Checkpoints.GetCheckpoint(ctx, r.config.Name)
		if err != nil {
			return fmt.Errorf("failed to load checkpoint for %s: %w", r.config.Name, err)
		}
		fromPosition = position
	}

	subscription, err := r.config.Store.Subscribe(ctx, r.config.EventTypes, r.handle, fromPosition)
	if err != nil {
		return fmt.Errorf("failed to subscribe relay %s: %w", r.config.Name, err)
	}

	r.subscription = subscription
	r.running = true
	return nil
}

// handle публикует одно событие и продвигает чекпоинт
func (r *Relay) handle(ctx context.Context, event eventsourcing.StoredEvent) error {
	err := publishWithRetry(ctx, r.config.Retry, func() error {
		return r.config.Publisher.Publish(ctx, event)
	})
	if err != nil {
		log.Printf("relay %s: failed to publish event %s at position %d: %v",
			r.config.Name, event.ID, event.Position, err)
		return err
	}

	if r.config.Checkpoints != nil {
		if err := r.config.Checkpoints.SaveCheckpoint(ctx, r.config.Name, event.Position); err != nil {
			// Событие опубликовано, перезапуск доставит его повторно
			log.Printf("relay %s: failed to save checkpoint at position %d: %v",
				r.config.Name, event.Position, err)
		}
	}
	return nil
}

// Stop останавливает доставку. Чекпоинт сохранен по последнему
// опубликованному событию, повторный Start продолжит с него.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	r.subscription.Cancel()

	select {
	case <-r.subscription.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	r.subscription = nil
	r.running = false
	return nil
}

// IsRunning проверяет, запущен ли ретранслятор
func (r *Relay) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
