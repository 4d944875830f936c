package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/akriventsev/sagakit/eventsourcing"
)

// NATSPublisherConfig конфигурация NATS публикатора
type NATSPublisherConfig struct {
	// Conn установленное соединение с NATS
	Conn *nats.Conn
	// SubjectPrefix префикс subject'а, по умолчанию "events"
	SubjectPrefix string
	// Retry политика повторов публикации
	Retry RetryConfig
}

// DefaultNATSPublisherConfig возвращает конфигурацию по умолчанию
func DefaultNATSPublisherConfig(conn *nats.Conn) NATSPublisherConfig {
	return NATSPublisherConfig{
		Conn:          conn,
		SubjectPrefix: "events",
		Retry:         DefaultRetryConfig(),
	}
}

// NATSPublisher публикует события хранилища в NATS.
// Subject формируется по шаблону {prefix}.{aggregate_type}.{event_type},
// что позволяет подписчикам фильтровать события wildcard-подписками.
type NATSPublisher struct {
	config NATSPublisherConfig
	conn   *nats.Conn
}

// NewNATSPublisher создает новый NATS публикатор
func NewNATSPublisher(config NATSPublisherConfig) (*NATSPublisher, error) {
	if config.Conn == nil {
		return nil, fmt.Errorf("NATS connection is required")
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = "events"
	}
	return &NATSPublisher{
		config: config,
		conn:   config.Conn,
	}, nil
}

// Publish публикует событие в NATS
func (p *NATSPublisher) Publish(ctx context.Context, event eventsourcing.StoredEvent) error {
	envelope, err := NewEnvelope(event)
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to serialize envelope: %w", err)
	}

	subject := Topic(p.config.SubjectPrefix, event)
	return publishWithRetry(ctx, p.config.Retry, func() error {
		return p.conn.Publish(subject, data)
	})
}

// Close освобождает ресурсы публикатора. Соединение передается извне
// и остается открытым.
func (p *NATSPublisher) Close() error {
	return p.conn.Flush()
}
