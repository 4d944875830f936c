package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/akriventsev/sagakit/eventsourcing"
)

// KafkaPublisherConfig конфигурация Kafka публикатора
type KafkaPublisherConfig struct {
	// Brokers адреса брокеров
	Brokers []string
	// Topic имя topic'а; пустое значение означает topic на тип агрегата
	// по шаблону {TopicPrefix}.{aggregate_type}
	Topic string
	// TopicPrefix префикс topic'а при Topic == ""
	TopicPrefix string
	// Compression none, gzip, snappy, lz4, zstd
	Compression string
	// BatchSize размер батча writer'а
	BatchSize int
	// FlushInterval максимальная задержка отправки батча
	FlushInterval time.Duration
}

// DefaultKafkaPublisherConfig возвращает конфигурацию по умолчанию
func DefaultKafkaPublisherConfig(brokers ...string) KafkaPublisherConfig {
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	return KafkaPublisherConfig{
		Brokers:       brokers,
		TopicPrefix:   "events",
		Compression:   "snappy",
		BatchSize:     100,
		FlushInterval: 10 * time.Millisecond,
	}
}

// KafkaPublisher публикует события хранилища в Kafka.
// Ключ сообщения — aggregate ID: hash-партиционирование сохраняет
// порядок событий одного агрегата в пределах партиции.
type KafkaPublisher struct {
	config KafkaPublisherConfig
	writer *kafka.Writer
}

// NewKafkaPublisher создает новый Kafka публикатор
func NewKafkaPublisher(config KafkaPublisherConfig) (*KafkaPublisher, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker is required")
	}
	if config.Topic == "" && config.TopicPrefix == "" {
		config.TopicPrefix = "events"
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    config.BatchSize,
		BatchTimeout: config.FlushInterval,
		Compression:  kafkaCompression(config.Compression),
		WriteTimeout: 10 * time.Second,
	}

	return &KafkaPublisher{
		config: config,
		writer: writer,
	}, nil
}

// kafkaCompression преобразует строку в kafka.Compression
func kafkaCompression(compression string) kafka.Compression {
	switch compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

// Publish публикует событие в Kafka
func (p *KafkaPublisher) Publish(ctx context.Context, event eventsourcing.StoredEvent) error {
	envelope, err := NewEnvelope(event)
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to serialize envelope: %w", err)
	}

	msg := kafka.Message{
		Topic: p.topic(event),
		Key:   []byte(event.AggregateID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(event.ID)},
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "aggregate_id", Value: []byte(event.AggregateID)},
			{Key: "position", Value: []byte(strconv.FormatInt(event.Position, 10))},
			{Key: "occurred_at", Value: []byte(event.OccurredAt.Format(time.RFC3339))},
		},
	}
	if cid, ok := event.Metadata["correlation_id"].(string); ok && cid != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "correlation_id", Value: []byte(cid)})
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.ID, err)
	}
	return nil
}

func (p *KafkaPublisher) topic(event eventsourcing.StoredEvent) string {
	if p.config.Topic != "" {
		return p.config.Topic
	}
	aggregateType := event.AggregateType
	if aggregateType == "" {
		aggregateType = "unknown"
	}
	return fmt.Sprintf("%s.%s", p.config.TopicPrefix, aggregateType)
}

// Close закрывает writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
