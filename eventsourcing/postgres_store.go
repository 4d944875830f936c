package eventsourcing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/akriventsev/sagakit/events"
)

// PostgresEventStoreConfig конфигурация для PostgreSQL Event Store
type PostgresEventStoreConfig struct {
	DSN          string
	SchemaName   string
	TableName    string
	MaxConns     int32
	PollInterval time.Duration // интервал опроса для подписок
}

// Validate проверяет корректность конфигурации
func (c *PostgresEventStoreConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("DSN cannot be empty")
	}
	if c.TableName == "" {
		c.TableName = "event_store"
	}
	if c.SchemaName == "" {
		c.SchemaName = "public"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	return nil
}

// DefaultPostgresEventStoreConfig возвращает конфигурацию по умолчанию
func DefaultPostgresEventStoreConfig() PostgresEventStoreConfig {
	return PostgresEventStoreConfig{
		SchemaName:   "public",
		TableName:    "event_store",
		MaxConns:     25,
		PollInterval: 500 * time.Millisecond,
	}
}

// PostgresEventStore реализация EventStore для PostgreSQL.
// Глобальная позиция обеспечивается BIGSERIAL-колонкой position,
// конкурентные append одного агрегата сериализуются advisory lock'ом,
// а уникальный индекс (aggregate_id, version) служит последней линией
// защиты от потерянных обновлений.
type PostgresEventStore struct {
	config       PostgresEventStoreConfig
	pool         *pgxpool.Pool
	deserializer EventDeserializer
}

// NewPostgresEventStore создает новый PostgreSQL Event Store
func NewPostgresEventStore(ctx context.Context, config PostgresEventStoreConfig, deserializer EventDeserializer) (*PostgresEventStore, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid postgres config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	return &PostgresEventStore{
		config:       config,
		pool:         pool,
		deserializer: deserializer,
	}, nil
}

// Close закрывает пул соединений
func (s *PostgresEventStore) Close() {
	s.pool.Close()
}

func (s *PostgresEventStore) tableName() string {
	return fmt.Sprintf("%s.%s", s.config.SchemaName, s.config.TableName)
}

// AppendEvents атомарно добавляет батч событий в поток агрегата
func (s *PostgresEventStore) AppendEvents(ctx context.Context, aggregateID, aggregateType string, expectedVersion int64, evts []events.Event) (int64, error) {
	if expectedVersion < 0 {
		return 0, ErrInvalidVersion
	}
	if len(evts) == 0 {
		return expectedVersion, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Сериализуем append конкретного агрегата
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", streamLockKey(aggregateID)); err != nil {
		return 0, fmt.Errorf("failed to acquire stream lock: %w", err)
	}

	var currentVersion int64
	checkQuery := fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %s WHERE aggregate_id = $1", s.tableName())
	if err := tx.QueryRow(ctx, checkQuery, aggregateID).Scan(&currentVersion); err != nil {
		return 0, fmt.Errorf("failed to check version: %w", err)
	}

	if expectedVersion != currentVersion {
		return 0, fmt.Errorf("aggregate %s: %w: expected %d, got %d", aggregateID, ErrConcurrencyConflict, expectedVersion, currentVersion)
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (id, aggregate_id, aggregate_type, event_type, event_data, metadata, version, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.tableName())

	newVersion := expectedVersion
	for i, event := range evts {
		eventData, err := json.Marshal(event)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal event: %w", err)
		}
		metadata, err := json.Marshal(convertMetadata(event.Metadata()))
		if err != nil {
			return 0, fmt.Errorf("failed to marshal metadata: %w", err)
		}

		newVersion = expectedVersion + int64(i) + 1
		if _, err := tx.Exec(ctx, insertQuery,
			event.EventID(),
			aggregateID,
			aggregateType,
			event.EventType(),
			eventData,
			metadata,
			newVersion,
			event.OccurredAt(),
		); err != nil {
			if isUniqueViolation(err) {
				return 0, fmt.Errorf("aggregate %s: %w", aggregateID, ErrConcurrencyConflict)
			}
			return 0, fmt.Errorf("failed to insert event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return newVersion, nil
}

const storedEventColumns = "id, aggregate_id, aggregate_type, event_type, event_data, metadata, version, position, occurred_at, created_at"

// GetEvents возвращает события агрегата с версиями в интервале (fromVersion, toVersion]
func (s *PostgresEventStore) GetEvents(ctx context.Context, aggregateID string, fromVersion, toVersion int64) ([]StoredEvent, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE aggregate_id = $1 AND version > $2 AND ($3::bigint = 0 OR version <= $3)
		ORDER BY version ASC
	`, storedEventColumns, s.tableName())

	rows, err := s.pool.Query(ctx, query, aggregateID, fromVersion, toVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	result, err := s.scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 && fromVersion == 0 {
		return nil, fmt.Errorf("aggregate %s: %w", aggregateID, ErrStreamNotFound)
	}
	return result, nil
}

// GetEventsByType возвращает события определенного типа в порядке глобальной позиции
func (s *PostgresEventStore) GetEventsByType(ctx context.Context, eventType string, fromTimestamp time.Time, limit int) ([]StoredEvent, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE event_type = $1 AND occurred_at > $2
		ORDER BY position ASC
	`, storedEventColumns, s.tableName())
	args := []interface{}{eventType, fromTimestamp}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by type: %w", err)
	}
	defer rows.Close()

	return s.scanEvents(rows)
}

// GetAllEvents возвращает все события с позицией выше fromPosition
func (s *PostgresEventStore) GetAllEvents(ctx context.Context, fromPosition int64) (<-chan StoredEvent, error) {
	ch := make(chan StoredEvent, 100)

	go func() {
		defer close(ch)
		batch, err := s.readBatch(ctx, fromPosition, 0)
		if err != nil {
			log.Printf("failed to read events from position %d: %v", fromPosition, err)
			return
		}
		for _, event := range batch {
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
func (s *PostgresEventStore) GetGlobalPosition(ctx context.Context) (int64, error) {
	query := fmt.Sprintf("SELECT COALESCE(MAX(position), 0) FROM %s", s.tableName())
	var position int64
	if err := s.pool.QueryRow(ctx, query).Scan(&position); err != nil {
		return 0, fmt.Errorf("failed to get global position: %w", err)
	}
	return position, nil
}

// Subscribe подписывает обработчик на новые события указанных типов.
// Доставка реализована опросом по глобальной позиции: at-least-once,
// при переподключении с сохраненной позиции возможны дубликаты.
func (s *PostgresEventStore) Subscribe(ctx context.Context, eventTypes []string, handler StoredEventHandler, fromPosition int64) (Subscription, error) {
	typeSet := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		typeSet[t] = true
	}

	sub := &pollingSubscription{done: make(chan struct{})}

	go func() {
		position := fromPosition
		ticker := time.NewTicker(s.config.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				sub.Cancel()
				return
			case <-sub.done:
				return
			case <-ticker.C:
			}

			batch, err := s.readBatch(ctx, position, 100)
			if err != nil {
				log.Printf("subscription poll failed at position %d: %v", position, err)
				continue
			}
			for _, event := range batch {
				if len(typeSet) > 0 && !typeSet[event.EventType] {
					position = event.Position
					continue
				}
				_ = handler(ctx, event)
				position = event.Position
			}
		}
	}()

	return sub, nil
}

// readBatch читает события с позицией выше fromPosition
func (s *PostgresEventStore) readBatch(ctx context.Context, fromPosition int64, limit int) ([]StoredEvent, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE position > $1
		ORDER BY position ASC
	`, storedEventColumns, s.tableName())
	args := []interface{}{fromPosition}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanEvents(rows)
}

// scanEvents читает StoredEvent из результата запроса
func (s *PostgresEventStore) scanEvents(rows pgx.Rows) ([]StoredEvent, error) {
	var result []StoredEvent
	for rows.Next() {
		var stored StoredEvent
		var metadataJSON []byte

		if err := rows.Scan(
			&stored.ID,
			&stored.AggregateID,
			&stored.AggregateType,
			&stored.EventType,
			&stored.RawData,
			&metadataJSON,
			&stored.Version,
			&stored.Position,
			&stored.OccurredAt,
			&stored.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		if err := json.Unmarshal(metadataJSON, &stored.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}

		if s.deserializer != nil {
			event, err := s.deserializer.DeserializeEvent(stored.EventType, stored.RawData)
			if err != nil {
				return nil, fmt.Errorf("failed to deserialize event %s: %w", stored.EventType, err)
			}
			stored.EventData = event
		}
		result = append(result, stored)
	}
	return result, rows.Err()
}

// pollingSubscription подписка на основе опроса по позиции.
// Cancel может вызываться конкурентно из кода потребителя и из
// горутины опроса при отмене контекста.
type pollingSubscription struct {
	done   chan struct{}
	cancel sync.Once
}

func (sub *pollingSubscription) Cancel() {
	sub.cancel.Do(func() {
		close(sub.done)
	})
}

func (sub *pollingSubscription) Done() <-chan struct{} {
	return sub.done
}

// streamLockKey вычисляет ключ advisory lock для потока агрегата
func streamLockKey(aggregateID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(aggregateID))
	return int64(h.Sum64())
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// PostgresSnapshotStore реализация SnapshotStore для PostgreSQL
type PostgresSnapshotStore struct {
	config PostgresEventStoreConfig
	pool   *pgxpool.Pool
}

// NewPostgresSnapshotStore создает Snapshot Store поверх существующего пула
func NewPostgresSnapshotStore(store *PostgresEventStore) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{
		config: store.config,
		pool:   store.pool,
	}
}

func (s *PostgresSnapshotStore) tableName() string {
	return fmt.Sprintf("%s.snapshots", s.config.SchemaName)
}

// SaveSnapshot сохраняет снапшот
func (s *PostgresSnapshotStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (aggregate_id, aggregate_type, version, state, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (aggregate_id)
		DO UPDATE SET aggregate_type = $2, version = $3, state = $4, metadata = $5, created_at = $6
	`, s.tableName())

	metadataJSON, err := json.Marshal(snapshot.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if _, err := s.pool.Exec(ctx, query,
		snapshot.AggregateID,
		snapshot.AggregateType,
		snapshot.Version,
		snapshot.State,
		metadataJSON,
		snapshot.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// GetSnapshot возвращает последний снапшот
func (s *PostgresSnapshotStore) GetSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	query := fmt.Sprintf(`
		SELECT aggregate_id, aggregate_type, version, state, metadata, created_at
		FROM %s WHERE aggregate_id = $1
	`, s.tableName())

	var snapshot Snapshot
	var metadataJSON []byte

	err := s.pool.QueryRow(ctx, query, aggregateID).Scan(
		&snapshot.AggregateID,
		&snapshot.AggregateType,
		&snapshot.Version,
		&snapshot.State,
		&metadataJSON,
		&snapshot.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	if err := json.Unmarshal(metadataJSON, &snapshot.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return &snapshot, nil
}

// DeleteSnapshots удаляет старые снапшоты
func (s *PostgresSnapshotStore) DeleteSnapshots(ctx context.Context, aggregateID string, beforeVersion int64) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE aggregate_id = $1 AND version < $2", s.tableName())
	if _, err := s.pool.Exec(ctx, query, aggregateID, beforeVersion); err != nil {
		return fmt.Errorf("failed to delete snapshots: %w", err)
	}
	return nil
}
