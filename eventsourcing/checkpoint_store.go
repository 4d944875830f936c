package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// CheckpointStore хранит позиции подписчиков для возобновления доставки.
// Позиция — глобальная Position последнего обработанного события:
// подписчик переподключается с Subscribe(..., fromPosition=checkpoint)
// и получает at-least-once доставку после сбоя.
type CheckpointStore interface {
	// SaveCheckpoint сохраняет позицию подписчика
	SaveCheckpoint(ctx context.Context, subscriberName string, position int64) error

	// GetCheckpoint возвращает сохраненную позицию, 0 если позиции нет
	GetCheckpoint(ctx context.Context, subscriberName string) (int64, error)

	// DeleteCheckpoint удаляет позицию подписчика
	DeleteCheckpoint(ctx context.Context, subscriberName string) error

	// ListCheckpoints возвращает все сохраненные позиции
	ListCheckpoints(ctx context.Context) (map[string]int64, error)
}

// InMemoryCheckpointStore реализация CheckpointStore в памяти для тестирования
type InMemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]int64
}

// NewInMemoryCheckpointStore создает новый InMemoryCheckpointStore
func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{
		checkpoints: make(map[string]int64),
	}
}

func (s *InMemoryCheckpointStore) SaveCheckpoint(ctx context.Context, subscriberName string, position int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[subscriberName] = position
	return nil
}

func (s *InMemoryCheckpointStore) GetCheckpoint(ctx context.Context, subscriberName string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[subscriberName], nil
}

func (s *InMemoryCheckpointStore) DeleteCheckpoint(ctx context.Context, subscriberName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, subscriberName)
	return nil
}

func (s *InMemoryCheckpointStore) ListCheckpoints(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]int64, len(s.checkpoints))
	for k, v := range s.checkpoints {
		result[k] = v
	}
	return result, nil
}

// PostgresCheckpointStore реализация CheckpointStore для PostgreSQL
type PostgresCheckpointStore struct {
	pool *pgxpool.Pool
}

// NewPostgresCheckpointStore создает CheckpointStore поверх существующего пула
func NewPostgresCheckpointStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresCheckpointStore, error) {
	store := &PostgresCheckpointStore{pool: pool}
	if err := store.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure checkpoints table: %w", err)
	}
	return store, nil
}

func (s *PostgresCheckpointStore) ensureTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS subscription_checkpoints (
			subscriber_name VARCHAR(255) PRIMARY KEY,
			position BIGINT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`
	_, err := s.pool.Exec(ctx, query)
	return err
}

func (s *PostgresCheckpointStore) SaveCheckpoint(ctx context.Context, subscriberName string, position int64) error {
	query := `
		INSERT INTO subscription_checkpoints (subscriber_name, position, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (subscriber_name)
		DO UPDATE SET position = $2, updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query, subscriberName, position)
	return err
}

func (s *PostgresCheckpointStore) GetCheckpoint(ctx context.Context, subscriberName string) (int64, error) {
	var position int64
	err := s.pool.QueryRow(ctx, "SELECT position FROM subscription_checkpoints WHERE subscriber_name = $1", subscriberName).Scan(&position)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return position, nil
}

func (s *PostgresCheckpointStore) DeleteCheckpoint(ctx context.Context, subscriberName string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM subscription_checkpoints WHERE subscriber_name = $1", subscriberName)
	return err
}

func (s *PostgresCheckpointStore) ListCheckpoints(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, "SELECT subscriber_name, position FROM subscription_checkpoints")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	checkpoints := make(map[string]int64)
	for rows.Next() {
		var name string
		var position int64
		if err := rows.Scan(&name, &position); err != nil {
			return nil, err
		}
		checkpoints[name] = position
	}
	return checkpoints, rows.Err()
}

// RedisCheckpointStoreConfig конфигурация для Redis CheckpointStore
type RedisCheckpointStoreConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// DefaultRedisCheckpointStoreConfig возвращает конфигурацию по умолчанию
func DefaultRedisCheckpointStoreConfig() RedisCheckpointStoreConfig {
	return RedisCheckpointStoreConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "sagakit:checkpoint:",
	}
}

// RedisCheckpointStore реализация CheckpointStore для Redis
type RedisCheckpointStore struct {
	config RedisCheckpointStoreConfig
	client *redis.Client
}

// NewRedisCheckpointStore создает новый Redis CheckpointStore
func NewRedisCheckpointStore(config RedisCheckpointStoreConfig) (*RedisCheckpointStore, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("addr cannot be empty")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "sagakit:checkpoint:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCheckpointStore{config: config, client: client}, nil
}

// Close закрывает соединение с Redis
func (s *RedisCheckpointStore) Close() error {
	return s.client.Close()
}

func (s *RedisCheckpointStore) key(subscriberName string) string {
	return s.config.KeyPrefix + subscriberName
}

func (s *RedisCheckpointStore) SaveCheckpoint(ctx context.Context, subscriberName string, position int64) error {
	return s.client.Set(ctx, s.key(subscriberName), position, 0).Err()
}

func (s *RedisCheckpointStore) GetCheckpoint(ctx context.Context, subscriberName string) (int64, error) {
	val, err := s.client.Get(ctx, s.key(subscriberName)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}

func (s *RedisCheckpointStore) DeleteCheckpoint(ctx context.Context, subscriberName string) error {
	return s.client.Del(ctx, s.key(subscriberName)).Err()
}

func (s *RedisCheckpointStore) ListCheckpoints(ctx context.Context) (map[string]int64, error) {
	checkpoints := make(map[string]int64)
	iter := s.client.Scan(ctx, 0, s.config.KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := s.client.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		position, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		checkpoints[key[len(s.config.KeyPrefix):]] = position
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return checkpoints, nil
}
