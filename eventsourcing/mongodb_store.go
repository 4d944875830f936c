package eventsourcing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/akriventsev/sagakit/events"
)

// MongoDBEventStoreConfig конфигурация для MongoDB Event Store
type MongoDBEventStoreConfig struct {
	URI          string
	Database     string
	Collection   string
	MaxPoolSize  uint64
	MinPoolSize  uint64
	PollInterval time.Duration // интервал опроса для подписок
}

// Validate проверяет корректность конфигурации
func (c *MongoDBEventStoreConfig) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("URI cannot be empty")
	}
	if c.Database == "" {
		c.Database = "sagakit"
	}
	if c.Collection == "" {
		c.Collection = "events"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	return nil
}

// DefaultMongoDBEventStoreConfig возвращает конфигурацию по умолчанию
func DefaultMongoDBEventStoreConfig() MongoDBEventStoreConfig {
	return MongoDBEventStoreConfig{
		Database:     "sagakit",
		Collection:   "events",
		MaxPoolSize:  100,
		MinPoolSize:  10,
		PollInterval: 500 * time.Millisecond,
	}
}

// storedEventDoc документ события в MongoDB
type storedEventDoc struct {
	ID            string                 `bson:"_id"`
	AggregateID   string                 `bson:"aggregate_id"`
	AggregateType string                 `bson:"aggregate_type"`
	EventType     string                 `bson:"event_type"`
	EventData     []byte                 `bson:"event_data"`
	Metadata      map[string]interface{} `bson:"metadata"`
	Version       int64                  `bson:"version"`
	Position      int64                  `bson:"position"`
	OccurredAt    time.Time              `bson:"occurred_at"`
	CreatedAt     time.Time              `bson:"created_at"`
}

// MongoDBEventStore реализация EventStore для MongoDB.
// Глобальная позиция выделяется атомарным $inc в коллекции counters,
// уникальный индекс (aggregate_id, version) защищает от конфликтов
// конкурентной записи.
type MongoDBEventStore struct {
	config       MongoDBEventStoreConfig
	client       *mongo.Client
	collection   *mongo.Collection
	counters     *mongo.Collection
	deserializer EventDeserializer
}

// NewMongoDBEventStore создает новый MongoDB Event Store
func NewMongoDBEventStore(ctx context.Context, config MongoDBEventStoreConfig, deserializer EventDeserializer) (*MongoDBEventStore, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mongodb config: %w", err)
	}

	opts := options.Client().
		ApplyURI(config.URI).
		SetMaxPoolSize(config.MaxPoolSize).
		SetMinPoolSize(config.MinPoolSize)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(config.Database)
	collection := db.Collection(config.Collection)

	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "aggregate_id", Value: 1},
				{Key: "version", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "position", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "event_type", Value: 1},
				{Key: "occurred_at", Value: 1},
			},
		},
	}
	if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return &MongoDBEventStore{
		config:       config,
		client:       client,
		collection:   collection,
		counters:     db.Collection(config.Collection + "_counters"),
		deserializer: deserializer,
	}, nil
}

// Close закрывает соединение с MongoDB
func (s *MongoDBEventStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// nextPositions атомарно выделяет count глобальных позиций
func (s *MongoDBEventStore) nextPositions(ctx context.Context, count int64) (int64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "global_position"},
		bson.M{"$inc": bson.M{"value": count}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate positions: %w", err)
	}
	// Возвращаем первую позицию выделенного блока
	return doc.Value - count + 1, nil
}

// AppendEvents атомарно добавляет батч событий в поток агрегата.
// Проверка версии и вставка выполняются в одной транзакции: частичная
// запись батча невозможна. Позиции выделяются до транзакции, поэтому
// откат оставляет разрыв в нумерации позиций, как и BIGSERIAL в Postgres.
func (s *MongoDBEventStore) AppendEvents(ctx context.Context, aggregateID, aggregateType string, expectedVersion int64, evts []events.Event) (int64, error) {
	if expectedVersion < 0 {
		return 0, ErrInvalidVersion
	}
	if len(evts) == 0 {
		return expectedVersion, nil
	}

	firstPosition, err := s.nextPositions(ctx, int64(len(evts)))
	if err != nil {
		return 0, err
	}

	now := time.Now()
	docs := make([]interface{}, len(evts))
	newVersion := expectedVersion
	for i, event := range evts {
		eventData, err := json.Marshal(event)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal event: %w", err)
		}
		newVersion = expectedVersion + int64(i) + 1
		docs[i] = storedEventDoc{
			ID:            event.EventID(),
			AggregateID:   aggregateID,
			AggregateType: aggregateType,
			EventType:     event.EventType(),
			EventData:     eventData,
			Metadata:      convertMetadata(event.Metadata()),
			Version:       newVersion,
			Position:      firstPosition + int64(i),
			OccurredAt:    event.OccurredAt(),
			CreatedAt:     now,
		}
	}

	session, err := s.client.StartSession()
	if err != nil {
		return 0, fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	err = mongo.WithSession(ctx, session, func(sc mongo.SessionContext) error {
		if err := session.StartTransaction(); err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		var currentVersion int64
		var lastDoc storedEventDoc
		err := s.collection.FindOne(sc,
			bson.M{"aggregate_id": aggregateID},
			options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}}),
		).Decode(&lastDoc)
		switch {
		case err == nil:
			currentVersion = lastDoc.Version
		case errors.Is(err, mongo.ErrNoDocuments):
			currentVersion = 0
		default:
			_ = session.AbortTransaction(sc)
			return fmt.Errorf("failed to check version: %w", err)
		}

		if expectedVersion != currentVersion {
			_ = session.AbortTransaction(sc)
			return fmt.Errorf("aggregate %s: %w: expected %d, got %d", aggregateID, ErrConcurrencyConflict, expectedVersion, currentVersion)
		}

		if _, err := s.collection.InsertMany(sc, docs, options.InsertMany().SetOrdered(true)); err != nil {
			_ = session.AbortTransaction(sc)
			if mongo.IsDuplicateKeyError(err) {
				// Конкурент вставил события с теми же версиями
				return fmt.Errorf("aggregate %s: %w", aggregateID, ErrConcurrencyConflict)
			}
			return fmt.Errorf("failed to insert events: %w", err)
		}

		return session.CommitTransaction(sc)
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// GetEvents возвращает события агрегата с версиями в интервале (fromVersion, toVersion]
func (s *MongoDBEventStore) GetEvents(ctx context.Context, aggregateID string, fromVersion, toVersion int64) ([]StoredEvent, error) {
	versionFilter := bson.M{"$gt": fromVersion}
	if toVersion > 0 {
		versionFilter["$lte"] = toVersion
	}
	filter := bson.M{
		"aggregate_id": aggregateID,
		"version":      versionFilter,
	}

	result, err := s.find(ctx, filter, bson.D{{Key: "version", Value: 1}}, 0)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 && fromVersion == 0 {
		return nil, fmt.Errorf("aggregate %s: %w", aggregateID, ErrStreamNotFound)
	}
	return result, nil
}

// GetEventsByType возвращает события определенного типа в порядке глобальной позиции
func (s *MongoDBEventStore) GetEventsByType(ctx context.Context, eventType string, fromTimestamp time.Time, limit int) ([]StoredEvent, error) {
	filter := bson.M{
		"event_type":  eventType,
		"occurred_at": bson.M{"$gt": fromTimestamp},
	}
	return s.find(ctx, filter, bson.D{{Key: "position", Value: 1}}, int64(limit))
}

// GetAllEvents возвращает все события с позицией выше fromPosition
func (s *MongoDBEventStore) GetAllEvents(ctx context.Context, fromPosition int64) (<-chan StoredEvent, error) {
	ch := make(chan StoredEvent, 100)

	go func() {
		defer close(ch)
		batch, err := s.find(ctx, bson.M{"position": bson.M{"$gt": fromPosition}}, bson.D{{Key: "position", Value: 1}}, 0)
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
func (s *MongoDBEventStore) GetGlobalPosition(ctx context.Context) (int64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}
	err := s.counters.FindOne(ctx, bson.M{"_id": "global_position"}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get global position: %w", err)
	}
	return doc.Value, nil
}

// Subscribe подписывает обработчик на новые события указанных типов.
// Доставка реализована опросом по глобальной позиции, at-least-once.
func (s *MongoDBEventStore) Subscribe(ctx context.Context, eventTypes []string, handler StoredEventHandler, fromPosition int64) (Subscription, error) {
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

			batch, err := s.find(ctx, bson.M{"position": bson.M{"$gt": position}}, bson.D{{Key: "position", Value: 1}}, 100)
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

// find выполняет запрос и преобразует документы в StoredEvent
func (s *MongoDBEventStore) find(ctx context.Context, filter bson.M, sort bson.D, limit int64) ([]StoredEvent, error) {
	opts := options.Find().SetSort(sort)
	if limit > 0 {
		opts.SetLimit(limit)
	}

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find events: %w", err)
	}
	defer cursor.Close(ctx)

	var result []StoredEvent
	for cursor.Next(ctx) {
		var doc storedEventDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}

		stored := StoredEvent{
			ID:            doc.ID,
			AggregateID:   doc.AggregateID,
			AggregateType: doc.AggregateType,
			EventType:     doc.EventType,
			RawData:       doc.EventData,
			Metadata:      doc.Metadata,
			Version:       doc.Version,
			Position:      doc.Position,
			OccurredAt:    doc.OccurredAt,
			CreatedAt:     doc.CreatedAt,
		}

		if s.deserializer != nil {
			event, err := s.deserializer.DeserializeEvent(doc.EventType, doc.EventData)
			if err != nil {
				return nil, fmt.Errorf("failed to deserialize event %s: %w", doc.EventType, err)
			}
			stored.EventData = event
		}
		result = append(result, stored)
	}
	return result, cursor.Err()
}

// MongoDBSnapshotStore реализация SnapshotStore для MongoDB
type MongoDBSnapshotStore struct {
	collection *mongo.Collection
}

// snapshotDoc документ снапшота в MongoDB
type snapshotDoc struct {
	AggregateID   string                 `bson:"_id"`
	AggregateType string                 `bson:"aggregate_type"`
	Version       int64                  `bson:"version"`
	State         []byte                 `bson:"state"`
	Metadata      map[string]interface{} `bson:"metadata"`
	CreatedAt     time.Time              `bson:"created_at"`
}

// NewMongoDBSnapshotStore создает Snapshot Store поверх существующего подключения
func NewMongoDBSnapshotStore(store *MongoDBEventStore) *MongoDBSnapshotStore {
	db := store.client.Database(store.config.Database)
	return &MongoDBSnapshotStore{
		collection: db.Collection(store.config.Collection + "_snapshots"),
	}
}

// SaveSnapshot сохраняет снапшот
func (s *MongoDBSnapshotStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	doc := snapshotDoc{
		AggregateID:   snapshot.AggregateID,
		AggregateType: snapshot.AggregateType,
		Version:       snapshot.Version,
		State:         snapshot.State,
		Metadata:      snapshot.Metadata,
		CreatedAt:     snapshot.CreatedAt,
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": snapshot.AggregateID}, doc, opts); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// GetSnapshot возвращает последний снапшот
func (s *MongoDBSnapshotStore) GetSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	var doc snapshotDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": aggregateID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	return &Snapshot{
		AggregateID:   doc.AggregateID,
		AggregateType: doc.AggregateType,
		Version:       doc.Version,
		State:         doc.State,
		Metadata:      doc.Metadata,
		CreatedAt:     doc.CreatedAt,
	}, nil
}

// DeleteSnapshots удаляет старые снапшоты
func (s *MongoDBSnapshotStore) DeleteSnapshots(ctx context.Context, aggregateID string, beforeVersion int64) error {
	filter := bson.M{
		"_id":     aggregateID,
		"version": bson.M{"$lt": beforeVersion},
	}
	if _, err := s.collection.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("failed to delete snapshots: %w", err)
	}
	return nil
}
