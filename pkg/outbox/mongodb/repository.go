package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fleet-platform/route-orchestrator/pkg/outbox"
)

const (
	// DefaultCollectionName is the default name for the outbox collection
	DefaultCollectionName = "outbox_events"
)

// OutboxRepository implements outbox.Repository for MongoDB
type OutboxRepository struct {
	collection *mongo.Collection
}

// NewOutboxRepository creates a new MongoDB outbox repository
func NewOutboxRepository(db *mongo.Database) *OutboxRepository {
	return NewOutboxRepositoryWithCollection(db, DefaultCollectionName)
}

// NewOutboxRepositoryWithCollection creates a new MongoDB outbox repository with custom collection name
func NewOutboxRepositoryWithCollection(db *mongo.Database, collectionName string) *OutboxRepository {
	return &OutboxRepository{
		collection: db.Collection(collectionName),
	}
}

func retryable() bson.M {
	return bson.M{
		"publishedAt": bson.M{"$exists": false},
		"$expr":       bson.M{"$lt": bson.A{"$retryCount", "$maxRetries"}},
	}
}

// Save upserts an entry keyed by idempotency key. Published entries and the
// retry count of an existing entry are preserved.
func (r *OutboxRepository) Save(ctx context.Context, entry *outbox.Entry) error {
	filter := bson.M{"_id": entry.ID, "publishedAt": bson.M{"$exists": false}}
	update := bson.M{
		"$set": bson.M{
			"aggregateId": entry.AggregateID,
			"eventType":   entry.EventType,
			"topic":       entry.Topic,
			"payload":     entry.Payload,
			"reason":      entry.Reason,
			"maxRetries":  entry.MaxRetries,
		},
		"$setOnInsert": bson.M{
			"createdAt":  entry.CreatedAt,
			"retryCount": 0,
		},
	}

	_, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// already published under this key
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to save outbox entry: %w", err)
	}
	return nil
}

// FindUnpublished retrieves retryable entries, oldest first
func (r *OutboxRepository) FindUnpublished(ctx context.Context, limit int) ([]*outbox.Entry, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, retryable(), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find unpublished entries: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []*outbox.Entry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode outbox entries: %w", err)
	}

	return entries, nil
}

// MarkPublished marks an entry as redelivered
func (r *OutboxRepository) MarkPublished(ctx context.Context, id string) error {
	result, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"publishedAt": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("failed to mark entry as published: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", outbox.ErrEntryNotFound, id)
	}
	return nil
}

// IncrementRetry increments the retry count and updates last error
func (r *OutboxRepository) IncrementRetry(ctx context.Context, id string, errorMsg string) error {
	result, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$inc": bson.M{"retryCount": 1},
			"$set": bson.M{"lastError": errorMsg},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to increment retry count: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", outbox.ErrEntryNotFound, id)
	}
	return nil
}

// CountPending counts retryable entries
func (r *OutboxRepository) CountPending(ctx context.Context) (int, error) {
	n, err := r.collection.CountDocuments(ctx, retryable())
	if err != nil {
		return 0, fmt.Errorf("failed to count pending entries: %w", err)
	}
	return int(n), nil
}

// DeletePublished deletes entries published before the cutoff
func (r *OutboxRepository) DeletePublished(ctx context.Context, before time.Time) (int, error) {
	result, err := r.collection.DeleteMany(ctx, bson.M{
		"publishedAt": bson.M{"$exists": true, "$lt": before},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete published entries: %w", err)
	}
	return int(result.DeletedCount), nil
}

// GetByID retrieves an entry by ID
func (r *OutboxRepository) GetByID(ctx context.Context, id string) (*outbox.Entry, error) {
	var entry outbox.Entry
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", outbox.ErrEntryNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox entry: %w", err)
	}
	return &entry, nil
}

// EnsureIndexes creates necessary indexes for the outbox collection
func (r *OutboxRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "publishedAt", Value: 1},
				{Key: "createdAt", Value: 1},
			},
			Options: options.Index().SetName("idx_publishedAt_createdAt"),
		},
		{
			Keys:    bson.D{{Key: "aggregateId", Value: 1}},
			Options: options.Index().SetName("idx_aggregateId"),
		},
	}

	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}
