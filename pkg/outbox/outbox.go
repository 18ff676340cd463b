package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fleet-platform/route-orchestrator/pkg/events"
)

// DefaultMaxRetries is how many redelivery attempts an entry gets
const DefaultMaxRetries = 10

// ErrEntryNotFound is returned when an entry does not exist
var ErrEntryNotFound = errors.New("outbox entry not found")

// Entry is an envelope that was not delivered and waits for redelivery. The
// entry ID is the envelope's idempotency key, so parking the same event twice
// keeps a single entry.
type Entry struct {
	ID          string          `bson:"_id" json:"id"`
	AggregateID string          `bson:"aggregateId" json:"aggregateId"`
	EventType   string          `bson:"eventType" json:"eventType"`
	Topic       string          `bson:"topic" json:"topic"`
	Payload     json.RawMessage `bson:"payload" json:"payload"`
	Reason      string          `bson:"reason" json:"reason"`
	CreatedAt   time.Time       `bson:"createdAt" json:"createdAt"`
	PublishedAt *time.Time      `bson:"publishedAt,omitempty" json:"publishedAt,omitempty"`
	RetryCount  int             `bson:"retryCount" json:"retryCount"`
	LastError   string          `bson:"lastError,omitempty" json:"lastError,omitempty"`
	MaxRetries  int             `bson:"maxRetries" json:"maxRetries"`
}

// NewEntry creates an entry for an undelivered envelope
func NewEntry(topic string, env *events.Envelope, reason string) (*Entry, error) {
	if env == nil || env.Data == nil {
		return nil, errors.New("envelope with data is required")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return &Entry{
		ID:          env.IdempotencyKey,
		AggregateID: env.Subject(),
		EventType:   string(env.EventType),
		Topic:       topic,
		Payload:     payload,
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
		MaxRetries:  DefaultMaxRetries,
	}, nil
}

// IsPublished checks if the entry has been redelivered
func (e *Entry) IsPublished() bool {
	return e.PublishedAt != nil
}

// ShouldRetry checks if the entry should be retried
func (e *Entry) ShouldRetry() bool {
	return !e.IsPublished() && e.RetryCount < e.MaxRetries
}

// Envelope decodes the stored envelope
func (e *Entry) Envelope() (*events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal(e.Payload, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Repository persists outbox entries
type Repository interface {
	// Save inserts the entry, or replaces an unpublished entry with the same ID
	Save(ctx context.Context, entry *Entry) error

	// FindUnpublished returns retryable entries, oldest first
	FindUnpublished(ctx context.Context, limit int) ([]*Entry, error)

	// MarkPublished marks an entry as redelivered
	MarkPublished(ctx context.Context, id string) error

	// IncrementRetry increments the retry count and records the last error
	IncrementRetry(ctx context.Context, id string, errorMsg string) error

	// CountPending counts retryable entries
	CountPending(ctx context.Context) (int, error)

	// DeletePublished deletes entries published before the cutoff
	DeletePublished(ctx context.Context, before time.Time) (int, error)
}

// Sink parks undelivered envelopes in a repository
type Sink struct {
	repo Repository
}

// NewSink creates a sink over repo
func NewSink(repo Repository) *Sink {
	return &Sink{repo: repo}
}

// Park stores env for redelivery to topic
func (s *Sink) Park(ctx context.Context, topic string, env *events.Envelope, reason string) error {
	entry, err := NewEntry(topic, env, reason)
	if err != nil {
		return err
	}
	return s.repo.Save(ctx, entry)
}
