package events

import (
	"time"

	"github.com/google/uuid"
)

// idempotencyNamespace seeds name-based idempotency keys
var idempotencyNamespace = uuid.MustParse("6f1c1c2e-8f3b-4d8e-9a57-3c2b8b4f0d11")

// Factory wraps payloads into envelopes for one producer
type Factory struct {
	producer string
	now      func() time.Time
}

// NewFactory creates a new Factory for a specific producer
func NewFactory(producer string) *Factory {
	return &Factory{
		producer: producer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source, mainly for tests
func (f *Factory) WithClock(now func() time.Time) *Factory {
	f.now = now
	return f
}

// Wrap builds the envelope for a payload. The idempotency key is derived
// from the event type and the payload identity, so wrapping the same logical
// event twice yields the same key.
func (f *Factory) Wrap(payload Payload) *Envelope {
	return &Envelope{
		SchemaVersion:  SchemaVersion,
		EventType:      payload.EventType(),
		OccurredAt:     f.now(),
		IdempotencyKey: IdempotencyKey(payload),
		Producer:       f.producer,
		Data:           payload,
	}
}

// IdempotencyKey returns the stable deduplication key for a payload
func IdempotencyKey(payload Payload) string {
	name := string(payload.EventType()) + "/" + payload.identity()
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}
