package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fleet-platform/route-orchestrator/pkg/events"
	"github.com/fleet-platform/route-orchestrator/pkg/logging"
	"github.com/fleet-platform/route-orchestrator/pkg/metrics"
	"github.com/fleet-platform/route-orchestrator/pkg/tracing"
)

// EnvelopeHandler handles one decoded envelope
type EnvelopeHandler func(ctx context.Context, env *events.Envelope) error

// MessageReader is the part of *kafka.Reader the consumer relies on
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Deduplicator remembers idempotency keys for a TTL window
type Deduplicator struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDeduplicator creates a deduplicator with the given window
func NewDeduplicator(ttl time.Duration) *Deduplicator {
	return &Deduplicator{
		ttl:  ttl,
		now:  time.Now,
		seen: make(map[string]time.Time),
	}
}

// Seen records key and reports whether it was already recorded within the window
func (d *Deduplicator) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.ttl {
		return true
	}
	d.seen[key] = now

	if len(d.seen)%1024 == 0 {
		for k, at := range d.seen {
			if now.Sub(at) >= d.ttl {
				delete(d.seen, k)
			}
		}
	}
	return false
}

// Forget removes key so a later redelivery is handled again
func (d *Deduplicator) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

// EnvelopeConsumer reads routing envelopes from Kafka, drops duplicates by
// idempotency key and routes the rest to handlers by event type.
type EnvelopeConsumer struct {
	config   *Config
	dedupe   *Deduplicator
	handlers map[events.EventType]EnvelopeHandler
	fallback EnvelopeHandler
	newRead  func(topic string) MessageReader
	metrics  *metrics.Metrics
	logger   *logging.Logger

	mu      sync.Mutex
	readers map[string]MessageReader
}

// ConsumerOption customizes an EnvelopeConsumer
type ConsumerOption func(*EnvelopeConsumer)

// WithReaderFactory replaces the kafka.Reader factory, e.g. in tests
func WithReaderFactory(f func(topic string) MessageReader) ConsumerOption {
	return func(c *EnvelopeConsumer) {
		c.newRead = f
	}
}

// WithConsumerMetrics records consumed envelopes
func WithConsumerMetrics(m *metrics.Metrics) ConsumerOption {
	return func(c *EnvelopeConsumer) {
		c.metrics = m
	}
}

// NewEnvelopeConsumer creates a consumer
func NewEnvelopeConsumer(config *Config, dedupe *Deduplicator, logger *logging.Logger, opts ...ConsumerOption) *EnvelopeConsumer {
	if config == nil {
		config = DefaultConfig()
	}
	if dedupe == nil {
		dedupe = NewDeduplicator(time.Hour)
	}
	if logger == nil {
		logger = logging.Discard()
	}

	c := &EnvelopeConsumer{
		config:   config,
		dedupe:   dedupe,
		handlers: make(map[events.EventType]EnvelopeHandler),
		logger:   logger.WithComponent("envelope-consumer"),
		readers:  make(map[string]MessageReader),
	}
	c.newRead = func(topic string) MessageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:        c.config.Brokers,
			GroupID:        c.config.ConsumerGroup,
			Topic:          topic,
			MinBytes:       c.config.MinBytes,
			MaxBytes:       c.config.MaxBytes,
			MaxWait:        c.config.MaxWait,
			CommitInterval: c.config.CommitInterval,
		})
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle registers a handler for one event type
func (c *EnvelopeConsumer) Handle(eventType events.EventType, h EnvelopeHandler) {
	c.handlers[eventType] = h
}

// HandleAll registers a handler for event types without a specific handler
func (c *EnvelopeConsumer) HandleAll(h EnvelopeHandler) {
	c.fallback = h
}

// Run consumes topics until ctx is done
func (c *EnvelopeConsumer) Run(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		topics = c.config.Topics.All()
	}

	var wg sync.WaitGroup
	for _, topic := range topics {
		reader := c.reader(topic)
		wg.Add(1)
		go func(topic string, reader MessageReader) {
			defer wg.Done()
			c.consumeTopic(ctx, topic, reader)
		}(topic, reader)
	}

	wg.Wait()
	return ctx.Err()
}

func (c *EnvelopeConsumer) reader(topic string) MessageReader {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.readers[topic]; ok {
		return r
	}
	r := c.newRead(topic)
	c.readers[topic] = r
	return r
}

func (c *EnvelopeConsumer) consumeTopic(ctx context.Context, topic string, reader MessageReader) {
	c.logger.Info("Starting consumer for topic", "topic", topic, "group", c.config.ConsumerGroup)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Stopping consumer for topic", "topic", topic)
				return
			}
			c.logger.WithError(err).Error("Error fetching message", "topic", topic)
			continue
		}

		if err := c.process(ctx, msg); err != nil {
			c.logger.WithError(err).Error("Error handling envelope",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			// not committed so the message is redelivered
			continue
		}

		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.WithError(err).Error("Error committing message", "topic", topic)
		}
	}
}

// process decodes and dispatches one message. Undecodable messages return
// nil so they are committed and skipped.
func (c *EnvelopeConsumer) process(ctx context.Context, msg kafka.Message) error {
	carrier := tracing.MapCarrier{}
	for _, h := range msg.Headers {
		carrier[h.Key] = string(h.Value)
	}
	ctx = tracing.ExtractTraceContext(ctx, carrier)

	var env events.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		status := "invalid"
		if errors.Is(err, events.ErrUnsupportedVersion) {
			status = "unsupported_version"
		}
		c.metrics.RecordEventConsumed(msg.Topic, carrier[HeaderEventType], status)
		c.logger.WithError(err).Warn("Skipping undecodable message",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
		return nil
	}

	duplicate := c.dedupe.Seen(env.IdempotencyKey)
	c.logger.EventConsumed(ctx, msg.Topic, string(env.EventType), env.IdempotencyKey, msg.Partition, msg.Offset, duplicate)
	if duplicate {
		c.metrics.RecordEventConsumed(msg.Topic, string(env.EventType), "duplicate")
		return nil
	}

	handler, ok := c.handlers[env.EventType]
	if !ok {
		handler = c.fallback
	}
	if handler == nil {
		c.metrics.RecordEventConsumed(msg.Topic, string(env.EventType), "unhandled")
		return nil
	}

	if err := handler(ctx, &env); err != nil {
		c.dedupe.Forget(env.IdempotencyKey)
		c.metrics.RecordEventConsumed(msg.Topic, string(env.EventType), "error")
		return fmt.Errorf("handle %s %s: %w", env.EventType, env.IdempotencyKey, err)
	}

	c.metrics.RecordEventConsumed(msg.Topic, string(env.EventType), "handled")
	return nil
}

// Close closes all readers
func (c *EnvelopeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for topic, reader := range c.readers {
		if err := reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close reader for topic %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}
