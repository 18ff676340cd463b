package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleet-platform/route-orchestrator/pkg/events"
	"github.com/fleet-platform/route-orchestrator/pkg/logging"
	"github.com/fleet-platform/route-orchestrator/pkg/metrics"
	"github.com/fleet-platform/route-orchestrator/pkg/resilience"
	"github.com/fleet-platform/route-orchestrator/pkg/tracing"
)

// Reasons an event was not delivered
const (
	ReasonTimeout           = "timeout"
	ReasonCircuitOpen       = "circuit_open"
	ReasonBrokerUnavailable = "broker_unavailable"
	ReasonSendFailed        = "send_failed"
	ReasonInvalidEvent      = "invalid_event"
)

// outcomeDelivered is the metrics outcome of a delivered event
const outcomeDelivered = "delivered"

// Message headers set on every published envelope
const (
	HeaderEventType      = "event-type"
	HeaderSchemaVersion  = "schema-version"
	HeaderIdempotencyKey = "idempotency-key"
	HeaderProducer       = "producer"
	HeaderContentType    = "content-type"
)

// EnvelopeValidator checks an envelope against its wire contract
type EnvelopeValidator interface {
	ValidateEnvelope(env *events.Envelope) error
}

// UndeliveredSink parks envelopes that could not be delivered so they can be
// redelivered later.
type UndeliveredSink interface {
	Park(ctx context.Context, topic string, env *events.Envelope, reason string) error
}

// PublishResult is the outcome of one publish attempt. Publishing never
// returns an error to the caller; a failed attempt is Delivered=false with
// the reason and underlying error.
type PublishResult struct {
	Topic          string
	EventType      events.EventType
	IdempotencyKey string
	Delivered      bool
	Reason         string
	Err            error
	Duration       time.Duration
}

// EventPublisher sends envelopes through the circuit breaker using the
// connection manager's connection. Each attempt is bounded by a fixed
// timeout that does not depend on the caller's context.
type EventPublisher struct {
	conn      *ConnectionManager
	breaker   *resilience.CircuitBreaker
	topics    Topics
	timeout   time.Duration
	validator EnvelopeValidator
	sink      UndeliveredSink
	metrics   *metrics.Metrics
	logger    *logging.Logger
	tracer    trace.Tracer
}

// PublisherOption customizes an EventPublisher
type PublisherOption func(*EventPublisher)

// WithPublishTimeout overrides the per-attempt timeout
func WithPublishTimeout(d time.Duration) PublisherOption {
	return func(p *EventPublisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithValidator enables contract validation before sending
func WithValidator(v EnvelopeValidator) PublisherOption {
	return func(p *EventPublisher) {
		p.validator = v
	}
}

// WithUndeliveredSink parks undelivered envelopes for redelivery
func WithUndeliveredSink(s UndeliveredSink) PublisherOption {
	return func(p *EventPublisher) {
		p.sink = s
	}
}

// WithMetrics records publish outcomes
func WithMetrics(m *metrics.Metrics) PublisherOption {
	return func(p *EventPublisher) {
		p.metrics = m
	}
}

// WithTracer overrides the tracer used for publish spans
func WithTracer(t trace.Tracer) PublisherOption {
	return func(p *EventPublisher) {
		p.tracer = t
	}
}

// NewEventPublisher creates a publisher. The connection manager and breaker
// are owned by the caller.
func NewEventPublisher(conn *ConnectionManager, breaker *resilience.CircuitBreaker, config *Config, logger *logging.Logger, opts ...PublisherOption) *EventPublisher {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logging.Discard()
	}

	p := &EventPublisher{
		conn:    conn,
		breaker: breaker,
		topics:  config.Topics,
		timeout: config.PublishTimeout,
		logger:  logger.WithComponent("event-publisher"),
		tracer:  otel.Tracer("kafka-publisher"),
	}
	if p.timeout <= 0 {
		p.timeout = DefaultConfig().PublishTimeout
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Topics returns the topic mapping used by the publisher
func (p *EventPublisher) Topics() Topics {
	return p.topics
}

// Publish sends env to the topic of its event type. Undelivered envelopes
// are parked in the undelivered sink when one is configured.
func (p *EventPublisher) Publish(ctx context.Context, env *events.Envelope) PublishResult {
	if env == nil {
		return PublishResult{Reason: ReasonInvalidEvent, Err: errors.New("envelope is required")}
	}

	topic, err := p.topics.For(env.EventType)
	if err != nil {
		res := PublishResult{
			EventType:      env.EventType,
			IdempotencyKey: env.IdempotencyKey,
			Reason:         ReasonInvalidEvent,
			Err:            err,
		}
		p.record(ctx, res)
		return res
	}

	res := p.Deliver(ctx, topic, env)
	if !res.Delivered && res.Reason != ReasonInvalidEvent && p.sink != nil {
		if err := p.sink.Park(context.WithoutCancel(ctx), topic, env, res.Reason); err != nil {
			p.logger.WithContext(ctx).WithError(err).Error("Failed to park undelivered event",
				"topic", topic,
				"idempotencyKey", env.IdempotencyKey,
			)
		}
	}
	return res
}

// Deliver makes exactly one attempt to send env to topic. It does not park
// the envelope on failure.
func (p *EventPublisher) Deliver(ctx context.Context, topic string, env *events.Envelope) PublishResult {
	start := time.Now()
	res := PublishResult{
		Topic:          topic,
		EventType:      env.EventType,
		IdempotencyKey: env.IdempotencyKey,
	}

	ctx, span := p.tracer.Start(ctx, "kafka.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("kafka"),
			semconv.MessagingDestinationNameKey.String(topic),
			semconv.MessagingOperationKey.String("publish"),
			attribute.String("messaging.kafka.event_type", string(env.EventType)),
			attribute.String("messaging.message_id", env.IdempotencyKey),
		),
	)
	defer span.End()

	finish := func(reason string, err error) PublishResult {
		res.Reason = reason
		res.Err = err
		res.Delivered = reason == ""
		res.Duration = time.Since(start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, reason)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		p.record(ctx, res)
		return res
	}

	msg, err := p.buildMessage(ctx, topic, env)
	if err != nil {
		return finish(ReasonInvalidEvent, err)
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	// The deadline is enforced inside the breaker call so a timed-out send
	// is counted as a failure before Publish returns.
	err = p.breaker.Execute(sendCtx, func(ctx context.Context) error {
		done := make(chan error, 1)
		go func() {
			w, err := p.conn.Acquire(ctx)
			if err != nil {
				done <- err
				return
			}
			if err := w.WriteMessages(ctx, msg); err != nil {
				p.conn.Discard(w)
				done <- fmt.Errorf("write to %s: %w", topic, err)
				return
			}
			done <- nil
		}()

		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return fmt.Errorf("publish to %s timed out after %s: %w", topic, p.timeout, ctx.Err())
		}
	})
	switch {
	case err == nil:
		return finish("", nil)
	case errors.Is(sendCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, resilience.ErrCircuitOpen):
		return finish(ReasonTimeout, err)
	default:
		return finish(classify(err), err)
	}
}

func (p *EventPublisher) buildMessage(ctx context.Context, topic string, env *events.Envelope) (kafka.Message, error) {
	if env.Data == nil {
		return kafka.Message{}, errors.New("event data is required")
	}
	if p.validator != nil {
		if err := p.validator.ValidateEnvelope(env); err != nil {
			return kafka.Message{}, err
		}
	}

	value, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	headers := []kafka.Header{
		{Key: HeaderEventType, Value: []byte(env.EventType)},
		{Key: HeaderSchemaVersion, Value: []byte(env.SchemaVersion)},
		{Key: HeaderIdempotencyKey, Value: []byte(env.IdempotencyKey)},
		{Key: HeaderProducer, Value: []byte(env.Producer)},
		{Key: HeaderContentType, Value: []byte("application/json")},
	}

	carrier := tracing.MapCarrier{}
	tracing.InjectTraceContext(ctx, carrier)
	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	return kafka.Message{
		Topic:   topic,
		Key:     []byte(env.Subject()),
		Value:   value,
		Headers: headers,
		Time:    env.OccurredAt,
	}, nil
}

func classify(err error) string {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return ReasonCircuitOpen
	case errors.Is(err, ErrBrokerUnavailable), errors.Is(err, ErrConnectionClosed):
		return ReasonBrokerUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	default:
		return ReasonSendFailed
	}
}

func (p *EventPublisher) record(ctx context.Context, res PublishResult) {
	outcome := outcomeDelivered
	if !res.Delivered {
		outcome = res.Reason
	}
	p.metrics.RecordEventPublish(res.Topic, string(res.EventType), outcome, res.Duration)

	logger := p.logger
	if res.Err != nil {
		logger = logger.WithError(res.Err)
	}
	logger.PublishOutcome(ctx, res.Topic, string(res.EventType), res.IdempotencyKey, res.Delivered, res.Reason, res.Duration)
}
