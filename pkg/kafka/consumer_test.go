package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleet-platform/route-orchestrator/pkg/events"
)

// fakeReader replays a fixed set of messages, then blocks until cancelled
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func envelopeMessage(t *testing.T, env *events.Envelope) kafka.Message {
	t.Helper()
	value, err := json.Marshal(env)
	require.NoError(t, err)
	return kafka.Message{Topic: "routing.optimization.failed", Value: value}
}

func runConsumer(t *testing.T, c *EnvelopeConsumer, reader *fakeReader, expectedCommits int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx, "routing.optimization.failed")
		close(done)
	}()

	require.Eventually(t, func() bool { return reader.commits() >= expectedCommits }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestEnvelopeConsumer_DropsDuplicates(t *testing.T) {
	env := failedEnvelope("req-1")
	reader := &fakeReader{queue: []kafka.Message{
		envelopeMessage(t, env),
		envelopeMessage(t, env),
		envelopeMessage(t, failedEnvelope("req-2")),
	}}

	c := NewEnvelopeConsumer(nil, NewDeduplicator(time.Minute), nil,
		WithReaderFactory(func(string) MessageReader { return reader }))

	var mu sync.Mutex
	var handled []string
	c.Handle(events.RouteOptimizationFailed, func(ctx context.Context, env *events.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, env.Data.AggregateID())
		return nil
	})

	runConsumer(t, c, reader, 3)

	assert.Equal(t, []string{"req-1", "req-2"}, handled)
}

func TestEnvelopeConsumer_SkipsUndecodableMessages(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{
		{Topic: "routing.optimization.failed", Value: []byte(`{"schemaVersion":"2.0","eventType":"ROUTE_OPTIMIZED","data":{}}`)},
		{Topic: "routing.optimization.failed", Value: []byte(`not json`)},
	}}

	c := NewEnvelopeConsumer(nil, nil, nil, WithReaderFactory(func(string) MessageReader { return reader }))
	called := false
	c.HandleAll(func(context.Context, *events.Envelope) error {
		called = true
		return nil
	})

	runConsumer(t, c, reader, 2)
	assert.False(t, called)
}

func TestEnvelopeConsumer_HandlerErrorIsNotCommitted(t *testing.T) {
	env := failedEnvelope("req-1")
	dedupe := NewDeduplicator(time.Minute)
	c := NewEnvelopeConsumer(nil, dedupe, nil)
	c.Handle(events.RouteOptimizationFailed, func(context.Context, *events.Envelope) error {
		return errors.New("downstream unavailable")
	})

	err := c.process(context.Background(), envelopeMessage(t, env))

	require.Error(t, err)
	assert.False(t, dedupe.Seen(env.IdempotencyKey), "a failed envelope is handled again on redelivery")
}

func TestDeduplicator_ExpiresAfterTTL(t *testing.T) {
	now := time.Now()
	d := NewDeduplicator(time.Minute)
	d.now = func() time.Time { return now }

	assert.False(t, d.Seen("k"))
	assert.True(t, d.Seen("k"))

	now = now.Add(2 * time.Minute)
	assert.False(t, d.Seen("k"))
}
