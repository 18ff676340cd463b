package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleet-platform/route-orchestrator/pkg/events"
	"github.com/fleet-platform/route-orchestrator/pkg/kafka"
)

type scriptedDeliverer struct {
	mu      sync.Mutex
	reasons []string
	keys    []string
}

func (d *scriptedDeliverer) Deliver(ctx context.Context, topic string, env *events.Envelope) kafka.PublishResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys = append(d.keys, env.IdempotencyKey)

	reason := ""
	if len(d.reasons) > 0 {
		reason, d.reasons = d.reasons[0], d.reasons[1:]
	}
	res := kafka.PublishResult{Topic: topic, IdempotencyKey: env.IdempotencyKey, Delivered: reason == "", Reason: reason}
	if reason != "" {
		res.Err = errors.New(reason)
	}
	return res
}

func park(t *testing.T, repo Repository, requestID string) *events.Envelope {
	t.Helper()
	env := events.NewFactory(events.ProducerRouting).Wrap(&events.OptimizationFailedData{
		RequestID: requestID,
		VehicleID: "v1",
		Reason:    "provider timeout",
	})
	require.NoError(t, NewSink(repo).Park(context.Background(), "routing.optimization.failed", env, kafka.ReasonTimeout))
	return env
}

func TestSink_ParkingTwiceKeepsOneEntry(t *testing.T) {
	repo := NewMemoryRepository()
	park(t, repo, "req-1")
	park(t, repo, "req-1")

	pending, err := repo.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestRelay_RedeliversWithOriginalKey(t *testing.T) {
	repo := NewMemoryRepository()
	env := park(t, repo, "req-1")
	deliverer := &scriptedDeliverer{}
	relay := NewRelay(repo, deliverer, nil, nil, nil)

	assert.Equal(t, 1, relay.RelayOnce(context.Background()))
	assert.Equal(t, []string{env.IdempotencyKey}, deliverer.keys)

	pending, _ := repo.CountPending(context.Background())
	assert.Zero(t, pending)
	assert.Zero(t, relay.RelayOnce(context.Background()), "delivered entries are not sent again")
}

func TestRelay_FailedDeliveryIsRetried(t *testing.T) {
	repo := NewMemoryRepository()
	park(t, repo, "req-1")
	deliverer := &scriptedDeliverer{reasons: []string{kafka.ReasonSendFailed}}
	relay := NewRelay(repo, deliverer, nil, nil, nil)

	assert.Zero(t, relay.RelayOnce(context.Background()))
	entries, _ := repo.FindUnpublished(context.Background(), 10)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.Equal(t, kafka.ReasonSendFailed, entries[0].LastError)

	assert.Equal(t, 1, relay.RelayOnce(context.Background()))
}

func TestRelay_StopsBatchWhenCircuitOpen(t *testing.T) {
	repo := NewMemoryRepository()
	park(t, repo, "req-1")
	park(t, repo, "req-2")
	deliverer := &scriptedDeliverer{reasons: []string{kafka.ReasonCircuitOpen}}
	relay := NewRelay(repo, deliverer, nil, nil, nil)

	assert.Zero(t, relay.RelayOnce(context.Background()))
	assert.Len(t, deliverer.keys, 1)

	entries, _ := repo.FindUnpublished(context.Background(), 10)
	for _, e := range entries {
		assert.Zero(t, e.RetryCount, "rejected calls do not use up retries")
	}
}

func TestRelay_StartStop(t *testing.T) {
	repo := NewMemoryRepository()
	park(t, repo, "req-1")
	relay := NewRelay(repo, &scriptedDeliverer{}, nil, nil, &RelayConfig{PollInterval: 10 * time.Millisecond, BatchSize: 10})

	require.NoError(t, relay.Start(context.Background()))
	assert.Error(t, relay.Start(context.Background()))

	assert.Eventually(t, func() bool {
		n, _ := repo.CountPending(context.Background())
		return n == 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, relay.Stop())
	assert.Error(t, relay.Stop())
}
