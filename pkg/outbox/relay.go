package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleet-platform/route-orchestrator/pkg/events"
	"github.com/fleet-platform/route-orchestrator/pkg/kafka"
	"github.com/fleet-platform/route-orchestrator/pkg/logging"
	"github.com/fleet-platform/route-orchestrator/pkg/metrics"
)

// Deliverer makes one delivery attempt without parking the envelope again
type Deliverer interface {
	Deliver(ctx context.Context, topic string, env *events.Envelope) kafka.PublishResult
}

// RelayConfig holds configuration for the relay
type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// Retention is how long redelivered entries are kept
	Retention time.Duration
}

// DefaultRelayConfig returns default configuration
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    100,
		Retention:    24 * time.Hour,
	}
}

// Relay periodically redelivers parked envelopes with their original
// idempotency keys.
type Relay struct {
	repo      Repository
	publisher Deliverer
	logger    *logging.Logger
	metrics   *metrics.Metrics
	config    *RelayConfig

	mu           sync.Mutex
	running      bool
	stopCh       chan struct{}
	stoppedCh    chan struct{}
	publishedCnt int
	failedCnt    int
}

// NewRelay creates a relay
func NewRelay(repo Repository, publisher Deliverer, logger *logging.Logger, m *metrics.Metrics, config *RelayConfig) *Relay {
	if config == nil {
		config = DefaultRelayConfig()
	}
	if logger == nil {
		logger = logging.Discard()
	}

	return &Relay{
		repo:      repo,
		publisher: publisher,
		logger:    logger.WithComponent("outbox-relay"),
		metrics:   m,
		config:    config,
	}
}

// Start starts the relay loop
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("relay already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.stoppedCh = make(chan struct{})

	r.logger.Info("Starting outbox relay", "interval", r.config.PollInterval, "batchSize", r.config.BatchSize)

	go r.run(ctx, r.stopCh, r.stoppedCh)
	return nil
}

// Stop stops the relay loop and waits for it to exit
func (r *Relay) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("relay not running")
	}
	stopCh, stoppedCh := r.stopCh, r.stoppedCh
	r.mu.Unlock()

	close(stopCh)
	<-stoppedCh

	r.mu.Lock()
	r.running = false
	published, failed := r.publishedCnt, r.failedCnt
	r.mu.Unlock()

	r.logger.Info("Outbox relay stopped", "published", published, "failed", failed)
	return nil
}

func (r *Relay) run(ctx context.Context, stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.RelayOnce(ctx)
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RelayOnce redelivers one batch and returns how many entries were delivered.
// The batch stops early when the circuit is open.
func (r *Relay) RelayOnce(ctx context.Context) int {
	entries, err := r.repo.FindUnpublished(ctx, r.config.BatchSize)
	if err != nil {
		r.logger.WithError(err).Error("Failed to find parked events")
		return 0
	}

	delivered := 0
	for _, entry := range entries {
		env, err := entry.Envelope()
		if err != nil {
			r.logger.WithError(err).Error("Dropping undecodable outbox entry", "entryId", entry.ID)
			if err := r.repo.IncrementRetry(ctx, entry.ID, err.Error()); err != nil {
				r.logger.WithError(err).Error("Failed to increment retry count", "entryId", entry.ID)
			}
			continue
		}

		res := r.publisher.Deliver(ctx, entry.Topic, env)
		if res.Reason == kafka.ReasonCircuitOpen {
			break
		}
		r.metrics.RecordOutboxRedelivery(res.Delivered)

		if !res.Delivered {
			r.mu.Lock()
			r.failedCnt++
			r.mu.Unlock()
			msg := res.Reason
			if res.Err != nil {
				msg = res.Err.Error()
			}
			if err := r.repo.IncrementRetry(ctx, entry.ID, msg); err != nil {
				r.logger.WithError(err).Error("Failed to increment retry count", "entryId", entry.ID)
			}
			continue
		}

		delivered++
		r.mu.Lock()
		r.publishedCnt++
		r.mu.Unlock()
		if err := r.repo.MarkPublished(ctx, entry.ID); err != nil {
			r.logger.WithError(err).Error("Failed to mark entry as published", "entryId", entry.ID)
		}
		r.logger.Info("Redelivered parked event",
			"eventType", entry.EventType,
			"topic", entry.Topic,
			"idempotencyKey", entry.ID,
			"retryCount", entry.RetryCount,
		)
	}

	if pending, err := r.repo.CountPending(ctx); err == nil {
		r.metrics.SetOutboxPending(pending)
	}
	if r.config.Retention > 0 {
		if _, err := r.repo.DeletePublished(ctx, time.Now().Add(-r.config.Retention)); err != nil {
			r.logger.WithError(err).Warn("Failed to prune redelivered entries")
		}
	}

	return delivered
}
