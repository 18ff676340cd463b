package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleet-platform/route-orchestrator/internal/config"
	"github.com/fleet-platform/route-orchestrator/pkg/events"
	"github.com/fleet-platform/route-orchestrator/pkg/kafka"
	"github.com/fleet-platform/route-orchestrator/pkg/metrics"
)

var dedupeTTL time.Duration

var consumeCmd = &cobra.Command{
	Use:   "consume [topic...]",
	Short: "Tail routing events from the broker",
	Long: `Reads routing event envelopes and logs one line per event, skipping
redelivered idempotency keys. Without arguments every routing topic is read.`,
	RunE: runConsume,
}

func init() {
	consumeCmd.Flags().DurationVar(&dedupeTTL, "dedupe-ttl", time.Hour, "how long an idempotency key is remembered")
}

func runConsume(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	m := metrics.New(metrics.DefaultConfig(config.ServiceName))
	consumer := kafka.NewEnvelopeConsumer(cfg.KafkaClient(), kafka.NewDeduplicator(dedupeTTL), logger,
		kafka.WithConsumerMetrics(m))
	defer consumer.Close()

	consumer.HandleAll(func(ctx context.Context, env *events.Envelope) error {
		logger.WithContext(ctx).Info("Routing event",
			"eventType", string(env.EventType),
			"subject", env.Subject(),
			"idempotencyKey", env.IdempotencyKey,
			"occurredAt", env.OccurredAt,
		)
		return nil
	})

	logger.Info("Consuming routing events", "topics", args, "group", cfg.Kafka.ConsumerGroup)
	if err := consumer.Run(ctx, args...); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
