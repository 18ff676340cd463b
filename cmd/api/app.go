package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleet-platform/route-orchestrator/internal/application"
	"github.com/fleet-platform/route-orchestrator/internal/config"
	"github.com/fleet-platform/route-orchestrator/internal/domain"
	"github.com/fleet-platform/route-orchestrator/internal/infrastructure/directory"
	"github.com/fleet-platform/route-orchestrator/internal/infrastructure/memory"
	mongostore "github.com/fleet-platform/route-orchestrator/internal/infrastructure/mongodb"
	"github.com/fleet-platform/route-orchestrator/internal/infrastructure/notification"
	"github.com/fleet-platform/route-orchestrator/internal/infrastructure/optimizer"
	"github.com/fleet-platform/route-orchestrator/pkg/contracts/asyncapi"
	"github.com/fleet-platform/route-orchestrator/pkg/kafka"
	"github.com/fleet-platform/route-orchestrator/pkg/logging"
	"github.com/fleet-platform/route-orchestrator/pkg/metrics"
	pkgmongo "github.com/fleet-platform/route-orchestrator/pkg/mongodb"
	"github.com/fleet-platform/route-orchestrator/pkg/outbox"
	outboxmongo "github.com/fleet-platform/route-orchestrator/pkg/outbox/mongodb"
	"github.com/fleet-platform/route-orchestrator/pkg/resilience"
	"github.com/fleet-platform/route-orchestrator/pkg/tracing"
)

const closeTimeout = 5 * time.Second

// app holds every long-lived component of the service
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics

	tracer *tracing.TracerProvider
	mongo  *pkgmongo.Client
	redis  *redis.Client

	store       domain.StateStore
	undelivered outbox.Repository
	conn        *kafka.ConnectionManager
	breaker     *resilience.CircuitBreaker
	publisher   *kafka.EventPublisher
	hub         *notification.Hub

	orchestrator *application.RouteOrchestrator
	sweeper      *application.RecoverySweeper
	relay        *outbox.Relay

	readyChecks map[string]func(context.Context) error
}

// newApp connects to the configured backends and assembles the
// orchestrator. On error everything opened so far is closed again.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *app, err error) {
	a := &app{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics.New(metrics.DefaultConfig(config.ServiceName)),
		readyChecks: make(map[string]func(context.Context) error),
	}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	tracingConfig := cfg.TracingOptions()
	tracingConfig.ServiceVersion = version
	a.tracer, err = tracing.Initialize(ctx, tracingConfig)
	if err != nil {
		return nil, fmt.Errorf("initialize tracing: %w", err)
	}
	if tracingConfig.Enabled {
		logger.Info("Tracing initialized", "endpoint", tracingConfig.OTLPEndpoint)
	}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	opt, err := a.newOptimizer(ctx)
	if err != nil {
		return nil, err
	}

	kafkaConfig := cfg.KafkaClient()
	a.conn = kafka.NewConnectionManager(kafkaConfig, logger)

	breakerConfig := cfg.CircuitBreaker()
	breakerConfig.OnStateChange = func(name string, from, to resilience.State) {
		a.metrics.SetCircuitBreakerState(name, to.Gauge())
		if to == resilience.StateOpen {
			a.metrics.RecordCircuitBreakerTrip(name)
		}
	}
	a.breaker = resilience.NewCircuitBreaker(breakerConfig, logger.WithComponent("breaker").Logger)
	a.metrics.SetCircuitBreakerState(breakerConfig.Name, resilience.StateClosed.Gauge())

	pubOpts := []kafka.PublisherOption{
		kafka.WithPublishTimeout(kafkaConfig.PublishTimeout),
		kafka.WithMetrics(a.metrics),
		kafka.WithTracer(a.tracer.Tracer()),
	}
	if cfg.Contracts.ValidateEvents {
		validator, err := asyncapi.NewRoutingEventValidator()
		if err != nil {
			return nil, fmt.Errorf("load event contracts: %w", err)
		}
		pubOpts = append(pubOpts, kafka.WithValidator(validator))
	}
	if cfg.Outbox.Enabled {
		pubOpts = append(pubOpts, kafka.WithUndeliveredSink(outbox.NewSink(a.undelivered)))
	}
	a.publisher = kafka.NewEventPublisher(a.conn, a.breaker, kafkaConfig, logger, pubOpts...)
	logger.Info("Event publisher initialized", "brokers", kafkaConfig.Brokers)

	a.hub = notification.NewHub(cfg.Hub.Buffer, a.metrics, logger)

	a.orchestrator = application.NewRouteOrchestrator(
		a.store,
		opt,
		a.publisher,
		a.hub,
		cfg.OrchestratorOptions(),
		logger,
		application.WithVehicleDirectory(directory.NewStaticDirectory(cfg.Vehicles.IDs)),
		application.WithMetrics(a.metrics),
	)
	a.sweeper = application.NewRecoverySweeper(a.orchestrator, cfg.Recovery(), logger)

	if cfg.Outbox.Enabled {
		a.relay = outbox.NewRelay(a.undelivered, a.publisher, logger, a.metrics, cfg.Relay())
	}

	return a, nil
}

// openStore picks MongoDB when a URI is configured and process memory
// otherwise. The outbox follows the same choice.
func (a *app) openStore(ctx context.Context) error {
	mongoConfig := a.cfg.Mongo()
	if mongoConfig == nil {
		a.store = memory.NewStateStore()
		a.undelivered = outbox.NewMemoryRepository()
		a.logger.Warn("No MongoDB URI configured, keeping state in memory")
		return nil
	}

	client, err := pkgmongo.NewClient(ctx, mongoConfig)
	if err != nil {
		return fmt.Errorf("connect to MongoDB: %w", err)
	}
	a.mongo = client

	store := mongostore.NewStateStore(client.Database(), a.cfg.MongoDB.Timeout, a.metrics, a.logger)
	if err := store.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("create state store indexes: %w", err)
	}
	a.store = store
	a.readyChecks["mongodb"] = store.HealthCheck

	repo := outboxmongo.NewOutboxRepository(client.Database())
	if err := repo.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("create outbox indexes: %w", err)
	}
	a.undelivered = repo

	a.logger.Info("Connected to MongoDB", "database", mongoConfig.Database)
	return nil
}

func (a *app) newOptimizer(ctx context.Context) (domain.RouteOptimizer, error) {
	if a.cfg.Optimizer.Provider != config.ProviderORS {
		a.logger.Info("Using deterministic optimizer")
		return optimizer.NewDeterministicOptimizer(a.cfg.Stub()), nil
	}

	var opts []optimizer.ORSOption
	if a.cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to Redis: %w", err)
		}
		a.readyChecks["redis"] = func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}
		opts = append(opts, optimizer.WithMatrixCache(
			optimizer.NewRedisMatrixCache(a.redis, a.cfg.Redis.MatrixTTL, a.metrics)))
		a.logger.Info("Distance matrix cache enabled", "addr", a.cfg.Redis.Addr, "ttl", a.cfg.Redis.MatrixTTL)
	}

	ors, err := optimizer.NewORSOptimizer(a.cfg.ORS(), a.logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("create ORS optimizer: %w", err)
	}
	a.logger.Info("Using OpenRouteService optimizer", "profile", a.cfg.ORS().Profile)
	return ors, nil
}

// start launches the background workers
func (a *app) start(ctx context.Context) error {
	if a.relay != nil {
		if err := a.relay.Start(ctx); err != nil {
			return fmt.Errorf("start outbox relay: %w", err)
		}
		a.logger.Info("Outbox relay started")
	}
	if err := a.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start recovery sweeper: %w", err)
	}
	a.logger.Info("Recovery sweeper started", "interval", a.cfg.Orchestrator.RecoveryInterval)
	return nil
}

// stop halts the background workers and waits for in-flight optimizations
func (a *app) stop() {
	if a.sweeper != nil {
		if err := a.sweeper.Stop(); err != nil {
			a.logger.WithError(err).Warn("Failed to stop recovery sweeper")
		}
	}
	if a.relay != nil {
		if err := a.relay.Stop(); err != nil {
			a.logger.WithError(err).Warn("Failed to stop outbox relay")
		}
	}
	if a.orchestrator != nil {
		a.orchestrator.Wait()
	}
}

// close releases connections in reverse order of opening
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	if a.hub != nil {
		a.hub.Close()
	}
	if a.conn != nil {
		errs = append(errs, a.conn.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.mongo != nil {
		errs = append(errs, a.mongo.Close(ctx))
	}
	if a.tracer != nil {
		errs = append(errs, a.tracer.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.WithError(err).Error("Failed to release resources")
	}
}
