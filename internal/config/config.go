// Package config loads service configuration from defaults, an optional
// YAML file and ROUTING_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/fleet-platform/route-orchestrator/internal/application"
	"github.com/fleet-platform/route-orchestrator/internal/infrastructure/optimizer"
	"github.com/fleet-platform/route-orchestrator/pkg/kafka"
	pkgmongo "github.com/fleet-platform/route-orchestrator/pkg/mongodb"
	"github.com/fleet-platform/route-orchestrator/pkg/outbox"
	"github.com/fleet-platform/route-orchestrator/pkg/resilience"
	"github.com/fleet-platform/route-orchestrator/pkg/tracing"
)

// EnvPrefix prefixes every environment override. Nested keys are joined
// with a double underscore: ROUTING_KAFKA__BROKERS=a:9092,b:9092.
const EnvPrefix = "ROUTING_"

// ServiceName names the service in logs, metrics and traces
const ServiceName = "route-orchestrator"

// Optimizer providers
const (
	ProviderStub = "stub"
	ProviderORS  = "ors"
)

// keys whose environment values are comma separated lists
var listKeys = map[string]bool{
	"kafka.brokers": true,
	"vehicles.ids":  true,
}

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	Kafka        KafkaConfig        `koanf:"kafka"`
	Breaker      BreakerConfig      `koanf:"breaker"`
	MongoDB      MongoDBConfig      `koanf:"mongodb"`
	Redis        RedisConfig        `koanf:"redis"`
	Optimizer    OptimizerConfig    `koanf:"optimizer"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Outbox       OutboxConfig       `koanf:"outbox"`
	Hub          HubConfig          `koanf:"hub"`
	Tracing      TracingConfig      `koanf:"tracing"`
	Contracts    ContractsConfig    `koanf:"contracts"`
	Vehicles     VehiclesConfig     `koanf:"vehicles"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	// WriteTimeout bounds whole responses, notification streams included.
	// Zero leaves streams open until the client disconnects.
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level       string `koanf:"level"`
	Environment string `koanf:"environment"`
	AddSource   bool   `koanf:"add_source"`
}

type KafkaConfig struct {
	Brokers        []string      `koanf:"brokers"`
	ClientID       string        `koanf:"client_id"`
	ConsumerGroup  string        `koanf:"consumer_group"`
	RequiredAcks   int           `koanf:"required_acks"`
	PublishTimeout time.Duration `koanf:"publish_timeout"`
	DialTimeout    time.Duration `koanf:"dial_timeout"`
	Topics         TopicsConfig  `koanf:"topics"`
}

type TopicsConfig struct {
	Requested string `koanf:"requested"`
	Completed string `koanf:"completed"`
	Failed    string `koanf:"failed"`
	Updates   string `koanf:"updates"`
}

type BreakerConfig struct {
	Threshold uint32        `koanf:"threshold"`
	Cooldown  time.Duration `koanf:"cooldown"`
}

// MongoDBConfig configures the state store. An empty URI keeps state in
// process memory.
type MongoDBConfig struct {
	URI      string        `koanf:"uri"`
	Database string        `koanf:"database"`
	Timeout  time.Duration `koanf:"timeout"`
}

// RedisConfig configures the distance matrix cache. An empty address
// disables it.
type RedisConfig struct {
	Addr      string        `koanf:"addr"`
	Password  string        `koanf:"password"`
	DB        int           `koanf:"db"`
	MatrixTTL time.Duration `koanf:"matrix_ttl"`
}

type OptimizerConfig struct {
	Provider        string    `koanf:"provider"`
	AverageSpeedKmh float64   `koanf:"average_speed_kmh"`
	FuelLitersPerKm float64   `koanf:"fuel_liters_per_km"`
	ORS             ORSConfig `koanf:"ors"`
}

type ORSConfig struct {
	BaseURL string        `koanf:"base_url"`
	APIKey  string        `koanf:"api_key"`
	Profile string        `koanf:"profile"`
	Timeout time.Duration `koanf:"timeout"`
}

type OrchestratorConfig struct {
	Async             bool          `koanf:"async"`
	OptimizeTimeout   time.Duration `koanf:"optimize_timeout"`
	RecoveryInterval  time.Duration `koanf:"recovery_interval"`
	StaleAfter        time.Duration `koanf:"stale_after"`
	RecoveryBatchSize int           `koanf:"recovery_batch_size"`
}

type OutboxConfig struct {
	Enabled      bool          `koanf:"enabled"`
	PollInterval time.Duration `koanf:"poll_interval"`
	BatchSize    int           `koanf:"batch_size"`
}

type HubConfig struct {
	Buffer int `koanf:"buffer"`
}

type TracingConfig struct {
	Enabled    bool    `koanf:"enabled"`
	Endpoint   string  `koanf:"endpoint"`
	SampleRate float64 `koanf:"sample_rate"`
}

type ContractsConfig struct {
	ValidateRequests bool `koanf:"validate_requests"`
	ValidateEvents   bool `koanf:"validate_events"`
}

// VehiclesConfig lists known vehicles. An empty list accepts any vehicle.
type VehiclesConfig struct {
	IDs []string `koanf:"ids"`
}

// Default returns the built-in configuration
func Default() *Config {
	topics := kafka.DefaultTopics()
	kcfg := kafka.DefaultConfig()
	breaker := resilience.DefaultCircuitBreakerConfig("kafka")
	orch := application.DefaultOrchestratorConfig()
	recovery := application.DefaultRecoveryConfig()
	relay := outbox.DefaultRelayConfig()
	ors := optimizer.DefaultORSConfig()

	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0,
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Environment: "development"},
		Kafka: KafkaConfig{
			Brokers:        kcfg.Brokers,
			ClientID:       kcfg.ClientID,
			ConsumerGroup:  kcfg.ConsumerGroup,
			RequiredAcks:   kcfg.RequiredAcks,
			PublishTimeout: kcfg.PublishTimeout,
			DialTimeout:    kcfg.DialTimeout,
			Topics: TopicsConfig{
				Requested: topics.OptimizationRequested,
				Completed: topics.OptimizationCompleted,
				Failed:    topics.OptimizationFailed,
				Updates:   topics.RouteUpdates,
			},
		},
		Breaker: BreakerConfig{Threshold: breaker.Threshold, Cooldown: breaker.Cooldown},
		MongoDB: MongoDBConfig{Database: "routing_db", Timeout: 5 * time.Second},
		Redis:   RedisConfig{MatrixTTL: optimizer.DefaultMatrixTTL},
		Optimizer: OptimizerConfig{
			Provider:        ProviderStub,
			AverageSpeedKmh: optimizer.DefaultAverageSpeedKmh,
			FuelLitersPerKm: optimizer.DefaultFuelLitersPerKm,
			ORS: ORSConfig{
				BaseURL: ors.BaseURL,
				Profile: ors.Profile,
				Timeout: ors.Timeout,
			},
		},
		Orchestrator: OrchestratorConfig{
			Async:             orch.Async,
			OptimizeTimeout:   orch.OptimizeTimeout,
			RecoveryInterval:  recovery.Interval,
			StaleAfter:        recovery.StaleAfter,
			RecoveryBatchSize: recovery.BatchSize,
		},
		Outbox: OutboxConfig{
			Enabled:      true,
			PollInterval: relay.PollInterval,
			BatchSize:    relay.BatchSize,
		},
		Hub: HubConfig{Buffer: 16},
		Tracing: TracingConfig{
			Enabled:    false,
			Endpoint:   "localhost:4317",
			SampleRate: 1.0,
		},
		Contracts: ContractsConfig{ValidateRequests: true, ValidateEvents: true},
	}
}

// Load reads path (when set) over the defaults, applies environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps ROUTING_KAFKA__PUBLISH_TIMEOUT to kafka.publish_timeout
func envKey(name, value string) (string, any) {
	key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")
	if key == "config" {
		return "", nil
	}
	if listKeys[key] {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return key, out
	}
	return key, value
}

// Validate rejects inconsistent configuration
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers must list at least one broker"))
	}
	if c.Kafka.PublishTimeout <= 0 {
		errs = append(errs, errors.New("kafka.publish_timeout must be positive"))
	}
	switch c.Kafka.RequiredAcks {
	case -1, 0, 1:
	default:
		errs = append(errs, fmt.Errorf("kafka.required_acks must be -1, 0 or 1, got %d", c.Kafka.RequiredAcks))
	}
	if c.Breaker.Threshold == 0 {
		errs = append(errs, errors.New("breaker.threshold must be at least 1"))
	}
	if c.Breaker.Cooldown <= 0 {
		errs = append(errs, errors.New("breaker.cooldown must be positive"))
	}

	switch c.Optimizer.Provider {
	case ProviderStub:
	case ProviderORS:
		if c.Optimizer.ORS.APIKey == "" {
			errs = append(errs, errors.New("optimizer.ors.api_key is required for the ors provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("optimizer.provider must be %q or %q, got %q", ProviderStub, ProviderORS, c.Optimizer.Provider))
	}
	if c.Optimizer.AverageSpeedKmh <= 0 {
		errs = append(errs, errors.New("optimizer.average_speed_kmh must be positive"))
	}

	if c.Orchestrator.OptimizeTimeout <= 0 {
		errs = append(errs, errors.New("orchestrator.optimize_timeout must be positive"))
	}
	// a live optimization can hold a request for one optimize and one publish
	if busy := c.Orchestrator.OptimizeTimeout + c.Kafka.PublishTimeout; c.Orchestrator.StaleAfter <= busy {
		errs = append(errs, fmt.Errorf("orchestrator.stale_after (%s) must exceed optimize_timeout plus kafka.publish_timeout (%s)",
			c.Orchestrator.StaleAfter, busy))
	}
	if c.Orchestrator.RecoveryInterval <= 0 {
		errs = append(errs, errors.New("orchestrator.recovery_interval must be positive"))
	}
	if c.Hub.Buffer < 1 {
		errs = append(errs, errors.New("hub.buffer must be at least 1"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, errors.New("tracing.sample_rate must be within [0, 1]"))
	}
	if c.MongoDB.URI != "" && c.MongoDB.Database == "" {
		errs = append(errs, errors.New("mongodb.database is required with mongodb.uri"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// KafkaClient returns the broker client configuration
func (c *Config) KafkaClient() *kafka.Config {
	kc := kafka.DefaultConfig()
	kc.Brokers = c.Kafka.Brokers
	kc.ClientID = c.Kafka.ClientID
	kc.ConsumerGroup = c.Kafka.ConsumerGroup
	kc.RequiredAcks = c.Kafka.RequiredAcks
	kc.PublishTimeout = c.Kafka.PublishTimeout
	if c.Kafka.DialTimeout > 0 {
		kc.DialTimeout = c.Kafka.DialTimeout
	}
	kc.Topics = kafka.Topics{
		OptimizationRequested: c.Kafka.Topics.Requested,
		OptimizationCompleted: c.Kafka.Topics.Completed,
		OptimizationFailed:    c.Kafka.Topics.Failed,
		RouteUpdates:          c.Kafka.Topics.Updates,
	}
	return kc
}

// CircuitBreaker returns the publish breaker configuration
func (c *Config) CircuitBreaker() *resilience.CircuitBreakerConfig {
	bc := resilience.DefaultCircuitBreakerConfig("kafka")
	bc.Threshold = c.Breaker.Threshold
	bc.Cooldown = c.Breaker.Cooldown
	return bc
}

// Mongo returns the client configuration, or nil when no URI is set
func (c *Config) Mongo() *pkgmongo.Config {
	if c.MongoDB.URI == "" {
		return nil
	}
	mc := pkgmongo.DefaultConfig()
	mc.URI = c.MongoDB.URI
	mc.Database = c.MongoDB.Database
	mc.OperationTimeout = c.MongoDB.Timeout
	return mc
}

// ORS returns the OpenRouteService optimizer configuration
func (c *Config) ORS() optimizer.ORSConfig {
	oc := optimizer.DefaultORSConfig()
	oc.APIKey = c.Optimizer.ORS.APIKey
	if c.Optimizer.ORS.BaseURL != "" {
		oc.BaseURL = c.Optimizer.ORS.BaseURL
	}
	if c.Optimizer.ORS.Profile != "" {
		oc.Profile = c.Optimizer.ORS.Profile
	}
	if c.Optimizer.ORS.Timeout > 0 {
		oc.Timeout = c.Optimizer.ORS.Timeout
	}
	oc.FuelLitersPerKm = c.Optimizer.FuelLitersPerKm
	return oc
}

// Stub returns the deterministic optimizer configuration
func (c *Config) Stub() optimizer.StubConfig {
	return optimizer.StubConfig{
		AverageSpeedKmh: c.Optimizer.AverageSpeedKmh,
		FuelLitersPerKm: c.Optimizer.FuelLitersPerKm,
	}
}

// OrchestratorOptions returns the orchestrator configuration
func (c *Config) OrchestratorOptions() application.OrchestratorConfig {
	return application.OrchestratorConfig{
		Async:           c.Orchestrator.Async,
		OptimizeTimeout: c.Orchestrator.OptimizeTimeout,
	}
}

// Recovery returns the recovery sweeper configuration
func (c *Config) Recovery() application.RecoveryConfig {
	return application.RecoveryConfig{
		Interval:   c.Orchestrator.RecoveryInterval,
		StaleAfter: c.Orchestrator.StaleAfter,
		BatchSize:  c.Orchestrator.RecoveryBatchSize,
	}
}

// Relay returns the outbox relay configuration
func (c *Config) Relay() *outbox.RelayConfig {
	rc := outbox.DefaultRelayConfig()
	if c.Outbox.PollInterval > 0 {
		rc.PollInterval = c.Outbox.PollInterval
	}
	if c.Outbox.BatchSize > 0 {
		rc.BatchSize = c.Outbox.BatchSize
	}
	return rc
}

// TracingOptions returns the tracer provider configuration
func (c *Config) TracingOptions() *tracing.Config {
	tc := tracing.DefaultConfig(ServiceName)
	tc.Enabled = c.Tracing.Enabled
	tc.OTLPEndpoint = c.Tracing.Endpoint
	tc.SampleRate = c.Tracing.SampleRate
	tc.Environment = c.Logging.Environment
	return tc
}
