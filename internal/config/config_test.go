package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "routing.optimization.requested", cfg.Kafka.Topics.Requested)
	assert.Equal(t, ProviderStub, cfg.Optimizer.Provider)
	assert.Empty(t, cfg.MongoDB.URI)
	assert.Nil(t, cfg.Mongo(), "no uri keeps state in memory")
	assert.True(t, cfg.Outbox.Enabled)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
kafka:
  brokers: ["k1:9092"]
  publish_timeout: 2s
  topics:
    completed: "custom.completed"
breaker:
  threshold: 3
  cooldown: 45s
orchestrator:
  async: true
  optimize_timeout: 10s
  stale_after: 2m
vehicles:
  ids: ["v1", "v2"]
`)
	t.Setenv("ROUTING_KAFKA__BROKERS", "a:9092, b:9092")
	t.Setenv("ROUTING_BREAKER__THRESHOLD", "7")
	t.Setenv("ROUTING_MONGODB__URI", "mongodb://mongo:27017")
	t.Setenv("ROUTING_CONFIG", path)

	cfg, err := Load(path)
	require.NoError(t, err)

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"server.addr", cfg.Server.Addr, ":9000"},
		{"kafka.brokers", cfg.Kafka.Brokers, []string{"a:9092", "b:9092"}},
		{"kafka.publish_timeout", cfg.Kafka.PublishTimeout, 2 * time.Second},
		{"kafka.topics.completed", cfg.Kafka.Topics.Completed, "custom.completed"},
		{"kafka.topics.failed", cfg.Kafka.Topics.Failed, "routing.optimization.failed"},
		{"breaker.threshold", cfg.Breaker.Threshold, uint32(7)},
		{"breaker.cooldown", cfg.Breaker.Cooldown, 45 * time.Second},
		{"orchestrator.async", cfg.Orchestrator.Async, true},
		{"orchestrator.stale_after", cfg.Orchestrator.StaleAfter, 2 * time.Minute},
		{"mongodb.uri", cfg.MongoDB.URI, "mongodb://mongo:27017"},
		{"vehicles.ids", cfg.Vehicles.IDs, []string{"v1", "v2"}},
	}
	for _, c := range checks {
		assert.Equal(t, c.want, c.got, c.name)
	}

	kc := cfg.KafkaClient()
	assert.Equal(t, "custom.completed", kc.Topics.OptimizationCompleted)
	assert.Equal(t, 2*time.Second, kc.PublishTimeout)

	bc := cfg.CircuitBreaker()
	assert.Equal(t, uint32(7), bc.Threshold)

	mc := cfg.Mongo()
	require.NotNil(t, mc)
	assert.Equal(t, "routing_db", mc.Database)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"no brokers", func(c *Config) { c.Kafka.Brokers = nil }, "kafka.brokers"},
		{"zero threshold", func(c *Config) { c.Breaker.Threshold = 0 }, "breaker.threshold"},
		{"bad acks", func(c *Config) { c.Kafka.RequiredAcks = 2 }, "kafka.required_acks"},
		{"unknown provider", func(c *Config) { c.Optimizer.Provider = "magic" }, "optimizer.provider"},
		{"ors without key", func(c *Config) { c.Optimizer.Provider = ProviderORS }, "api_key"},
		{"ors with key", func(c *Config) {
			c.Optimizer.Provider = ProviderORS
			c.Optimizer.ORS.APIKey = "secret"
		}, ""},
		{"stale before timeout", func(c *Config) {
			c.Orchestrator.OptimizeTimeout = time.Minute
			c.Orchestrator.StaleAfter = 30 * time.Second
		}, "stale_after"},
		{"stale within optimize plus publish", func(c *Config) {
			c.Orchestrator.OptimizeTimeout = time.Minute
			c.Kafka.PublishTimeout = 10 * time.Second
			c.Orchestrator.StaleAfter = 65 * time.Second
		}, "publish_timeout"},
		{"stale beyond optimize plus publish", func(c *Config) {
			c.Orchestrator.OptimizeTimeout = time.Minute
			c.Kafka.PublishTimeout = 10 * time.Second
			c.Orchestrator.StaleAfter = 71 * time.Second
		}, ""},
		{"sample rate", func(c *Config) { c.Tracing.SampleRate = 2 }, "sample_rate"},
		{"empty hub buffer", func(c *Config) { c.Hub.Buffer = 0 }, "hub.buffer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestORSAndStubOptions(t *testing.T) {
	cfg := Default()
	cfg.Optimizer.ORS.APIKey = "secret"
	cfg.Optimizer.ORS.BaseURL = "http://ors.local"
	cfg.Optimizer.FuelLitersPerKm = 0.2

	ors := cfg.ORS()
	assert.Equal(t, "secret", ors.APIKey)
	assert.Equal(t, "http://ors.local", ors.BaseURL)
	assert.Equal(t, "driving-car", ors.Profile)
	assert.Equal(t, 0.2, ors.FuelLitersPerKm)
	assert.Equal(t, 0.2, cfg.Stub().FuelLitersPerKm)

	rec := cfg.Recovery()
	assert.Equal(t, cfg.Orchestrator.StaleAfter, rec.StaleAfter)
}
