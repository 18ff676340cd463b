package kafka

import (
	"fmt"
	"time"

	"github.com/fleet-platform/route-orchestrator/pkg/events"
)

// Config holds Kafka configuration
type Config struct {
	Brokers       []string
	ConsumerGroup string
	ClientID      string

	// Producer settings
	RequiredAcks           int // 0: no ack, 1: leader ack, -1: all replicas ack
	BatchTimeout           time.Duration
	DialTimeout            time.Duration
	AllowAutoTopicCreation bool

	// PublishTimeout bounds every publish attempt, independent of any
	// broker-side timeout.
	PublishTimeout time.Duration

	// Consumer settings
	MinBytes       int
	MaxBytes       int
	MaxWait        time.Duration
	CommitInterval time.Duration

	Topics Topics
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Brokers:       []string{"localhost:9092"},
		ConsumerGroup: "route-orchestrator",
		ClientID:      "route-orchestrator",

		RequiredAcks:           -1,
		BatchTimeout:           5 * time.Millisecond,
		DialTimeout:            2 * time.Second,
		AllowAutoTopicCreation: true,
		PublishTimeout:         3 * time.Second,

		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,

		Topics: DefaultTopics(),
	}
}

// Topics maps each event type to its topic
type Topics struct {
	OptimizationRequested string
	OptimizationCompleted string
	OptimizationFailed    string
	RouteUpdates          string
}

// DefaultTopics returns the default routing topic names
func DefaultTopics() Topics {
	return Topics{
		OptimizationRequested: "routing.optimization.requested",
		OptimizationCompleted: "routing.optimization.completed",
		OptimizationFailed:    "routing.optimization.failed",
		RouteUpdates:          "routing.route.updates",
	}
}

// For returns the topic an event type is published to
func (t Topics) For(eventType events.EventType) (string, error) {
	var topic string
	switch eventType {
	case events.RouteOptimizationRequested:
		topic = t.OptimizationRequested
	case events.RouteOptimized:
		topic = t.OptimizationCompleted
	case events.RouteOptimizationFailed:
		topic = t.OptimizationFailed
	case events.RouteUpdateRequested:
		topic = t.RouteUpdates
	default:
		return "", fmt.Errorf("%w: %q", events.ErrUnknownEventType, eventType)
	}
	if topic == "" {
		return "", fmt.Errorf("no topic configured for %s", eventType)
	}
	return topic, nil
}

// All returns every configured topic
func (t Topics) All() []string {
	return []string{t.OptimizationRequested, t.OptimizationCompleted, t.OptimizationFailed, t.RouteUpdates}
}

// TopicConfig holds configuration for a Kafka topic
type TopicConfig struct {
	Name              string
	Partitions        int
	ReplicationFactor int
	RetentionMs       int64
}

// DefaultTopicConfigs returns default configurations for the routing topics
func DefaultTopicConfigs(t Topics) []TopicConfig {
	const week = 7 * 24 * 60 * 60 * 1000
	return []TopicConfig{
		{Name: t.OptimizationRequested, Partitions: 6, ReplicationFactor: 3, RetentionMs: week},
		{Name: t.OptimizationCompleted, Partitions: 6, ReplicationFactor: 3, RetentionMs: week},
		{Name: t.OptimizationFailed, Partitions: 3, ReplicationFactor: 3, RetentionMs: week},
		{Name: t.RouteUpdates, Partitions: 6, ReplicationFactor: 3, RetentionMs: week},
	}
}
