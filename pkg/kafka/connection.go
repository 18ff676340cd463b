package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fleet-platform/route-orchestrator/pkg/logging"
)

var (
	// ErrBrokerUnavailable is returned when no broker connection can be established
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrConnectionClosed is returned by Acquire after Close
	ErrConnectionClosed = errors.New("broker connection manager closed")
)

// MessageWriter is the part of *kafka.Writer the publisher relies on
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Dialer establishes a broker connection and returns a writer bound to it
type Dialer func(ctx context.Context, cfg *Config) (MessageWriter, error)

// ConnectionManager owns the single broker connection of the process. It
// does not connect at construction; the first Acquire dials, later calls
// reuse the connection until Discard drops it.
type ConnectionManager struct {
	config *Config
	dial   Dialer
	logger *logging.Logger

	mu          sync.Mutex
	writer      MessageWriter
	connectedAt time.Time
	dials       int
	closed      bool
}

// ConnectionOption customizes a ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithDialer replaces the broker dialer, e.g. with a fake broker in tests
func WithDialer(d Dialer) ConnectionOption {
	return func(m *ConnectionManager) {
		m.dial = d
	}
}

// NewConnectionManager creates a connection manager. No connection is made here.
func NewConnectionManager(config *Config, logger *logging.Logger, opts ...ConnectionOption) *ConnectionManager {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logging.Discard()
	}

	m := &ConnectionManager{
		config: config,
		dial:   DialKafka,
		logger: logger.WithComponent("broker-connection"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire returns the live connection, dialing one if there is none. A
// failed dial leaves the manager without a connection.
func (m *ConnectionManager) Acquire(ctx context.Context) (MessageWriter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrConnectionClosed
	}
	if m.writer != nil {
		return m.writer, nil
	}

	m.dials++
	w, err := m.dial(ctx, m.config)
	if err != nil {
		m.logger.WithError(err).Warn("Broker connection failed", "brokers", m.config.Brokers)
		if errors.Is(err, ErrBrokerUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	m.writer = w
	m.connectedAt = time.Now()
	m.logger.Info("Broker connection established", "brokers", m.config.Brokers)
	return w, nil
}

// Discard drops w if it is still the current connection. Called after a
// failed write so the next Acquire reconnects.
func (m *ConnectionManager) Discard(w MessageWriter) {
	m.mu.Lock()
	if w == nil || m.writer != w {
		m.mu.Unlock()
		return
	}
	m.writer = nil
	m.mu.Unlock()

	if err := w.Close(); err != nil {
		m.logger.WithError(err).Debug("Closing discarded broker connection failed")
	}
	m.logger.Warn("Broker connection discarded")
}

// Connected reports whether a connection is currently held
func (m *ConnectionManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writer != nil
}

// ConnectionStatus describes the connection for status endpoints
type ConnectionStatus struct {
	Connected   bool       `json:"connected"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
	Dials       int        `json:"dials"`
	Brokers     []string   `json:"brokers"`
}

// Status returns the connection status
func (m *ConnectionManager) Status() ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := ConnectionStatus{
		Connected: m.writer != nil,
		Dials:     m.dials,
		Brokers:   m.config.Brokers,
	}
	if m.writer != nil {
		t := m.connectedAt
		status.ConnectedAt = &t
	}
	return status
}

// Close releases the connection. Acquire fails afterwards.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	w := m.writer
	m.writer = nil
	m.closed = true
	m.mu.Unlock()

	if w == nil {
		return nil
	}
	return w.Close()
}

// DialKafka checks that a broker answers a metadata request and returns a
// writer for all topics. The probe connection is always closed.
func DialKafka(ctx context.Context, cfg *Config) (MessageWriter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: no brokers configured", ErrBrokerUnavailable)
	}

	dialer := &kafka.Dialer{
		Timeout:  cfg.DialTimeout,
		ClientID: cfg.ClientID,
	}

	var lastErr error
	for _, broker := range cfg.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.Brokers()
		_ = conn.Close()
		if err != nil {
			lastErr = err
			continue
		}

		return &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
			BatchTimeout:           cfg.BatchTimeout,
			AllowAutoTopicCreation: cfg.AllowAutoTopicCreation,
			Transport: &kafka.Transport{
				ClientID:    cfg.ClientID,
				DialTimeout: cfg.DialTimeout,
			},
		}, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, lastErr)
}
