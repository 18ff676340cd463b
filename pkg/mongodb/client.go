// Package mongodb connects to MongoDB and holds small query helpers shared
// by the stores.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Config holds MongoDB connection settings. Credentials and replica set
// options travel in the URI.
type Config struct {
	URI      string
	Database string
	AppName  string

	ConnectTimeout         time.Duration
	ServerSelectionTimeout time.Duration
	MaxPoolSize            uint64
	MinPoolSize            uint64

	// OperationTimeout bounds each store call
	OperationTimeout time.Duration
}

// DefaultConfig returns a Config for a local single-node server
func DefaultConfig() *Config {
	return &Config{
		URI:                    "mongodb://localhost:27017",
		Database:               "routing_db",
		AppName:                "route-orchestrator",
		ConnectTimeout:         10 * time.Second,
		ServerSelectionTimeout: 5 * time.Second,
		MaxPoolSize:            50,
		MinPoolSize:            2,
		OperationTimeout:       5 * time.Second,
	}
}

// Client owns the driver client and the database handle
type Client struct {
	client   *mongo.Client
	database *mongo.Database
}

// NewClient connects and pings the primary. A client that cannot reach the
// primary within ServerSelectionTimeout is disconnected again.
func NewClient(ctx context.Context, config *Config) (*Client, error) {
	opts := options.Client().
		ApplyURI(config.URI).
		SetAppName(config.AppName).
		SetConnectTimeout(config.ConnectTimeout).
		SetServerSelectionTimeout(config.ServerSelectionTimeout).
		SetMaxPoolSize(config.MaxPoolSize).
		SetMinPoolSize(config.MinPoolSize)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	c := &Client{client: client, database: client.Database(config.Database)}

	pingTimeout := config.ServerSelectionTimeout
	if pingTimeout <= 0 {
		pingTimeout = DefaultConfig().ServerSelectionTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := c.HealthCheck(pingCtx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return c, nil
}

// Database returns the database handle
func (c *Client) Database() *mongo.Database {
	return c.database
}

// Close disconnects the client
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// HealthCheck pings the primary
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}
