package optimizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleet-platform/route-orchestrator/internal/domain"
	"github.com/fleet-platform/route-orchestrator/pkg/metrics"
)

const (
	matrixKeyPrefix     = "routing:matrix:"
	DefaultMatrixTTL    = 6 * time.Hour
	coordinatePrecision = 6
)

// MatrixCache stores provider matrices by coordinate list
type MatrixCache interface {
	Get(ctx context.Context, key string) (*Matrix, bool, error)
	Set(ctx context.Context, key string, m *Matrix) error
}

// MatrixKey hashes a profile and point list into a cache key. Coordinates
// are rounded so equal stops submitted twice share an entry.
func MatrixKey(profile string, pts []domain.Location) string {
	h := sha256.New()
	h.Write([]byte(profile))
	for _, p := range pts {
		h.Write([]byte{'|'})
		h.Write([]byte(strconv.FormatFloat(p.Lat, 'f', coordinatePrecision, 64)))
		h.Write([]byte{','})
		h.Write([]byte(strconv.FormatFloat(p.Lon, 'f', coordinatePrecision, 64)))
	}
	return matrixKeyPrefix + hex.EncodeToString(h.Sum(nil))
}

// RedisMatrixCache is a MatrixCache in Redis
type RedisMatrixCache struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewRedisMatrixCache creates a cache whose entries expire after ttl
func NewRedisMatrixCache(client *redis.Client, ttl time.Duration, m *metrics.Metrics) *RedisMatrixCache {
	if ttl <= 0 {
		ttl = DefaultMatrixTTL
	}
	return &RedisMatrixCache{client: client, ttl: ttl, metrics: m}
}

// Get returns the cached matrix for key
func (c *RedisMatrixCache) Get(ctx context.Context, key string) (*Matrix, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.metrics.RecordDistanceCacheLookup(false)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get matrix cache: %w", err)
	}

	var m Matrix
	if err := json.Unmarshal(raw, &m); err != nil {
		// a corrupt entry is a miss; the next Set overwrites it
		c.metrics.RecordDistanceCacheLookup(false)
		return nil, false, nil
	}
	c.metrics.RecordDistanceCacheLookup(true)
	return &m, true, nil
}

// Set stores m under key
func (c *RedisMatrixCache) Set(ctx context.Context, key string, m *Matrix) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal matrix: %w", err)
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("set matrix cache: %w", err)
	}
	return nil
}
