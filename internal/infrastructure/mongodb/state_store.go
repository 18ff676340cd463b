package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleet-platform/route-orchestrator/internal/domain"
	"github.com/fleet-platform/route-orchestrator/pkg/logging"
	"github.com/fleet-platform/route-orchestrator/pkg/metrics"
	pkgmongo "github.com/fleet-platform/route-orchestrator/pkg/mongodb"
	"github.com/fleet-platform/route-orchestrator/pkg/tracing"
)

const (
	requestsCollection = "optimization_requests"
	routesCollection   = "optimized_routes"
	updatesCollection  = "route_updates"
)

// StateStore implements domain.StateStore using MongoDB
type StateStore struct {
	db       *mongo.Database
	requests *mongo.Collection
	routes   *mongo.Collection
	updates  *mongo.Collection
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *logging.Logger
	tracer   trace.Tracer
}

// NewStateStore creates a store over db. Call EnsureIndexes once at startup.
func NewStateStore(db *mongo.Database, timeout time.Duration, m *metrics.Metrics, logger *logging.Logger) *StateStore {
	if logger == nil {
		logger = logging.Discard()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &StateStore{
		db:       db,
		requests: db.Collection(requestsCollection),
		routes:   db.Collection(routesCollection),
		updates:  db.Collection(updatesCollection),
		timeout:  timeout,
		metrics:  m,
		logger:   logger.WithComponent("state-store"),
		tracer:   otel.Tracer("state-store"),
	}
}

// EnsureIndexes creates the indexes the queries rely on
func (s *StateStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.requests.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "requesterId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updatedAt", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("failed to create request indexes: %w", err)
	}

	if _, err := s.routes.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "vehicleId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "requestId", Value: 1}}, Options: options.Index().SetUnique(true)},
	}); err != nil {
		return fmt.Errorf("failed to create route indexes: %w", err)
	}

	if _, err := s.updates.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "routeId", Value: 1}, {Key: "sequence", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_route_sequence"),
		},
	}); err != nil {
		return fmt.Errorf("failed to create update indexes: %w", err)
	}
	return nil
}

// observe wraps a store call with a timeout, a span, metrics and logging
func (s *StateStore) observe(ctx context.Context, collection, operation string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	_, err := tracing.TracedOperation(ctx, s.tracer, "mongodb."+operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, tracing.DatabaseSpanAttributes("mongodb", s.db.Name(), operation, collection)...)
	duration := time.Since(start)

	expected := err == nil ||
		errors.Is(err, domain.ErrRequestNotFound) ||
		errors.Is(err, domain.ErrRouteNotFound)
	s.metrics.RecordStoreOperation(collection, operation, expected, duration)
	if !expected {
		s.logger.StoreOperation(ctx, collection, operation, duration, err)
	}
	return err
}

// CreateRequest stores a new request
func (s *StateStore) CreateRequest(ctx context.Context, req *domain.OptimizationRequest) error {
	return s.observe(ctx, requestsCollection, "insert", func(ctx context.Context) error {
		_, err := s.requests.InsertOne(ctx, req)
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrRequestExists
		}
		if err != nil {
			return fmt.Errorf("failed to insert request: %w", err)
		}
		return nil
	})
}

// SaveRequest replaces a stored request
func (s *StateStore) SaveRequest(ctx context.Context, req *domain.OptimizationRequest) error {
	return s.observe(ctx, requestsCollection, "replace", func(ctx context.Context) error {
		result, err := s.requests.ReplaceOne(ctx, bson.M{"_id": req.ID}, req)
		if err != nil {
			return fmt.Errorf("failed to save request: %w", err)
		}
		if result.MatchedCount == 0 {
			return domain.ErrRequestNotFound
		}
		return nil
	})
}

// GetRequest returns a request by id
func (s *StateStore) GetRequest(ctx context.Context, requestID string) (*domain.OptimizationRequest, error) {
	var req domain.OptimizationRequest
	err := s.observe(ctx, requestsCollection, "find", func(ctx context.Context) error {
		err := s.requests.FindOne(ctx, bson.M{"_id": requestID}).Decode(&req)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.ErrRequestNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to find request: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// ListRequestsByRequester returns a requester's requests, newest first
func (s *StateStore) ListRequestsByRequester(ctx context.Context, requesterID string, page domain.Page) ([]*domain.OptimizationRequest, int64, error) {
	filter := bson.M{"requesterId": requesterID}
	paging := pkgmongo.Pagination{Page: int64(page.Number), PageSize: int64(page.Size)}

	var (
		reqs  []*domain.OptimizationRequest
		total int64
	)
	err := s.observe(ctx, requestsCollection, "find_by_requester", func(ctx context.Context) error {
		var err error
		total, err = s.requests.CountDocuments(ctx, filter)
		if err != nil {
			return fmt.Errorf("failed to count requests: %w", err)
		}

		opts := options.Find().
			SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
			SetSkip(paging.Skip())
		if paging.Limit() > 0 {
			opts.SetLimit(paging.Limit())
		}

		cursor, err := s.requests.Find(ctx, filter, opts)
		if err != nil {
			return fmt.Errorf("failed to find requests: %w", err)
		}
		defer cursor.Close(ctx)

		reqs = make([]*domain.OptimizationRequest, 0)
		return cursor.All(ctx, &reqs)
	})
	if err != nil {
		return nil, 0, err
	}
	return reqs, total, nil
}

// FindStaleOptimizing returns OPTIMIZING requests last updated before cutoff
func (s *StateStore) FindStaleOptimizing(ctx context.Context, cutoff time.Time, limit int) ([]*domain.OptimizationRequest, error) {
	var reqs []*domain.OptimizationRequest
	err := s.observe(ctx, requestsCollection, "find_stale", func(ctx context.Context) error {
		opts := options.Find().SetSort(pkgmongo.SortAscending("updatedAt"))
		if limit > 0 {
			opts.SetLimit(int64(limit))
		}
		cursor, err := s.requests.Find(ctx, bson.M{
			"status":    domain.StatusOptimizing,
			"updatedAt": bson.M{"$lt": cutoff},
		}, opts)
		if err != nil {
			return fmt.Errorf("failed to find stale requests: %w", err)
		}
		defer cursor.Close(ctx)
		return cursor.All(ctx, &reqs)
	})
	return reqs, err
}

// SaveRoute stores or replaces a route
func (s *StateStore) SaveRoute(ctx context.Context, route *domain.OptimizedRoute) error {
	return s.observe(ctx, routesCollection, "upsert", func(ctx context.Context) error {
		_, err := s.routes.ReplaceOne(ctx, bson.M{"_id": route.ID}, route, options.Replace().SetUpsert(true))
		if err != nil {
			return fmt.Errorf("failed to save route: %w", err)
		}
		return nil
	})
}

// GetRoute returns a route by id
func (s *StateStore) GetRoute(ctx context.Context, routeID string) (*domain.OptimizedRoute, error) {
	return s.findRoute(ctx, "find", bson.M{"_id": routeID}, nil)
}

// FindLatestRouteByVehicle returns the vehicle's most recently created route
func (s *StateStore) FindLatestRouteByVehicle(ctx context.Context, vehicleID string) (*domain.OptimizedRoute, error) {
	return s.findRoute(ctx, "find_by_vehicle", bson.M{"vehicleId": vehicleID},
		options.FindOne().SetSort(pkgmongo.SortDescending("createdAt")))
}

func (s *StateStore) findRoute(ctx context.Context, operation string, filter bson.M, opts *options.FindOneOptions) (*domain.OptimizedRoute, error) {
	var route domain.OptimizedRoute
	err := s.observe(ctx, routesCollection, operation, func(ctx context.Context) error {
		var findOpts []*options.FindOneOptions
		if opts != nil {
			findOpts = append(findOpts, opts)
		}
		err := s.routes.FindOne(ctx, filter, findOpts...).Decode(&route)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.ErrRouteNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to find route: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &route, nil
}

// AppendUpdate appends to a route's history. The unique (routeId, sequence)
// index turns a reused sequence into ErrSequenceConflict.
func (s *StateStore) AppendUpdate(ctx context.Context, update *domain.RouteUpdate) error {
	return s.observe(ctx, updatesCollection, "insert", func(ctx context.Context) error {
		n, err := s.routes.CountDocuments(ctx, bson.M{"_id": update.RouteID}, options.Count().SetLimit(1))
		if err != nil {
			return fmt.Errorf("failed to check route: %w", err)
		}
		if n == 0 {
			return domain.ErrRouteNotFound
		}

		_, err = s.updates.InsertOne(ctx, update)
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrSequenceConflict
		}
		if err != nil {
			return fmt.Errorf("failed to insert route update: %w", err)
		}
		return nil
	})
}

// ListUpdates returns a route's history in sequence order
func (s *StateStore) ListUpdates(ctx context.Context, routeID string) ([]*domain.RouteUpdate, error) {
	updates := make([]*domain.RouteUpdate, 0)
	err := s.observe(ctx, updatesCollection, "find_by_route", func(ctx context.Context) error {
		cursor, err := s.updates.Find(ctx, bson.M{"routeId": routeID},
			options.Find().SetSort(pkgmongo.SortAscending("sequence")))
		if err != nil {
			return fmt.Errorf("failed to find route updates: %w", err)
		}
		defer cursor.Close(ctx)
		return cursor.All(ctx, &updates)
	})
	return updates, err
}

// HealthCheck pings the database
func (s *StateStore) HealthCheck(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}
