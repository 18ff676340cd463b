package domain

import (
	"context"
	"time"
)

// StateStore is the authoritative store of requests, routes and route
// updates.
type StateStore interface {
	// CreateRequest stores a new request; ErrRequestExists if the id is taken
	CreateRequest(ctx context.Context, req *OptimizationRequest) error

	// SaveRequest replaces a stored request
	SaveRequest(ctx context.Context, req *OptimizationRequest) error

	// GetRequest returns ErrRequestNotFound for unknown ids
	GetRequest(ctx context.Context, requestID string) (*OptimizationRequest, error)

	// ListRequestsByRequester returns a requester's requests, newest first,
	// and the total count
	ListRequestsByRequester(ctx context.Context, requesterID string, page Page) ([]*OptimizationRequest, int64, error)

	// FindStaleOptimizing returns OPTIMIZING requests last updated before cutoff
	FindStaleOptimizing(ctx context.Context, cutoff time.Time, limit int) ([]*OptimizationRequest, error)

	// SaveRoute stores or replaces a route
	SaveRoute(ctx context.Context, route *OptimizedRoute) error

	// GetRoute returns ErrRouteNotFound for unknown ids
	GetRoute(ctx context.Context, routeID string) (*OptimizedRoute, error)

	// FindLatestRouteByVehicle returns the most recently created route of a
	// vehicle, or ErrRouteNotFound
	FindLatestRouteByVehicle(ctx context.Context, vehicleID string) (*OptimizedRoute, error)

	// AppendUpdate appends to a route's history; ErrSequenceConflict if the
	// sequence number is already used
	AppendUpdate(ctx context.Context, update *RouteUpdate) error

	// ListUpdates returns a route's history in sequence order
	ListUpdates(ctx context.Context, routeID string) ([]*RouteUpdate, error)
}

// Page selects a page of results; Number starts at 1
type Page struct {
	Number int
	Size   int
}

// Offset returns the number of items before the page
func (p Page) Offset() int {
	if p.Number < 1 {
		return 0
	}
	return (p.Number - 1) * p.Size
}

// OptimizationInput is what an optimizer plans over
type OptimizationInput struct {
	Stops       []Stop
	Preferences Preferences
	DepartAt    time.Time
	// Origin is where the vehicle currently is; nil starts at the first stop
	Origin *Location
}

// RouteOptimizer orders stops into a route. Any error is a provider error;
// a plan is returned only when complete.
type RouteOptimizer interface {
	Optimize(ctx context.Context, input OptimizationInput) (*RoutePlan, error)
	Name() string
}

// VehicleDirectory answers whether a vehicle exists
type VehicleDirectory interface {
	Exists(ctx context.Context, vehicleID string) (bool, error)
}
