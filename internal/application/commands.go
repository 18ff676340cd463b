package application

import "github.com/fleet-platform/route-orchestrator/internal/domain"

// SubmitOptimizationCommand submits stops for optimization. A non-empty
// RequestID replays a previous submission.
type SubmitOptimizationCommand struct {
	RequestID   string
	VehicleID   string
	RequesterID string
	Stops       []domain.Stop
	Preferences domain.Preferences
}

// ApplyRouteUpdateCommand re-plans a route from the vehicle's position
type ApplyRouteUpdateCommand struct {
	RouteID         string
	CurrentLocation domain.Location
	Reason          string
}

// GetStatusQuery retrieves a request by ID
type GetStatusQuery struct {
	RequestID string
}

// GetActiveRouteQuery retrieves the current route of a vehicle
type GetActiveRouteQuery struct {
	VehicleID string
}

// GetHistoryQuery retrieves a requester's requests, newest first
type GetHistoryQuery struct {
	RequesterID string
	Page        int
	PageSize    int
}
