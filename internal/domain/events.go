package domain

import "time"

// DomainEvent is the interface for all domain events
type DomainEvent interface {
	EventType() string
	OccurredAt() time.Time
}

// OptimizationRequestedEvent is raised when a request starts optimizing
type OptimizationRequestedEvent struct {
	RequestID   string
	VehicleID   string
	RequesterID string
	Stops       []Stop
	Preferences Preferences
	RequestedAt time.Time
}

func (e *OptimizationRequestedEvent) EventType() string     { return "ROUTE_OPTIMIZATION_REQUESTED" }
func (e *OptimizationRequestedEvent) OccurredAt() time.Time { return e.RequestedAt }

// RouteOptimizedEvent is raised when a request completes with a route
type RouteOptimizedEvent struct {
	Route       OptimizedRoute
	CompletedAt time.Time
}

func (e *RouteOptimizedEvent) EventType() string     { return "ROUTE_OPTIMIZED" }
func (e *RouteOptimizedEvent) OccurredAt() time.Time { return e.CompletedAt }

// OptimizationFailedEvent is raised when a request fails
type OptimizationFailedEvent struct {
	RequestID string
	VehicleID string
	Reason    string
	FailedAt  time.Time
}

func (e *OptimizationFailedEvent) EventType() string     { return "ROUTE_OPTIMIZATION_FAILED" }
func (e *OptimizationFailedEvent) OccurredAt() time.Time { return e.FailedAt }

// RouteUpdateRequestedEvent is raised when an update is appended to a route
type RouteUpdateRequestedEvent struct {
	Update RouteUpdate
}

func (e *RouteUpdateRequestedEvent) EventType() string     { return "ROUTE_UPDATE_REQUESTED" }
func (e *RouteUpdateRequestedEvent) OccurredAt() time.Time { return e.Update.CreatedAt }
