package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Errors
var (
	ErrInvalidStops        = errors.New("at least 2 stops are required")
	ErrInvalidCoordinates  = errors.New("coordinates out of range")
	ErrDuplicateStop       = errors.New("duplicate stop id")
	ErrMissingStopID       = errors.New("stop id is required")
	ErrMissingVehicle      = errors.New("vehicle id is required")
	ErrUnknownVehicle      = errors.New("vehicle not found")
	ErrInvalidOptimizeFor  = errors.New("invalid optimizeFor")
	ErrInvalidUpdateReason = errors.New("invalid update reason")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrRequestNotFound     = errors.New("optimization request not found")
	ErrRequestExists       = errors.New("optimization request already exists")
	ErrRouteNotFound       = errors.New("route not found")
	ErrSequenceConflict    = errors.New("route update sequence already used")
	ErrProvider            = errors.New("route provider failed")
)

// RequestStatus is the lifecycle state of an optimization request
type RequestStatus string

const (
	StatusRequested  RequestStatus = "REQUESTED"
	StatusOptimizing RequestStatus = "OPTIMIZING"
	StatusOptimized  RequestStatus = "OPTIMIZED"
	StatusFailed     RequestStatus = "FAILED"
)

// IsTerminal reports whether no further transition is possible
func (s RequestStatus) IsTerminal() bool {
	return s == StatusOptimized || s == StatusFailed
}

var transitions = map[RequestStatus][]RequestStatus{
	StatusRequested:  {StatusOptimizing, StatusFailed},
	StatusOptimizing: {StatusOptimized, StatusFailed},
}

// CanTransitionTo reports whether s may move to next
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// OptimizeFor is the objective the optimizer minimizes
type OptimizeFor string

const (
	OptimizeForTime     OptimizeFor = "time"
	OptimizeForDistance OptimizeFor = "distance"
	OptimizeForFuel     OptimizeFor = "fuel"
)

// ParseOptimizeFor parses an objective; empty means time
func ParseOptimizeFor(s string) (OptimizeFor, error) {
	switch o := OptimizeFor(strings.ToLower(strings.TrimSpace(s))); o {
	case "":
		return OptimizeForTime, nil
	case OptimizeForTime, OptimizeForDistance, OptimizeForFuel:
		return o, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOptimizeFor, s)
	}
}

// Preferences are the caller's routing options
type Preferences struct {
	AvoidTolls    bool        `bson:"avoidTolls" json:"avoidTolls"`
	AvoidHighways bool        `bson:"avoidHighways" json:"avoidHighways"`
	OptimizeFor   OptimizeFor `bson:"optimizeFor" json:"optimizeFor"`
}

// Stop is a location the vehicle must visit. Lower Priority values are
// visited earlier; stops without a priority come last.
type Stop struct {
	ID       string  `bson:"id" json:"id"`
	Lat      float64 `bson:"lat" json:"lat"`
	Lon      float64 `bson:"lon" json:"lon"`
	Address  string  `bson:"address,omitempty" json:"address,omitempty"`
	Priority *int    `bson:"priority,omitempty" json:"priority,omitempty"`
}

// Location returns the stop coordinate
func (s Stop) Location() Location {
	return Location{Lat: s.Lat, Lon: s.Lon}
}

// ValidateStops checks the stop list shared by requests and re-plans
func ValidateStops(stops []Stop) error {
	if len(stops) < 2 {
		return fmt.Errorf("%w: got %d", ErrInvalidStops, len(stops))
	}
	seen := make(map[string]struct{}, len(stops))
	for i, s := range stops {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("%w: stop %d", ErrMissingStopID, i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateStop, s.ID)
		}
		seen[s.ID] = struct{}{}
		if !s.Location().Valid() {
			return fmt.Errorf("%w: stop %s (%v, %v)", ErrInvalidCoordinates, s.ID, s.Lat, s.Lon)
		}
	}
	return nil
}

// OptimizationRequest is the aggregate root of one optimization
type OptimizationRequest struct {
	ID            string        `bson:"_id"`
	VehicleID     string        `bson:"vehicleId"`
	RequesterID   string        `bson:"requesterId"`
	Stops         []Stop        `bson:"stops"`
	Preferences   Preferences   `bson:"preferences"`
	Status        RequestStatus `bson:"status"`
	FailureReason string        `bson:"failureReason,omitempty"`
	RouteID       string        `bson:"routeId,omitempty"`
	CreatedAt     time.Time     `bson:"createdAt"`
	UpdatedAt     time.Time     `bson:"updatedAt"`
	CompletedAt   *time.Time    `bson:"completedAt,omitempty"`
	DomainEvents  []DomainEvent `bson:"-"`
}

// NewOptimizationRequest validates input and creates a request in
// REQUESTED. An empty id generates one.
func NewOptimizationRequest(id, vehicleID, requesterID string, stops []Stop, prefs Preferences, now time.Time) (*OptimizationRequest, error) {
	if strings.TrimSpace(vehicleID) == "" {
		return nil, ErrMissingVehicle
	}
	if err := ValidateStops(stops); err != nil {
		return nil, err
	}
	objective, err := ParseOptimizeFor(string(prefs.OptimizeFor))
	if err != nil {
		return nil, err
	}
	prefs.OptimizeFor = objective

	if id == "" {
		id = uuid.NewString()
	}

	return &OptimizationRequest{
		ID:          id,
		VehicleID:   vehicleID,
		RequesterID: requesterID,
		Stops:       append([]Stop(nil), stops...),
		Preferences: prefs,
		Status:      StatusRequested,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (r *OptimizationRequest) transition(next RequestStatus, now time.Time) error {
	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	r.Status = next
	r.UpdatedAt = now
	return nil
}

// StartOptimizing moves the request to OPTIMIZING
func (r *OptimizationRequest) StartOptimizing(now time.Time) error {
	if err := r.transition(StatusOptimizing, now); err != nil {
		return err
	}
	r.AddDomainEvent(&OptimizationRequestedEvent{
		RequestID:   r.ID,
		VehicleID:   r.VehicleID,
		RequesterID: r.RequesterID,
		Stops:       r.Stops,
		Preferences: r.Preferences,
		RequestedAt: now,
	})
	return nil
}

// Complete records the optimized route and moves the request to OPTIMIZED
func (r *OptimizationRequest) Complete(route *OptimizedRoute, now time.Time) error {
	if route == nil || route.RequestID != r.ID {
		return fmt.Errorf("%w: route does not belong to request %s", ErrInvalidTransition, r.ID)
	}
	if err := r.transition(StatusOptimized, now); err != nil {
		return err
	}
	r.RouteID = route.ID
	r.CompletedAt = &now
	r.AddDomainEvent(&RouteOptimizedEvent{Route: *route, CompletedAt: now})
	return nil
}

// Fail moves the request to FAILED
func (r *OptimizationRequest) Fail(reason string, now time.Time) error {
	if err := r.transition(StatusFailed, now); err != nil {
		return err
	}
	r.FailureReason = reason
	r.CompletedAt = &now
	r.AddDomainEvent(&OptimizationFailedEvent{
		RequestID: r.ID,
		VehicleID: r.VehicleID,
		Reason:    reason,
		FailedAt:  now,
	})
	return nil
}

// AddDomainEvent adds a domain event to be published
func (r *OptimizationRequest) AddDomainEvent(event DomainEvent) {
	r.DomainEvents = append(r.DomainEvents, event)
}

// PullDomainEvents returns and clears the pending domain events
func (r *OptimizationRequest) PullDomainEvents() []DomainEvent {
	evts := r.DomainEvents
	r.DomainEvents = nil
	return evts
}
