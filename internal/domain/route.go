package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Waypoint is a stop in visiting order with its estimated arrival
type Waypoint struct {
	StopID           string    `bson:"stopId" json:"stopId"`
	Lat              float64   `bson:"lat" json:"lat"`
	Lon              float64   `bson:"lon" json:"lon"`
	Address          string    `bson:"address,omitempty" json:"address,omitempty"`
	Priority         *int      `bson:"priority,omitempty" json:"priority,omitempty"`
	EstimatedArrival time.Time `bson:"estimatedArrival" json:"estimatedArrival"`
}

// Stop converts the waypoint back into a stop for re-planning
func (w Waypoint) Stop() Stop {
	return Stop{ID: w.StopID, Lat: w.Lat, Lon: w.Lon, Address: w.Address, Priority: w.Priority}
}

// OptimizationMetrics are the savings against the submission-order route.
// Every value is clamped at zero.
type OptimizationMetrics struct {
	TimeSaved     int     `bson:"timeSaved" json:"timeSaved"`         // seconds
	DistanceSaved float64 `bson:"distanceSaved" json:"distanceSaved"` // meters
	FuelSaved     float64 `bson:"fuelSaved" json:"fuelSaved"`         // liters
}

// RoutePlan is what an optimizer returns
type RoutePlan struct {
	Waypoints     []Waypoint
	TotalDistance float64 // meters
	TotalDuration int     // seconds
	Metrics       OptimizationMetrics
	Provider      string
}

// Validate checks that the plan visits exactly the given stops with
// non-decreasing arrivals and non-negative totals.
func (p *RoutePlan) Validate(stops []Stop) error {
	if p == nil {
		return fmt.Errorf("%w: empty plan", ErrProvider)
	}
	if p.TotalDistance < 0 || p.TotalDuration < 0 {
		return fmt.Errorf("%w: negative totals", ErrProvider)
	}
	if p.Metrics.TimeSaved < 0 || p.Metrics.DistanceSaved < 0 || p.Metrics.FuelSaved < 0 {
		return fmt.Errorf("%w: negative metrics", ErrProvider)
	}
	if len(p.Waypoints) != len(stops) {
		return fmt.Errorf("%w: %d waypoints for %d stops", ErrProvider, len(p.Waypoints), len(stops))
	}

	want := make(map[string]int, len(stops))
	for _, s := range stops {
		want[s.ID]++
	}
	for i, w := range p.Waypoints {
		want[w.StopID]--
		if want[w.StopID] < 0 {
			return fmt.Errorf("%w: unexpected waypoint %s", ErrProvider, w.StopID)
		}
		if i > 0 && w.EstimatedArrival.Before(p.Waypoints[i-1].EstimatedArrival) {
			return fmt.Errorf("%w: arrival at %s precedes previous waypoint", ErrProvider, w.StopID)
		}
	}
	return nil
}

// OptimizedRoute is the result of a successful optimization. Updates replace
// its waypoints and bump Revision; the update history is kept separately.
type OptimizedRoute struct {
	ID            string              `bson:"_id"`
	RequestID     string              `bson:"requestId"`
	VehicleID     string              `bson:"vehicleId"`
	TotalDistance float64             `bson:"totalDistance"`
	TotalDuration int                 `bson:"totalDuration"`
	Waypoints     []Waypoint          `bson:"waypoints"`
	Metrics       OptimizationMetrics `bson:"optimizationMetrics"`
	Provider      string              `bson:"provider"`
	Revision      int                 `bson:"revision"`
	LastSequence  int64               `bson:"lastSequence"`
	CreatedAt     time.Time           `bson:"createdAt"`
	UpdatedAt     time.Time           `bson:"updatedAt"`
}

// NewOptimizedRoute builds a route for req from a validated plan
func NewOptimizedRoute(req *OptimizationRequest, plan *RoutePlan, now time.Time) (*OptimizedRoute, error) {
	if err := plan.Validate(req.Stops); err != nil {
		return nil, err
	}
	return &OptimizedRoute{
		ID:            uuid.NewString(),
		RequestID:     req.ID,
		VehicleID:     req.VehicleID,
		TotalDistance: plan.TotalDistance,
		TotalDuration: plan.TotalDuration,
		Waypoints:     append([]Waypoint(nil), plan.Waypoints...),
		Metrics:       plan.Metrics,
		Provider:      plan.Provider,
		Revision:      1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Stops returns the route's waypoints as stops in their current order
func (r *OptimizedRoute) Stops() []Stop {
	stops := make([]Stop, len(r.Waypoints))
	for i, w := range r.Waypoints {
		stops[i] = w.Stop()
	}
	return stops
}

// UpdateReason is why a route was re-planned
type UpdateReason string

const (
	ReasonTrafficChange UpdateReason = "traffic_change"
	ReasonDriverRequest UpdateReason = "driver_request"
	ReasonEmergency     UpdateReason = "emergency"
)

// ParseUpdateReason parses an update reason
func ParseUpdateReason(s string) (UpdateReason, error) {
	switch r := UpdateReason(strings.ToLower(strings.TrimSpace(s))); r {
	case ReasonTrafficChange, ReasonDriverRequest, ReasonEmergency:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidUpdateReason, s)
	}
}

// RouteUpdate is one entry of a route's append-only update history
type RouteUpdate struct {
	ID              string       `bson:"_id" json:"id"`
	RouteID         string       `bson:"routeId" json:"routeId"`
	VehicleID       string       `bson:"vehicleId" json:"vehicleId"`
	Sequence        int64        `bson:"sequence" json:"sequence"`
	Reason          UpdateReason `bson:"reason" json:"reason"`
	CurrentLocation Location     `bson:"currentLocation" json:"currentLocation"`
	NewWaypoints    []Waypoint   `bson:"newWaypoints" json:"newWaypoints"`
	TotalDistance   float64      `bson:"totalDistance" json:"totalDistance"`
	TotalDuration   int          `bson:"totalDuration" json:"totalDuration"`
	CreatedAt       time.Time    `bson:"createdAt" json:"createdAt"`
}

// ApplyUpdate replaces the route's plan with a re-plan made from loc and
// returns the history entry with the next sequence number. The route is
// left unchanged on error.
func (r *OptimizedRoute) ApplyUpdate(reason UpdateReason, loc Location, plan *RoutePlan, now time.Time) (*RouteUpdate, *RouteUpdateRequestedEvent, error) {
	if _, err := ParseUpdateReason(string(reason)); err != nil {
		return nil, nil, err
	}
	if !loc.Valid() {
		return nil, nil, fmt.Errorf("%w: current location (%v, %v)", ErrInvalidCoordinates, loc.Lat, loc.Lon)
	}
	if err := plan.Validate(r.Stops()); err != nil {
		return nil, nil, err
	}

	update := &RouteUpdate{
		ID:              uuid.NewString(),
		RouteID:         r.ID,
		VehicleID:       r.VehicleID,
		Sequence:        r.LastSequence + 1,
		Reason:          reason,
		CurrentLocation: loc,
		NewWaypoints:    append([]Waypoint(nil), plan.Waypoints...),
		TotalDistance:   plan.TotalDistance,
		TotalDuration:   plan.TotalDuration,
		CreatedAt:       now,
	}

	r.LastSequence = update.Sequence
	r.Waypoints = append([]Waypoint(nil), plan.Waypoints...)
	r.TotalDistance = plan.TotalDistance
	r.TotalDuration = plan.TotalDuration
	r.Revision++
	r.UpdatedAt = now

	return update, &RouteUpdateRequestedEvent{Update: *update}, nil
}
