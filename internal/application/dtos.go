package application

import "time"

// SubmitResultDTO is returned by Submit
type SubmitResultDTO struct {
	RequestID           string             `json:"requestId"`
	Status              string             `json:"status"`
	FailureReason       string             `json:"failureReason,omitempty"`
	OptimizedRoute      *OptimizedRouteDTO `json:"optimizedRoute,omitempty"`
	OptimizationMetrics *MetricsDTO        `json:"optimizationMetrics,omitempty"`
}

// RequestStatusDTO represents an optimization request in responses
type RequestStatusDTO struct {
	RequestID     string             `json:"requestId"`
	VehicleID     string             `json:"vehicleId"`
	RequesterID   string             `json:"requesterId,omitempty"`
	Status        string             `json:"status"`
	FailureReason string             `json:"failureReason,omitempty"`
	Stops         []StopDTO          `json:"stops"`
	Preferences   PreferencesDTO     `json:"preferences"`
	RouteID       string             `json:"routeId,omitempty"`
	Route         *OptimizedRouteDTO `json:"route,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
	CompletedAt   *time.Time         `json:"completedAt,omitempty"`
}

// StopDTO represents a submitted stop
type StopDTO struct {
	ID       string  `json:"id"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Address  string  `json:"address,omitempty"`
	Priority *int    `json:"priority,omitempty"`
}

// PreferencesDTO represents routing preferences
type PreferencesDTO struct {
	AvoidTolls    bool   `json:"avoidTolls"`
	AvoidHighways bool   `json:"avoidHighways"`
	OptimizeFor   string `json:"optimizeFor"`
}

// OptimizedRouteDTO represents an optimized route in responses
type OptimizedRouteDTO struct {
	RouteID             string        `json:"routeId"`
	RequestID           string        `json:"requestId"`
	VehicleID           string        `json:"vehicleId"`
	TotalDistance       float64       `json:"totalDistance"` // meters
	TotalDuration       int           `json:"totalDuration"` // seconds
	Waypoints           []WaypointDTO `json:"waypoints"`
	OptimizationMetrics MetricsDTO    `json:"optimizationMetrics"`
	Provider            string        `json:"provider,omitempty"`
	Revision            int           `json:"revision"`
	CreatedAt           time.Time     `json:"createdAt"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}

// WaypointDTO represents an ordered stop with its arrival estimate
type WaypointDTO struct {
	StopID           string    `json:"stopId"`
	Lat              float64   `json:"lat"`
	Lon              float64   `json:"lon"`
	Address          string    `json:"address,omitempty"`
	EstimatedArrival time.Time `json:"estimatedArrival"`
}

// MetricsDTO represents savings against the submission order
type MetricsDTO struct {
	TimeSaved     int     `json:"timeSaved"`
	DistanceSaved float64 `json:"distanceSaved"`
	FuelSaved     float64 `json:"fuelSaved"`
}

// LocationDTO represents a coordinate
type LocationDTO struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RouteUpdateDTO represents one entry of a route's update history
type RouteUpdateDTO struct {
	UpdateID        string        `json:"updateId"`
	RouteID         string        `json:"routeId"`
	VehicleID       string        `json:"vehicleId"`
	Sequence        int64         `json:"sequence"`
	Reason          string        `json:"reason"`
	CurrentLocation LocationDTO   `json:"currentLocation"`
	NewWaypoints    []WaypointDTO `json:"newWaypoints"`
	TotalDistance   float64       `json:"totalDistance"`
	TotalDuration   int           `json:"totalDuration"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// ActiveRouteDTO is a vehicle's current route and its latest update
type ActiveRouteDTO struct {
	Route        OptimizedRouteDTO `json:"route"`
	LatestUpdate *RouteUpdateDTO   `json:"latestUpdate,omitempty"`
}

// HistoryDTO is one page of a requester's requests
type HistoryDTO struct {
	Requests []RequestStatusDTO
	Page     int
	PageSize int
	Total    int64
}
