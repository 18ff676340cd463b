package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType identifies one variant of the envelope union
type EventType string

// Event types published by the routing orchestrator
const (
	RouteOptimizationRequested EventType = "ROUTE_OPTIMIZATION_REQUESTED"
	RouteOptimized             EventType = "ROUTE_OPTIMIZED"
	RouteOptimizationFailed    EventType = "ROUTE_OPTIMIZATION_FAILED"
	RouteUpdateRequested       EventType = "ROUTE_UPDATE_REQUESTED"
)

// AllEventTypes lists every variant in declaration order
var AllEventTypes = []EventType{
	RouteOptimizationRequested,
	RouteOptimized,
	RouteOptimizationFailed,
	RouteUpdateRequested,
}

// SchemaVersion is stamped on every envelope produced by this package.
// Consumers must check the major version before reading optional fields.
const SchemaVersion = "1.0"

// ProducerRouting is the producer name of the routing orchestrator
const ProducerRouting = "route-orchestrator"

var (
	ErrUnknownEventType   = errors.New("unknown event type")
	ErrUnsupportedVersion = errors.New("unsupported schema version")
)

// Payload is the closed set of typed envelope data. The unexported method
// keeps the union closed to this package.
type Payload interface {
	EventType() EventType
	// AggregateID is the partition key for the event
	AggregateID() string
	identity() string
}

// Envelope is the wire contract for every published event
type Envelope struct {
	SchemaVersion  string    `json:"schemaVersion"`
	EventType      EventType `json:"eventType"`
	OccurredAt     time.Time `json:"occurredAt"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Producer       string    `json:"producer"`
	Data           Payload   `json:"data"`
}

// Subject returns the partition key of the wrapped payload
func (e *Envelope) Subject() string {
	if e.Data == nil {
		return ""
	}
	return e.Data.AggregateID()
}

type rawEnvelope struct {
	SchemaVersion  string          `json:"schemaVersion"`
	EventType      EventType       `json:"eventType"`
	OccurredAt     time.Time       `json:"occurredAt"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Producer       string          `json:"producer"`
	Data           json.RawMessage `json:"data"`
}

// UnmarshalJSON decodes the data field into the variant named by eventType
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var raw rawEnvelope
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	if !SupportsVersion(raw.SchemaVersion) {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, raw.SchemaVersion)
	}

	payload, err := newPayload(raw.EventType)
	if err != nil {
		return err
	}
	if len(raw.Data) > 0 && string(raw.Data) != "null" {
		if err := json.Unmarshal(raw.Data, payload); err != nil {
			return fmt.Errorf("decode %s data: %w", raw.EventType, err)
		}
	}

	e.SchemaVersion = raw.SchemaVersion
	e.EventType = raw.EventType
	e.OccurredAt = raw.OccurredAt
	e.IdempotencyKey = raw.IdempotencyKey
	e.Producer = raw.Producer
	e.Data = payload
	return nil
}

func newPayload(t EventType) (Payload, error) {
	switch t {
	case RouteOptimizationRequested:
		return &OptimizationRequestedData{}, nil
	case RouteOptimized:
		return &RouteOptimizedData{}, nil
	case RouteOptimizationFailed:
		return &OptimizationFailedData{}, nil
	case RouteUpdateRequested:
		return &RouteUpdateRequestedData{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
}

// SupportsVersion reports whether a schema version shares our major version
func SupportsVersion(v string) bool {
	major, _, _ := strings.Cut(v, ".")
	current, _, _ := strings.Cut(SchemaVersion, ".")
	return major != "" && major == current
}

// PreferencesData mirrors the optimization preferences on the wire
type PreferencesData struct {
	AvoidTolls    bool   `json:"avoidTolls"`
	AvoidHighways bool   `json:"avoidHighways"`
	OptimizeFor   string `json:"optimizeFor"`
}

// LocationData is a bare coordinate pair
type LocationData struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// WaypointData is one ordered stop of a route
type WaypointData struct {
	StopID           string    `json:"stopId"`
	Lat              float64   `json:"lat"`
	Lon              float64   `json:"lon"`
	Address          string    `json:"address,omitempty"`
	EstimatedArrival time.Time `json:"estimatedArrival"`
}

// MetricsData carries the savings against the submission-order route
type MetricsData struct {
	TimeSaved     int     `json:"timeSaved"`
	DistanceSaved float64 `json:"distanceSaved"`
	FuelSaved     float64 `json:"fuelSaved"`
}

// OptimizationRequestedData is published once a request passes validation
type OptimizationRequestedData struct {
	RequestID   string          `json:"requestId"`
	VehicleID   string          `json:"vehicleId"`
	RequesterID string          `json:"requesterId,omitempty"`
	StopIDs     []string        `json:"stopIds"`
	Preferences PreferencesData `json:"preferences"`
	RequestedAt time.Time       `json:"requestedAt"`
}

func (d *OptimizationRequestedData) EventType() EventType { return RouteOptimizationRequested }
func (d *OptimizationRequestedData) AggregateID() string  { return d.RequestID }
func (d *OptimizationRequestedData) identity() string     { return d.RequestID }

// RouteOptimizedData is published when the optimizer produced a route
type RouteOptimizedData struct {
	RequestID     string         `json:"requestId"`
	RouteID       string         `json:"routeId"`
	VehicleID     string         `json:"vehicleId"`
	TotalDistance float64        `json:"totalDistance"`
	TotalDuration int            `json:"totalDuration"`
	Waypoints     []WaypointData `json:"waypoints"`
	Metrics       MetricsData    `json:"optimizationMetrics"`
	CompletedAt   time.Time      `json:"completedAt"`
}

func (d *RouteOptimizedData) EventType() EventType { return RouteOptimized }
func (d *RouteOptimizedData) AggregateID() string  { return d.RequestID }
func (d *RouteOptimizedData) identity() string     { return d.RequestID }

// OptimizationFailedData is published when a request ends in FAILED
type OptimizationFailedData struct {
	RequestID string    `json:"requestId"`
	VehicleID string    `json:"vehicleId"`
	Reason    string    `json:"reason"`
	FailedAt  time.Time `json:"failedAt"`
}

func (d *OptimizationFailedData) EventType() EventType { return RouteOptimizationFailed }
func (d *OptimizationFailedData) AggregateID() string  { return d.RequestID }
func (d *OptimizationFailedData) identity() string     { return d.RequestID }

// RouteUpdateRequestedData is published for every applied route update
type RouteUpdateRequestedData struct {
	UpdateID        string         `json:"updateId"`
	RouteID         string         `json:"routeId"`
	VehicleID       string         `json:"vehicleId"`
	Sequence        int64          `json:"sequence"`
	Reason          string         `json:"reason"`
	CurrentLocation LocationData   `json:"currentLocation"`
	NewWaypoints    []WaypointData `json:"newWaypoints"`
	RequestedAt     time.Time      `json:"requestedAt"`
}

func (d *RouteUpdateRequestedData) EventType() EventType { return RouteUpdateRequested }
func (d *RouteUpdateRequestedData) AggregateID() string  { return d.RouteID }
func (d *RouteUpdateRequestedData) identity() string     { return d.UpdateID }
