package application

import (
	"fmt"

	"github.com/fleet-platform/route-orchestrator/internal/domain"
	"github.com/fleet-platform/route-orchestrator/internal/infrastructure/notification"
	"github.com/fleet-platform/route-orchestrator/pkg/events"
)

// ToRequestStatusDTO converts a request, and its route when known
func ToRequestStatusDTO(req *domain.OptimizationRequest, route *domain.OptimizedRoute) *RequestStatusDTO {
	if req == nil {
		return nil
	}

	stops := make([]StopDTO, 0, len(req.Stops))
	for _, s := range req.Stops {
		stops = append(stops, StopDTO{ID: s.ID, Lat: s.Lat, Lon: s.Lon, Address: s.Address, Priority: s.Priority})
	}

	return &RequestStatusDTO{
		RequestID:     req.ID,
		VehicleID:     req.VehicleID,
		RequesterID:   req.RequesterID,
		Status:        string(req.Status),
		FailureReason: req.FailureReason,
		Stops:         stops,
		Preferences: PreferencesDTO{
			AvoidTolls:    req.Preferences.AvoidTolls,
			AvoidHighways: req.Preferences.AvoidHighways,
			OptimizeFor:   string(req.Preferences.OptimizeFor),
		},
		RouteID:     req.RouteID,
		Route:       ToOptimizedRouteDTO(route),
		CreatedAt:   req.CreatedAt,
		UpdatedAt:   req.UpdatedAt,
		CompletedAt: req.CompletedAt,
	}
}

// ToSubmitResultDTO converts a request outcome into the Submit response
func ToSubmitResultDTO(req *domain.OptimizationRequest, route *domain.OptimizedRoute) *SubmitResultDTO {
	result := &SubmitResultDTO{
		RequestID:     req.ID,
		Status:        string(req.Status),
		FailureReason: req.FailureReason,
	}
	if route != nil {
		result.OptimizedRoute = ToOptimizedRouteDTO(route)
		metrics := result.OptimizedRoute.OptimizationMetrics
		result.OptimizationMetrics = &metrics
	}
	return result
}

// ToOptimizedRouteDTO converts a domain route
func ToOptimizedRouteDTO(route *domain.OptimizedRoute) *OptimizedRouteDTO {
	if route == nil {
		return nil
	}
	return &OptimizedRouteDTO{
		RouteID:       route.ID,
		RequestID:     route.RequestID,
		VehicleID:     route.VehicleID,
		TotalDistance: route.TotalDistance,
		TotalDuration: route.TotalDuration,
		Waypoints:     ToWaypointDTOs(route.Waypoints),
		OptimizationMetrics: MetricsDTO{
			TimeSaved:     route.Metrics.TimeSaved,
			DistanceSaved: route.Metrics.DistanceSaved,
			FuelSaved:     route.Metrics.FuelSaved,
		},
		Provider:  route.Provider,
		Revision:  route.Revision,
		CreatedAt: route.CreatedAt,
		UpdatedAt: route.UpdatedAt,
	}
}

// ToWaypointDTOs converts waypoints
func ToWaypointDTOs(wps []domain.Waypoint) []WaypointDTO {
	out := make([]WaypointDTO, 0, len(wps))
	for _, w := range wps {
		out = append(out, WaypointDTO{
			StopID:           w.StopID,
			Lat:              w.Lat,
			Lon:              w.Lon,
			Address:          w.Address,
			EstimatedArrival: w.EstimatedArrival,
		})
	}
	return out
}

// ToRouteUpdateDTO converts a route update
func ToRouteUpdateDTO(u *domain.RouteUpdate) *RouteUpdateDTO {
	if u == nil {
		return nil
	}
	return &RouteUpdateDTO{
		UpdateID:        u.ID,
		RouteID:         u.RouteID,
		VehicleID:       u.VehicleID,
		Sequence:        u.Sequence,
		Reason:          string(u.Reason),
		CurrentLocation: LocationDTO{Lat: u.CurrentLocation.Lat, Lon: u.CurrentLocation.Lon},
		NewWaypoints:    ToWaypointDTOs(u.NewWaypoints),
		TotalDistance:   u.TotalDistance,
		TotalDuration:   u.TotalDuration,
		CreatedAt:       u.CreatedAt,
	}
}

func toWaypointData(wps []domain.Waypoint) []events.WaypointData {
	out := make([]events.WaypointData, 0, len(wps))
	for _, w := range wps {
		out = append(out, events.WaypointData{
			StopID:           w.StopID,
			Lat:              w.Lat,
			Lon:              w.Lon,
			Address:          w.Address,
			EstimatedArrival: w.EstimatedArrival,
		})
	}
	return out
}

// ToEventPayload converts a domain event into its wire payload
func ToEventPayload(evt domain.DomainEvent) (events.Payload, error) {
	switch e := evt.(type) {
	case *domain.OptimizationRequestedEvent:
		ids := make([]string, 0, len(e.Stops))
		for _, s := range e.Stops {
			ids = append(ids, s.ID)
		}
		return &events.OptimizationRequestedData{
			RequestID:   e.RequestID,
			VehicleID:   e.VehicleID,
			RequesterID: e.RequesterID,
			StopIDs:     ids,
			Preferences: events.PreferencesData{
				AvoidTolls:    e.Preferences.AvoidTolls,
				AvoidHighways: e.Preferences.AvoidHighways,
				OptimizeFor:   string(e.Preferences.OptimizeFor),
			},
			RequestedAt: e.RequestedAt,
		}, nil

	case *domain.RouteOptimizedEvent:
		return &events.RouteOptimizedData{
			RequestID:     e.Route.RequestID,
			RouteID:       e.Route.ID,
			VehicleID:     e.Route.VehicleID,
			TotalDistance: e.Route.TotalDistance,
			TotalDuration: e.Route.TotalDuration,
			Waypoints:     toWaypointData(e.Route.Waypoints),
			Metrics: events.MetricsData{
				TimeSaved:     e.Route.Metrics.TimeSaved,
				DistanceSaved: e.Route.Metrics.DistanceSaved,
				FuelSaved:     e.Route.Metrics.FuelSaved,
			},
			CompletedAt: e.CompletedAt,
		}, nil

	case *domain.OptimizationFailedEvent:
		return &events.OptimizationFailedData{
			RequestID: e.RequestID,
			VehicleID: e.VehicleID,
			Reason:    e.Reason,
			FailedAt:  e.FailedAt,
		}, nil

	case *domain.RouteUpdateRequestedEvent:
		u := e.Update
		return &events.RouteUpdateRequestedData{
			UpdateID:        u.ID,
			RouteID:         u.RouteID,
			VehicleID:       u.VehicleID,
			Sequence:        u.Sequence,
			Reason:          string(u.Reason),
			CurrentLocation: events.LocationData{Lat: u.CurrentLocation.Lat, Lon: u.CurrentLocation.Lon},
			NewWaypoints:    toWaypointData(u.NewWaypoints),
			RequestedAt:     u.CreatedAt,
		}, nil
	}
	return nil, fmt.Errorf("no payload for domain event %T", evt)
}

// ToNotification converts a domain event into a push notification.
// Route updates are numbered by their update sequence.
func ToNotification(evt domain.DomainEvent) (notification.Notification, bool) {
	n := notification.Notification{Type: evt.EventType(), Timestamp: evt.OccurredAt()}

	switch e := evt.(type) {
	case *domain.OptimizationRequestedEvent:
		n.RequestID = e.RequestID
		n.VehicleID = e.VehicleID
		n.Status = string(domain.StatusOptimizing)
	case *domain.RouteOptimizedEvent:
		n.RequestID = e.Route.RequestID
		n.RouteID = e.Route.ID
		n.VehicleID = e.Route.VehicleID
		n.Status = string(domain.StatusOptimized)
		n.Data = ToOptimizedRouteDTO(&e.Route)
	case *domain.OptimizationFailedEvent:
		n.RequestID = e.RequestID
		n.VehicleID = e.VehicleID
		n.Status = string(domain.StatusFailed)
		n.Data = map[string]string{"reason": e.Reason}
	case *domain.RouteUpdateRequestedEvent:
		n.RouteID = e.Update.RouteID
		n.VehicleID = e.Update.VehicleID
		n.Sequence = e.Update.Sequence
		n.Data = ToRouteUpdateDTO(&e.Update)
	default:
		return n, false
	}
	return n, true
}
