package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fleet-platform/route-orchestrator/internal/domain"
)

// StateStore is an in-process domain.StateStore. Values are copied in and
// out so callers never share memory with the store.
type StateStore struct {
	mu       sync.RWMutex
	requests map[string]*domain.OptimizationRequest
	routes   map[string]*domain.OptimizedRoute
	updates  map[string][]*domain.RouteUpdate
}

// NewStateStore creates an empty store
func NewStateStore() *StateStore {
	return &StateStore{
		requests: make(map[string]*domain.OptimizationRequest),
		routes:   make(map[string]*domain.OptimizedRoute),
		updates:  make(map[string][]*domain.RouteUpdate),
	}
}

func copyRequest(r *domain.OptimizationRequest) *domain.OptimizationRequest {
	cp := *r
	cp.Stops = append([]domain.Stop(nil), r.Stops...)
	cp.DomainEvents = nil
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func copyRoute(r *domain.OptimizedRoute) *domain.OptimizedRoute {
	cp := *r
	cp.Waypoints = append([]domain.Waypoint(nil), r.Waypoints...)
	return &cp
}

func copyUpdate(u *domain.RouteUpdate) *domain.RouteUpdate {
	cp := *u
	cp.NewWaypoints = append([]domain.Waypoint(nil), u.NewWaypoints...)
	return &cp
}

// CreateRequest stores a new request
func (s *StateStore) CreateRequest(ctx context.Context, req *domain.OptimizationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[req.ID]; ok {
		return domain.ErrRequestExists
	}
	s.requests[req.ID] = copyRequest(req)
	return nil
}

// SaveRequest replaces a stored request
func (s *StateStore) SaveRequest(ctx context.Context, req *domain.OptimizationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[req.ID]; !ok {
		return domain.ErrRequestNotFound
	}
	s.requests[req.ID] = copyRequest(req)
	return nil
}

// GetRequest returns a request by id
func (s *StateStore) GetRequest(ctx context.Context, requestID string) (*domain.OptimizationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[requestID]
	if !ok {
		return nil, domain.ErrRequestNotFound
	}
	return copyRequest(r), nil
}

// ListRequestsByRequester returns a requester's requests, newest first
func (s *StateStore) ListRequestsByRequester(ctx context.Context, requesterID string, page domain.Page) ([]*domain.OptimizationRequest, int64, error) {
	s.mu.RLock()
	var matched []*domain.OptimizationRequest
	for _, r := range s.requests {
		if r.RequesterID == requesterID {
			matched = append(matched, copyRequest(r))
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	start := page.Offset()
	if start >= len(matched) {
		return []*domain.OptimizationRequest{}, total, nil
	}
	end := len(matched)
	if page.Size > 0 && start+page.Size < end {
		end = start + page.Size
	}
	return matched[start:end], total, nil
}

// FindStaleOptimizing returns OPTIMIZING requests last updated before cutoff
func (s *StateStore) FindStaleOptimizing(ctx context.Context, cutoff time.Time, limit int) ([]*domain.OptimizationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []*domain.OptimizationRequest
	for _, r := range s.requests {
		if r.Status == domain.StatusOptimizing && r.UpdatedAt.Before(cutoff) {
			stale = append(stale, copyRequest(r))
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// SaveRoute stores or replaces a route
func (s *StateStore) SaveRoute(ctx context.Context, route *domain.OptimizedRoute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[route.ID] = copyRoute(route)
	return nil
}

// GetRoute returns a route by id
func (s *StateStore) GetRoute(ctx context.Context, routeID string) (*domain.OptimizedRoute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.routes[routeID]
	if !ok {
		return nil, domain.ErrRouteNotFound
	}
	return copyRoute(r), nil
}

// FindLatestRouteByVehicle returns the vehicle's most recently created route
func (s *StateStore) FindLatestRouteByVehicle(ctx context.Context, vehicleID string) (*domain.OptimizedRoute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.OptimizedRoute
	for _, r := range s.routes {
		if r.VehicleID != vehicleID {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, domain.ErrRouteNotFound
	}
	return copyRoute(latest), nil
}

// AppendUpdate appends to a route's history
func (s *StateStore) AppendUpdate(ctx context.Context, update *domain.RouteUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.routes[update.RouteID]; !ok {
		return domain.ErrRouteNotFound
	}
	for _, u := range s.updates[update.RouteID] {
		if u.Sequence == update.Sequence {
			return domain.ErrSequenceConflict
		}
	}
	s.updates[update.RouteID] = append(s.updates[update.RouteID], copyUpdate(update))
	return nil
}

// ListUpdates returns a route's history in sequence order
func (s *StateStore) ListUpdates(ctx context.Context, routeID string) ([]*domain.RouteUpdate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.RouteUpdate, 0, len(s.updates[routeID]))
	for _, u := range s.updates[routeID] {
		out = append(out, copyUpdate(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}
