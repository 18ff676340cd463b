// Package storetest holds the behaviour every domain.StateStore must share.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleet-platform/route-orchestrator/internal/domain"
)

// Run runs the state store suite against stores built by newStore
func Run(t *testing.T, newStore func(t *testing.T) domain.StateStore) {
	t.Run("request round trip", func(t *testing.T) { testRequestRoundTrip(t, newStore(t)) })
	t.Run("create twice conflicts", func(t *testing.T) { testCreateTwice(t, newStore(t)) })
	t.Run("unknown ids", func(t *testing.T) { testUnknownIDs(t, newStore(t)) })
	t.Run("history paging", func(t *testing.T) { testHistory(t, newStore(t)) })
	t.Run("stale optimizing", func(t *testing.T) { testStale(t, newStore(t)) })
	t.Run("routes and updates", func(t *testing.T) { testRoutes(t, newStore(t)) })
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func request(t *testing.T, id, requester string, createdAt time.Time) *domain.OptimizationRequest {
	t.Helper()
	req, err := domain.NewOptimizationRequest(id, "v1", requester, []domain.Stop{
		{ID: "s1", Lat: 40.7128, Lon: -74.0060, Address: "City Hall"},
		{ID: "s2", Lat: 40.7589, Lon: -73.9851},
	}, domain.Preferences{OptimizeFor: domain.OptimizeForDistance}, createdAt)
	require.NoError(t, err)
	return req
}

func route(id, requestID, vehicleID string, createdAt time.Time) *domain.OptimizedRoute {
	return &domain.OptimizedRoute{
		ID:            id,
		RequestID:     requestID,
		VehicleID:     vehicleID,
		TotalDistance: 5400,
		TotalDuration: 480,
		Waypoints: []domain.Waypoint{
			{StopID: "s1", Lat: 40.7128, Lon: -74.0060, EstimatedArrival: createdAt},
			{StopID: "s2", Lat: 40.7589, Lon: -73.9851, EstimatedArrival: createdAt.Add(8 * time.Minute)},
		},
		Revision:  1,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func testRequestRoundTrip(t *testing.T, s domain.StateStore) {
	ctx := context.Background()
	req := request(t, "req-1", "u1", base)
	require.NoError(t, req.StartOptimizing(base))
	require.NoError(t, s.CreateRequest(ctx, req))

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOptimizing, got.Status)
	assert.Equal(t, req.Stops, got.Stops)
	assert.Equal(t, domain.OptimizeForDistance, got.Preferences.OptimizeFor)

	require.NoError(t, got.Fail("provider timeout", base.Add(time.Second)))
	require.NoError(t, s.SaveRequest(ctx, got))

	got, err = s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "provider timeout", got.FailureReason)
	require.NotNil(t, got.CompletedAt)
}

func testCreateTwice(t *testing.T, s domain.StateStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateRequest(ctx, request(t, "req-1", "u1", base)))
	assert.ErrorIs(t, s.CreateRequest(ctx, request(t, "req-1", "u1", base)), domain.ErrRequestExists)
}

func testUnknownIDs(t *testing.T, s domain.StateStore) {
	ctx := context.Background()
	_, err := s.GetRequest(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRequestNotFound)
	assert.ErrorIs(t, s.SaveRequest(ctx, request(t, "missing", "u1", base)), domain.ErrRequestNotFound)

	_, err = s.GetRoute(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRouteNotFound)
	_, err = s.FindLatestRouteByVehicle(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrRouteNotFound)

	updates, err := s.ListUpdates(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, updates)
}

func testHistory(t *testing.T, s domain.StateStore) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateRequest(ctx, request(t, fmt.Sprintf("req-%d", i), "u1", base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, s.CreateRequest(ctx, request(t, "other", "u2", base)))

	page, total, err := s.ListRequestsByRequester(ctx, "u1", domain.Page{Number: 1, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, page, 2)
	assert.Equal(t, "req-4", page[0].ID)
	assert.Equal(t, "req-3", page[1].ID)

	page, _, err = s.ListRequestsByRequester(ctx, "u1", domain.Page{Number: 3, Size: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "req-0", page[0].ID)

	page, total, err = s.ListRequestsByRequester(ctx, "u1", domain.Page{Number: 9, Size: 2})
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.Equal(t, int64(5), total)
}

func testStale(t *testing.T, s domain.StateStore) {
	ctx := context.Background()

	old := request(t, "old", "u1", base)
	require.NoError(t, old.StartOptimizing(base))
	require.NoError(t, s.CreateRequest(ctx, old))

	fresh := request(t, "fresh", "u1", base)
	require.NoError(t, fresh.StartOptimizing(base.Add(10*time.Minute)))
	require.NoError(t, s.CreateRequest(ctx, fresh))

	done := request(t, "done", "u1", base)
	require.NoError(t, done.StartOptimizing(base))
	require.NoError(t, done.Fail("x", base))
	require.NoError(t, s.CreateRequest(ctx, done))

	stale, err := s.FindStaleOptimizing(ctx, base.Add(5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)
}

func testRoutes(t *testing.T, s domain.StateStore) {
	ctx := context.Background()
	require.NoError(t, s.SaveRoute(ctx, route("r1", "req-1", "v1", base)))
	require.NoError(t, s.SaveRoute(ctx, route("r2", "req-2", "v1", base.Add(time.Hour))))
	require.NoError(t, s.SaveRoute(ctx, route("r3", "req-3", "v2", base.Add(2*time.Hour))))

	latest, err := s.FindLatestRouteByVehicle(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "r2", latest.ID)
	assert.Len(t, latest.Waypoints, 2)

	for seq := int64(1); seq <= 2; seq++ {
		require.NoError(t, s.AppendUpdate(ctx, &domain.RouteUpdate{
			ID:        fmt.Sprintf("u%d", seq),
			RouteID:   "r2",
			VehicleID: "v1",
			Sequence:  seq,
			Reason:    domain.ReasonTrafficChange,
			CreatedAt: base.Add(time.Duration(seq) * time.Minute),
		}))
	}
	err = s.AppendUpdate(ctx, &domain.RouteUpdate{ID: "dup", RouteID: "r2", Sequence: 2, Reason: domain.ReasonEmergency, CreatedAt: base})
	assert.ErrorIs(t, err, domain.ErrSequenceConflict)

	updates, err := s.ListUpdates(ctx, "r2")
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, int64(1), updates[0].Sequence)
	assert.Equal(t, int64(2), updates[1].Sequence)

	latest.Revision = 3
	latest.LastSequence = 2
	require.NoError(t, s.SaveRoute(ctx, latest))
	got, err := s.GetRoute(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Revision)
	assert.Equal(t, int64(2), got.LastSequence)
}
