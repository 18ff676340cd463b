package optimizer

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleet-platform/route-orchestrator/internal/domain"
	"github.com/fleet-platform/route-orchestrator/pkg/resilience"
	pkgtesting "github.com/fleet-platform/route-orchestrator/pkg/testing"
)

var departAt = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func prio(p int) *int { return &p }

func nycInput() domain.OptimizationInput {
	return domain.OptimizationInput{
		Stops: []domain.Stop{
			{ID: "s1", Lat: 40.7128, Lon: -74.0060},
			{ID: "s2", Lat: 40.7589, Lon: -73.9851},
		},
		Preferences: domain.Preferences{OptimizeFor: domain.OptimizeForTime},
		DepartAt:    departAt,
	}
}

func assertPlanInvariants(t *testing.T, input domain.OptimizationInput, plan *domain.RoutePlan) {
	t.Helper()
	require.NoError(t, plan.Validate(input.Stops))
	assert.GreaterOrEqual(t, plan.Metrics.TimeSaved, 0)
	assert.GreaterOrEqual(t, plan.Metrics.DistanceSaved, 0.0)
	assert.GreaterOrEqual(t, plan.Metrics.FuelSaved, 0.0)
}

func TestDeterministicOptimizer_NYCTwoStops(t *testing.T) {
	input := nycInput()
	plan, err := NewDeterministicOptimizer(StubConfig{}).Optimize(context.Background(), input)
	require.NoError(t, err)

	assertPlanInvariants(t, input, plan)
	require.Len(t, plan.Waypoints, 2)
	assert.Equal(t, "s1", plan.Waypoints[0].StopID)
	assert.Equal(t, "s2", plan.Waypoints[1].StopID)
	assert.Greater(t, plan.TotalDistance, 0.0)
	assert.Greater(t, plan.TotalDuration, 0)
	assert.Equal(t, departAt, plan.Waypoints[0].EstimatedArrival)
	assert.Equal(t, departAt.Add(time.Duration(plan.TotalDuration)*time.Second), plan.Waypoints[1].EstimatedArrival)
	assert.Equal(t, ProviderStub, plan.Provider)
}

func TestDeterministicOptimizer_OrdersByPriority(t *testing.T) {
	input := domain.OptimizationInput{
		Stops: []domain.Stop{
			{ID: "a", Lat: 40.70, Lon: -74.00},
			{ID: "b", Lat: 40.80, Lon: -73.90, Priority: prio(2)},
			{ID: "c", Lat: 40.75, Lon: -73.95, Priority: prio(1)},
			{ID: "d", Lat: 40.72, Lon: -73.99, Priority: prio(2)},
			{ID: "e", Lat: 40.71, Lon: -74.01},
		},
		DepartAt: departAt,
	}

	plan, err := NewDeterministicOptimizer(StubConfig{}).Optimize(context.Background(), input)
	require.NoError(t, err)
	assertPlanInvariants(t, input, plan)

	var ids []string
	for _, w := range plan.Waypoints {
		ids = append(ids, w.StopID)
	}
	assert.Equal(t, []string{"c", "b", "d", "a", "e"}, ids)
}

func TestDeterministicOptimizer_IsDeterministic(t *testing.T) {
	o := NewDeterministicOptimizer(StubConfig{})
	first, err := o.Optimize(context.Background(), nycInput())
	require.NoError(t, err)
	second, err := o.Optimize(context.Background(), nycInput())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDeterministicOptimizer_SlowerWhenAvoidingHighways(t *testing.T) {
	o := NewDeterministicOptimizer(StubConfig{})
	fast, err := o.Optimize(context.Background(), nycInput())
	require.NoError(t, err)

	input := nycInput()
	input.Preferences.AvoidHighways = true
	slow, err := o.Optimize(context.Background(), input)
	require.NoError(t, err)

	assert.Greater(t, slow.TotalDuration, fast.TotalDuration)
	assert.Equal(t, fast.TotalDistance, slow.TotalDistance)
}

func TestDeterministicOptimizer_OriginAddsFirstLeg(t *testing.T) {
	input := nycInput()
	input.Origin = &domain.Location{Lat: 40.70, Lon: -74.02}

	plan, err := NewDeterministicOptimizer(StubConfig{}).Optimize(context.Background(), input)
	require.NoError(t, err)
	assertPlanInvariants(t, input, plan)
	assert.True(t, plan.Waypoints[0].EstimatedArrival.After(departAt))
}

func TestDeterministicOptimizer_RejectsMalformedInput(t *testing.T) {
	o := NewDeterministicOptimizer(StubConfig{})

	input := nycInput()
	input.Stops[1].Lat = 123
	_, err := o.Optimize(context.Background(), input)
	assert.ErrorIs(t, err, domain.ErrProvider)

	input = nycInput()
	input.Origin = &domain.Location{Lat: 0, Lon: 500}
	_, err = o.Optimize(context.Background(), input)
	assert.ErrorIs(t, err, domain.ErrProvider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = o.Optimize(ctx, nycInput())
	assert.ErrorIs(t, err, domain.ErrProvider)
}

// squareMatrix serves a fixed matrix for n locations where going
// i -> j costs |i-j| * 1000 meters and |i-j| * 60 seconds
func squareMatrix(n int) matrixResponse {
	var mr matrixResponse
	for i := 0; i < n; i++ {
		var dRow, tRow []*float64
		for j := 0; j < n; j++ {
			steps := float64(i - j)
			if steps < 0 {
				steps = -steps
			}
			d, dur := steps*1000, steps*60
			dRow = append(dRow, &d)
			tRow = append(tRow, &dur)
		}
		mr.Distances = append(mr.Distances, dRow)
		mr.Durations = append(mr.Durations, tRow)
	}
	return mr
}

func fastRetry() *resilience.RetryConfig {
	return &resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}
}

func newORS(t *testing.T, url string, opts ...ORSOption) *ORSOptimizer {
	t.Helper()
	o, err := NewORSOptimizer(ORSConfig{BaseURL: url, APIKey: "key", Timeout: 2 * time.Second, Retry: fastRetry()}, nil, opts...)
	require.NoError(t, err)
	return o
}

// latitudeMatrix costs 10 km per degree of latitude at 10 m/s
func latitudeMatrix(locations [][]float64) matrixResponse {
	var mr matrixResponse
	for _, from := range locations {
		var dRow, tRow []*float64
		for _, to := range locations {
			d := math.Abs(from[1]-to[1]) * 10000
			dur := d / 10
			dRow = append(dRow, &d)
			tRow = append(tRow, &dur)
		}
		mr.Distances = append(mr.Distances, dRow)
		mr.Durations = append(mr.Durations, tRow)
	}
	return mr
}

func TestORSOptimizer_NearestNeighbourOverMatrix(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/v2/matrix/driving-car", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("Authorization"))

		var req matrixRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		assert.Equal(t, []float64{-74.0, 40.0}, req.Locations[0], "locations are lon,lat")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(latitudeMatrix(req.Locations))
	}))
	defer srv.Close()

	input := domain.OptimizationInput{
		Stops: []domain.Stop{
			{ID: "start", Lat: 40.0, Lon: -74.0},
			{ID: "far", Lat: 40.3, Lon: -74.0},
			{ID: "near", Lat: 40.1, Lon: -74.0},
			{ID: "mid", Lat: 40.2, Lon: -74.0},
		},
		Preferences: domain.Preferences{OptimizeFor: domain.OptimizeForDistance},
		DepartAt:    departAt,
	}

	plan, err := newORS(t, srv.URL).Optimize(context.Background(), input)
	require.NoError(t, err)
	assertPlanInvariants(t, input, plan)

	var ids []string
	for _, w := range plan.Waypoints {
		ids = append(ids, w.StopID)
	}
	assert.Equal(t, []string{"start", "near", "mid", "far"}, ids)
	assert.Equal(t, ProviderORS, plan.Provider)
	assert.InDelta(t, 3000, plan.TotalDistance, 0.5)
	assert.InDelta(t, 3000, plan.Metrics.DistanceSaved, 0.5, "submission order is 6 km")
	assert.Equal(t, 300, plan.Metrics.TimeSaved)
	assert.Greater(t, plan.Metrics.FuelSaved, 0.0)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestORSOptimizer_PriorityBandsBeforeDistance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req matrixRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(latitudeMatrix(req.Locations))
	}))
	defer srv.Close()

	input := domain.OptimizationInput{
		Stops: []domain.Stop{
			{ID: "near", Lat: 40.1, Lon: -74.0},
			{ID: "urgent", Lat: 40.9, Lon: -74.0, Priority: prio(1)},
			{ID: "mid", Lat: 40.5, Lon: -74.0},
		},
		DepartAt: departAt,
		Origin:   &domain.Location{Lat: 40.0, Lon: -74.0},
	}

	plan, err := newORS(t, srv.URL).Optimize(context.Background(), input)
	require.NoError(t, err)
	assertPlanInvariants(t, input, plan)

	var ids []string
	for _, w := range plan.Waypoints {
		ids = append(ids, w.StopID)
	}
	assert.Equal(t, []string{"urgent", "mid", "near"}, ids)
	assert.True(t, plan.Waypoints[0].EstimatedArrival.After(departAt), "first leg starts at the origin")
}

func TestORSOptimizer_RetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(squareMatrix(2))
	}))
	defer srv.Close()

	plan, err := newORS(t, srv.URL).Optimize(context.Background(), nycInput())
	require.NoError(t, err)
	assert.Len(t, plan.Waypoints, 2)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestORSOptimizer_ProviderErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		calls   int32
	}{
		{
			name:    "client error is not retried",
			handler: func(w http.ResponseWriter, r *http.Request) { http.Error(w, "bad key", http.StatusForbidden) },
			calls:   1,
		},
		{
			name:    "server errors exhaust retries",
			handler: func(w http.ResponseWriter, r *http.Request) { http.Error(w, "down", http.StatusBadGateway) },
			calls:   3,
		},
		{
			name: "unroutable pair",
			handler: func(w http.ResponseWriter, r *http.Request) {
				mr := squareMatrix(2)
				mr.Distances[0][1] = nil
				_ = json.NewEncoder(w).Encode(mr)
			},
			calls: 1,
		},
		{
			name: "wrong shape",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(squareMatrix(3))
			},
			calls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				tt.handler(w, r)
			}))
			defer srv.Close()

			plan, err := newORS(t, srv.URL).Optimize(context.Background(), nycInput())
			assert.ErrorIs(t, err, domain.ErrProvider)
			assert.Nil(t, plan)
			assert.Equal(t, tt.calls, atomic.LoadInt32(&calls))
		})
	}
}

func TestORSOptimizer_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	o, err := NewORSOptimizer(ORSConfig{BaseURL: srv.URL, APIKey: "key", Timeout: 50 * time.Millisecond, Retry: fastRetry()}, nil)
	require.NoError(t, err)

	_, err = o.Optimize(context.Background(), nycInput())
	assert.ErrorIs(t, err, domain.ErrProvider)
}

func TestORSOptimizer_UsesRedisMatrixCache(t *testing.T) {
	mr, client := pkgtesting.MiniRedis(t)

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(squareMatrix(2))
	}))
	defer srv.Close()

	o := newORS(t, srv.URL, WithMatrixCache(NewRedisMatrixCache(client, time.Minute, nil)))
	for i := 0; i < 3; i++ {
		_, err := o.Optimize(context.Background(), nycInput())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	key := MatrixKey("driving-car", points(nycInput()))
	assert.True(t, mr.Exists(key))
	assert.Equal(t, time.Minute, mr.TTL(key))
}

func TestRedisMatrixCache_CorruptEntryIsAMiss(t *testing.T) {
	mr, client := pkgtesting.MiniRedis(t)

	require.NoError(t, mr.Set("routing:matrix:x", "not json"))
	c := NewRedisMatrixCache(client, 0, nil)

	m, ok, err := c.Get(context.Background(), "routing:matrix:x")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, m)
}

func TestMatrixKey(t *testing.T) {
	a := []domain.Location{{Lat: 40.7128, Lon: -74.0060}, {Lat: 40.7589, Lon: -73.9851}}
	b := []domain.Location{{Lat: 40.71280000001, Lon: -74.0060}, {Lat: 40.7589, Lon: -73.9851}}
	reversed := []domain.Location{a[1], a[0]}

	assert.Equal(t, MatrixKey("driving-car", a), MatrixKey("driving-car", b))
	assert.NotEqual(t, MatrixKey("driving-car", a), MatrixKey("driving-car", reversed))
	assert.NotEqual(t, MatrixKey("driving-car", a), MatrixKey("cycling-regular", a))
}
