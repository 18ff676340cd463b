package application

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleet-platform/route-orchestrator/internal/domain"
	"github.com/fleet-platform/route-orchestrator/internal/infrastructure/directory"
	"github.com/fleet-platform/route-orchestrator/internal/infrastructure/memory"
	"github.com/fleet-platform/route-orchestrator/internal/infrastructure/notification"
	"github.com/fleet-platform/route-orchestrator/internal/infrastructure/optimizer"
	apperrors "github.com/fleet-platform/route-orchestrator/pkg/errors"
	"github.com/fleet-platform/route-orchestrator/pkg/events"
	"github.com/fleet-platform/route-orchestrator/pkg/kafka"
	"github.com/fleet-platform/route-orchestrator/pkg/outbox"
	"github.com/fleet-platform/route-orchestrator/pkg/resilience"
)

// recordingPublisher accepts every envelope
type recordingPublisher struct {
	mu   sync.Mutex
	envs []*events.Envelope
}

func (p *recordingPublisher) Publish(ctx context.Context, env *events.Envelope) kafka.PublishResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return kafka.PublishResult{EventType: env.EventType, IdempotencyKey: env.IdempotencyKey, Delivered: true}
}

func (p *recordingPublisher) types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.EventType, 0, len(p.envs))
	for _, e := range p.envs {
		out = append(out, e.EventType)
	}
	return out
}

// countingOptimizer counts calls to the wrapped optimizer
type countingOptimizer struct {
	domain.RouteOptimizer
	calls int32
}

func (c *countingOptimizer) Optimize(ctx context.Context, input domain.OptimizationInput) (*domain.RoutePlan, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.RouteOptimizer.Optimize(ctx, input)
}

// failingOptimizer always fails
type failingOptimizer struct{ err error }

func (f failingOptimizer) Name() string { return "failing" }

func (f failingOptimizer) Optimize(ctx context.Context, input domain.OptimizationInput) (*domain.RoutePlan, error) {
	return nil, f.err
}

// blockingOptimizer waits for release or its context before delegating
type blockingOptimizer struct {
	inner   domain.RouteOptimizer
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingOptimizer() *blockingOptimizer {
	return &blockingOptimizer{
		inner:   optimizer.NewDeterministicOptimizer(optimizer.StubConfig{}),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (b *blockingOptimizer) Name() string { return "blocking" }

func (b *blockingOptimizer) Optimize(ctx context.Context, input domain.OptimizationInput) (*domain.RoutePlan, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return b.inner.Optimize(ctx, input)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *blockingOptimizer) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-b.started:
	case <-time.After(2 * time.Second):
		t.Fatal("optimizer was not called")
	}
}

// testClock is a settable clock
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store     *memory.StateStore
	publisher *recordingPublisher
	hub       *notification.Hub
	clock     *testClock
	orch      *RouteOrchestrator
}

func newFixture(t *testing.T, opt domain.RouteOptimizer, cfg OrchestratorConfig, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:     memory.NewStateStore(),
		publisher: &recordingPublisher{},
		hub:       notification.NewHub(16, nil, nil),
		clock:     newTestClock(),
	}
	if opt == nil {
		opt = optimizer.NewDeterministicOptimizer(optimizer.StubConfig{})
	}
	opts = append([]Option{WithClock(f.clock.Now)}, opts...)
	f.orch = NewRouteOrchestrator(f.store, opt, f.publisher, f.hub, cfg, nil, opts...)
	t.Cleanup(f.hub.Close)
	return f
}

func nycCommand(requestID string) SubmitOptimizationCommand {
	return SubmitOptimizationCommand{
		RequestID:   requestID,
		VehicleID:   "v1",
		RequesterID: "u1",
		Stops: []domain.Stop{
			{ID: "s1", Lat: 40.7128, Lon: -74.0060, Address: "City Hall"},
			{ID: "s2", Lat: 40.7589, Lon: -73.9851, Address: "Times Square"},
		},
		Preferences: domain.Preferences{OptimizeFor: domain.OptimizeForTime},
	}
}

func nextNotification(t *testing.T, sub *notification.Subscription) notification.Notification {
	t.Helper()
	select {
	case n := <-sub.C:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
		return notification.Notification{}
	}
}

func TestSubmit_OptimizesAndPublishes(t *testing.T) {
	f := newFixture(t, nil, OrchestratorConfig{})
	sub := f.hub.Subscribe("v1")
	defer sub.Close()

	res, err := f.orch.Submit(context.Background(), nycCommand(""))
	require.NoError(t, err)

	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, string(domain.StatusOptimized), res.Status)
	require.NotNil(t, res.OptimizedRoute)
	require.Len(t, res.OptimizedRoute.Waypoints, 2)
	assert.Equal(t, "s1", res.OptimizedRoute.Waypoints[0].StopID)
	assert.Equal(t, "s2", res.OptimizedRoute.Waypoints[1].StopID)
	assert.Greater(t, res.OptimizedRoute.TotalDistance, 0.0)
	assert.Greater(t, res.OptimizedRoute.TotalDuration, 0)
	require.NotNil(t, res.OptimizationMetrics)
	assert.GreaterOrEqual(t, res.OptimizationMetrics.TimeSaved, 0)

	assert.Equal(t, []events.EventType{events.RouteOptimizationRequested, events.RouteOptimized}, f.publisher.types())

	stored, err := f.store.GetRequest(context.Background(), res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOptimized, stored.Status)
	assert.Equal(t, res.OptimizedRoute.RouteID, stored.RouteID)
	require.NotNil(t, stored.CompletedAt)

	first := nextNotification(t, sub)
	assert.Equal(t, string(domain.StatusOptimizing), first.Status)
	assert.Equal(t, int64(1), first.Sequence)
	second := nextNotification(t, sub)
	assert.Equal(t, string(domain.StatusOptimized), second.Status)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, res.OptimizedRoute.RouteID, second.RouteID)
}

func TestSubmit_ValidationLeavesNoTrace(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SubmitOptimizationCommand)
	}{
		{"one stop", func(c *SubmitOptimizationCommand) { c.Stops = c.Stops[:1] }},
		{"no stops", func(c *SubmitOptimizationCommand) { c.Stops = nil }},
		{"latitude out of range", func(c *SubmitOptimizationCommand) { c.Stops[0].Lat = 91 }},
		{"longitude out of range", func(c *SubmitOptimizationCommand) { c.Stops[1].Lon = -181 }},
		{"duplicate stop", func(c *SubmitOptimizationCommand) { c.Stops[1].ID = c.Stops[0].ID }},
		{"missing stop id", func(c *SubmitOptimizationCommand) { c.Stops[0].ID = " " }},
		{"missing vehicle", func(c *SubmitOptimizationCommand) { c.VehicleID = "" }},
		{"bad objective", func(c *SubmitOptimizationCommand) { c.Preferences.OptimizeFor = "scenery" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, OrchestratorConfig{})
			cmd := nycCommand("req-invalid")
			tt.mutate(&cmd)

			res, err := f.orch.Submit(context.Background(), cmd)
			assert.Nil(t, res)
			assert.True(t, apperrors.IsCode(err, apperrors.CodeValidationError), "got %v", err)

			_, err = f.store.GetRequest(context.Background(), "req-invalid")
			assert.ErrorIs(t, err, domain.ErrRequestNotFound)
			assert.Empty(t, f.publisher.types())
		})
	}
}

func TestSubmit_UnknownVehicle(t *testing.T) {
	f := newFixture(t, nil, OrchestratorConfig{}, WithVehicleDirectory(directory.NewStaticDirectory([]string{"v1"})))

	cmd := nycCommand("")
	cmd.VehicleID = "v9"
	_, err := f.orch.Submit(context.Background(), cmd)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidationError))
	assert.ErrorIs(t, err, domain.ErrUnknownVehicle)

	_, err = f.orch.Submit(context.Background(), nycCommand(""))
	assert.NoError(t, err)
}

func TestSubmit_ProviderFailureFailsRequest(t *testing.T) {
	f := newFixture(t, failingOptimizer{err: errors.New("matrix service down")}, OrchestratorConfig{})

	res, err := f.orch.Submit(context.Background(), nycCommand("req-1"))
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusFailed), res.Status)
	assert.Contains(t, res.FailureReason, "matrix service down")
	assert.Nil(t, res.OptimizedRoute)

	stored, err := f.store.GetRequest(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Empty(t, stored.RouteID)

	assert.Equal(t, []events.EventType{events.RouteOptimizationRequested, events.RouteOptimizationFailed}, f.publisher.types())
}

func TestSubmit_OptimizerTimeout(t *testing.T) {
	b := newBlockingOptimizer()
	f := newFixture(t, b, OrchestratorConfig{OptimizeTimeout: 20 * time.Millisecond})

	res, err := f.orch.Submit(context.Background(), nycCommand("req-1"))
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusFailed), res.Status)
	assert.Equal(t, "optimization timed out", res.FailureReason)
}

func TestSubmit_BrokerOutageStillCompletes(t *testing.T) {
	store := memory.NewStateStore()
	repo := outbox.NewMemoryRepository()

	var dials int32
	cfg := kafka.DefaultConfig()
	cfg.PublishTimeout = 100 * time.Millisecond
	conn := kafka.NewConnectionManager(cfg, nil, kafka.WithDialer(func(ctx context.Context, cfg *kafka.Config) (kafka.MessageWriter, error) {
		atomic.AddInt32(&dials, 1)
		return nil, errors.New("connection refused")
	}))
	breaker := resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
		Name:      "kafka",
		Threshold: 2,
		Cooldown:  time.Minute,
	}, nil)
	publisher := kafka.NewEventPublisher(conn, breaker, cfg, nil, kafka.WithUndeliveredSink(outbox.NewSink(repo)))

	orch := NewRouteOrchestrator(store, optimizer.NewDeterministicOptimizer(optimizer.StubConfig{}), publisher, nil, OrchestratorConfig{}, nil)

	for _, id := range []string{"req-1", "req-2"} {
		res, err := orch.Submit(context.Background(), nycCommand(id))
		require.NoError(t, err)
		assert.Equal(t, string(domain.StatusOptimized), res.Status)
		require.NotNil(t, res.OptimizedRoute)
	}

	pending, err := repo.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, pending, "every undelivered event is parked")
	assert.Equal(t, resilience.StateOpen, breaker.State())
	assert.Equal(t, int32(2), atomic.LoadInt32(&dials), "an open breaker stops dialing")
}

func TestSubmit_ReplayOfOptimizedRequest(t *testing.T) {
	counting := &countingOptimizer{RouteOptimizer: optimizer.NewDeterministicOptimizer(optimizer.StubConfig{})}
	f := newFixture(t, counting, OrchestratorConfig{})

	first, err := f.orch.Submit(context.Background(), nycCommand("req-1"))
	require.NoError(t, err)
	published := len(f.publisher.types())

	again, err := f.orch.Submit(context.Background(), nycCommand("req-1"))
	require.NoError(t, err)
	assert.Equal(t, first.OptimizedRoute.RouteID, again.OptimizedRoute.RouteID)
	assert.Equal(t, string(domain.StatusOptimized), again.Status)
	assert.Len(t, f.publisher.types(), published, "replay publishes nothing")
	assert.Equal(t, int32(1), atomic.LoadInt32(&counting.calls))
}

func TestSubmit_ReplayOfFailedRequestConflicts(t *testing.T) {
	f := newFixture(t, failingOptimizer{err: errors.New("boom")}, OrchestratorConfig{})

	_, err := f.orch.Submit(context.Background(), nycCommand("req-1"))
	require.NoError(t, err)

	_, err = f.orch.Submit(context.Background(), nycCommand("req-1"))
	assert.True(t, apperrors.IsCode(err, apperrors.CodeConflict), "got %v", err)
}

func TestSubmit_ConcurrentSameRequestID(t *testing.T) {
	b := newBlockingOptimizer()
	f := newFixture(t, b, OrchestratorConfig{Async: true})

	const n = 8
	var accepted, conflicts int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.orch.Submit(context.Background(), nycCommand("req-1"))
			switch {
			case err == nil:
				assert.Equal(t, string(domain.StatusOptimizing), res.Status)
				atomic.AddInt32(&accepted, 1)
			case apperrors.IsCode(err, apperrors.CodeConflict):
				atomic.AddInt32(&conflicts, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted)
	assert.Equal(t, int32(n-1), conflicts)

	close(b.release)
	f.orch.Wait()

	status, err := f.orch.GetStatus(context.Background(), GetStatusQuery{RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusOptimized), status.Status)
	assert.Equal(t, []events.EventType{events.RouteOptimizationRequested, events.RouteOptimized}, f.publisher.types())
}

func TestSubmit_CallerCancelDoesNotAbortOptimization(t *testing.T) {
	b := newBlockingOptimizer()
	f := newFixture(t, b, OrchestratorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		res *SubmitResultDTO
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.orch.Submit(ctx, nycCommand("req-1"))
		done <- outcome{res, err}
	}()

	b.waitStarted(t)
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(b.release)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, string(domain.StatusOptimized), out.res.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not return")
	}
}

func TestSubmit_AsyncReturnsOptimizing(t *testing.T) {
	b := newBlockingOptimizer()
	f := newFixture(t, b, OrchestratorConfig{Async: true})

	res, err := f.orch.Submit(context.Background(), nycCommand("req-1"))
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusOptimizing), res.Status)
	assert.Nil(t, res.OptimizedRoute)

	status, err := f.orch.GetStatus(context.Background(), GetStatusQuery{RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusOptimizing), status.Status)
	assert.Nil(t, status.Route)

	close(b.release)
	f.orch.Wait()

	status, err = f.orch.GetStatus(context.Background(), GetStatusQuery{RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusOptimized), status.Status)
	require.NotNil(t, status.Route)
	assert.Equal(t, status.RouteID, status.Route.RouteID)
}

func TestGetStatus_UnknownRequest(t *testing.T) {
	f := newFixture(t, nil, OrchestratorConfig{})
	_, err := f.orch.GetStatus(context.Background(), GetStatusQuery{RequestID: "missing"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestApplyUpdate_AppendsSequencedHistory(t *testing.T) {
	f := newFixture(t, nil, OrchestratorConfig{})
	res, err := f.orch.Submit(context.Background(), nycCommand("req-1"))
	require.NoError(t, err)
	routeID := res.OptimizedRoute.RouteID

	sub := f.hub.Subscribe(routeID)
	defer sub.Close()

	loc := domain.Location{Lat: 40.7300, Lon: -73.9950}
	first, err := f.orch.ApplyUpdate(context.Background(), ApplyRouteUpdateCommand{RouteID: routeID, CurrentLocation: loc, Reason: "traffic_change"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, "traffic_change", first.Reason)
	assert.Len(t, first.NewWaypoints, 2)

	f.clock.Advance(time.Minute)
	second, err := f.orch.ApplyUpdate(context.Background(), ApplyRouteUpdateCommand{RouteID: routeID, CurrentLocation: loc, Reason: "driver_request"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Sequence)

	route, err := f.store.GetRoute(context.Background(), routeID)
	require.NoError(t, err)
	assert.Equal(t, 3, route.Revision)
	assert.Equal(t, int64(2), route.LastSequence)

	updates, err := f.store.ListUpdates(context.Background(), routeID)
	require.NoError(t, err)
	require.Len(t, updates, 2)

	assert.Equal(t, int64(1), nextNotification(t, sub).Sequence)
	n := nextNotification(t, sub)
	assert.Equal(t, int64(2), n.Sequence)
	assert.Equal(t, "ROUTE_UPDATE_REQUESTED", n.Type)

	types := f.publisher.types()
	assert.Equal(t, events.RouteUpdateRequested, types[len(types)-1])
}

func TestApplyUpdate_Errors(t *testing.T) {
	f := newFixture(t, nil, OrchestratorConfig{})
	res, err := f.orch.Submit(context.Background(), nycCommand("req-1"))
	require.NoError(t, err)
	routeID := res.OptimizedRoute.RouteID
	published := len(f.publisher.types())

	tests := []struct {
		name string
		cmd  ApplyRouteUpdateCommand
		code string
	}{
		{"unknown route", ApplyRouteUpdateCommand{RouteID: "missing", CurrentLocation: domain.Location{Lat: 40, Lon: -74}, Reason: "emergency"}, apperrors.CodeNotFound},
		{"bad reason", ApplyRouteUpdateCommand{RouteID: routeID, CurrentLocation: domain.Location{Lat: 40, Lon: -74}, Reason: "boredom"}, apperrors.CodeValidationError},
		{"bad location", ApplyRouteUpdateCommand{RouteID: routeID, CurrentLocation: domain.Location{Lat: 120, Lon: -74}, Reason: "emergency"}, apperrors.CodeValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.ApplyUpdate(context.Background(), tt.cmd)
			assert.True(t, apperrors.IsCode(err, tt.code), "got %v", err)
		})
	}

	updates, err := f.store.ListUpdates(context.Background(), routeID)
	require.NoError(t, err)
	assert.Empty(t, updates)
	assert.Len(t, f.publisher.types(), published)
}

func TestApplyUpdate_ProviderFailure(t *testing.T) {
	f := newFixture(t, nil, OrchestratorConfig{})
	res, err := f.orch.Submit(context.Background(), nycCommand("req-1"))
	require.NoError(t, err)

	f.orch.optimizer = failingOptimizer{err: errors.New("boom")}
	_, err = f.orch.ApplyUpdate(context.Background(), ApplyRouteUpdateCommand{
		RouteID:         res.OptimizedRoute.RouteID,
		CurrentLocation: domain.Location{Lat: 40.73, Lon: -73.99},
		Reason:          "emergency",
	})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeProviderError))

	route, err := f.store.GetRoute(context.Background(), res.OptimizedRoute.RouteID)
	require.NoError(t, err)
	assert.Equal(t, 1, route.Revision)
}

// failingAppendStore rejects every history append
type failingAppendStore struct {
	*memory.StateStore
}

func (s failingAppendStore) AppendUpdate(ctx context.Context, update *domain.RouteUpdate) error {
	return domain.ErrSequenceConflict
}

func TestApplyUpdate_FailedAppendLeavesRouteUnchanged(t *testing.T) {
	f := newFixture(t, nil, OrchestratorConfig{})
	res, err := f.orch.Submit(context.Background(), nycCommand("req-1"))
	require.NoError(t, err)
	routeID := res.OptimizedRoute.RouteID

	before, err := f.store.GetRoute(context.Background(), routeID)
	require.NoError(t, err)
	published := len(f.publisher.types())

	f.orch.store = failingAppendStore{StateStore: f.store}
	_, err = f.orch.ApplyUpdate(context.Background(), ApplyRouteUpdateCommand{
		RouteID:         routeID,
		CurrentLocation: domain.Location{Lat: 40.73, Lon: -73.99},
		Reason:          "traffic_change",
	})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeConflict), "got %v", err)

	after, err := f.store.GetRoute(context.Background(), routeID)
	require.NoError(t, err)
	assert.Equal(t, before.Revision, after.Revision)
	assert.Equal(t, before.LastSequence, after.LastSequence)
	assert.Equal(t, before.Waypoints, after.Waypoints)

	updates, err := f.store.ListUpdates(context.Background(), routeID)
	require.NoError(t, err)
	assert.Empty(t, updates)
	assert.Len(t, f.publisher.types(), published)
}

func TestGetActiveRoute(t *testing.T) {
	f := newFixture(t, nil, OrchestratorConfig{})

	_, err := f.orch.GetActiveRoute(context.Background(), GetActiveRouteQuery{VehicleID: "v1"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))

	_, err = f.orch.Submit(context.Background(), nycCommand("req-1"))
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	latest, err := f.orch.Submit(context.Background(), nycCommand("req-2"))
	require.NoError(t, err)

	active, err := f.orch.GetActiveRoute(context.Background(), GetActiveRouteQuery{VehicleID: "v1"})
	require.NoError(t, err)
	assert.Equal(t, latest.OptimizedRoute.RouteID, active.Route.RouteID)
	assert.Nil(t, active.LatestUpdate)

	_, err = f.orch.ApplyUpdate(context.Background(), ApplyRouteUpdateCommand{
		RouteID:         latest.OptimizedRoute.RouteID,
		CurrentLocation: domain.Location{Lat: 40.73, Lon: -73.99},
		Reason:          "traffic_change",
	})
	require.NoError(t, err)

	active, err = f.orch.GetActiveRoute(context.Background(), GetActiveRouteQuery{VehicleID: "v1"})
	require.NoError(t, err)
	require.NotNil(t, active.LatestUpdate)
	assert.Equal(t, int64(1), active.LatestUpdate.Sequence)
	assert.Equal(t, 2, active.Route.Revision)
}

func TestGetHistory_PagesNewestFirst(t *testing.T) {
	f := newFixture(t, nil, OrchestratorConfig{})
	for _, id := range []string{"req-1", "req-2", "req-3"} {
		_, err := f.orch.Submit(context.Background(), nycCommand(id))
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	page, err := f.orch.GetHistory(context.Background(), GetHistoryQuery{RequesterID: "u1", Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	require.Len(t, page.Requests, 2)
	assert.Equal(t, "req-3", page.Requests[0].RequestID)
	assert.Equal(t, "req-2", page.Requests[1].RequestID)

	page, err = f.orch.GetHistory(context.Background(), GetHistoryQuery{RequesterID: "u1", Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Requests, 1)
	assert.Equal(t, "req-1", page.Requests[0].RequestID)

	page, err = f.orch.GetHistory(context.Background(), GetHistoryQuery{RequesterID: "u1", Page: 0, PageSize: 1000})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, MaxPageSize, page.PageSize)

	page, err = f.orch.GetHistory(context.Background(), GetHistoryQuery{RequesterID: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, page.Requests)
	assert.Equal(t, DefaultPageSize, page.PageSize)
}

func TestRecoverStale_FailsAbandonedRequests(t *testing.T) {
	f := newFixture(t, nil, OrchestratorConfig{})
	ctx := context.Background()

	req, err := domain.NewOptimizationRequest("req-stuck", "v1", "u1", nycCommand("").Stops, domain.Preferences{}, f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, req.StartOptimizing(f.clock.Now()))
	require.NoError(t, f.store.CreateRequest(ctx, req))

	n, err := f.orch.RecoverStale(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "request is not stale yet")

	f.clock.Advance(10 * time.Minute)
	n, err = f.orch.RecoverStale(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.store.GetRequest(ctx, "req-stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, AbandonedReason, stored.FailureReason)
	assert.Equal(t, []events.EventType{events.RouteOptimizationFailed}, f.publisher.types())

	n, err = f.orch.RecoverStale(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecoverStale_WinsOverLateOptimization(t *testing.T) {
	b := newBlockingOptimizer()
	f := newFixture(t, b, OrchestratorConfig{Async: true})
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, nycCommand("req-1"))
	require.NoError(t, err)
	b.waitStarted(t)

	f.clock.Advance(10 * time.Minute)
	n, err := f.orch.RecoverStale(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	close(b.release)
	f.orch.Wait()

	stored, err := f.store.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, AbandonedReason, stored.FailureReason)
	assert.Empty(t, stored.RouteID)
	assert.Equal(t, []events.EventType{events.RouteOptimizationRequested, events.RouteOptimizationFailed}, f.publisher.types())
}

func TestToAppError(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{domain.ErrInvalidStops, apperrors.CodeValidationError},
		{domain.ErrUnknownVehicle, apperrors.CodeValidationError},
		{domain.ErrRequestNotFound, apperrors.CodeNotFound},
		{domain.ErrRouteNotFound, apperrors.CodeNotFound},
		{domain.ErrRequestExists, apperrors.CodeConflict},
		{domain.ErrSequenceConflict, apperrors.CodeConflict},
		{domain.ErrProvider, apperrors.CodeProviderError},
		{context.DeadlineExceeded, apperrors.CodeTimeout},
		{errors.New("disk on fire"), apperrors.CodeInternalError},
		{apperrors.ErrBadRequest("kept"), apperrors.CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.code+"/"+tt.err.Error(), func(t *testing.T) {
			assert.True(t, apperrors.IsCode(toAppError(tt.err), tt.code))
		})
	}
	assert.NoError(t, toAppError(nil))
}
