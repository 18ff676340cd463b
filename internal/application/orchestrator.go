package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleet-platform/route-orchestrator/internal/domain"
	"github.com/fleet-platform/route-orchestrator/internal/infrastructure/notification"
	apperrors "github.com/fleet-platform/route-orchestrator/pkg/errors"
	"github.com/fleet-platform/route-orchestrator/pkg/events"
	"github.com/fleet-platform/route-orchestrator/pkg/kafka"
	"github.com/fleet-platform/route-orchestrator/pkg/logging"
	"github.com/fleet-platform/route-orchestrator/pkg/metrics"
	"github.com/fleet-platform/route-orchestrator/pkg/tracing"
)

// AbandonedReason is the failure reason of requests the recovery sweep
// finds stuck in OPTIMIZING
const AbandonedReason = "abandoned during restart"

// Default page size limits for history queries
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// EventPublisher publishes envelopes and reports whether they were delivered
type EventPublisher interface {
	Publish(ctx context.Context, env *events.Envelope) kafka.PublishResult
}

// Notifier pushes notifications to live observers
type Notifier interface {
	PublishLocal(n notification.Notification) int
}

// OrchestratorConfig holds configuration for the orchestrator
type OrchestratorConfig struct {
	// Async returns from Submit once the request is OPTIMIZING and runs the
	// optimizer in the background
	Async bool
	// OptimizeTimeout bounds each optimizer call
	OptimizeTimeout time.Duration
}

// DefaultOrchestratorConfig returns default configuration
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{OptimizeTimeout: 30 * time.Second}
}

// RouteOrchestrator drives optimization requests through
// REQUESTED -> OPTIMIZING -> OPTIMIZED | FAILED. State changes for one
// request or route are serialized; the optimizer and publisher run outside
// the lock on a context detached from the caller.
type RouteOrchestrator struct {
	store     domain.StateStore
	optimizer domain.RouteOptimizer
	vehicles  domain.VehicleDirectory
	publisher EventPublisher
	notifier  Notifier
	factory   *events.Factory
	locks     *KeyedMutex
	cfg       OrchestratorConfig
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *logging.Logger
	tracer    trace.Tracer
	wg        sync.WaitGroup
}

// Option configures a RouteOrchestrator
type Option func(*RouteOrchestrator)

// WithVehicleDirectory checks vehicles on submit
func WithVehicleDirectory(d domain.VehicleDirectory) Option {
	return func(o *RouteOrchestrator) { o.vehicles = d }
}

// WithEventFactory replaces the envelope factory
func WithEventFactory(f *events.Factory) Option {
	return func(o *RouteOrchestrator) { o.factory = f }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(o *RouteOrchestrator) { o.now = now }
}

// WithMetrics records orchestrator metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *RouteOrchestrator) { o.metrics = m }
}

// NewRouteOrchestrator creates a new RouteOrchestrator
func NewRouteOrchestrator(
	store domain.StateStore,
	optimizer domain.RouteOptimizer,
	publisher EventPublisher,
	notifier Notifier,
	cfg OrchestratorConfig,
	logger *logging.Logger,
	opts ...Option,
) *RouteOrchestrator {
	if cfg.OptimizeTimeout <= 0 {
		cfg.OptimizeTimeout = DefaultOrchestratorConfig().OptimizeTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	o := &RouteOrchestrator{
		store:     store,
		optimizer: optimizer,
		publisher: publisher,
		notifier:  notifier,
		factory:   events.NewFactory(events.ProducerRouting),
		locks:     NewKeyedMutex(),
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.WithComponent("orchestrator"),
		tracer:    otel.Tracer("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit validates a request, stores it as OPTIMIZING and optimizes it.
// A provider failure is returned as a FAILED result, not an error.
func (o *RouteOrchestrator) Submit(ctx context.Context, cmd SubmitOptimizationCommand) (*SubmitResultDTO, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.submit", trace.WithAttributes(
		attribute.String("vehicle.id", cmd.VehicleID),
		attribute.Int("route.stops", len(cmd.Stops)),
	))
	defer span.End()

	now := o.now()
	req, err := domain.NewOptimizationRequest(cmd.RequestID, cmd.VehicleID, cmd.RequesterID, cmd.Stops, cmd.Preferences, now)
	if err != nil {
		o.metrics.RecordOptimizationRequest("rejected")
		return nil, toAppError(err)
	}
	if err := o.checkVehicle(ctx, req.VehicleID); err != nil {
		o.metrics.RecordOptimizationRequest("rejected")
		return nil, err
	}
	span.SetAttributes(attribute.String("request.id", req.ID))

	unlock := o.locks.Lock(req.ID)
	if err := req.StartOptimizing(now); err != nil {
		unlock()
		return nil, toAppError(err)
	}
	err = o.store.CreateRequest(ctx, req)
	unlock()

	if errors.Is(err, domain.ErrRequestExists) {
		return o.replay(ctx, req.ID)
	}
	if err != nil {
		o.logger.WithContext(ctx).WithError(err).Error("Failed to store optimization request", "requestId", req.ID)
		return nil, toAppError(err)
	}

	o.logger.StateTransition(ctx, req.ID, string(domain.StatusRequested), string(domain.StatusOptimizing))
	o.metrics.RecordOptimizationRequest(string(domain.StatusOptimizing))

	detached := context.WithoutCancel(ctx)
	o.emit(detached, req.PullDomainEvents())

	if o.cfg.Async {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if _, err := o.optimize(detached, req); err != nil {
				o.logger.WithContext(detached).WithError(err).Error("Background optimization failed", "requestId", req.ID)
			}
		}()
		return ToSubmitResultDTO(req, nil), nil
	}

	return o.optimize(detached, req)
}

// replay answers a Submit whose request id is already stored
func (o *RouteOrchestrator) replay(ctx context.Context, requestID string) (*SubmitResultDTO, error) {
	stored, err := o.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, toAppError(err)
	}

	if stored.Status != domain.StatusOptimized {
		return nil, apperrors.ErrConflict(fmt.Sprintf("optimization request %s is %s", requestID, stored.Status)).
			WithDetail("status", string(stored.Status))
	}

	route, err := o.store.GetRoute(ctx, stored.RouteID)
	if err != nil {
		return nil, toAppError(err)
	}
	o.logger.WithContext(ctx).Info("Replayed completed optimization request", "requestId", requestID)
	return ToSubmitResultDTO(stored, route), nil
}

func (o *RouteOrchestrator) checkVehicle(ctx context.Context, vehicleID string) error {
	if o.vehicles == nil {
		return nil
	}
	ok, err := o.vehicles.Exists(ctx, vehicleID)
	if err != nil {
		return apperrors.ErrServiceUnavailable("vehicle directory").Wrap(err)
	}
	if !ok {
		return toAppError(fmt.Errorf("%w: %s", domain.ErrUnknownVehicle, vehicleID))
	}
	return nil
}

func (o *RouteOrchestrator) optimize(ctx context.Context, req *domain.OptimizationRequest) (*SubmitResultDTO, error) {
	plan, err := o.plan(ctx, domain.OptimizationInput{
		Stops:       req.Stops,
		Preferences: req.Preferences,
		DepartAt:    o.now(),
	})
	return o.finish(ctx, req.ID, plan, err)
}

// plan runs the optimizer under its own timeout. Every error it returns
// wraps domain.ErrProvider.
func (o *RouteOrchestrator) plan(ctx context.Context, input domain.OptimizationInput) (*domain.RoutePlan, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.OptimizeTimeout)
	defer cancel()

	start := time.Now()
	plan, err := tracing.TracedOperation(ctx, o.tracer, "orchestrator.optimize", func(ctx context.Context) (*domain.RoutePlan, error) {
		return o.optimizer.Optimize(ctx, input)
	}, attribute.String("optimizer.provider", o.optimizer.Name()))
	if err == nil && plan == nil {
		err = errors.New("optimizer returned no plan")
	}
	o.metrics.RecordOptimization(o.optimizer.Name(), err == nil, time.Since(start))

	if err != nil {
		if !errors.Is(err, domain.ErrProvider) {
			err = fmt.Errorf("%w: %w", domain.ErrProvider, err)
		}
		return nil, err
	}
	return plan, nil
}

// finish records the optimizer outcome on the request. A request that left
// OPTIMIZING in the meantime is returned as stored.
func (o *RouteOrchestrator) finish(ctx context.Context, requestID string, plan *domain.RoutePlan, planErr error) (*SubmitResultDTO, error) {
	unlock := o.locks.Lock(requestID)

	req, err := o.store.GetRequest(ctx, requestID)
	if err != nil {
		unlock()
		return nil, toAppError(err)
	}
	if req.Status != domain.StatusOptimizing {
		unlock()
		o.logger.WithContext(ctx).Warn("Optimization finished after the request was closed",
			"requestId", requestID, "status", req.Status)
		return o.result(ctx, req)
	}

	now := o.now()
	var route *domain.OptimizedRoute
	if planErr == nil {
		route, planErr = domain.NewOptimizedRoute(req, plan, now)
	}

	if planErr == nil {
		if err := o.store.SaveRoute(ctx, route); err != nil {
			unlock()
			return nil, toAppError(err)
		}
		err = req.Complete(route, now)
	} else {
		route = nil
		o.logger.WithContext(ctx).WithError(planErr).Warn("Optimization failed", "requestId", requestID)
		err = req.Fail(failureReason(planErr), now)
	}
	if err == nil {
		err = o.store.SaveRequest(ctx, req)
	}
	unlock()
	if err != nil {
		return nil, toAppError(err)
	}

	o.logger.StateTransition(ctx, req.ID, string(domain.StatusOptimizing), string(req.Status))
	o.metrics.RecordOptimizationRequest(string(req.Status))
	o.emit(ctx, req.PullDomainEvents())

	return ToSubmitResultDTO(req, route), nil
}

func (o *RouteOrchestrator) result(ctx context.Context, req *domain.OptimizationRequest) (*SubmitResultDTO, error) {
	if req.Status != domain.StatusOptimized || req.RouteID == "" {
		return ToSubmitResultDTO(req, nil), nil
	}
	route, err := o.store.GetRoute(ctx, req.RouteID)
	if err != nil {
		return nil, toAppError(err)
	}
	return ToSubmitResultDTO(req, route), nil
}

func failureReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "optimization timed out"
	}
	return err.Error()
}

// emit publishes each event and notifies subscribers. Undelivered events
// are logged and otherwise ignored.
func (o *RouteOrchestrator) emit(ctx context.Context, evts []domain.DomainEvent) {
	for _, evt := range evts {
		payload, err := ToEventPayload(evt)
		if err != nil {
			o.logger.WithContext(ctx).WithError(err).Error("Failed to map domain event")
			continue
		}

		res := o.publisher.Publish(ctx, o.factory.Wrap(payload))
		if !res.Delivered {
			o.logger.WithContext(ctx).Warn("Continuing without event delivery",
				"eventType", evt.EventType(),
				"aggregateId", payload.AggregateID(),
				"reason", res.Reason,
			)
		}

		if n, ok := ToNotification(evt); ok && o.notifier != nil {
			o.notifier.PublishLocal(n)
		}
	}
}

// GetStatus returns a request and, once optimized, its route
func (o *RouteOrchestrator) GetStatus(ctx context.Context, query GetStatusQuery) (*RequestStatusDTO, error) {
	req, err := o.store.GetRequest(ctx, query.RequestID)
	if err != nil {
		return nil, toAppError(err)
	}

	var route *domain.OptimizedRoute
	if req.Status == domain.StatusOptimized && req.RouteID != "" {
		route, err = o.store.GetRoute(ctx, req.RouteID)
		if err != nil && !errors.Is(err, domain.ErrRouteNotFound) {
			return nil, toAppError(err)
		}
	}
	return ToRequestStatusDTO(req, route), nil
}

// ApplyUpdate re-plans a route's remaining waypoints from the vehicle's
// current location and appends the result to the route history
func (o *RouteOrchestrator) ApplyUpdate(ctx context.Context, cmd ApplyRouteUpdateCommand) (*RouteUpdateDTO, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.apply_update", trace.WithAttributes(
		attribute.String("route.id", cmd.RouteID),
	))
	defer span.End()

	reason, err := domain.ParseUpdateReason(cmd.Reason)
	if err != nil {
		return nil, toAppError(err)
	}
	loc := cmd.CurrentLocation
	if !loc.Valid() {
		return nil, toAppError(fmt.Errorf("%w: currentLocation (%v, %v)", domain.ErrInvalidCoordinates, loc.Lat, loc.Lon))
	}

	route, err := o.store.GetRoute(ctx, cmd.RouteID)
	if err != nil {
		return nil, toAppError(err)
	}

	prefs := domain.Preferences{OptimizeFor: domain.OptimizeForTime}
	if req, err := o.store.GetRequest(ctx, route.RequestID); err == nil {
		prefs = req.Preferences
	}

	detached := context.WithoutCancel(ctx)
	plan, err := o.plan(detached, domain.OptimizationInput{
		Stops:       route.Stops(),
		Preferences: prefs,
		DepartAt:    o.now(),
		Origin:      &loc,
	})
	if err != nil {
		return nil, apperrors.ErrProvider(failureReason(err)).Wrap(err)
	}

	unlock := o.locks.Lock(route.ID)
	current, err := o.store.GetRoute(detached, route.ID)
	if err != nil {
		unlock()
		return nil, toAppError(err)
	}
	update, evt, err := current.ApplyUpdate(reason, loc, plan, o.now())
	if err == nil {
		// the update is recorded first so every stored route revision has
		// its history entry; the (routeId, sequence) index rejects a reuse
		err = o.store.AppendUpdate(detached, update)
	}
	if err == nil {
		err = o.store.SaveRoute(detached, current)
	}
	unlock()
	if err != nil {
		return nil, toAppError(err)
	}

	o.metrics.RecordRouteUpdate(string(reason))
	o.logger.WithContext(ctx).Info("Route updated",
		"routeId", update.RouteID,
		"sequence", update.Sequence,
		"reason", update.Reason,
	)
	o.emit(detached, []domain.DomainEvent{evt})

	return ToRouteUpdateDTO(update), nil
}

// GetActiveRoute returns a vehicle's latest route with its latest update
func (o *RouteOrchestrator) GetActiveRoute(ctx context.Context, query GetActiveRouteQuery) (*ActiveRouteDTO, error) {
	route, err := o.store.FindLatestRouteByVehicle(ctx, query.VehicleID)
	if err != nil {
		return nil, toAppError(err)
	}
	updates, err := o.store.ListUpdates(ctx, route.ID)
	if err != nil {
		return nil, toAppError(err)
	}

	active := &ActiveRouteDTO{Route: *ToOptimizedRouteDTO(route)}
	if len(updates) > 0 {
		active.LatestUpdate = ToRouteUpdateDTO(updates[len(updates)-1])
	}
	return active, nil
}

// GetHistory returns one page of a requester's requests, newest first
func (o *RouteOrchestrator) GetHistory(ctx context.Context, query GetHistoryQuery) (*HistoryDTO, error) {
	if query.Page < 1 {
		query.Page = 1
	}
	if query.PageSize < 1 {
		query.PageSize = DefaultPageSize
	}
	if query.PageSize > MaxPageSize {
		query.PageSize = MaxPageSize
	}

	reqs, total, err := o.store.ListRequestsByRequester(ctx, query.RequesterID, domain.Page{Number: query.Page, Size: query.PageSize})
	if err != nil {
		return nil, toAppError(err)
	}

	out := make([]RequestStatusDTO, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, *ToRequestStatusDTO(r, nil))
	}
	return &HistoryDTO{Requests: out, Page: query.Page, PageSize: query.PageSize, Total: total}, nil
}

// RecoverStale fails OPTIMIZING requests not updated within staleAfter and
// returns how many it failed
func (o *RouteOrchestrator) RecoverStale(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	cutoff := o.now().Add(-staleAfter)
	stale, err := o.store.FindStaleOptimizing(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to find stale requests: %w", err)
	}

	recovered := 0
	for _, candidate := range stale {
		unlock := o.locks.Lock(candidate.ID)
		req, err := o.store.GetRequest(ctx, candidate.ID)
		if err != nil || req.Status != domain.StatusOptimizing || !req.UpdatedAt.Before(cutoff) {
			unlock()
			continue
		}
		err = req.Fail(AbandonedReason, o.now())
		if err == nil {
			err = o.store.SaveRequest(ctx, req)
		}
		unlock()
		if err != nil {
			o.logger.WithContext(ctx).WithError(err).Error("Failed to recover request", "requestId", req.ID)
			continue
		}

		recovered++
		o.logger.StateTransition(ctx, req.ID, string(domain.StatusOptimizing), string(domain.StatusFailed))
		o.metrics.RecordOptimizationRequest(string(domain.StatusFailed))
		o.emit(context.WithoutCancel(ctx), req.PullDomainEvents())
	}

	o.metrics.RecordRecoveredRequests(recovered)
	return recovered, nil
}

// Wait blocks until background optimizations have finished
func (o *RouteOrchestrator) Wait() {
	o.wg.Wait()
}

// toAppError maps domain and store errors to application errors
func toAppError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.AsAppError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, domain.ErrInvalidStops),
		errors.Is(err, domain.ErrInvalidCoordinates),
		errors.Is(err, domain.ErrDuplicateStop),
		errors.Is(err, domain.ErrMissingStopID),
		errors.Is(err, domain.ErrMissingVehicle),
		errors.Is(err, domain.ErrUnknownVehicle),
		errors.Is(err, domain.ErrInvalidOptimizeFor),
		errors.Is(err, domain.ErrInvalidUpdateReason):
		return apperrors.ErrValidation(err.Error()).Wrap(err)
	case errors.Is(err, domain.ErrRequestNotFound):
		return apperrors.ErrNotFound("optimization request").Wrap(err)
	case errors.Is(err, domain.ErrRouteNotFound):
		return apperrors.ErrNotFound("route").Wrap(err)
	case errors.Is(err, domain.ErrRequestExists),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrSequenceConflict):
		return apperrors.ErrConflict(err.Error()).Wrap(err)
	case errors.Is(err, domain.ErrProvider):
		return apperrors.ErrProvider(err.Error()).Wrap(err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.ErrTimeout("state store operation").Wrap(err)
	default:
		return apperrors.ErrInternal("").Wrap(err)
	}
}
