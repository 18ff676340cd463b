// Package api exposes the route orchestrator over HTTP.
package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fleet-platform/route-orchestrator/internal/application"
	"github.com/fleet-platform/route-orchestrator/internal/domain"
	"github.com/fleet-platform/route-orchestrator/internal/infrastructure/notification"
	pkgapi "github.com/fleet-platform/route-orchestrator/pkg/api"
	apperrors "github.com/fleet-platform/route-orchestrator/pkg/errors"
	"github.com/fleet-platform/route-orchestrator/pkg/kafka"
	"github.com/fleet-platform/route-orchestrator/pkg/logging"
	"github.com/fleet-platform/route-orchestrator/pkg/middleware"
	"github.com/fleet-platform/route-orchestrator/pkg/resilience"
)

// RouteService is the orchestrator surface the handlers use
type RouteService interface {
	Submit(ctx context.Context, cmd application.SubmitOptimizationCommand) (*application.SubmitResultDTO, error)
	GetStatus(ctx context.Context, query application.GetStatusQuery) (*application.RequestStatusDTO, error)
	ApplyUpdate(ctx context.Context, cmd application.ApplyRouteUpdateCommand) (*application.RouteUpdateDTO, error)
	GetActiveRoute(ctx context.Context, query application.GetActiveRouteQuery) (*application.ActiveRouteDTO, error)
	GetHistory(ctx context.Context, query application.GetHistoryQuery) (*application.HistoryDTO, error)
}

var _ RouteService = (*application.RouteOrchestrator)(nil)

// Subscriber opens live notification streams
type Subscriber interface {
	Subscribe(key string) *notification.Subscription
}

// BreakerInspector reports the publisher's circuit breaker state
type BreakerInspector interface {
	Snapshot() resilience.Snapshot
}

// ConnectionInspector reports the broker connection state
type ConnectionInspector interface {
	Status() kafka.ConnectionStatus
}

// PendingCounter counts undelivered events awaiting redelivery
type PendingCounter interface {
	CountPending(ctx context.Context) (int, error)
}

type optimizeRouteRequest struct {
	RequestID   string             `json:"requestId" binding:"omitempty,max=128"`
	VehicleID   string             `json:"vehicleId" binding:"required,max=128"`
	Stops       []stopRequest      `json:"stops" binding:"required,min=2,dive"`
	Preferences preferencesRequest `json:"preferences"`
}

type stopRequest struct {
	ID       string   `json:"id" binding:"stop_id"`
	Lat      *float64 `json:"lat" binding:"required,latitude"`
	Lon      *float64 `json:"lon" binding:"required,longitude"`
	Address  string   `json:"address" binding:"max=512"`
	Priority *int     `json:"priority" binding:"omitempty,min=0"`
}

type preferencesRequest struct {
	AvoidTolls    bool   `json:"avoidTolls"`
	AvoidHighways bool   `json:"avoidHighways"`
	OptimizeFor   string `json:"optimizeFor" binding:"optimize_for"`
}

type locationRequest struct {
	Lat *float64 `json:"lat" binding:"required,latitude"`
	Lon *float64 `json:"lon" binding:"required,longitude"`
}

type routeUpdateRequest struct {
	Reason          string           `json:"reason" binding:"required,update_reason"`
	CurrentLocation *locationRequest `json:"currentLocation" binding:"required"`
}

func (r optimizeRouteRequest) command(requesterID string) application.SubmitOptimizationCommand {
	stops := make([]domain.Stop, len(r.Stops))
	for i, s := range r.Stops {
		stops[i] = domain.Stop{
			ID:       s.ID,
			Lat:      *s.Lat,
			Lon:      *s.Lon,
			Address:  s.Address,
			Priority: s.Priority,
		}
	}
	return application.SubmitOptimizationCommand{
		RequestID:   r.RequestID,
		VehicleID:   r.VehicleID,
		RequesterID: requesterID,
		Stops:       stops,
		Preferences: domain.Preferences{
			AvoidTolls:    r.Preferences.AvoidTolls,
			AvoidHighways: r.Preferences.AvoidHighways,
			OptimizeFor:   domain.OptimizeFor(r.Preferences.OptimizeFor),
		},
	}
}

func optimizeRouteHandler(service RouteService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		responder := middleware.NewErrorResponder(c, logger)

		requesterID := middleware.GetUserID(c)
		if requesterID == "" {
			responder.RespondWithAppError(apperrors.ErrValidationWithFields("validation failed",
				map[string]string{middleware.HeaderUserID: "is required"}))
			return
		}

		var req optimizeRouteRequest
		if appErr := middleware.BindAndValidate(c, &req); appErr != nil {
			responder.RespondWithAppError(appErr)
			return
		}

		middleware.AddSpanAttributes(c,
			attribute.String("vehicle.id", req.VehicleID),
			attribute.Int("route.stops", len(req.Stops)),
		)

		result, err := service.Submit(c.Request.Context(), req.command(requesterID))
		if err != nil {
			responder.RespondWithError(err)
			return
		}

		c.JSON(http.StatusAccepted, result)
	}
}

func getStatusHandler(service RouteService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		responder := middleware.NewErrorResponder(c, logger)

		requestID := c.Param("requestId")
		middleware.AddSpanAttributes(c, attribute.String("request.id", requestID))

		status, err := service.GetStatus(c.Request.Context(), application.GetStatusQuery{RequestID: requestID})
		if err != nil {
			responder.RespondWithError(err)
			return
		}

		c.JSON(http.StatusOK, status)
	}
}

func updateRouteHandler(service RouteService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		responder := middleware.NewErrorResponder(c, logger)

		routeID := c.Param("routeId")
		middleware.AddSpanAttributes(c, attribute.String("route.id", routeID))

		var req routeUpdateRequest
		if appErr := middleware.BindAndValidate(c, &req); appErr != nil {
			responder.RespondWithAppError(appErr)
			return
		}

		update, err := service.ApplyUpdate(c.Request.Context(), application.ApplyRouteUpdateCommand{
			RouteID: routeID,
			CurrentLocation: domain.Location{
				Lat: *req.CurrentLocation.Lat,
				Lon: *req.CurrentLocation.Lon,
			},
			Reason: req.Reason,
		})
		if err != nil {
			responder.RespondWithError(err)
			return
		}

		c.JSON(http.StatusCreated, update)
	}
}

func trackVehicleHandler(service RouteService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		responder := middleware.NewErrorResponder(c, logger)

		vehicleID := c.Param("vehicleId")
		middleware.AddSpanAttributes(c, attribute.String("vehicle.id", vehicleID))

		active, err := service.GetActiveRoute(c.Request.Context(), application.GetActiveRouteQuery{VehicleID: vehicleID})
		if err != nil {
			responder.RespondWithError(err)
			return
		}

		c.JSON(http.StatusOK, active)
	}
}

func historyHandler(service RouteService, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		responder := middleware.NewErrorResponder(c, logger)

		page := pkgapi.ParsePagination(c)
		history, err := service.GetHistory(c.Request.Context(), application.GetHistoryQuery{
			RequesterID: c.Param("userId"),
			Page:        int(page.Page),
			PageSize:    int(page.PageSize),
		})
		if err != nil {
			responder.RespondWithError(err)
			return
		}

		c.JSON(http.StatusOK, pkgapi.NewPageResponse(history.Requests,
			int64(history.Page), int64(history.PageSize), history.Total))
	}
}

// streamHandler pushes notifications for a request, route or vehicle id as
// server-sent events until the client goes away. Missed events are not
// replayed; clients re-read the status endpoint after reconnecting.
func streamHandler(hub Subscriber, heartbeat time.Duration, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")
		sub := hub.Subscribe(key)
		defer sub.Close()

		ctx := c.Request.Context()
		logger.WithContext(ctx).Debug("Stream opened", "key", key)

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
		c.Writer.Flush()

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		c.Stream(func(io.Writer) bool {
			select {
			case n, ok := <-sub.C:
				if !ok {
					return false
				}
				c.Render(-1, sse.Event{
					Id:    strconv.FormatInt(n.Sequence, 10),
					Event: n.Type,
					Data:  n,
				})
				return true
			case <-ticker.C:
				c.Render(-1, sse.Event{Event: "heartbeat", Data: gin.H{"timestamp": time.Now().UTC()}})
				return true
			case <-ctx.Done():
				return false
			}
		})

		logger.WithContext(ctx).Debug("Stream closed", "key", key)
	}
}

func brokerStatusHandler(breaker BreakerInspector, conn ConnectionInspector, pending PendingCounter, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{
			"breaker":    breaker.Snapshot(),
			"connection": conn.Status(),
		}
		if pending != nil {
			count, err := pending.CountPending(c.Request.Context())
			if err != nil {
				logger.WithContext(c.Request.Context()).WithError(err).Warn("Failed to count undelivered events")
			} else {
				body["undelivered"] = count
			}
		}
		c.JSON(http.StatusOK, body)
	}
}
