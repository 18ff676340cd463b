package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleet-platform/route-orchestrator/pkg/logging"
	"github.com/fleet-platform/route-orchestrator/pkg/metrics"
	"github.com/fleet-platform/route-orchestrator/pkg/middleware"
)

const (
	DefaultHeartbeat    = 15 * time.Second
	DefaultReadyTimeout = 2 * time.Second
)

// Dependencies wires the router to the application
type Dependencies struct {
	ServiceName string
	Service     RouteService
	Hub         Subscriber
	Breaker     BreakerInspector
	Connection  ConnectionInspector
	Undelivered PendingCounter // optional
	Metrics     *metrics.Metrics
	Logger      *logging.Logger

	// Contract, when set, rejects requests that break the OpenAPI document
	Contract       middleware.RequestValidator
	EnableTracing  bool
	ReadyChecks    map[string]func(context.Context) error
	Heartbeat      time.Duration
	TrustedProxies []string
}

// NewRouter builds the gin engine with middleware, probes and /api/v1 routes
func NewRouter(deps Dependencies) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = DefaultHeartbeat
	}

	router := gin.New()

	mwConfig := middleware.DefaultConfig(deps.ServiceName, deps.Logger)
	mwConfig.Metrics = deps.Metrics
	mwConfig.EnableTracing = deps.EnableTracing
	mwConfig.Contract = deps.Contract
	mwConfig.TrustedProxies = deps.TrustedProxies
	middleware.Setup(router, mwConfig)

	router.GET("/health", middleware.HealthCheck(deps.ServiceName))
	router.GET("/ready", middleware.ReadinessCheck(deps.ServiceName, DefaultReadyTimeout, deps.ReadyChecks))
	if deps.Metrics != nil {
		router.GET("/metrics", middleware.MetricsEndpoint(deps.Metrics))
	}

	logger := deps.Logger.WithComponent("http")

	v1 := router.Group("/api/v1")
	{
		routes := v1.Group("/routes")
		{
			routes.POST("/optimize", optimizeRouteHandler(deps.Service, logger))
			routes.GET("/:requestId/status", getStatusHandler(deps.Service, logger))
			routes.PUT("/:routeId/update", updateRouteHandler(deps.Service, logger))
			routes.GET("/tracking/:vehicleId", trackVehicleHandler(deps.Service, logger))
			routes.GET("/history/:userId", historyHandler(deps.Service, logger))
			routes.GET("/stream/:key", streamHandler(deps.Hub, deps.Heartbeat, logger))
			routes.GET("/broker/status", brokerStatusHandler(deps.Breaker, deps.Connection, deps.Undelivered, logger))
		}
	}

	return router
}
