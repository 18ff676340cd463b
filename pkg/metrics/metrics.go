package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector of the orchestrator. All Record
// and Set methods are safe to call on a nil *Metrics.
type Metrics struct {
	serviceName string
	registry    *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Event publishing metrics
	EventsPublished      *prometheus.CounterVec
	EventPublishDuration *prometheus.HistogramVec
	EventsConsumed       *prometheus.CounterVec
	OutboxPending        prometheus.Gauge
	OutboxRedelivered    *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// State store metrics
	StoreOperations        *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// Optimization metrics
	OptimizationRequests *prometheus.CounterVec
	OptimizationDuration *prometheus.HistogramVec
	RouteUpdates         *prometheus.CounterVec
	RecoveredRequests    prometheus.Counter
	DistanceCacheLookups *prometheus.CounterVec

	// Notification hub metrics
	HubSubscribers          prometheus.Gauge
	HubDroppedNotifications prometheus.Counter
}

// Config holds metrics configuration
type Config struct {
	ServiceName string
	Namespace   string
}

// DefaultConfig returns default metrics configuration
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName: serviceName,
		Namespace:   "fleet",
	}
}

// New creates a new Metrics instance on its own registry
func New(config *Config) *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		serviceName: config.ServiceName,
		registry:    registry,
	}
	service := prometheus.Labels{"service": config.ServiceName}

	m.HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	m.HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"service", "method", "path"},
	)

	m.HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "http_requests_in_flight",
			Help:        "Number of HTTP requests currently being processed",
			ConstLabels: service,
		},
	)

	m.EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "events_published_total",
			Help:      "Event publish attempts by outcome",
		},
		[]string{"service", "topic", "event_type", "outcome"},
	)

	m.EventPublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "event_publish_duration_seconds",
			Help:      "Event publish duration in seconds, including timeouts",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"service", "topic"},
	)

	m.EventsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "events_consumed_total",
			Help:      "Events read from the broker",
		},
		[]string{"service", "topic", "event_type", "status"},
	)

	m.OutboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "outbox_pending_events",
			Help:        "Undelivered events waiting for redelivery",
			ConstLabels: service,
		},
	)

	m.OutboxRedelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "outbox_redeliveries_total",
			Help:      "Outbox redelivery attempts by outcome",
		},
		[]string{"service", "outcome"},
	)

	m.CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"service", "name"},
	)

	m.CircuitBreakerTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Number of times a circuit breaker opened",
		},
		[]string{"service", "name"},
	)

	m.StoreOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "store_operations_total",
			Help:      "State store operations",
		},
		[]string{"service", "collection", "operation", "status"},
	)

	m.StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "State store operation duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"service", "collection", "operation"},
	)

	m.OptimizationRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "optimization_requests_total",
			Help:      "Optimization requests by terminal status",
		},
		[]string{"service", "status"},
	)

	m.OptimizationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "optimization_duration_seconds",
			Help:      "Optimizer call duration in seconds",
			Buckets:   []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"service", "provider", "status"},
	)

	m.RouteUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "route_updates_total",
			Help:      "Applied route updates by reason",
		},
		[]string{"service", "reason"},
	)

	m.RecoveredRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "recovered_requests_total",
			Help:        "Stale OPTIMIZING requests marked FAILED by the recovery sweep",
			ConstLabels: service,
		},
	)

	m.DistanceCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "distance_cache_lookups_total",
			Help:      "Distance matrix cache lookups by result",
		},
		[]string{"service", "result"},
	)

	m.HubSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "hub_subscribers",
			Help:        "Active live-push subscribers",
			ConstLabels: service,
		},
	)

	m.HubDroppedNotifications = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "hub_dropped_notifications_total",
			Help:        "Notifications dropped because a subscriber buffer was full",
			ConstLabels: service,
		},
	)

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.EventsPublished,
		m.EventPublishDuration,
		m.EventsConsumed,
		m.OutboxPending,
		m.OutboxRedelivered,
		m.CircuitBreakerState,
		m.CircuitBreakerTrips,
		m.StoreOperations,
		m.StoreOperationDuration,
		m.OptimizationRequests,
		m.OptimizationDuration,
		m.RouteUpdates,
		m.RecoveredRequests,
		m.DistanceCacheLookups,
		m.HubSubscribers,
		m.HubDroppedNotifications,
	)

	return m
}

// Handler returns an HTTP handler for metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(m.serviceName, method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(m.serviceName, method, path).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments in-flight requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.HTTPRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements in-flight requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.HTTPRequestsInFlight.Dec()
}

// RecordEventPublish records one publish attempt. outcome is "delivered" or
// the reason the event was not delivered.
func (m *Metrics) RecordEventPublish(topic, eventType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(m.serviceName, topic, eventType, outcome).Inc()
	m.EventPublishDuration.WithLabelValues(m.serviceName, topic).Observe(duration.Seconds())
}

// RecordEventConsumed records an event read from the broker
func (m *Metrics) RecordEventConsumed(topic, eventType, status string) {
	if m == nil {
		return
	}
	m.EventsConsumed.WithLabelValues(m.serviceName, topic, eventType, status).Inc()
}

// SetOutboxPending sets the number of parked events
func (m *Metrics) SetOutboxPending(count int) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(count))
}

// RecordOutboxRedelivery records a redelivery attempt
func (m *Metrics) RecordOutboxRedelivery(success bool) {
	if m == nil {
		return
	}
	m.OutboxRedelivered.WithLabelValues(m.serviceName, statusLabel(success)).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state
func (m *Metrics) SetCircuitBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(m.serviceName, name).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker trip
func (m *Metrics) RecordCircuitBreakerTrip(name string) {
	if m == nil {
		return
	}
	m.CircuitBreakerTrips.WithLabelValues(m.serviceName, name).Inc()
}

// RecordStoreOperation records a state store operation
func (m *Metrics) RecordStoreOperation(collection, operation string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.StoreOperations.WithLabelValues(m.serviceName, collection, operation, statusLabel(success)).Inc()
	m.StoreOperationDuration.WithLabelValues(m.serviceName, collection, operation).Observe(duration.Seconds())
}

// RecordOptimizationRequest records a request reaching a terminal status
func (m *Metrics) RecordOptimizationRequest(status string) {
	if m == nil {
		return
	}
	m.OptimizationRequests.WithLabelValues(m.serviceName, status).Inc()
}

// RecordOptimization records one optimizer call
func (m *Metrics) RecordOptimization(provider string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.OptimizationDuration.WithLabelValues(m.serviceName, provider, statusLabel(success)).Observe(duration.Seconds())
}

// RecordRouteUpdate records an applied route update
func (m *Metrics) RecordRouteUpdate(reason string) {
	if m == nil {
		return
	}
	m.RouteUpdates.WithLabelValues(m.serviceName, reason).Inc()
}

// RecordRecoveredRequests records requests failed by the recovery sweep
func (m *Metrics) RecordRecoveredRequests(count int) {
	if m == nil {
		return
	}
	m.RecoveredRequests.Add(float64(count))
}

// RecordDistanceCacheLookup records a cache hit or miss
func (m *Metrics) RecordDistanceCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.DistanceCacheLookups.WithLabelValues(m.serviceName, result).Inc()
}

// SetHubSubscribers sets the number of live-push subscribers
func (m *Metrics) SetHubSubscribers(count int) {
	if m == nil {
		return
	}
	m.HubSubscribers.Set(float64(count))
}

// RecordHubDrop records a dropped notification
func (m *Metrics) RecordHubDrop() {
	if m == nil {
		return
	}
	m.HubDroppedNotifications.Inc()
}
