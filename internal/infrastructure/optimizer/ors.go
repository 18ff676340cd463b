package optimizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleet-platform/route-orchestrator/internal/domain"
	"github.com/fleet-platform/route-orchestrator/pkg/logging"
	"github.com/fleet-platform/route-orchestrator/pkg/resilience"
	"github.com/fleet-platform/route-orchestrator/pkg/tracing"
)

// ProviderORS names plans made from OpenRouteService matrices
const ProviderORS = "openrouteservice"

// ORSConfig configures the OpenRouteService optimizer
type ORSConfig struct {
	BaseURL         string
	APIKey          string
	Profile         string
	Timeout         time.Duration
	FuelLitersPerKm float64
	Retry           *resilience.RetryConfig
}

// DefaultORSConfig returns the public endpoint defaults
func DefaultORSConfig() ORSConfig {
	return ORSConfig{
		BaseURL:         "https://api.openrouteservice.org",
		Profile:         "driving-car",
		Timeout:         10 * time.Second,
		FuelLitersPerKm: DefaultFuelLitersPerKm,
		Retry: &resilience.RetryConfig{
			MaxAttempts:   4,
			InitialDelay:  200 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			BackoffFactor: 2,
		},
	}
}

// ORSOptimizer orders stops with a greedy nearest-neighbour walk over an
// OpenRouteService matrix. Priority bands are visited in order and the walk
// only chooses within the current band.
type ORSOptimizer struct {
	cfg    ORSConfig
	client *http.Client
	cache  MatrixCache
	logger *logging.Logger
	tracer trace.Tracer
}

// ORSOption configures an ORSOptimizer
type ORSOption func(*ORSOptimizer)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(c *http.Client) ORSOption {
	return func(o *ORSOptimizer) { o.client = c }
}

// WithMatrixCache caches matrices between calls
func WithMatrixCache(c MatrixCache) ORSOption {
	return func(o *ORSOptimizer) { o.cache = c }
}

// NewORSOptimizer creates an optimizer backed by OpenRouteService
func NewORSOptimizer(cfg ORSConfig, logger *logging.Logger, opts ...ORSOption) (*ORSOptimizer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openrouteservice api key is empty")
	}
	defaults := DefaultORSConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.Profile == "" {
		cfg.Profile = defaults.Profile
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.FuelLitersPerKm <= 0 {
		cfg.FuelLitersPerKm = defaults.FuelLitersPerKm
	}
	if cfg.Retry == nil {
		cfg.Retry = defaults.Retry
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if logger == nil {
		logger = logging.Discard()
	}
	o := &ORSOptimizer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.WithComponent("ors-optimizer"),
		tracer: otel.Tracer("optimizer"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Name implements domain.RouteOptimizer
func (o *ORSOptimizer) Name() string {
	return ProviderORS
}

// Optimize implements domain.RouteOptimizer
func (o *ORSOptimizer) Optimize(ctx context.Context, input domain.OptimizationInput) (*domain.RoutePlan, error) {
	if err := checkInput(input); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	return tracing.TracedOperation(ctx, o.tracer, "optimizer.ors", func(ctx context.Context) (*domain.RoutePlan, error) {
		pts := points(input)
		m, err := o.matrix(ctx, pts)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrProvider, err)
		}
		order := nearestNeighbour(input, m, input.Preferences.OptimizeFor)
		return buildPlan(input, m, order, ProviderORS, o.cfg.FuelLitersPerKm), nil
	}, attribute.Int("route.stops", len(input.Stops)), attribute.String("route.optimize_for", string(input.Preferences.OptimizeFor)))
}

func (o *ORSOptimizer) matrix(ctx context.Context, pts []domain.Location) (*Matrix, error) {
	key := MatrixKey(o.cfg.Profile, pts)
	if o.cache != nil {
		m, ok, err := o.cache.Get(ctx, key)
		if err != nil {
			o.logger.WithContext(ctx).WithError(err).Warn("Matrix cache read failed")
		}
		if ok && m.valid(len(pts)) {
			return m, nil
		}
	}

	retry := *o.cfg.Retry
	retry.RetryableErrors = retryable
	m, err := resilience.RetryWithResult(ctx, &retry, func() (*Matrix, error) {
		return o.fetchMatrix(ctx, pts)
	})
	if err != nil {
		return nil, err
	}

	if o.cache != nil {
		if err := o.cache.Set(ctx, key, m); err != nil {
			o.logger.WithContext(ctx).WithError(err).Warn("Matrix cache write failed")
		}
	}
	return m, nil
}

type matrixRequest struct {
	Locations [][]float64 `json:"locations"`
	Metrics   []string    `json:"metrics"`
	Units     string      `json:"units"`
}

type matrixResponse struct {
	Distances [][]*float64 `json:"distances"`
	Durations [][]*float64 `json:"durations"`
}

type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// retryable reports whether a matrix call may succeed if repeated
func retryable(err error) bool {
	var he *httpStatusError
	if errors.As(err, &he) {
		switch he.Code {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (o *ORSOptimizer) fetchMatrix(ctx context.Context, pts []domain.Location) (*Matrix, error) {
	locations := make([][]float64, len(pts))
	for i, p := range pts {
		locations[i] = []float64{p.Lon, p.Lat}
	}
	payload, err := json.Marshal(matrixRequest{
		Locations: locations,
		Metrics:   []string{"distance", "duration"},
		Units:     "m",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal matrix request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v2/matrix/%s", o.cfg.BaseURL, o.cfg.Profile)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", o.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &httpStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	var mr matrixResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil, fmt.Errorf("decode matrix response: %w", err)
	}
	return toMatrix(mr, len(pts))
}

func toMatrix(mr matrixResponse, n int) (*Matrix, error) {
	if len(mr.Distances) != n || len(mr.Durations) != n {
		return nil, fmt.Errorf("matrix has %d rows for %d locations", len(mr.Distances), n)
	}
	m := &Matrix{Distances: make([][]float64, n), Durations: make([][]float64, n)}
	for i := 0; i < n; i++ {
		if len(mr.Distances[i]) != n || len(mr.Durations[i]) != n {
			return nil, fmt.Errorf("matrix row %d has the wrong length", i)
		}
		m.Distances[i] = make([]float64, n)
		m.Durations[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			d, t := mr.Distances[i][j], mr.Durations[i][j]
			if d == nil || t == nil {
				return nil, fmt.Errorf("no route between locations %d and %d", i, j)
			}
			m.Distances[i][j] = *d
			m.Durations[i][j] = *t
		}
	}
	if !m.valid(n) {
		return nil, errors.New("matrix contains invalid values")
	}
	return m, nil
}

// nearestNeighbour walks the priority bands in order, each time moving to
// the closest unvisited stop of the current band by the objective's cost.
// Ties go to the earlier submitted stop.
func nearestNeighbour(input domain.OptimizationInput, m *Matrix, objective domain.OptimizeFor) []int {
	cost := m.Durations
	if objective == domain.OptimizeForDistance || objective == domain.OptimizeForFuel {
		cost = m.Distances
	}

	order := make([]int, 0, len(input.Stops))
	cur := originIndex(input)
	for _, band := range priorityBands(input.Stops) {
		remaining := append([]int(nil), band...)
		for len(remaining) > 0 {
			best := 0
			if cur >= 0 {
				bestCost := math.Inf(1)
				for k, p := range remaining {
					if c := cost[cur][p]; c < bestCost || (c == bestCost && p < remaining[best]) {
						best, bestCost = k, c
					}
				}
			}
			cur = remaining[best]
			order = append(order, cur)
			remaining = append(remaining[:best], remaining[best+1:]...)
		}
	}
	return order
}
