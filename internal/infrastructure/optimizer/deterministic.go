package optimizer

import (
	"context"
	"fmt"

	"github.com/fleet-platform/route-orchestrator/internal/domain"
)

// ProviderStub names plans made by the deterministic optimizer
const ProviderStub = "stub"

// DefaultAverageSpeedKmh is the stub's average road speed
const DefaultAverageSpeedKmh = 40.0

// StubConfig tunes the deterministic optimizer
type StubConfig struct {
	AverageSpeedKmh float64
	FuelLitersPerKm float64
}

// DeterministicOptimizer orders stops by priority, keeping submission order
// within a priority, and estimates legs from great-circle distance and an
// average speed. The same input always yields the same plan.
type DeterministicOptimizer struct {
	speedKmh  float64
	fuelPerKm float64
}

// NewDeterministicOptimizer creates the stub optimizer
func NewDeterministicOptimizer(cfg StubConfig) *DeterministicOptimizer {
	if cfg.AverageSpeedKmh <= 0 {
		cfg.AverageSpeedKmh = DefaultAverageSpeedKmh
	}
	if cfg.FuelLitersPerKm <= 0 {
		cfg.FuelLitersPerKm = DefaultFuelLitersPerKm
	}
	return &DeterministicOptimizer{speedKmh: cfg.AverageSpeedKmh, fuelPerKm: cfg.FuelLitersPerKm}
}

// Name implements domain.RouteOptimizer
func (o *DeterministicOptimizer) Name() string {
	return ProviderStub
}

// Optimize implements domain.RouteOptimizer
func (o *DeterministicOptimizer) Optimize(ctx context.Context, input domain.OptimizationInput) (*domain.RoutePlan, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProvider, err)
	}
	if err := checkInput(input); err != nil {
		return nil, err
	}

	m := haversineMatrix(points(input), o.speed(input.Preferences))

	var order []int
	for _, band := range priorityBands(input.Stops) {
		order = append(order, band...)
	}
	return buildPlan(input, m, order, ProviderStub, o.fuelPerKm), nil
}

// speed returns meters per second for the preferences. Side roads are slower.
func (o *DeterministicOptimizer) speed(p domain.Preferences) float64 {
	kmh := o.speedKmh
	if p.AvoidHighways {
		kmh *= 0.8
	}
	if p.AvoidTolls {
		kmh *= 0.9
	}
	return kmh * 1000 / 3600
}

func haversineMatrix(pts []domain.Location, metersPerSecond float64) *Matrix {
	n := len(pts)
	m := &Matrix{Distances: make([][]float64, n), Durations: make([][]float64, n)}
	for i := 0; i < n; i++ {
		m.Distances[i] = make([]float64, n)
		m.Durations[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			d := domain.HaversineMeters(pts[i], pts[j])
			m.Distances[i][j] = d
			m.Durations[i][j] = d / metersPerSecond
		}
	}
	return m
}

// checkInput rejects what no optimizer can plan over
func checkInput(input domain.OptimizationInput) error {
	if len(input.Stops) == 0 {
		return fmt.Errorf("%w: no stops", domain.ErrProvider)
	}
	for _, s := range input.Stops {
		if !s.Location().Valid() {
			return fmt.Errorf("%w: malformed coordinate for stop %s", domain.ErrProvider, s.ID)
		}
	}
	if input.Origin != nil && !input.Origin.Valid() {
		return fmt.Errorf("%w: malformed origin", domain.ErrProvider)
	}
	return nil
}
