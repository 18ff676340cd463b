// Package optimizer holds the route optimizers behind domain.RouteOptimizer.
package optimizer

import (
	"math"
	"sort"
	"time"

	"github.com/fleet-platform/route-orchestrator/internal/domain"
)

// DefaultFuelLitersPerKm is the consumption used for fuel metrics
const DefaultFuelLitersPerKm = 0.12

// Matrix holds travel costs between points. Points are the input stops in
// submission order followed by the origin when one is given.
type Matrix struct {
	Distances [][]float64 `json:"distances"` // meters
	Durations [][]float64 `json:"durations"` // seconds
}

func (m *Matrix) valid(n int) bool {
	if len(m.Distances) != n || len(m.Durations) != n {
		return false
	}
	for i := 0; i < n; i++ {
		if len(m.Distances[i]) != n || len(m.Durations[i]) != n {
			return false
		}
		for j := 0; j < n; j++ {
			d, t := m.Distances[i][j], m.Durations[i][j]
			if d < 0 || t < 0 || math.IsNaN(d) || math.IsNaN(t) || math.IsInf(d, 0) || math.IsInf(t, 0) {
				return false
			}
		}
	}
	return true
}

// points returns the matrix points for input
func points(input domain.OptimizationInput) []domain.Location {
	pts := make([]domain.Location, 0, len(input.Stops)+1)
	for _, s := range input.Stops {
		pts = append(pts, s.Location())
	}
	if input.Origin != nil {
		pts = append(pts, *input.Origin)
	}
	return pts
}

// priorityBands groups stop indexes by priority ascending, stops without a
// priority last. Each band keeps submission order.
func priorityBands(stops []domain.Stop) [][]int {
	idx := make([]int, len(stops))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		pa, pb := stops[idx[a]].Priority, stops[idx[b]].Priority
		switch {
		case pa == nil:
			return false
		case pb == nil:
			return true
		default:
			return *pa < *pb
		}
	})

	var bands [][]int
	for i, s := range idx {
		if i == 0 || !samePriority(stops[idx[i-1]].Priority, stops[s].Priority) {
			bands = append(bands, nil)
		}
		bands[len(bands)-1] = append(bands[len(bands)-1], s)
	}
	return bands
}

func samePriority(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

type legTotals struct {
	distance float64
	duration float64
	arrivals []float64
}

// walk sums the legs of order, starting from the origin when present
func walk(m *Matrix, order []int, origin int) legTotals {
	t := legTotals{arrivals: make([]float64, len(order))}
	cur := origin
	for i, p := range order {
		if cur >= 0 {
			t.distance += m.Distances[cur][p]
			t.duration += m.Durations[cur][p]
		}
		t.arrivals[i] = t.duration
		cur = p
	}
	return t
}

func originIndex(input domain.OptimizationInput) int {
	if input.Origin == nil {
		return -1
	}
	return len(input.Stops)
}

// buildPlan turns a visiting order into a plan with savings measured
// against submission order
func buildPlan(input domain.OptimizationInput, m *Matrix, order []int, provider string, fuelPerKm float64) *domain.RoutePlan {
	origin := originIndex(input)
	opt := walk(m, order, origin)

	naiveOrder := make([]int, len(input.Stops))
	for i := range naiveOrder {
		naiveOrder[i] = i
	}
	naive := walk(m, naiveOrder, origin)

	wps := make([]domain.Waypoint, len(order))
	for i, p := range order {
		s := input.Stops[p]
		wps[i] = domain.Waypoint{
			StopID:           s.ID,
			Lat:              s.Lat,
			Lon:              s.Lon,
			Address:          s.Address,
			Priority:         s.Priority,
			EstimatedArrival: input.DepartAt.Add(seconds(opt.arrivals[i])),
		}
	}

	optDuration := int(math.Round(opt.duration))
	naiveDuration := int(math.Round(naive.duration))

	return &domain.RoutePlan{
		Waypoints:     wps,
		TotalDistance: roundMeters(opt.distance),
		TotalDuration: optDuration,
		Metrics: domain.OptimizationMetrics{
			TimeSaved:     max(0, naiveDuration-optDuration),
			DistanceSaved: roundMeters(math.Max(0, naive.distance-opt.distance)),
			FuelSaved:     roundLiters(math.Max(0, (naive.distance-opt.distance)/1000*fuelPerKm)),
		},
		Provider: provider,
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s)) * time.Second
}

func roundMeters(v float64) float64 {
	return math.Round(v*10) / 10
}

func roundLiters(v float64) float64 {
	return math.Round(v*1000) / 1000
}
