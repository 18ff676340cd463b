package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedFactory() *Factory {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewFactory(ProducerRouting).WithClock(func() time.Time { return at })
}

func TestFactory_IdempotencyKeyIsStable(t *testing.T) {
	f := fixedFactory()
	payload := &OptimizationRequestedData{RequestID: "req-1", VehicleID: "v1"}

	first := f.Wrap(payload)
	second := NewFactory("other").Wrap(&OptimizationRequestedData{RequestID: "req-1", VehicleID: "v2"})

	assert.NotEmpty(t, first.IdempotencyKey)
	assert.Equal(t, first.IdempotencyKey, second.IdempotencyKey, "same logical event must keep its key across retries")
	assert.Equal(t, SchemaVersion, first.SchemaVersion)
	assert.Equal(t, ProducerRouting, first.Producer)
	assert.Equal(t, RouteOptimizationRequested, first.EventType)
	assert.Equal(t, "req-1", first.Subject())
}

func TestFactory_IdempotencyKeyDiffersPerEventType(t *testing.T) {
	requested := IdempotencyKey(&OptimizationRequestedData{RequestID: "req-1"})
	optimized := IdempotencyKey(&RouteOptimizedData{RequestID: "req-1"})
	failed := IdempotencyKey(&OptimizationFailedData{RequestID: "req-1"})

	assert.NotEqual(t, requested, optimized)
	assert.NotEqual(t, optimized, failed)
	assert.NotEqual(t, requested, failed)
}

func TestFactory_UpdateKeysAreUniquePerUpdate(t *testing.T) {
	a := IdempotencyKey(&RouteUpdateRequestedData{UpdateID: "u1", RouteID: "r1"})
	b := IdempotencyKey(&RouteUpdateRequestedData{UpdateID: "u2", RouteID: "r1"})

	assert.NotEqual(t, a, b)
}

func TestEnvelope_DecodesIntoTypedVariant(t *testing.T) {
	f := fixedFactory()
	eta := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		payload Payload
		check   func(t *testing.T, p Payload)
	}{
		{
			name:    "requested",
			payload: &OptimizationRequestedData{RequestID: "req-1", VehicleID: "v1", StopIDs: []string{"s1", "s2"}},
			check: func(t *testing.T, p Payload) {
				d, ok := p.(*OptimizationRequestedData)
				require.True(t, ok)
				assert.Equal(t, []string{"s1", "s2"}, d.StopIDs)
			},
		},
		{
			name: "optimized",
			payload: &RouteOptimizedData{
				RequestID: "req-1", RouteID: "route-1", TotalDistance: 5230.5, TotalDuration: 600,
				Waypoints: []WaypointData{{StopID: "s1", Lat: 40.7, Lon: -74, EstimatedArrival: eta}},
			},
			check: func(t *testing.T, p Payload) {
				d, ok := p.(*RouteOptimizedData)
				require.True(t, ok)
				assert.Equal(t, "route-1", d.RouteID)
				require.Len(t, d.Waypoints, 1)
				assert.True(t, eta.Equal(d.Waypoints[0].EstimatedArrival))
			},
		},
		{
			name:    "failed",
			payload: &OptimizationFailedData{RequestID: "req-1", Reason: "provider timeout"},
			check: func(t *testing.T, p Payload) {
				d, ok := p.(*OptimizationFailedData)
				require.True(t, ok)
				assert.Equal(t, "provider timeout", d.Reason)
			},
		},
		{
			name:    "update",
			payload: &RouteUpdateRequestedData{UpdateID: "u1", RouteID: "route-1", Sequence: 3, Reason: "emergency"},
			check: func(t *testing.T, p Payload) {
				d, ok := p.(*RouteUpdateRequestedData)
				require.True(t, ok)
				assert.Equal(t, int64(3), d.Sequence)
				assert.Equal(t, "route-1", d.AggregateID())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := f.Wrap(tt.payload)
			b, err := json.Marshal(env)
			require.NoError(t, err)

			var decoded Envelope
			require.NoError(t, json.Unmarshal(b, &decoded))

			assert.Equal(t, env.EventType, decoded.EventType)
			assert.Equal(t, env.IdempotencyKey, decoded.IdempotencyKey)
			tt.check(t, decoded.Data)
		})
	}
}

func TestEnvelope_RejectsUnknownTypeAndVersion(t *testing.T) {
	var env Envelope

	err := json.Unmarshal([]byte(`{"schemaVersion":"1.0","eventType":"ROUTE_EXPLODED","data":{}}`), &env)
	assert.ErrorIs(t, err, ErrUnknownEventType)

	err = json.Unmarshal([]byte(`{"schemaVersion":"2.0","eventType":"ROUTE_OPTIMIZED","data":{}}`), &env)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestSupportsVersion(t *testing.T) {
	assert.True(t, SupportsVersion("1.0"))
	assert.True(t, SupportsVersion("1.4"))
	assert.False(t, SupportsVersion("2.0"))
	assert.False(t, SupportsVersion(""))
}
