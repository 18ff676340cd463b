package openapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validOptimizeBody = `{
  "vehicleId": "v1",
  "stops": [
    {"id": "s1", "lat": 40.7128, "lon": -74.0060},
    {"id": "s2", "lat": 40.7589, "lon": -73.9851}
  ],
  "preferences": {"optimizeFor": "time"}
}`

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewRoutingValidator()
	require.NoError(t, err)
	return v
}

func optimizeRequest(body string, userID string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/routes/optimize", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	return req
}

func TestRoutingDocumentHasRequiredPaths(t *testing.T) {
	v := newValidator(t)

	paths := v.Paths()
	for _, p := range []string{
		"/api/v1/routes/optimize",
		"/api/v1/routes/{requestId}/status",
		"/api/v1/routes/{routeId}/update",
		"/api/v1/routes/tracking/{vehicleId}",
		"/api/v1/routes/history/{userId}",
		"/api/v1/routes/stream/{key}",
		"/api/v1/routes/broker/status",
	} {
		assert.Contains(t, paths, p)
	}
}

func TestValidateRequest(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name    string
		req     *http.Request
		wantErr bool
	}{
		{"valid optimize", optimizeRequest(validOptimizeBody, "u1"), false},
		{"missing user header", optimizeRequest(validOptimizeBody, ""), true},
		{"single stop", optimizeRequest(`{"vehicleId":"v1","stops":[{"id":"s1","lat":1,"lon":1}]}`, "u1"), true},
		{"latitude out of range", optimizeRequest(`{"vehicleId":"v1","stops":[{"id":"s1","lat":91,"lon":1},{"id":"s2","lat":1,"lon":1}]}`, "u1"), true},
		{"unknown optimizeFor", optimizeRequest(`{"vehicleId":"v1","stops":[{"id":"s1","lat":1,"lon":1},{"id":"s2","lat":2,"lon":2}],"preferences":{"optimizeFor":"scenic"}}`, "u1"), true},
		{"valid update", func() *http.Request {
			req := httptest.NewRequest(http.MethodPut, "/api/v1/routes/r1/update",
				strings.NewReader(`{"reason":"traffic_change","currentLocation":{"lat":40.7,"lon":-74}}`))
			req.Header.Set("Content-Type", "application/json")
			return req
		}(), false},
		{"unknown reason", func() *http.Request {
			req := httptest.NewRequest(http.MethodPut, "/api/v1/routes/r1/update",
				strings.NewReader(`{"reason":"boredom","currentLocation":{"lat":40.7,"lon":-74}}`))
			req.Header.Set("Content-Type", "application/json")
			return req
		}(), true},
		{"history page size", httptest.NewRequest(http.MethodGet, "/api/v1/routes/history/u1?pageSize=500", nil), true},
		{"status", httptest.NewRequest(http.MethodGet, "/api/v1/routes/req-1/status", nil), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateRequest(tt.req)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateRequest_NoRoute(t *testing.T) {
	v := newValidator(t)

	err := v.ValidateRequest(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.ErrorIs(t, err, ErrNoRoute)

	err = v.ValidateRequest(httptest.NewRequest(http.MethodDelete, "/api/v1/routes/optimize", nil))
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestValidateRequest_KeepsBody(t *testing.T) {
	v := newValidator(t)
	req := optimizeRequest(validOptimizeBody, "u1")

	require.NoError(t, v.ValidateRequest(req))

	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(req.Body)
	require.NoError(t, err)
	assert.JSONEq(t, validOptimizeBody, buf.String())
}

func TestValidateResponse(t *testing.T) {
	v := newValidator(t)
	header := http.Header{"Content-Type": []string{"application/json"}}

	ok := `{"requestId":"r1","status":"OPTIMIZING"}`
	require.NoError(t, v.ValidateResponse(optimizeRequest(validOptimizeBody, "u1"), http.StatusAccepted, header, []byte(ok)))

	missingStatus := `{"requestId":"r1"}`
	assert.Error(t, v.ValidateResponse(optimizeRequest(validOptimizeBody, "u1"), http.StatusAccepted, header, []byte(missingStatus)))
}

func TestOperationID(t *testing.T) {
	v := newValidator(t)

	id, err := v.OperationID(httptest.NewRequest(http.MethodGet, "/api/v1/routes/tracking/v1", nil))
	require.NoError(t, err)
	assert.Equal(t, "trackVehicle", id)
}
