package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleet-platform/route-orchestrator/pkg/contracts/openapi"
	apperrors "github.com/fleet-platform/route-orchestrator/pkg/errors"
)

// RequestValidator checks a request against an API contract
type RequestValidator interface {
	ValidateRequest(req *http.Request) error
}

var _ RequestValidator = (*openapi.Validator)(nil)

// OpenAPIValidation rejects requests that break the API contract with a
// VALIDATION_ERROR. Paths the contract does not document pass through.
func OpenAPIValidation(v RequestValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := v.ValidateRequest(c.Request)
		switch {
		case err == nil, errors.Is(err, openapi.ErrNoRoute):
			c.Next()
		default:
			AbortWithAppError(c, apperrors.ErrValidation(err.Error()))
		}
	}
}
