package middleware

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	apperrors "github.com/fleet-platform/route-orchestrator/pkg/errors"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

var (
	optimizeForValues  = map[string]bool{"": true, "time": true, "distance": true, "fuel": true}
	updateReasonValues = map[string]bool{"traffic_change": true, "driver_request": true, "emergency": true}
)

// InitValidator registers the custom tags on gin's binding validator and
// returns it. latitude and longitude are validator built-ins.
func InitValidator() *validator.Validate {
	validateOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			v = validator.New()
		}
		register(v)
		validate = v
	})
	return validate
}

func register(v *validator.Validate) {
	_ = v.RegisterValidation("optimize_for", validateOptimizeFor)
	_ = v.RegisterValidation("update_reason", validateUpdateReason)
	_ = v.RegisterValidation("stop_id", validateStopID)

	// Use JSON tag names for error messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
}

func validateOptimizeFor(fl validator.FieldLevel) bool {
	return optimizeForValues[strings.ToLower(fl.Field().String())]
}

func validateUpdateReason(fl validator.FieldLevel) bool {
	return updateReasonValues[strings.ToLower(fl.Field().String())]
}

func validateStopID(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return strings.TrimSpace(s) != "" && len(s) <= 128
}

// ValidationErrorFormatter maps each failing field's namespace to a message
func ValidationErrorFormatter(err error) map[string]string {
	fields := make(map[string]string)

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, e := range validationErrors {
			fields[fieldPath(e)] = formatValidationError(e)
		}
	}
	return fields
}

// fieldPath drops the struct name from the namespace: stops[1].lat
func fieldPath(e validator.FieldError) string {
	ns := e.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return e.Field()
}

func formatValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + e.Param()
	case "max":
		return "must be at most " + e.Param()
	case "latitude":
		return "must be a latitude within [-90, 90]"
	case "longitude":
		return "must be a longitude within [-180, 180]"
	case "optimize_for":
		return "must be one of: time, distance, fuel"
	case "update_reason":
		return "must be one of: traffic_change, driver_request, emergency"
	case "stop_id":
		return "must be a non-blank id of at most 128 characters"
	case "unique":
		return "must not contain duplicates"
	case "oneof":
		return "must be one of: " + e.Param()
	default:
		return "is invalid"
	}
}

// BindAndValidate binds the JSON body into obj and validates it
func BindAndValidate(c *gin.Context, obj any) *apperrors.AppError {
	InitValidator()
	if err := c.ShouldBindJSON(obj); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return apperrors.ErrValidationWithFields("validation failed", ValidationErrorFormatter(validationErrors))
		}
		return apperrors.ErrBadRequest("invalid request body: " + err.Error())
	}
	return nil
}

// ContentType middleware requires a JSON body on POST, PUT and PATCH
func ContentType() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case "POST", "PUT", "PATCH":
			contentType := c.GetHeader("Content-Type")
			if c.Request.ContentLength > 0 && !strings.HasPrefix(contentType, "application/json") {
				AbortWithAppError(c, apperrors.NewAppError("INVALID_CONTENT_TYPE", "Content-Type must be application/json", 415))
				return
			}
		}
		c.Next()
	}
}
