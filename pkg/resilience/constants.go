package resilience

import "time"

// Circuit breaker default configuration values
const (
	DefaultFailureThreshold uint32        = 5
	DefaultCooldown         time.Duration = 30 * time.Second
)

// Retry default configuration values
const (
	DefaultRetryMaxAttempts   int           = 3
	DefaultRetryInitialDelay  time.Duration = 100 * time.Millisecond
	DefaultRetryMaxDelay      time.Duration = 5 * time.Second
	DefaultRetryBackoffFactor float64       = 2.0
)
