package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when a call is rejected without being attempted
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the externally visible breaker state
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Gauge encodes the state for the circuit_breaker_state metric
func (s State) Gauge() int {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	Name string
	// Threshold is the number of consecutive failures that trips the breaker
	Threshold uint32
	// Cooldown is how long the breaker stays OPEN before allowing one trial call
	Cooldown time.Duration
	// OnStateChange is invoked after every transition, outside the breaker lock
	OnStateChange func(name string, from, to State)
}

// DefaultCircuitBreakerConfig returns sensible defaults
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:      name,
		Threshold: DefaultFailureThreshold,
		Cooldown:  DefaultCooldown,
	}
}

// Snapshot is a point-in-time view of the breaker
type Snapshot struct {
	Name            string        `json:"name"`
	State           State         `json:"state"`
	FailureCount    uint32        `json:"failureCount"`
	LastFailureTime *time.Time    `json:"lastFailureTime,omitempty"`
	Threshold       uint32        `json:"threshold"`
	Cooldown        time.Duration `json:"cooldown"`
}

// CircuitBreaker wraps gobreaker with a CLOSED/OPEN/HALF_OPEN contract:
// Threshold consecutive failures open it, Cooldown later exactly one trial
// call is let through, and that trial decides between CLOSED and OPEN.
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	config CircuitBreakerConfig
	logger *slog.Logger

	mu              sync.Mutex
	trippedFailures uint32
	lastFailureTime time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *CircuitBreakerConfig, logger *slog.Logger) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	if config.Threshold == 0 {
		config.Threshold = DefaultFailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &CircuitBreaker{
		config: *config,
		logger: logger,
	}

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     config.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures < config.Threshold {
				return false
			}
			c.mu.Lock()
			c.trippedFailures = counts.ConsecutiveFailures
			c.mu.Unlock()
			return true
		},
		// gobreaker invokes this while holding its own lock, so it only
		// records state and never calls back into the breaker.
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.recordTransition(fromGobreaker(from), fromGobreaker(to))
		},
	}
	c.cb = gobreaker.NewCircuitBreaker(settings)

	return c
}

func (c *CircuitBreaker) recordTransition(from, to State) {
	c.mu.Lock()
	if to == StateOpen {
		c.lastFailureTime = time.Now()
		if from == StateHalfOpen && c.trippedFailures == 0 {
			c.trippedFailures = c.config.Threshold
		}
	}
	if to == StateClosed {
		c.trippedFailures = 0
	}
	c.mu.Unlock()

	c.logger.Warn("Circuit breaker state changed",
		"name", c.config.Name,
		"from", string(from),
		"to", string(to),
	)

	if c.config.OnStateChange != nil {
		go c.config.OnStateChange(c.config.Name, from, to)
	}
}

// Execute runs fn through the breaker. When the breaker is OPEN, or a
// half-open trial is already in flight, fn is not called and the returned
// error wraps ErrCircuitOpen.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.logger.Debug("Circuit breaker rejected call", "name", c.config.Name, "reason", err.Error())
		return fmt.Errorf("%w: %s", ErrCircuitOpen, c.config.Name)
	}

	if err != nil {
		c.mu.Lock()
		c.lastFailureTime = time.Now()
		c.mu.Unlock()
	}

	return err
}

// State returns the current state. Reading the state may itself move an
// expired OPEN breaker to HALF_OPEN.
func (c *CircuitBreaker) State() State {
	return fromGobreaker(c.cb.State())
}

// Name returns the circuit breaker name
func (c *CircuitBreaker) Name() string {
	return c.config.Name
}

// Snapshot returns the breaker state together with its failure bookkeeping
func (c *CircuitBreaker) Snapshot() Snapshot {
	state := c.State()
	counts := c.cb.Counts()

	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Name:      c.config.Name,
		State:     state,
		Threshold: c.config.Threshold,
		Cooldown:  c.config.Cooldown,
	}

	switch state {
	case StateClosed:
		snap.FailureCount = counts.ConsecutiveFailures
	default:
		snap.FailureCount = c.trippedFailures
	}

	if !c.lastFailureTime.IsZero() && snap.FailureCount > 0 {
		t := c.lastFailureTime
		snap.LastFailureTime = &t
	}

	return snap
}

// RetryConfig controls Retry and RetryWithResult
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableErrors func(error) bool
}

// DefaultRetryConfig returns sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   DefaultRetryMaxAttempts,
		InitialDelay:  DefaultRetryInitialDelay,
		MaxDelay:      DefaultRetryMaxDelay,
		BackoffFactor: DefaultRetryBackoffFactor,
		RetryableErrors: func(err error) bool {
			return false
		},
	}
}

// Retry executes a function with retry logic
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	_, err := RetryWithResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult executes fn until it succeeds, returns a non-retryable
// error, the attempts are exhausted or ctx is done. Delays grow by
// BackoffFactor up to MaxDelay.
func RetryWithResult[T any](ctx context.Context, config *RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}

		lastErr = err

		if config.RetryableErrors != nil && !config.RetryableErrors(err) {
			return zero, err
		}

		if attempt < config.MaxAttempts-1 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}

			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}
	}

	return zero, fmt.Errorf("max retries (%d) exceeded: %w", config.MaxAttempts, lastErr)
}
