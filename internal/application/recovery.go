package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleet-platform/route-orchestrator/pkg/logging"
)

// RecoveryConfig holds configuration for the recovery sweeper
type RecoveryConfig struct {
	Interval time.Duration
	// StaleAfter is how long a request may stay OPTIMIZING. It must exceed
	// the optimizer timeout.
	StaleAfter time.Duration
	BatchSize  int
}

// DefaultRecoveryConfig returns default configuration
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Interval:   time.Minute,
		StaleAfter: 5 * time.Minute,
		BatchSize:  100,
	}
}

// RecoverySweeper fails requests left OPTIMIZING by a previous process.
// It sweeps once on Start and then every Interval.
type RecoverySweeper struct {
	orchestrator *RouteOrchestrator
	config       RecoveryConfig
	logger       *logging.Logger

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewRecoverySweeper creates a sweeper
func NewRecoverySweeper(o *RouteOrchestrator, config RecoveryConfig, logger *logging.Logger) *RecoverySweeper {
	defaults := DefaultRecoveryConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = defaults.StaleAfter
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &RecoverySweeper{
		orchestrator: o,
		config:       config,
		logger:       logger.WithComponent("recovery-sweeper"),
	}
}

// SweepOnce fails every stale request, batch by batch
func (s *RecoverySweeper) SweepOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := s.orchestrator.RecoverStale(ctx, s.config.StaleAfter, s.config.BatchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < s.config.BatchSize {
			break
		}
	}
	if total > 0 {
		s.logger.Info("Recovered abandoned optimization requests", "count", total)
	}
	return total, nil
}

// Start sweeps once and starts the sweep loop
func (s *RecoverySweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("recovery sweeper already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.stoppedCh = make(chan struct{})

	s.logger.Info("Starting recovery sweeper", "interval", s.config.Interval, "staleAfter", s.config.StaleAfter)

	go s.run(ctx, s.stopCh, s.stoppedCh)
	return nil
}

// Stop stops the sweep loop and waits for it to exit
func (s *RecoverySweeper) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("recovery sweeper not running")
	}
	stopCh, stoppedCh := s.stopCh, s.stoppedCh
	s.mu.Unlock()

	close(stopCh)
	<-stoppedCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Recovery sweeper stopped")
	return nil
}

func (s *RecoverySweeper) run(ctx context.Context, stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	sweep := func() {
		if _, err := s.SweepOnce(ctx); err != nil {
			s.logger.WithError(err).Error("Recovery sweep failed")
		}
	}
	sweep()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sweep()
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
