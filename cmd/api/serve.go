package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/fleet-platform/route-orchestrator/internal/api"
	"github.com/fleet-platform/route-orchestrator/internal/config"
	"github.com/fleet-platform/route-orchestrator/pkg/contracts/openapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with the recovery sweeper and outbox relay",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("Starting route orchestrator", "version", version)

	if cfg.Logging.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	svc, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize")
		return err
	}
	defer svc.close()

	deps := api.Dependencies{
		ServiceName:   config.ServiceName,
		Service:       svc.orchestrator,
		Hub:           svc.hub,
		Breaker:       svc.breaker,
		Connection:    svc.conn,
		Undelivered:   svc.undelivered,
		Metrics:       svc.metrics,
		Logger:        logger,
		EnableTracing: cfg.Tracing.Enabled,
		ReadyChecks:   svc.readyChecks,
	}
	if cfg.Contracts.ValidateRequests {
		contract, err := openapi.NewRoutingValidator()
		if err != nil {
			return fmt.Errorf("load API contract: %w", err)
		}
		deps.Contract = contract
	}

	// workers outlive ctx so in-flight work drains after the signal
	if err := svc.start(context.WithoutCancel(ctx)); err != nil {
		logger.WithError(err).Error("Failed to start workers")
		return err
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	logger.Info("Server started", "addr", cfg.Server.Addr)

	select {
	case <-ctx.Done():
		logger.Info("Shutting down server...")
	case err := <-serveErr:
		logger.WithError(err).Error("Server error")
		svc.stop()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// streams never finish on their own; closing the hub ends them
	srv.RegisterOnShutdown(svc.hub.Close)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	svc.stop()

	logger.Info("Server stopped")
	return nil
}

