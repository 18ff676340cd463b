package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fail stale OPTIMIZING requests once and exit",
	Long: `Runs a single recovery pass: requests left OPTIMIZING for longer than
orchestrator.stale_after are marked FAILED and their failure events are
published. Useful from a cron job when the API runs without the sweeper.`,
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	svc, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize")
		return err
	}
	defer svc.close()

	recovered, err := svc.sweeper.SweepOnce(ctx)
	svc.orchestrator.Wait()
	if err != nil {
		return fmt.Errorf("recovery sweep: %w", err)
	}

	logger.Info("Recovery sweep finished", "recovered", recovered)
	fmt.Fprintf(cmd.OutOrStdout(), "recovered %d stale request(s)\n", recovered)
	return nil
}
