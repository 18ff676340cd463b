package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fleet-platform/route-orchestrator/internal/config"
	"github.com/fleet-platform/route-orchestrator/pkg/logging"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "route-orchestrator",
	Short:         "Route optimization orchestrator",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "configuration file (YAML)")
	rootCmd.AddCommand(serveCmd, sweepCmd, consumeCmd)
}

// Execute runs the CLI.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(&logging.Config{
		Level:       logging.ParseLevel(cfg.Logging.Level),
		ServiceName: config.ServiceName,
		Environment: cfg.Logging.Environment,
		Version:     version,
		Output:      os.Stdout,
		AddSource:   cfg.Logging.AddSource,
	})
	logger.SetDefault()

	return cfg, logger, nil
}
