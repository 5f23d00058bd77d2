package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"warpgate/internal/config"
	"warpgate/internal/logging"
)

var listenAddr string

// serveCmd runs the service in the foreground.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the warpgate service",
	Long: `Loads the config file (defaults when it does not exist), opens the
store and serves the HTTP API until SIGINT or SIGTERM. Gate hours are
reloaded when the config file changes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Override server.listen")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if listenAddr != "" {
		cfg.Server.Listen = listenAddr
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if _, err := logging.Initialize(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	a, err := buildApp(cfg, configPath)
	if err != nil {
		logging.BootError("startup failed: %v", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := a.run(ctx); err != nil {
		logging.BootError("shutdown with errors: %v", err)
		return err
	}
	logging.Boot("warpgate stopped")
	return nil
}
