package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"warpgate/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
	serverURL  string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "warpgate",
	Short: "warpgate - admission gate and approval pipeline for agent code changes",
	Long: `warpgate decides whether autonomous agents may submit code-improvement
proposals, filters duplicates, scores confidence from past reviewer
decisions and drives approved proposals through build and publish.

Run "warpgate serve" to start the service. The other commands talk to a
running service over HTTP.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.SetBase(logger, nil)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "warpgate.yaml", "Path to the config file (yaml or toml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8085", "Base URL of a running warpgate service")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(gateCmd)
	rootCmd.AddCommand(proposalsCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(cycleCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
