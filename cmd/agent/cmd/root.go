// Package cmd provides the CLI commands for the fonpr agent.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/fonpr/fonpr-agent/internal/config"
)

var (
	// Global flags
	dryRun  bool
	verbose bool
	cfgFile string
)

// defaultConfigPath is used when --config is not given.
const defaultConfigPath = "config/default.yaml"

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "fonpr agent - closed-loop UPF compute sizing",
	Long: `The fonpr agent observes user-plane throughput and the compute the UPF
runs on, lets a policy choose a size, and writes that size to the deployment's
values file so the cluster's GitOps tooling rolls it out.

Each step is rewarded with the revenue of the traffic carried minus the
hourly cost of the sizes that carried it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", true,
		"Shadow mode: log config pushes without writing them (default: true, set --dry-run=false for active mode)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable verbose logging output")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Path to configuration file (default: "+defaultConfigPath+")")
}

// setupLogging configures structured JSON logging using slog.
func setupLogging() error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))

	if dryRun {
		slog.Info(
			"dry-run mode enabled",
			"action", "config repository writes are disabled; telemetry and pricing reads still occur",
		)
	}

	return nil
}

// IsDryRun returns whether dry-run mode is enabled.
func IsDryRun() bool {
	return dryRun
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
