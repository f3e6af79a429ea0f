package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fonpr/fonpr-agent/internal/action"
	"github.com/fonpr/fonpr-agent/internal/config"
	"github.com/fonpr/fonpr-agent/internal/configrepo"
	"github.com/fonpr/fonpr-agent/internal/cost"
	"github.com/fonpr/fonpr-agent/internal/driver"
	"github.com/fonpr/fonpr-agent/internal/env"
	"github.com/fonpr/fonpr-agent/internal/replay"
	"github.com/fonpr/fonpr-agent/internal/reward"
)

var (
	metricsAddr       string
	runtimeConfigPath string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the closed-loop sizing agent",
	Long: `Run starts the agent loop.

The agent will:
1. Read the UPF throughput and node sizing window from Prometheus
2. Ask the configured policy for an action
3. Write the chosen size to the values file and wait for it to roll out
4. Score the step and hand the transition to the replay buffer and sink

Use --dry-run to log config pushes without writing them.`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":8080",
		"Address for the /metrics endpoint")
	runCmd.Flags().StringVar(&runtimeConfigPath, "runtime-config", "",
		"Path to a JSON runtime config reloaded before every drive")
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := slog.Default()
	logger.Info("starting fonpr agent",
		"dry_run", IsDryRun(),
		"version", "0.1.0",
	)

	// 1. Load Configuration
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 2. Telemetry
	prom, err := newMetricsClient(cfg, logger)
	if err != nil {
		return err
	}
	sizer, err := newNodeSizer(ctx, cfg, prom, logger)
	if err != nil {
		return err
	}
	agg, err := newAggregator(cfg, prom, sizer, logger)
	if err != nil {
		return err
	}

	// 3. Cost table
	costs, err := newCostTable(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build cost table: %w", err)
	}

	// 4. Config repository, behind the dry-run guard
	backend, err := newRepository(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize config repository: %w", err)
	}
	repo, err := configrepo.NewClient(configrepo.ClientConfig{
		Repository:    configrepo.NewDryRunRepository(backend, IsDryRun(), logger),
		SizeKey:       cfg.Repository.SizeKey,
		CommitMessage: cfg.Repository.CommitMessage,
		Timeout:       cfg.Repository.Timeout(),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	// 5. Effector, reward and environment
	eff, err := action.NewEffector(action.Config{
		Sizes:    catalog(cfg),
		Resource: cfg.Repository.TargetResource,
		Pusher:   repo,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	calc, err := reward.NewCalculator(reward.Config{
		PricePerGigabyte: cfg.Reward.PricePerGigabyte,
		AccountingUnit:   cfg.Reward.AccountingUnit(),
		Window:           agg.Window(),
		Costs:            costs,
	})
	if err != nil {
		return err
	}
	ledger := &cost.Ledger{}
	environment, err := env.New(env.Config{
		Telemetry:          agg,
		Effector:           eff,
		Scorer:             calc,
		Costs:              costs,
		Sizes:              cfg.InstanceTypes(),
		Dwell:              cfg.Environment.Dwell(),
		TruncateAfterSteps: cfg.Environment.TruncateAfterSteps,
		Ledger:             ledger,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create environment: %w", err)
	}

	// 6. Policy and observers
	pols, err := newPolicies(cfg, eff, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize policy: %w", err)
	}
	defer pols.close()

	buffer, sink, err := newObservers(cfg, logger)
	if err != nil {
		return err
	}
	observers := replay.Fanout{buffer}
	if sink != nil {
		observers = append(observers, sink)
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := sink.Close(flushCtx); err != nil {
				logger.Warn("failed to flush experience sink", "error", err)
			}
		}()
	}

	// 7. Start Metrics Server (Non-blocking)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("starting metrics server", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	// 8. Drive
	loop := &agentLoop{
		driver:      driver.New(environment, logger),
		explorer:    pols.explorer,
		observer:    observers,
		steps:       cfg.Driver.StepsPerDrive,
		maxDrives:   cfg.Driver.MaxDrives,
		retryDelay:  cfg.Environment.Dwell(),
		loadRuntime: runtimeLoader(runtimeConfigPath, logger),
		logger:      logger,
	}
	err = loop.run(ctx)

	totals := ledger.Totals()
	logger.Info("agent stopped",
		"revenue_usd", totals.Revenue,
		"spend_usd", totals.Spend,
		"net_usd", totals.Net,
		"steps", totals.Entries,
		"replay_size", buffer.Len(),
	)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runtimeLoader returns a loader for the runtime config at path. A missing
// path or unreadable file yields the defaults.
func runtimeLoader(path string, logger *slog.Logger) func() *config.RuntimeConfig {
	return func() *config.RuntimeConfig {
		if path == "" {
			return config.DefaultRuntimeConfig()
		}
		rt, err := config.LoadRuntimeConfig(path)
		if err != nil {
			logger.Warn("using default runtime config", "path", path, "error", err)
			return config.DefaultRuntimeConfig()
		}
		return rt
	}
}
