package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fonpr/fonpr-agent/internal/telemetry"
)

var outputFormat string

var observeCmd = &cobra.Command{
	Use:   "observe",
	Short: "Print the current observation window",
	Long: `Read one observation from Prometheus and print it.

Each row is one resampled instant: the throughput since the start of the
window and whether each catalog size was running.

Example:
  agent observe --config config/default.yaml
  agent observe --output json`,
	RunE: runObserve,
}

func init() {
	rootCmd.AddCommand(observeCmd)

	observeCmd.Flags().StringVar(&outputFormat, "output", "table",
		"Output format: table, json")
}

func runObserve(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	logger := slog.Default()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
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

	obs, err := agg.Observe(ctx)
	if err != nil {
		return fmt.Errorf("failed to read observation: %w", err)
	}

	switch outputFormat {
	case "json":
		return outputJSON(os.Stdout, obs)
	default:
		return outputTable(os.Stdout, obs)
	}
}

type observationJSON struct {
	Sizes           []string           `json:"sizes"`
	Rows            []telemetry.Row    `json:"rows"`
	ThroughputTotal float64            `json:"throughput_total_bytes"`
	ActiveFraction  map[string]float64 `json:"active_fraction"`
	Latest          []string           `json:"latest"`
}

func outputJSON(w io.Writer, obs telemetry.Observation) error {
	out := observationJSON{
		Sizes:           obs.Sizes,
		Rows:            obs.Rows,
		ThroughputTotal: obs.ThroughputTotal(),
		ActiveFraction:  make(map[string]float64, len(obs.Sizes)),
		Latest:          obs.Latest(),
	}
	for _, s := range obs.Sizes {
		out.ActiveFraction[s], _ = obs.ActiveFraction(s)
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

func outputTable(w io.Writer, obs telemetry.Observation) error {
	fmt.Fprintf(w, "%-22s %-16s", "TIME", "THROUGHPUT(B)")
	for _, s := range obs.Sizes {
		fmt.Fprintf(w, " %-12s", strings.ToUpper(s))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 39+13*len(obs.Sizes)))

	for _, r := range obs.Rows {
		fmt.Fprintf(w, "%-22s %-16.0f", r.Time.UTC().Format("2006-01-02T15:04:05Z"), r.Throughput)
		for _, v := range r.Active {
			fmt.Fprintf(w, " %-12.0f", v)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "\ntotal bytes: %.0f\n", obs.ThroughputTotal())
	for _, s := range obs.Sizes {
		f, _ := obs.ActiveFraction(s)
		fmt.Fprintf(w, "%s active: %.2f\n", s, f)
	}
	return nil
}
