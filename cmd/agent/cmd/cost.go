package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/fonpr/fonpr-agent/internal/config"
	"github.com/fonpr/fonpr-agent/internal/cost"
)

var costSource string

var costCmd = &cobra.Command{
	Use:   "cost",
	Short: "Print the hourly rate of every catalog size",
	Long: `Resolve the cost table the reward uses and print the catalog's rates.

Example:
  agent cost
  agent cost --source aws`,
	RunE: runCost,
}

func init() {
	rootCmd.AddCommand(costCmd)

	costCmd.Flags().StringVar(&costSource, "source", "",
		"Override cost.source: static, aws, gcp or auto")
}

func runCost(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if costSource != "" {
		cfg.Cost.Source = costSource
	}

	table, err := newCostTable(context.Background(), cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to build cost table: %w", err)
	}
	return printCosts(os.Stdout, cfg, table)
}

func printCosts(w io.Writer, cfg *config.Config, table *cost.Table) error {
	fmt.Fprintf(w, "%-12s %-16s %-10s\n", "SIZE", "INSTANCE TYPE", "USD/HOUR")
	fmt.Fprintln(w, "--------------------------------------")

	var missing error
	for _, s := range cfg.Sizes {
		rate, err := table.Rate(s.InstanceType)
		if err != nil {
			fmt.Fprintf(w, "%-12s %-16s %-10s\n", s.ID, s.InstanceType, "-")
			if missing == nil {
				missing = err
			}
			continue
		}
		fmt.Fprintf(w, "%-12s %-16s %-10s\n", s.ID, s.InstanceType, rate.StringFixed(4))
	}
	return missing
}
