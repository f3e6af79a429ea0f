// Package main is the entry point for the fonpr agent.
// The agent resizes UPF compute from a policy driven by throughput and cost.
package main

import (
	"os"

	"github.com/fonpr/fonpr-agent/cmd/agent/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
