// Package cmd defines the CLI commands for the searchrund executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/searchingfox/searchrun/internal/config"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "searchrund",
		Short: "Search-run lifecycle service for the job search aggregator.",
		Long: `searchrund coordinates asynchronous job-search runs: it records
durable search-run state, wakes the external scraping worker, fans out
scheduled runs per subscribed user, and drives resumable bulk job
operations.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newTriggerCmd())

	return cmd
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
