package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mindwolf80/nice/internal/config"
)

var (
	// Build-time variables (set via -ldflags)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"

	cfgPath string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nice",
	Short: "Run command sets against fleets of network devices over SSH",
	Long: `nice executes ordered command sets against many network devices in
parallel, with bounded concurrency, batching, retries, and an ordered
export of every result.

Devices and their commands come from a CSV inventory (columns: ip, dns,
command). Credentials come from environment variables or a named
credential profile in the config file; they are never written to disk
or logged.

Examples:
  # Run show commands on a fleet of IOS switches
  NICE_USERNAME=admin NICE_PASSWORD=secret \
    nice run --type cisco_ios inventory.csv

  # Push config with a smaller blast radius
  nice run --type arista_eos --mode config --batch-size 5 changes.csv

  # Inspect past runs
  nice history
  nice history show <run-id>`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfgPath != "" {
			cfg, err = config.Load(cfgPath)
			if errors.Is(err, os.ErrNotExist) {
				// config init targets a path that does not exist yet.
				cfg, err = config.DefaultConfig(), nil
			}
		} else {
			cfg, err = config.LoadDefault()
		}
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to config file (default: ~/.config/nice/config.yaml)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nice %s\n", version)
			fmt.Printf("Commit: %s\n", commit)
			fmt.Printf("Built: %s\n", buildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)
}
