package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mindwolf80/nice/internal/device"
	"github.com/mindwolf80/nice/internal/inventory"
	"github.com/mindwolf80/nice/internal/preflight"
)

var (
	checkPort    int
	checkTimeout time.Duration
	checkWorkers int
)

var checkCmd = &cobra.Command{
	Use:   "check [flags] <inventory.csv>",
	Short: "Verify SSH reachability of every device in an inventory",
	Long: `check TCP-dials the SSH port of every device in the inventory
without authenticating, so a bad inventory or a down device shows up
before a real run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Device type does not affect reachability; any valid tag works.
		entries, err := inventory.Load(args[0], device.Linux)
		if err != nil {
			return err
		}

		devices := make([]device.Device, len(entries))
		for i, e := range entries {
			devices[i] = e.Device
		}

		results, err := preflight.Check(context.Background(), devices, checkPort, checkWorkers, checkTimeout)
		if err != nil {
			return err
		}

		unreachable := 0
		for _, r := range results {
			if r.Reachable {
				fmt.Printf("ok    %-30s %s\n", r.Device.Label(), r.Elapsed.Round(time.Millisecond))
				continue
			}
			unreachable++
			fmt.Printf("FAIL  %-30s %v\n", r.Device.Label(), r.Err)
		}
		if unreachable > 0 {
			return fmt.Errorf("%d of %d devices unreachable", unreachable, len(results))
		}
		fmt.Printf("all %d devices reachable\n", len(results))
		return nil
	},
}

func init() {
	checkCmd.Flags().IntVar(&checkPort, "port", 22, "SSH port to probe")
	checkCmd.Flags().DurationVar(&checkTimeout, "timeout", 3*time.Second, "Per-device dial timeout")
	checkCmd.Flags().IntVar(&checkWorkers, "workers", 10, "Concurrent probes")
	rootCmd.AddCommand(checkCmd)
}
