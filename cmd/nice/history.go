package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mindwolf80/nice/internal/config"
	"github.com/mindwolf80/nice/internal/history"
)

var (
	historyLimit int
	historyDB    string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory()
		if err != nil {
			return err
		}
		defer store.Close()

		runs, err := store.ListRuns(historyLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("no runs recorded")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tSTARTED\tMODE\tDEVICES\tOK\tFAILED\tSKIPPED\tCANCELLED")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
				r.ID, r.Started.Format("2006-01-02 15:04:05"), r.Mode,
				r.Devices, r.Succeeded, r.Failed, r.Skipped, r.Cancelled)
		}
		return w.Flush()
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show every result of one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory()
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.Results(args[0])
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return fmt.Errorf("run %q not found", args[0])
		}

		lastPos := -1
		for _, rec := range records {
			if rec.Position != lastPos {
				lastPos = rec.Position
				label := rec.DeviceIP
				if rec.DNS != "" {
					label = rec.DNS + " (" + rec.DeviceIP + ")"
				}
				fmt.Printf("===== %s =====\n", label)
			}
			fmt.Printf("--- %s [%s] ---\n", rec.Command, rec.Status)
			if rec.Status == "success" {
				if rec.Output != "" {
					fmt.Println(rec.Output)
				}
			} else if rec.Err != "" {
				fmt.Println(rec.Err)
			}
		}
		return nil
	},
}

func openHistory() (*history.Store, error) {
	path := historyDB
	if path == "" {
		path = cfg.History.Path
	}
	if path == "" {
		return nil, fmt.Errorf("no history database configured; set history.path in the config file or pass --db")
	}
	return history.Open(config.ExpandPath(path))
}

func init() {
	historyCmd.PersistentFlags().StringVar(&historyDB, "db", "", "Path to the history database")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum runs to list")
	historyCmd.AddCommand(historyShowCmd)
	rootCmd.AddCommand(historyCmd)
}
