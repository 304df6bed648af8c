package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/mindwolf80/nice/internal/config"
	"github.com/mindwolf80/nice/internal/device"
	"github.com/mindwolf80/nice/internal/engine"
	"github.com/mindwolf80/nice/internal/export"
	"github.com/mindwolf80/nice/internal/history"
	"github.com/mindwolf80/nice/internal/inventory"
	"github.com/mindwolf80/nice/internal/logging"
	"github.com/mindwolf80/nice/internal/transport"
)

// Credential environment variables for the built-in default profile.
const (
	envUsername     = "NICE_USERNAME"
	envPassword     = "NICE_PASSWORD"
	envEnableSecret = "NICE_ENABLE_SECRET"
)

var (
	runType      string
	runMode      string
	runWorkers   int
	runBatchSize int
	runConnectTO time.Duration
	runCommandTO time.Duration
	runRetries   int
	runProfile   string
	runPort      int
	runInsecure  bool
	runOutputDir string
	runFormats   []string
	runNoHistory bool
	runQuiet     bool
	runDebug     bool
	runLogFormat string
)

var runCmd = &cobra.Command{
	Use:   "run [flags] <inventory.csv>",
	Short: "Execute an inventory's command sets against its devices",
	Long: `run loads a CSV inventory (columns: ip, dns, command), connects to
each device over SSH, and executes its commands in parallel, bounded
by the worker pool and batch size.

While a run is active:
  SIGUSR1 toggles pause/resume (pause stops new devices from starting)
  SIGINT  cancels the run (in-flight results are kept)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInventory(cmd, args[0])
	},
}

func init() {
	runCmd.Flags().StringVar(&runType, "type", "", "Device type: "+strings.Join(device.TypeNames(), ", "))
	runCmd.Flags().StringVar(&runMode, "mode", "", "Execution mode (normal, config)")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Maximum concurrent device sessions (1-50)")
	runCmd.Flags().IntVar(&runBatchSize, "batch-size", 0, "Devices dispatched per batch (1-100)")
	runCmd.Flags().DurationVar(&runConnectTO, "connect-timeout", 0, "Per-device connection timeout")
	runCmd.Flags().DurationVar(&runCommandTO, "cmd-timeout", 0, "Per-command timeout")
	runCmd.Flags().IntVar(&runRetries, "retries", -1, "Retry attempts for connect/timeout failures")
	runCmd.Flags().StringVar(&runProfile, "profile", "", "Credential profile from the config file")
	runCmd.Flags().IntVar(&runPort, "port", 0, "SSH port override for all devices")
	runCmd.Flags().BoolVar(&runInsecure, "insecure", true, "Accept SSH host keys not present in known_hosts")
	runCmd.Flags().StringVar(&runOutputDir, "output-dir", "", "Directory for result exports")
	runCmd.Flags().StringSliceVar(&runFormats, "format", nil, "Export formats (csv, txt)")
	runCmd.Flags().BoolVar(&runNoHistory, "no-history", false, "Skip recording this run in the history database")
	runCmd.Flags().BoolVar(&runQuiet, "quiet", false, "Suppress per-device progress output")
	runCmd.Flags().BoolVar(&runDebug, "debug", false, "Enable debug logging")
	runCmd.Flags().StringVar(&runLogFormat, "log-format", "console", "Log format (console, json)")
	_ = runCmd.MarkFlagRequired("type")
	rootCmd.AddCommand(runCmd)
}

func runInventory(cmd *cobra.Command, path string) error {
	logger, err := logging.New(logging.Options{Debug: runDebug, Format: runLogFormat})
	if err != nil {
		return err
	}
	defer logger.Sync()

	devType, err := device.ResolveType(runType)
	if err != nil {
		return err
	}

	opts, err := buildOptions(cmd)
	if err != nil {
		return err
	}

	entries, err := inventory.Load(path, devType)
	if err != nil {
		return err
	}

	units, err := buildUnits(entries, opts.Mode)
	if err != nil {
		return err
	}

	rc := engine.NewRunContext(opts)
	runner := engine.NewRunner(transport.NewSSH(transport.SSHConfig{
		Port:               runPort,
		AcceptUnknownHosts: runInsecure,
		Logger:             logger,
	}), engine.WithLogger(logger))

	var (
		store  *history.Store
		writer *history.Writer
	)
	if !runNoHistory && cfg.History.Path != "" {
		store, err = history.Open(config.ExpandPath(cfg.History.Path))
		if err != nil {
			logger.Warn("history disabled", zap.Error(err))
		} else {
			defer store.Close()
			if err := store.BeginRun(rc.ID, time.Now(), opts.Mode, len(units)); err != nil {
				logger.Warn("history disabled", zap.Error(err))
				store.Close()
				store = nil
			} else {
				writer = history.NewWriter(store, 2*time.Second, 20)
			}
		}
	}

	progress := engine.NewProgress(len(units))
	watchDone := make(chan struct{})
	go watchProgress(rc, progress, writer, watchDone)

	stopSignals := handleSignals(rc)
	defer stopSignals()

	report := runner.Run(context.Background(), rc, units, progress)
	progress.Close()
	<-watchDone

	if writer != nil {
		writer.Close()
	}
	if store != nil {
		if err := store.FinishRun(report); err != nil {
			logger.Warn("recording run", zap.Error(err))
		}
	}

	if err := exportReport(report); err != nil {
		return err
	}

	succeeded, failed, skipped, cancelled := report.Counts()
	fmt.Printf("\nRun %s: %d succeeded, %d failed, %d skipped, %d cancelled (%.1fs)\n",
		report.RunID, succeeded, failed, skipped, cancelled,
		report.Finished.Sub(report.Started).Seconds())

	if report.Cancelled || cancelled > 0 {
		os.Exit(130)
	}
	if failed > 0 {
		os.Exit(1)
	}
	return nil
}

// buildOptions layers CLI flags over the config file defaults.
func buildOptions(cmd *cobra.Command) (engine.Options, error) {
	d := cfg.Defaults
	opts := engine.Options{
		MaxWorkers:     d.MaxWorkers,
		BatchSize:      d.BatchSize,
		ConnectTimeout: d.ConnectTimeout.Duration,
		CommandTimeout: d.CommandTimeout.Duration,
		RetryCount:     d.RetryCount,
	}
	mode, err := device.ParseMode(d.Mode)
	if err != nil {
		return opts, err
	}
	opts.Mode = mode

	if cmd.Flags().Changed("workers") {
		opts.MaxWorkers = runWorkers
	}
	if cmd.Flags().Changed("batch-size") {
		opts.BatchSize = runBatchSize
	}
	if cmd.Flags().Changed("connect-timeout") {
		opts.ConnectTimeout = runConnectTO
	}
	if cmd.Flags().Changed("cmd-timeout") {
		opts.CommandTimeout = runCommandTO
	}
	if cmd.Flags().Changed("retries") {
		opts.RetryCount = runRetries
	}
	if cmd.Flags().Changed("mode") {
		mode, err := device.ParseMode(runMode)
		if err != nil {
			return opts, err
		}
		opts.Mode = mode
	}
	return opts, nil
}

// buildUnits resolves credentials and pairs each inventory entry with
// them. The ~/.ssh/config User directive fills in a missing username
// per device.
func buildUnits(entries []inventory.Entry, mode device.Mode) ([]device.ExecutionUnit, error) {
	creds, err := resolveCredentials()
	if err != nil {
		return nil, err
	}

	units := make([]device.ExecutionUnit, len(entries))
	for i, e := range entries {
		unitCreds := creds
		if unitCreds.Username == "" {
			unitCreds.Username = config.SSHUser(e.Device.Label())
		}
		if unitCreds.Username == "" {
			return nil, fmt.Errorf("no username for %s: set %s or a credential profile", e.Device.Label(), envUsername)
		}
		units[i] = device.ExecutionUnit{
			Device:   e.Device,
			Commands: device.CommandSet{Commands: e.Commands, Mode: mode},
			Creds:    unitCreds,
		}
	}
	return units, nil
}

// resolveCredentials picks the credential source: a named profile from
// the config file, or the NICE_* environment variables, with an
// interactive prompt as the last resort for the password.
func resolveCredentials() (device.Credentials, error) {
	if runProfile != "" {
		return cfg.ResolveCredentials(runProfile)
	}
	if _, ok := cfg.Profiles["default"]; ok {
		return cfg.ResolveCredentials("")
	}

	creds := device.Credentials{
		Username:     os.Getenv(envUsername),
		Password:     os.Getenv(envPassword),
		EnableSecret: os.Getenv(envEnableSecret),
	}
	if creds.Password == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return creds, fmt.Errorf("no password: set %s or define a credential profile", envPassword)
		}
		fmt.Fprintf(os.Stderr, "Password for %s: ", creds.Username)
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return creds, fmt.Errorf("reading password: %w", err)
		}
		creds.Password = string(pw)
	}
	return creds, nil
}

// watchProgress streams run events to the terminal and the history
// writer until the event channel closes.
func watchProgress(rc *engine.RunContext, progress *engine.Progress, writer *history.Writer, done chan<- struct{}) {
	defer close(done)
	for ev := range progress.Events() {
		switch ev.Type {
		case engine.EventBatchStart:
			if !runQuiet {
				fmt.Printf("-- batch %d/%d --\n", ev.Batch+1, ev.Batches)
			}
		case engine.EventDeviceDone:
			if writer != nil {
				writer.Write(rc.ID, ev.Position, ev.Outcome)
			}
			if !runQuiet {
				fmt.Printf("[%d/%d] %s: %s\n", ev.Completed, ev.Total, ev.Device.Label(), ev.Outcome.Status)
			}
		}
	}
}

// handleSignals wires SIGINT to cancel and SIGUSR1 to pause/resume.
// A second SIGINT kills the process outright.
func handleSignals(rc *engine.RunContext) (stop func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	go func() {
		interrupted := false
		for sig := range ch {
			switch sig {
			case syscall.SIGUSR1:
				if rc.Paused() {
					fmt.Fprintln(os.Stderr, "\nresuming")
					rc.Resume()
				} else {
					fmt.Fprintln(os.Stderr, "\npausing after in-flight devices finish")
					rc.Pause()
				}
			default:
				if interrupted {
					os.Exit(130)
				}
				interrupted = true
				fmt.Fprintln(os.Stderr, "\ncancelling, interrupt again to kill")
				rc.Cancel()
			}
		}
	}()
	return func() { signal.Stop(ch) }
}

func exportReport(report *engine.Report) error {
	dir := runOutputDir
	if dir == "" {
		dir = cfg.Output.Dir
	}
	formats := runFormats
	if len(formats) == 0 {
		formats = cfg.Output.Formats
	}
	for _, f := range formats {
		format, err := export.ParseFormat(f)
		if err != nil {
			return err
		}
		path, err := export.Write(report, config.ExpandPath(dir), format)
		if err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
	}
	return nil
}
