package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
	"go.viam.com/rdk/logging"

	"opticalresponsetest/bench"
	"opticalresponsetest/recording"
	"opticalresponsetest/scpi"
)

var (
	runSerial       string
	runBaud         int
	runScope        string
	runChannel      int
	runIterations   int
	runMeas         []string
	runSamples      int
	runWindowMs     int
	runTokenWaitMs  int
	runOut          string
	runSQLite       bool
	runPlotMeas     string
	runSkipSetup    bool
	runTriggerLevel float64
	runDebug        bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a measurement campaign",
	Long: `run triggers the rig once per iteration, waits for each color token
on the serial console, and samples the scope across every pulse window.
Rollups and raw instants land in CSV (and optionally SQLite) under --out.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.SilenceUsage = true
		if err := runCampaign(cmd); err != nil {
			atexit.Fatalf("run: %v", err)
		}
	},
}

func init() {
	runCmd.Flags().StringVar(&runSerial, "serial", "/dev/ttyUSB0", "rig serial device (env SLED_SERIAL)")
	runCmd.Flags().IntVar(&runBaud, "baud", 115200, "serial baud rate")
	runCmd.Flags().StringVar(&runScope, "scope", "", "scope address as host or host:port (env SLED_SCOPE)")
	runCmd.Flags().IntVar(&runChannel, "channel", 1, "scope channel carrying the photodiode")
	runCmd.Flags().IntVar(&runIterations, "iterations", 10, "sled increments to run")
	runCmd.Flags().StringSliceVar(&runMeas, "meas", []string{scpi.MeasVPP, scpi.MeasVRMS}, "scope measurement types per instant")
	runCmd.Flags().IntVar(&runSamples, "samples", 6, "instants sampled per pulse")
	runCmd.Flags().IntVar(&runWindowMs, "window-ms", 600, "sampling window per pulse in milliseconds")
	runCmd.Flags().IntVar(&runTokenWaitMs, "token-wait-ms", 3000, "bound on waiting for each color token")
	runCmd.Flags().StringVar(&runOut, "out", ".", "directory for campaign artifacts")
	runCmd.Flags().BoolVar(&runSQLite, "sqlite", false, "also record into a SQLite database")
	runCmd.Flags().StringVar(&runPlotMeas, "plot", scpi.MeasVPP, "measurement type to plot, empty to skip")
	runCmd.Flags().BoolVar(&runSkipSetup, "skip-setup", false, "assume the scope is already configured")
	runCmd.Flags().Float64Var(&runTriggerLevel, "trigger-level", 0.5, "scope trigger level in volts")
	runCmd.Flags().BoolVar(&runDebug, "debug", false, "log SCPI traffic")
	rootCmd.AddCommand(runCmd)
}

func runCampaign(cmd *cobra.Command) error {
	logger := logging.NewLogger("sledbench")
	if runDebug {
		logger = logging.NewDebugLogger("sledbench")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	serialPath := flagOrEnv(cmd, "serial", "SLED_SERIAL", runSerial)
	scopeAddr := flagOrEnv(cmd, "scope", "SLED_SCOPE", runScope)
	if scopeAddr == "" {
		return fmt.Errorf("no scope address: pass --scope or set SLED_SCOPE")
	}
	scopeAddr = scopeHostPort(scopeAddr)

	logger.Infof("opening rig console on %s at %d baud", serialPath, runBaud)
	port, err := openRigPort(ctx, serialPath, runBaud)
	if err != nil {
		return fmt.Errorf("opening %s: %w", serialPath, err)
	}
	defer port.Close()

	logger.Infof("dialing scope %s", scopeAddr)
	client, err := scpi.Dial(ctx, scpi.Config{
		Addr:   scopeAddr,
		MinGap: 100 * time.Millisecond,
	}, logger)
	if err != nil {
		return fmt.Errorf("dialing scope %s: %w", scopeAddr, err)
	}
	defer client.Close()

	scope := scpi.NewRigol(client)
	// Leave the scope stopped rather than free running once the campaign
	// is over. Background context so this still runs after an interrupt.
	defer scope.Stop(context.Background())

	if !runSkipSetup {
		if err := scope.Setup(ctx, scpi.SetupConfig{
			Channel:      runChannel,
			TriggerLevel: runTriggerLevel,
		}); err != nil {
			return fmt.Errorf("scope setup: %w", err)
		}
	}

	stamp := recording.RunStamp(time.Now())
	csvStore, err := recording.NewCSVStore(runOut, stamp, runMeas, logger)
	if err != nil {
		return err
	}
	stores := []recording.Store{csvStore}
	if runSQLite {
		dbPath := filepath.Join(runOut, fmt.Sprintf("optical_bench_%s.sqlite3", stamp))
		dbStore, err := recording.NewSQLiteStore(dbPath, logger)
		if err != nil {
			csvStore.Close()
			return err
		}
		stores = append(stores, dbStore)
	}
	store := recording.Tee(stores...)
	defer store.Close()

	if err := store.AddMeta(recording.RunMeta{
		Run:        stamp,
		StartedAt:  time.Now().Format(time.RFC3339),
		SerialPath: serialPath,
		ScopeAddr:  scopeAddr,
		Iterations: runIterations,
	}); err != nil {
		return fmt.Errorf("recording run metadata: %w", err)
	}

	runner := bench.NewRunner(bench.RunnerConfig{
		RunID:        stamp,
		Iterations:   runIterations,
		Channel:      runChannel,
		MeasTypes:    runMeas,
		PulseWindow:  time.Duration(runWindowMs) * time.Millisecond,
		PulseSamples: runSamples,
		TokenTimeout: time.Duration(runTokenWaitMs) * time.Millisecond,
	}, port, scope, store, logger)

	summary, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	logger.Infof("campaign %s: %d rollups, %d missed pulses",
		summary.Run, len(summary.Rollups), summary.MissedPulses)

	if runPlotMeas != "" {
		plotPath := filepath.Join(runOut,
			fmt.Sprintf("optical_%s_%s.png", strings.ToLower(runPlotMeas), stamp))
		if err := bench.RenderPlot(summary, runPlotMeas, plotPath); err != nil {
			return fmt.Errorf("rendering plot: %w", err)
		}
		logger.Infof("wrote %s", plotPath)
	}
	return nil
}
