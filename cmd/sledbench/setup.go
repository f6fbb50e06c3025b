package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
	"go.viam.com/rdk/logging"

	"opticalresponsetest/scpi"
)

var (
	setupScope    string
	setupChannel  int
	setupLevel    float64
	setupTimebase float64
	setupSlope    string
	setupDebug    bool
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Apply the standard scope setup and exit",
	Long: `setup pushes the pulse-capture configuration to the scope: stopped
and cleared, DC-coupled channel, high-resolution acquisition, rising-edge
trigger, then free running. Useful before eyeballing the rig by hand.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.SilenceUsage = true
		if err := runSetup(cmd); err != nil {
			atexit.Fatalf("setup: %v", err)
		}
	},
}

func init() {
	setupCmd.Flags().StringVar(&setupScope, "scope", "", "scope address as host or host:port (env SLED_SCOPE)")
	setupCmd.Flags().IntVar(&setupChannel, "channel", 1, "scope channel carrying the photodiode")
	setupCmd.Flags().Float64Var(&setupLevel, "trigger-level", 0.5, "scope trigger level in volts")
	setupCmd.Flags().Float64Var(&setupTimebase, "timebase", 0.05, "timebase scale in seconds per division")
	setupCmd.Flags().StringVar(&setupSlope, "slope", "POS", "trigger slope, POS or NEG")
	setupCmd.Flags().BoolVar(&setupDebug, "debug", false, "log SCPI traffic")
	rootCmd.AddCommand(setupCmd)
}

func runSetup(cmd *cobra.Command) error {
	logger := logging.NewLogger("sledbench")
	if setupDebug {
		logger = logging.NewDebugLogger("sledbench")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	scopeAddr := flagOrEnv(cmd, "scope", "SLED_SCOPE", setupScope)
	if scopeAddr == "" {
		return fmt.Errorf("no scope address: pass --scope or set SLED_SCOPE")
	}
	scopeAddr = scopeHostPort(scopeAddr)

	client, err := scpi.Dial(ctx, scpi.Config{Addr: scopeAddr}, logger)
	if err != nil {
		return fmt.Errorf("dialing scope %s: %w", scopeAddr, err)
	}
	defer client.Close()

	scope := scpi.NewRigol(client)
	if err := scope.Setup(ctx, scpi.SetupConfig{
		Channel:       setupChannel,
		TimebaseScale: setupTimebase,
		TriggerLevel:  setupLevel,
		TriggerSlope:  setupSlope,
	}); err != nil {
		return err
	}
	logger.Infof("scope %s configured on channel %d", scopeAddr, setupChannel)
	return nil
}
