package main

import (
	"context"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/tarm/serial"
	goutils "go.viam.com/utils"

	"opticalresponsetest/scpi"
)

var rootCmd = &cobra.Command{
	Use:   "sledbench",
	Short: "Drive optical response campaigns against the test rig",
	Long: `sledbench talks to the rig's serial console and to a bench scope.

The run command triggers cycles, samples the scope during each LED pulse,
and records rollups, raw instants, and a plot for the campaign. The
console command opens an interactive shell on the rig's serial port.`,
}

// Opening the serial port resets the rig controller. Traffic sent before
// the firmware is back up is lost.
const rigBootSettle = 2 * time.Second

func openRigPort(ctx context.Context, path string, baud int) (*serial.Port, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        path,
		Baud:        baud,
		ReadTimeout: 250 * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	if !goutils.SelectContextOrWait(ctx, rigBootSettle) {
		port.Close()
		return nil, ctx.Err()
	}
	if err := port.Flush(); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

// flagOrEnv falls back to the environment when the flag was not set
// explicitly on the command line.
func flagOrEnv(cmd *cobra.Command, name, envKey, current string) string {
	if cmd.Flags().Changed(name) {
		return current
	}
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return current
}

// scopeHostPort appends the conventional SCPI port when the address
// carries none.
func scopeHostPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(scpi.DefaultPort))
}
