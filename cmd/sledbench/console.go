package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/abiosoft/ishell"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
	"go.viam.com/rdk/logging"

	"opticalresponsetest/scpi"
)

var (
	consoleSerial string
	consoleBaud   int
	consoleScope  string
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive shell on the rig's serial console",
	Long: `console opens the rig's serial port and reads it continuously,
printing every line the firmware sends. Commands write to the port or,
when --scope is given, query the scope.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.SilenceUsage = true
		if err := runShell(cmd); err != nil {
			atexit.Fatalf("console: %v", err)
		}
	},
}

func init() {
	consoleCmd.Flags().StringVar(&consoleSerial, "serial", "/dev/ttyUSB0", "rig serial device (env SLED_SERIAL)")
	consoleCmd.Flags().IntVar(&consoleBaud, "baud", 115200, "serial baud rate")
	consoleCmd.Flags().StringVar(&consoleScope, "scope", "", "optional scope address for meas and setup (env SLED_SCOPE)")
	rootCmd.AddCommand(consoleCmd)
}

// lineTap hands firmware lines to at most one waiter at a time. Lines
// arriving with no waiter registered only go to the printer.
type lineTap struct {
	mu sync.Mutex
	ch chan string
}

func (lt *lineTap) set(ch chan string) {
	lt.mu.Lock()
	lt.ch = ch
	lt.mu.Unlock()
}

func (lt *lineTap) offer(line string) {
	lt.mu.Lock()
	ch := lt.ch
	lt.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- line:
	default:
	}
}

func runShell(cmd *cobra.Command) error {
	logger := logging.NewLogger("sledbench")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serialPath := flagOrEnv(cmd, "serial", "SLED_SERIAL", consoleSerial)
	port, err := openRigPort(ctx, serialPath, consoleBaud)
	if err != nil {
		return fmt.Errorf("opening %s: %w", serialPath, err)
	}
	defer port.Close()

	var scope *scpi.Rigol
	if addr := flagOrEnv(cmd, "scope", "SLED_SCOPE", consoleScope); addr != "" {
		client, err := scpi.Dial(ctx, scpi.Config{Addr: scopeHostPort(addr)}, logger)
		if err != nil {
			return fmt.Errorf("dialing scope %s: %w", addr, err)
		}
		defer client.Close()
		scope = scpi.NewRigol(client)
	}

	shell := ishell.New()
	shell.SetPrompt("sled> ")
	shell.Println("rig console on", serialPath, "- type help for commands")

	// Everything the firmware prints shows up as it arrives, prefixed so
	// it is not mistaken for shell output.
	tap := &lineTap{}
	go func() {
		rd := bufio.NewReader(port)
		for ctx.Err() == nil {
			line, err := rd.ReadString('\n')
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				shell.Printf("rig: %s\n", trimmed)
				tap.offer(trimmed)
			}
			if err != nil && err != io.EOF {
				return
			}
			// Read timeouts surface as EOF; keep polling.
		}
	}()

	shell.AddCmd(&ishell.Cmd{
		Name:    "trigger",
		Aliases: []string{"t"},
		Help:    "send the trigger byte; the cycle's tokens print as they arrive",
		Func: func(c *ishell.Context) {
			if _, err := port.Write([]byte{'T'}); err != nil {
				c.Err(err)
			}
		},
	})
	shell.AddCmd(&ishell.Cmd{
		Name:    "raw",
		Aliases: []string{"send"},
		Help:    "BYTES  write raw characters to the rig",
		Func: func(c *ishell.Context) {
			if len(c.Args) == 0 {
				c.Err(fmt.Errorf("nothing to send"))
				return
			}
			if _, err := port.Write([]byte(strings.Join(c.Args, " "))); err != nil {
				c.Err(err)
			}
		},
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "wait",
		Help: "TOKEN [TIMEOUT_MS]  wait for an exact line from the rig",
		Func: func(c *ishell.Context) {
			if len(c.Args) == 0 {
				c.Err(fmt.Errorf("usage: wait TOKEN [TIMEOUT_MS]"))
				return
			}
			want := strings.TrimSpace(c.Args[0])
			timeout := 3 * time.Second
			if len(c.Args) > 1 {
				ms, err := strconv.Atoi(c.Args[1])
				if err != nil {
					c.Err(fmt.Errorf("bad timeout %q", c.Args[1]))
					return
				}
				timeout = time.Duration(ms) * time.Millisecond
			}

			lines := make(chan string, 16)
			tap.set(lines)
			defer tap.set(nil)

			start := time.Now()
			deadline := time.After(timeout)
			for {
				select {
				case line := <-lines:
					if line == want {
						c.Printf("%s after %v\n", want, time.Since(start).Round(time.Millisecond))
						return
					}
				case <-deadline:
					c.Err(fmt.Errorf("no %q within %v", want, timeout))
					return
				}
			}
		},
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "meas",
		Help: "TYPE [CHANNEL]  query one scope measurement",
		Func: func(c *ishell.Context) {
			if scope == nil {
				c.Err(fmt.Errorf("no scope: start with --scope"))
				return
			}
			if len(c.Args) == 0 {
				c.Err(fmt.Errorf("usage: meas TYPE [CHANNEL]"))
				return
			}
			channel := 1
			if len(c.Args) > 1 {
				n, err := strconv.Atoi(c.Args[1])
				if err != nil {
					c.Err(fmt.Errorf("bad channel %q", c.Args[1]))
					return
				}
				channel = n
			}
			mctx, mcancel := context.WithTimeout(ctx, 10*time.Second)
			defer mcancel()
			v, err := scope.Measure(mctx, strings.ToUpper(c.Args[0]), channel)
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("%g\n", v)
		},
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "setup",
		Help: "[CHANNEL]  push the standard scope setup",
		Func: func(c *ishell.Context) {
			if scope == nil {
				c.Err(fmt.Errorf("no scope: start with --scope"))
				return
			}
			cfg := scpi.SetupConfig{}
			if len(c.Args) > 0 {
				n, err := strconv.Atoi(c.Args[0])
				if err != nil {
					c.Err(fmt.Errorf("bad channel %q", c.Args[0]))
					return
				}
				cfg.Channel = n
			}
			sctx, scancel := context.WithTimeout(ctx, 30*time.Second)
			defer scancel()
			if err := scope.Setup(sctx, cfg); err != nil {
				c.Err(err)
			}
		},
	})

	shell.Run()
	return nil
}
