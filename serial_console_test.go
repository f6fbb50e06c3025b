package opticalresponsetest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

// pipePort is an in-memory stand-in for a serial port: the console reads
// what the host writes and vice versa.
type pipePort struct {
	in  *io.PipeReader
	out *io.PipeWriter
}

func (p *pipePort) Read(b []byte) (int, error)  { return p.in.Read(b) }
func (p *pipePort) Write(b []byte) (int, error) { return p.out.Write(b) }

func (p *pipePort) Close() error {
	p.in.Close()
	p.out.Close()
	return nil
}

type mockRunner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockRunner) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *mockRunner) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockRunner) RunCycle(ctx context.Context, emit func(Token)) (*CycleReport, error) {
	m.mu.Lock()
	m.calls++
	err := m.err
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	report := &CycleReport{StartedAt: time.Now()}
	for _, tok := range []Token{TokenRed, TokenGreen, TokenBlue} {
		if emit != nil {
			emit(tok)
		}
		report.Tokens = append(report.Tokens, TokenEvent{Token: tok, At: time.Now()})
	}
	report.Total = time.Since(report.StartedAt)
	return report, nil
}

// newTestConsole wires a console to pipes. Returned writer feeds the
// console; returned reader sees its output.
func newTestConsole(t *testing.T, runner cycleRunner) (*serialConsole, *io.PipeWriter, *bufio.Reader) {
	consoleIn, hostWrite := io.Pipe()
	hostRead, consoleOut := io.Pipe()
	port := &pipePort{in: consoleIn, out: consoleOut}

	name := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), "console")
	conf := &ConsoleConfig{Sequencer: "sequencer", Path: "mem"}
	c := newConsoleWithPort(name, conf, logging.NewTestLogger(t), runner, port)
	t.Cleanup(func() {
		c.Close(context.Background())
		hostWrite.Close()
	})
	return c, hostWrite, bufio.NewReader(hostRead)
}

func hostSend(w *io.PipeWriter, text string) {
	go func() {
		w.Write([]byte(text))
	}()
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := r.ReadString('\n')
		ch <- result{line, err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			t.Fatalf("read failed: %v", res.err)
		}
		return strings.TrimSuffix(res.line, "\n")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for console output")
		return ""
	}
}

func TestConsoleConfigValidate(t *testing.T) {
	t.Run("valid config returns sequencer as dependency", func(t *testing.T) {
		cfg := &ConsoleConfig{Sequencer: "seq", Path: "/dev/ttyUSB0"}
		deps, _, err := cfg.Validate("test")
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if len(deps) != 1 || !strings.Contains(deps[0], "seq") {
			t.Errorf("expected sequencer dependency, got %v", deps)
		}
	})

	t.Run("errors when sequencer missing", func(t *testing.T) {
		cfg := &ConsoleConfig{Path: "/dev/ttyUSB0"}
		if _, _, err := cfg.Validate("test"); err == nil {
			t.Error("expected error for missing sequencer")
		}
	})

	t.Run("errors when path missing", func(t *testing.T) {
		cfg := &ConsoleConfig{Sequencer: "seq"}
		if _, _, err := cfg.Validate("test"); err == nil {
			t.Error("expected error for missing path")
		}
	})
}

func TestConsoleEchoesEveryByte(t *testing.T) {
	runner := &mockRunner{}
	_, hostWrite, hostRead := newTestConsole(t, runner)

	hostSend(hostWrite, "AB?")
	for _, want := range []string{"A", "B", "?"} {
		if got := readLine(t, hostRead); got != want {
			t.Errorf("echo = %q, want %q", got, want)
		}
	}
	if runner.callCount() != 0 {
		t.Errorf("cycle ran %d times on non-trigger input, want 0", runner.callCount())
	}
}

func TestConsoleTriggerRunsCycle(t *testing.T) {
	runner := &mockRunner{}
	c, hostWrite, hostRead := newTestConsole(t, runner)

	hostSend(hostWrite, "T")
	for _, want := range []string{"T", "R", "G", "B"} {
		if got := readLine(t, hostRead); got != want {
			t.Errorf("line = %q, want %q", got, want)
		}
	}
	if runner.callCount() != 1 {
		t.Errorf("cycle ran %d times, want 1", runner.callCount())
	}

	state := c.GetState()
	if state["triggers"] != 1 {
		t.Errorf("triggers = %v, want 1", state["triggers"])
	}
	if state["bytes_in"] != 1 {
		t.Errorf("bytes_in = %v, want 1", state["bytes_in"])
	}
}

func TestConsoleLeadingChatterThenTrigger(t *testing.T) {
	runner := &mockRunner{}
	_, hostWrite, hostRead := newTestConsole(t, runner)

	hostSend(hostWrite, "XT")
	for _, want := range []string{"X", "T", "R", "G", "B"} {
		if got := readLine(t, hostRead); got != want {
			t.Errorf("line = %q, want %q", got, want)
		}
	}
	if runner.callCount() != 1 {
		t.Errorf("cycle ran %d times, want 1", runner.callCount())
	}
}

func TestConsoleKeepsListeningAfterCycleFailure(t *testing.T) {
	runner := &mockRunner{}
	runner.setErr(fmt.Errorf("sled did not reach the beam gate within 10s"))
	c, hostWrite, hostRead := newTestConsole(t, runner)

	hostSend(hostWrite, "T")
	if got := readLine(t, hostRead); got != "T" {
		t.Errorf("echo = %q, want T", got)
	}

	waitUntil(t, "cycle error to be counted", func() bool {
		return c.GetState()["cycle_errors"] == 1
	})

	// The console must survive the failure and run the next trigger.
	runner.setErr(nil)
	hostSend(hostWrite, "T")
	for _, want := range []string{"T", "R", "G", "B"} {
		if got := readLine(t, hostRead); got != want {
			t.Errorf("line = %q, want %q", got, want)
		}
	}
	if runner.callCount() != 2 {
		t.Errorf("cycle ran %d times, want 2", runner.callCount())
	}
}

func TestConsoleDoCommand(t *testing.T) {
	runner := &mockRunner{}
	c, _, _ := newTestConsole(t, runner)

	t.Run("stats returns counters", func(t *testing.T) {
		result, err := c.DoCommand(context.Background(), map[string]interface{}{"command": "stats"})
		if err != nil {
			t.Fatalf("DoCommand failed: %v", err)
		}
		if _, ok := result["bytes_in"]; !ok {
			t.Error("stats missing bytes_in")
		}
	})

	t.Run("unknown command errors", func(t *testing.T) {
		if _, err := c.DoCommand(context.Background(), map[string]interface{}{"command": "reboot"}); err == nil {
			t.Error("expected error for unknown command")
		}
	})

	t.Run("missing command errors", func(t *testing.T) {
		if _, err := c.DoCommand(context.Background(), map[string]interface{}{}); err == nil {
			t.Error("expected error for missing command")
		}
	})
}

func TestConsoleClose(t *testing.T) {
	runner := &mockRunner{}
	c, _, _ := newTestConsole(t, runner)

	done := make(chan struct{})
	go func() {
		c.Close(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
}
