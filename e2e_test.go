package opticalresponsetest

import (
	"bufio"
	"context"
	"io"
	"testing"
	"time"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

// wireStack connects a real sequencer on harness pins to a real console
// over in-memory pipes. Bytes written to the returned writer arrive at
// the console; the returned reader sees everything it sends back.
func wireStack(t *testing.T) (*rigSequencer, *serialConsole, *rigHarness, *io.PipeWriter, *bufio.Reader) {
	t.Helper()
	seq, h := newTestRig(t)

	consoleIn, hostWrite := io.Pipe()
	hostRead, consoleOut := io.Pipe()
	port := &pipePort{in: consoleIn, out: consoleOut}

	name := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), "console")
	conf := &ConsoleConfig{Sequencer: "sequencer", Path: "mem"}
	c := newConsoleWithPort(name, conf, logging.NewTestLogger(t), seq, port)
	t.Cleanup(func() {
		c.Close(context.Background())
		hostWrite.Close()
	})
	return seq, c, h, hostWrite, bufio.NewReader(hostRead)
}

func expectLines(t *testing.T, rd *bufio.Reader, want ...string) {
	t.Helper()
	for _, w := range want {
		if got := readLine(t, rd); got != w {
			t.Fatalf("got line %q, want %q", got, w)
		}
	}
}

func TestEndToEndTriggerCycle(t *testing.T) {
	seq, _, h, hostWrite, rd := wireStack(t)

	hostSend(hostWrite, "T")
	expectLines(t, rd, "T", "R", "G", "B")

	waitUntil(t, "cycle to finish", func() bool {
		st := seq.GetState()
		return st["cycle_count"] == 1 && st["state"] == "idle"
	})

	for _, pin := range []string{"red", "green", "blue"} {
		if duty := h.dutyOf(pin); duty != offScale {
			t.Errorf("%s duty = %v after cycle, want %v", pin, duty, offScale)
		}
	}
	if h.level("buzzer") || h.level("motor") {
		t.Error("buzzer or motor still high after cycle")
	}
	if !h.level("common") {
		t.Error("led common rail dropped after cycle")
	}

	motorRan := false
	for _, ev := range h.eventLog() {
		if ev.pin == "motor" && ev.kind == "set" && ev.high {
			motorRan = true
		}
	}
	if !motorRan {
		t.Error("motor never driven during cycle")
	}
}

func TestEndToEndChatterThenTrigger(t *testing.T) {
	seq, c, _, hostWrite, rd := wireStack(t)

	hostSend(hostWrite, "XT")
	expectLines(t, rd, "X", "T", "R", "G", "B")

	waitUntil(t, "cycle to finish", func() bool {
		return seq.GetState()["cycle_count"] == 1
	})
	st := seq.GetState()
	if st["trigger_count"] != 1 {
		t.Errorf("trigger_count = %v, want 1", st["trigger_count"])
	}
	cst := c.GetState()
	if cst["bytes_in"] != 2 {
		t.Errorf("bytes_in = %v, want 2", cst["bytes_in"])
	}
}

func TestEndToEndBackToBackTriggers(t *testing.T) {
	seq, _, _, hostWrite, rd := wireStack(t)

	// The second byte waits in the pipe until the first cycle releases
	// the read loop.
	hostSend(hostWrite, "TT")
	expectLines(t, rd, "T", "R", "G", "B", "T", "R", "G", "B")

	waitUntil(t, "both cycles to finish", func() bool {
		return seq.GetState()["cycle_count"] == 2
	})
}

func TestEndToEndWaitsForSled(t *testing.T) {
	seq, _, h, hostWrite, rd := wireStack(t)

	h.setBeam(true) // beam clear, sled away from the gate
	go func() {
		time.Sleep(50 * time.Millisecond)
		h.setBeam(false)
	}()

	hostSend(hostWrite, "T")
	expectLines(t, rd, "T", "R", "G", "B")

	waitUntil(t, "cycle to finish", func() bool {
		return seq.GetState()["cycle_count"] == 1
	})
	st := seq.GetState()
	ms, ok := st["last_cycle_ms"].(int)
	if !ok || ms < 50 {
		t.Errorf("last_cycle_ms = %v, want at least 50", st["last_cycle_ms"])
	}
}

func TestEndToEndSensorSurfaces(t *testing.T) {
	seq, c, _, hostWrite, rd := wireStack(t)

	hostSend(hostWrite, "T")
	expectLines(t, rd, "T", "R", "G", "B")
	waitUntil(t, "cycle to finish", func() bool {
		return seq.GetState()["cycle_count"] == 1
	})

	sens := &cycleSensor{
		name:      resource.NewName(sensor.API, "cycles"),
		logger:    logging.NewTestLogger(t),
		sequencer: seq,
		console:   c,
	}
	readings, err := sens.Readings(context.Background(), nil)
	if err != nil {
		t.Fatalf("readings failed: %v", err)
	}
	if readings["cycle_count"] != 1 {
		t.Errorf("cycle_count = %v, want 1", readings["cycle_count"])
	}
	if readings["tokens"] != "RGB" {
		t.Errorf("tokens = %v, want RGB", readings["tokens"])
	}
	if readings["console_triggers"] != 1 {
		t.Errorf("console_triggers = %v, want 1", readings["console_triggers"])
	}
}
