package scpi

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Measurement types understood by the scope's :MEASure subsystem. Any other
// type the firmware supports (VMAX, MEAN, FREQ, ...) can be passed through
// as a raw string.
const (
	MeasVPP  = "VPP"
	MeasVRMS = "VRMS"
)

// Instruments report a measurement they cannot make as ~9.9e37 rather than
// an error reply.
const overflowThreshold = 9e37

// Rigol drives a DS1000Z-family scope through a Client.
type Rigol struct {
	c *Client
}

func NewRigol(c *Client) *Rigol {
	return &Rigol{c: c}
}

// SetupConfig mirrors the handful of knobs the pulse capture cares about.
// Zero values take the defaults proven on the rig.
type SetupConfig struct {
	Channel       int     // 1..4 (default: 1)
	TimebaseScale float64 // s/div (default: 0.05, wide enough for all three pulses)
	TriggerLevel  float64 // volts (default: 0.5)
	TriggerSlope  string  // "POS" or "NEG" (default: "POS")
}

func (sc *SetupConfig) withDefaults() SetupConfig {
	out := *sc
	if out.Channel <= 0 {
		out.Channel = 1
	}
	if out.TimebaseScale <= 0 {
		out.TimebaseScale = 0.05
	}
	if out.TriggerLevel == 0 {
		out.TriggerLevel = 0.5
	}
	if out.TriggerSlope == "" {
		out.TriggerSlope = "POS"
	}
	return out
}

// Setup puts the scope in a conservative known state for pulse capture:
// stopped and cleared, DC-coupled channel, high-resolution acquisition,
// rising-edge trigger, then free running.
func (r *Rigol) Setup(ctx context.Context, cfg SetupConfig) error {
	c := cfg.withDefaults()
	ch := c.Channel
	for _, cmd := range []string{
		":STOP",
		":CLEar",
		fmt.Sprintf(":TIMebase:SCALe %g", c.TimebaseScale),
		fmt.Sprintf(":CHANnel%d:DISPlay ON", ch),
		fmt.Sprintf(":CHANnel%d:COUPling DC", ch),
		fmt.Sprintf(":CHANnel%d:BWLimit OFF", ch),
		fmt.Sprintf(":CHANnel%d:PROBe 1", ch),
		":ACQ:TYPE HRES",
		":TRIGger:MODE EDGE",
		fmt.Sprintf(":TRIGger:EDGE:SOURce CHANnel%d", ch),
		fmt.Sprintf(":TRIGger:EDGE:SLOPe %s", c.TriggerSlope),
		fmt.Sprintf(":TRIGger:LEVel CHANnel%d,%g", ch, c.TriggerLevel),
		":RUN",
	} {
		if err := r.c.Send(ctx, cmd); err != nil {
			return fmt.Errorf("scope setup: %w", err)
		}
	}
	return nil
}

// Measure queries one auto-measurement, e.g. VPP on channel 1. Replies that
// do not parse as a number, or that carry the overflow sentinel, come back
// as errors.
func (r *Rigol) Measure(ctx context.Context, measType string, channel int) (float64, error) {
	reply, err := r.c.Query(ctx, fmt.Sprintf(":MEASure:%s? CHANnel%d", measType, channel))
	if err != nil {
		return 0, err
	}

	// Some firmware appends units or separators; keep the leading number.
	fields := strings.Fields(strings.ReplaceAll(reply, ",", " "))
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty %s reply", measType)
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable %s reply %q", measType, reply)
	}
	if math.Abs(v) >= overflowThreshold {
		return 0, fmt.Errorf("%s measurement overflowed (%g)", measType, v)
	}
	return v, nil
}

// Stop halts acquisition. Called before closing the session so the scope
// is not left free running with no one watching.
func (r *Rigol) Stop(ctx context.Context) error {
	return r.c.Send(ctx, ":STOP")
}
