package bench

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/montanaflynn/stats"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"

	"opticalresponsetest/recording"
)

// Measurer is the single scope query the runner needs.
type Measurer interface {
	Measure(ctx context.Context, measType string, channel int) (float64, error)
}

type flusher interface {
	Flush() error
}

type RunnerConfig struct {
	RunID        string        // names the campaign (default: start-time stamp)
	Iterations   int           // sled increments to run (default: 10)
	Colors       []string      // pulse order (default: RED, GREEN, BLUE)
	Channel      int           // scope channel carrying the photodiode (default: 1)
	MeasTypes    []string      // scope measurements per instant (default: VPP, VRMS)
	PulseWindow  time.Duration // sampling window per pulse (default: 600ms)
	PulseSamples int           // instants per pulse (default: 6)
	TokenTimeout time.Duration // wait bound per handshake token (default: 3s)
}

func (cfg RunnerConfig) withDefaults() RunnerConfig {
	if cfg.RunID == "" {
		cfg.RunID = recording.RunStamp(time.Now())
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = 10
	}
	if len(cfg.Colors) == 0 {
		cfg.Colors = []string{"RED", "GREEN", "BLUE"}
	}
	if cfg.Channel <= 0 {
		cfg.Channel = 1
	}
	if len(cfg.MeasTypes) == 0 {
		cfg.MeasTypes = []string{"VPP", "VRMS"}
	}
	if cfg.PulseWindow <= 0 {
		cfg.PulseWindow = 600 * time.Millisecond
	}
	if cfg.PulseSamples <= 0 {
		cfg.PulseSamples = 6
	}
	if cfg.TokenTimeout <= 0 {
		cfg.TokenTimeout = 3 * time.Second
	}
	return cfg
}

// Summary is what a campaign leaves behind for reporting and plotting.
type Summary struct {
	Run          string
	Rollups      []recording.Rollup
	MissedPulses int
}

type Runner struct {
	cfg    RunnerConfig
	port   io.ReadWriter
	rd     *bufio.Reader
	scope  Measurer
	store  recording.Store
	logger logging.Logger
}

func NewRunner(cfg RunnerConfig, port io.ReadWriter, scope Measurer, store recording.Store, logger logging.Logger) *Runner {
	return &Runner{
		cfg:    cfg.withDefaults(),
		port:   port,
		rd:     bufio.NewReader(port),
		scope:  scope,
		store:  store,
		logger: logger,
	}
}

// Run executes the campaign: one trigger per iteration, one token wait and
// pulse sampling per color. A pulse whose token never arrives is recorded
// as NaN so the iteration series keeps its shape.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{Run: r.cfg.RunID}

	for i := 1; i <= r.cfg.Iterations; i++ {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		r.logger.Infof("increment %d/%d", i, r.cfg.Iterations)

		if err := r.trigger(); err != nil {
			return summary, err
		}

		for _, color := range r.cfg.Colors {
			token := color[:1]
			ok, err := WaitForToken(ctx, r.rd, token, r.cfg.TokenTimeout)
			if err != nil {
				return summary, err
			}
			if !ok {
				r.logger.Warnf("timed out waiting for %s token, recording NaNs", token)
				rollup := nanRollup(r.cfg.RunID, i, color, r.cfg.MeasTypes)
				if err := r.store.AddRollup(rollup); err != nil {
					return summary, err
				}
				summary.Rollups = append(summary.Rollups, rollup)
				summary.MissedPulses++
				continue
			}

			instants, err := r.samplePulse(ctx, i, color)
			if err != nil {
				return summary, err
			}

			rollup := rollupOf(r.cfg.RunID, i, color, r.cfg.MeasTypes, instants)
			if err := r.store.AddRollup(rollup); err != nil {
				return summary, err
			}
			summary.Rollups = append(summary.Rollups, rollup)
			r.logger.Infof("  %s: median over %d samples -> %s", color, len(instants), formatValues(rollup.Values))
		}
	}

	if err := r.store.Flush(); err != nil {
		return summary, err
	}
	return summary, nil
}

// trigger discards stale rig output and sends the trigger byte.
func (r *Runner) trigger() error {
	if f, ok := r.port.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flushing serial buffers: %w", err)
		}
	}
	r.rd.Reset(r.port)
	if _, err := r.port.Write([]byte{'T'}); err != nil {
		return fmt.Errorf("sending trigger: %w", err)
	}
	return nil
}

// samplePulse measures every configured type at each planned offset inside
// the pulse window. A failed scope read becomes a NaN sample rather than
// ending the campaign.
func (r *Runner) samplePulse(ctx context.Context, iteration int, color string) ([]recording.Instant, error) {
	offsets := SampleOffsets(r.cfg.PulseWindow, r.cfg.PulseSamples)
	start := time.Now()
	instants := make([]recording.Instant, 0, len(offsets))

	for _, off := range offsets {
		if wait := time.Until(start.Add(off)); wait > 0 {
			if !goutils.SelectContextOrWait(ctx, wait) {
				return instants, ctx.Err()
			}
		}

		values := make([]recording.MeasValue, 0, len(r.cfg.MeasTypes))
		for _, mt := range r.cfg.MeasTypes {
			v, err := r.scope.Measure(ctx, mt, r.cfg.Channel)
			if err != nil {
				r.logger.Warnf("%s read failed: %v", mt, err)
				v = math.NaN()
			}
			values = append(values, recording.MeasValue{Meas: mt, Value: v})
		}

		in := recording.Instant{
			Run:       r.cfg.RunID,
			Iteration: iteration,
			Color:     color,
			TRelS:     time.Since(start).Seconds(),
			Values:    values,
		}
		if err := r.store.AddSample(in); err != nil {
			return instants, err
		}
		instants = append(instants, in)
	}
	return instants, nil
}

// rollupOf medians the finite samples per measurement type. No finite
// samples leaves NaN.
func rollupOf(run string, iteration int, color string, measTypes []string, instants []recording.Instant) recording.Rollup {
	values := make([]recording.MeasValue, 0, len(measTypes))
	for _, mt := range measTypes {
		var finite []float64
		for _, in := range instants {
			for _, v := range in.Values {
				if v.Meas == mt && !math.IsNaN(v.Value) && !math.IsInf(v.Value, 0) {
					finite = append(finite, v.Value)
				}
			}
		}
		med := math.NaN()
		if len(finite) > 0 {
			if m, err := stats.Median(finite); err == nil {
				med = m
			}
		}
		values = append(values, recording.MeasValue{Meas: mt, Value: med})
	}
	return recording.Rollup{
		Run:       run,
		Iteration: iteration,
		Color:     color,
		Values:    values,
		Samples:   len(instants),
	}
}

func nanRollup(run string, iteration int, color string, measTypes []string) recording.Rollup {
	values := make([]recording.MeasValue, 0, len(measTypes))
	for _, mt := range measTypes {
		values = append(values, recording.MeasValue{Meas: mt, Value: math.NaN()})
	}
	return recording.Rollup{
		Run:       run,
		Iteration: iteration,
		Color:     color,
		Values:    values,
		Samples:   0,
	}
}

func formatValues(values []recording.MeasValue) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s=%.4g", v.Meas, v.Value)
	}
	return out
}
