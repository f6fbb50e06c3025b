package opticalresponsetest

import (
	"context"
	"fmt"
	"sync"

	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var BeamGate = resource.NewModel("rigworks", "optical-response-test", "beam-gate")

func init() {
	resource.RegisterComponent(sensor.API, BeamGate,
		resource.Registration[sensor.Sensor, *BeamGateConfig]{
			Constructor: newBeamGate,
		},
	)
}

type BeamGateConfig struct {
	Board   string `json:"board,omitempty"`    // required unless use_mock
	Pin     string `json:"ir_pin,omitempty"`   // required unless use_mock
	UseMock bool   `json:"use_mock,omitempty"` // optional: simulated gate, settable via DoCommand
}

func (cfg *BeamGateConfig) Validate(path string) ([]string, []string, error) {
	if cfg.UseMock {
		return nil, nil, nil
	}
	if cfg.Board == "" {
		return nil, nil, fmt.Errorf("%s: board is required", path)
	}
	if cfg.Pin == "" {
		return nil, nil, fmt.Errorf("%s: ir_pin is required", path)
	}
	return []string{cfg.Board}, nil, nil
}

// gateReader abstracts the beam gate for mock vs hardware implementations
type gateReader interface {
	ReadBlocked(ctx context.Context) (bool, error)
}

// mockGateReader is a hand-settable gate for bench work away from the rig
type mockGateReader struct {
	mu      sync.Mutex
	blocked bool
}

func newMockGateReader() *mockGateReader {
	return &mockGateReader{}
}

func (m *mockGateReader) ReadBlocked(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked, nil
}

func (m *mockGateReader) SetBlocked(blocked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked = blocked
}

// pinGateReader reads the gate's GPIO pin. The receiver pulls the line LOW
// while the sled occludes the beam.
type pinGateReader struct {
	pin board.GPIOPin
}

func (r *pinGateReader) ReadBlocked(ctx context.Context) (bool, error) {
	high, err := r.pin.Get(ctx, nil)
	if err != nil {
		return false, err
	}
	return !high, nil
}

type beamGate struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	reader gateReader
	mock   *mockGateReader // non-nil when use_mock

	mu          sync.Mutex
	reads       int
	lastBlocked bool
}

func newBeamGate(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*BeamGateConfig](rawConf)
	if err != nil {
		return nil, err
	}

	g := &beamGate{
		name:   rawConf.ResourceName(),
		logger: logger,
	}

	if conf.UseMock {
		g.mock = newMockGateReader()
		g.reader = g.mock
		logger.Infof("beam-gate using mock reader (use_mock=true)")
		return g, nil
	}

	b, err := board.FromDependencies(deps, conf.Board)
	if err != nil {
		return nil, fmt.Errorf("getting board: %w", err)
	}
	pin, err := b.GPIOPinByName(conf.Pin)
	if err != nil {
		return nil, fmt.Errorf("getting pin %q: %w", conf.Pin, err)
	}
	g.reader = &pinGateReader{pin: pin}
	logger.Infof("beam-gate watching pin %q on board %q", conf.Pin, conf.Board)
	return g, nil
}

func (g *beamGate) Name() resource.Name {
	return g.name
}

func (g *beamGate) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	blocked, err := g.reader.ReadBlocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading beam gate: %w", err)
	}

	g.mu.Lock()
	g.reads++
	g.lastBlocked = blocked
	reads := g.reads
	g.mu.Unlock()

	return map[string]interface{}{
		"beam_blocked": blocked,
		"raw_high":     !blocked,
		"reads":        reads,
	}, nil
}

func (g *beamGate) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "set_blocked":
		if g.mock == nil {
			return nil, fmt.Errorf("set_blocked requires use_mock=true")
		}
		blocked, ok := cmd["blocked"].(bool)
		if !ok {
			return nil, fmt.Errorf("set_blocked requires a boolean 'blocked' field")
		}
		g.mock.SetBlocked(blocked)
		return map[string]interface{}{"beam_blocked": blocked}, nil
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (g *beamGate) Close(context.Context) error {
	return nil
}
