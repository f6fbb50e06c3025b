package opticalresponsetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
	goutils "go.viam.com/utils"
)

var Sequencer = resource.NewModel("rigworks", "optical-response-test", "sequencer")

func init() {
	resource.RegisterService(generic.API, Sequencer,
		resource.Registration[resource.Resource, *SequencerConfig]{
			Constructor: newRigSequencer,
		},
	)
}

// Token is one handshake letter written to the measurement host the moment
// the matching LED channel reaches full scale.
type Token string

const (
	TokenRed   Token = "R"
	TokenGreen Token = "G"
	TokenBlue  Token = "B"
)

// TokenEvent records when a token was emitted within a cycle.
type TokenEvent struct {
	Token Token
	At    time.Time
}

// CycleReport summarizes one completed actuation-and-illumination cycle.
type CycleReport struct {
	StartedAt time.Time
	Actuation time.Duration
	Total     time.Duration
	Tokens    []TokenEvent
}

type SequencerConfig struct {
	Board        string `json:"board"`
	RedPin       string `json:"red_pin"`
	GreenPin     string `json:"green_pin"`
	BluePin      string `json:"blue_pin"`
	LEDCommonPin string `json:"led_common_pin"`
	BuzzerPin    string `json:"buzzer_pin"`
	MotorPin     string `json:"motor_pin"`
	IRPin        string `json:"ir_pin"`

	MinActuationMs     int  `json:"min_actuation_ms,omitempty"`     // sled advance lower bound (default: 500)
	ActuationTimeoutMs int  `json:"actuation_timeout_ms,omitempty"` // beam-gate wait bound (default: 10000)
	SettleMs           int  `json:"settle_ms,omitempty"`            // post-actuation settle (default: 500)
	BuzzerMs           int  `json:"buzzer_ms,omitempty"`            // buzzer-on portion of each pulse (default: 100)
	StageHoldMs        int  `json:"stage_hold_ms,omitempty"`        // remainder of each pulse (default: 500)
	SensorPollMs       int  `json:"sensor_poll_ms,omitempty"`       // beam-gate poll interval (default: 5)
	HoldBlueAfterCycle bool `json:"hold_blue_after_cycle,omitempty"`
}

func (cfg *SequencerConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Board == "" {
		return nil, nil, fmt.Errorf("%s: board is required", path)
	}
	for _, p := range []struct {
		field string
		value string
	}{
		{"red_pin", cfg.RedPin},
		{"green_pin", cfg.GreenPin},
		{"blue_pin", cfg.BluePin},
		{"led_common_pin", cfg.LEDCommonPin},
		{"buzzer_pin", cfg.BuzzerPin},
		{"motor_pin", cfg.MotorPin},
		{"ir_pin", cfg.IRPin},
	} {
		if p.value == "" {
			return nil, nil, fmt.Errorf("%s: %s is required", path, p.field)
		}
	}
	return []string{cfg.Board}, nil, nil
}

// The LED channels are variable-intensity capable; the sequence only ever
// drives them at full scale or off.
const (
	fullScale = 1.0
	offScale  = 0.0
)

type cycleState int

const (
	cycleIdle cycleState = iota
	cycleActuating
	cycleSettling
	cyclePulsing
)

func (s cycleState) String() string {
	switch s {
	case cycleActuating:
		return "actuating"
	case cycleSettling:
		return "settling"
	case cyclePulsing:
		return "pulsing"
	default:
		return "idle"
	}
}

type rigPins struct {
	red       board.GPIOPin
	green     board.GPIOPin
	blue      board.GPIOPin
	ledCommon board.GPIOPin
	buzzer    board.GPIOPin
	motor     board.GPIOPin
	ir        board.GPIOPin
}

type cycleTimings struct {
	minActuation     time.Duration
	actuationTimeout time.Duration
	settle           time.Duration
	buzzer           time.Duration
	stageHold        time.Duration
	sensorPoll       time.Duration
}

type rigSequencer struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *SequencerConfig

	pins     rigPins
	timings  cycleTimings
	holdBlue bool

	mu            sync.Mutex
	state         cycleState
	triggerCount  int
	cycleCount    int
	lastTriggerAt time.Time
	lastCycle     time.Duration
	lastTokens    []Token
	lastErr       string

	cancelCtx  context.Context
	cancelFunc func()
}

func newRigSequencer(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*SequencerConfig](rawConf)
	if err != nil {
		return nil, err
	}

	return NewSequencer(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewSequencer(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *SequencerConfig, logger logging.Logger) (resource.Resource, error) {
	b, err := board.FromDependencies(deps, conf.Board)
	if err != nil {
		return nil, fmt.Errorf("getting board: %w", err)
	}

	pins, err := resolveRigPins(b, conf)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())

	s := &rigSequencer{
		name:       name,
		logger:     logger,
		cfg:        conf,
		pins:       pins,
		timings:    timingsFromConfig(conf),
		holdBlue:   conf.HoldBlueAfterCycle,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
	return s, nil
}

func resolveRigPins(b board.Board, conf *SequencerConfig) (rigPins, error) {
	var pins rigPins
	for _, p := range []struct {
		name string
		dst  *board.GPIOPin
	}{
		{conf.RedPin, &pins.red},
		{conf.GreenPin, &pins.green},
		{conf.BluePin, &pins.blue},
		{conf.LEDCommonPin, &pins.ledCommon},
		{conf.BuzzerPin, &pins.buzzer},
		{conf.MotorPin, &pins.motor},
		{conf.IRPin, &pins.ir},
	} {
		pin, err := b.GPIOPinByName(p.name)
		if err != nil {
			return rigPins{}, fmt.Errorf("getting pin %q: %w", p.name, err)
		}
		*p.dst = pin
	}
	return pins, nil
}

func timingsFromConfig(conf *SequencerConfig) cycleTimings {
	msOrDefault := func(ms, def int) time.Duration {
		if ms <= 0 {
			ms = def
		}
		return time.Duration(ms) * time.Millisecond
	}
	return cycleTimings{
		minActuation:     msOrDefault(conf.MinActuationMs, 500),
		actuationTimeout: msOrDefault(conf.ActuationTimeoutMs, 10000),
		settle:           msOrDefault(conf.SettleMs, 500),
		buzzer:           msOrDefault(conf.BuzzerMs, 100),
		stageHold:        msOrDefault(conf.StageHoldMs, 500),
		sensorPoll:       msOrDefault(conf.SensorPollMs, 5),
	}
}

func (s *rigSequencer) Name() resource.Name {
	return s.name
}

// RunCycle executes one actuation-and-illumination cycle. emit, when
// non-nil, is called with each handshake token the moment its LED channel
// reaches full scale; the serial console uses it to write token lines while
// the cycle is still running. Only one cycle may run at a time.
func (s *rigSequencer) RunCycle(ctx context.Context, emit func(Token)) (*CycleReport, error) {
	s.mu.Lock()
	if s.state != cycleIdle {
		s.mu.Unlock()
		return nil, fmt.Errorf("cycle already in progress")
	}
	s.state = cycleActuating
	s.triggerCount++
	s.lastTriggerAt = time.Now()
	s.mu.Unlock()

	report, err := s.runCycle(ctx, emit)

	s.mu.Lock()
	s.state = cycleIdle
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
		s.cycleCount++
		s.lastCycle = report.Total
		s.lastTokens = s.lastTokens[:0]
		for _, ev := range report.Tokens {
			s.lastTokens = append(s.lastTokens, ev.Token)
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.quiesce()
		return nil, err
	}
	return report, nil
}

func (s *rigSequencer) runCycle(ctx context.Context, emit func(Token)) (*CycleReport, error) {
	report := &CycleReport{StartedAt: time.Now()}

	// A fresh cycle owns the whole fixture. Clearing every channel up front
	// is also what extinguishes a blue channel held over from the previous
	// cycle when hold_blue_after_cycle is set.
	if err := s.clearLEDs(ctx); err != nil {
		return nil, err
	}
	if err := s.pins.ledCommon.Set(ctx, true, nil); err != nil {
		return nil, fmt.Errorf("enabling led common: %w", err)
	}

	actuation, err := s.actuate(ctx)
	if err != nil {
		return nil, err
	}
	report.Actuation = actuation

	s.setState(cycleSettling)
	if err := s.hold(ctx, s.timings.settle); err != nil {
		return nil, err
	}

	s.setState(cyclePulsing)
	for _, st := range []pulseStage{
		{TokenRed, "red", s.pins.red, true},
		{TokenGreen, "green", s.pins.green, true},
		{TokenBlue, "blue", s.pins.blue, !s.holdBlue},
	} {
		ev, err := s.pulse(ctx, st, emit)
		if err != nil {
			return nil, err
		}
		report.Tokens = append(report.Tokens, ev)
	}

	report.Total = time.Since(report.StartedAt)
	s.logger.Infof("cycle complete: actuation %v, total %v", report.Actuation, report.Total)
	return report, nil
}

// actuate advances the sled: buzzer and motor stay active until the minimum
// actuation time has elapsed and the beam gate reads LOW (sled present).
// The wait is bounded so a gate that never trips fails the cycle instead of
// wedging the rig.
func (s *rigSequencer) actuate(ctx context.Context) (time.Duration, error) {
	if err := s.pins.buzzer.Set(ctx, true, nil); err != nil {
		return 0, fmt.Errorf("raising buzzer: %w", err)
	}
	if err := s.pins.motor.Set(ctx, true, nil); err != nil {
		return 0, fmt.Errorf("raising motor: %w", err)
	}

	start := time.Now()
	deadline := start.Add(s.timings.actuationTimeout)
	for {
		if time.Since(start) >= s.timings.minActuation {
			high, err := s.pins.ir.Get(ctx, nil)
			if err != nil {
				return 0, fmt.Errorf("reading beam gate: %w", err)
			}
			if !high {
				break
			}
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("sled did not reach the beam gate within %v", s.timings.actuationTimeout)
		}
		if err := s.hold(ctx, s.timings.sensorPoll); err != nil {
			return 0, err
		}
	}
	elapsed := time.Since(start)

	if err := s.pins.buzzer.Set(ctx, false, nil); err != nil {
		return 0, fmt.Errorf("lowering buzzer: %w", err)
	}
	if err := s.pins.motor.Set(ctx, false, nil); err != nil {
		return 0, fmt.Errorf("lowering motor: %w", err)
	}
	return elapsed, nil
}

type pulseStage struct {
	token      Token
	color      string
	pin        board.GPIOPin
	clearAfter bool
}

func (s *rigSequencer) pulse(ctx context.Context, st pulseStage, emit func(Token)) (TokenEvent, error) {
	if err := s.pins.buzzer.Set(ctx, true, nil); err != nil {
		return TokenEvent{}, fmt.Errorf("raising buzzer for %s stage: %w", st.color, err)
	}
	if err := st.pin.SetPWM(ctx, fullScale, nil); err != nil {
		return TokenEvent{}, fmt.Errorf("driving %s channel: %w", st.color, err)
	}

	ev := TokenEvent{Token: st.token, At: time.Now()}
	if emit != nil {
		emit(st.token)
	}
	s.logger.Debugf("%s stage lit, token %s emitted", st.color, st.token)

	if err := s.hold(ctx, s.timings.buzzer); err != nil {
		return TokenEvent{}, err
	}
	if err := s.pins.buzzer.Set(ctx, false, nil); err != nil {
		return TokenEvent{}, fmt.Errorf("lowering buzzer after %s stage: %w", st.color, err)
	}
	if err := s.hold(ctx, s.timings.stageHold); err != nil {
		return TokenEvent{}, err
	}
	if st.clearAfter {
		if err := st.pin.SetPWM(ctx, offScale, nil); err != nil {
			return TokenEvent{}, fmt.Errorf("clearing %s channel: %w", st.color, err)
		}
	}
	return ev, nil
}

func (s *rigSequencer) hold(ctx context.Context, d time.Duration) error {
	if !goutils.SelectContextOrWait(ctx, d) {
		return ctx.Err()
	}
	return nil
}

func (s *rigSequencer) setState(st cycleState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *rigSequencer) clearLEDs(ctx context.Context) error {
	for _, ch := range []struct {
		color string
		pin   board.GPIOPin
	}{
		{"red", s.pins.red},
		{"green", s.pins.green},
		{"blue", s.pins.blue},
	} {
		if err := ch.pin.SetPWM(ctx, offScale, nil); err != nil {
			return fmt.Errorf("clearing %s channel: %w", ch.color, err)
		}
	}
	return nil
}

// quiesce forces the actuators off after a failed cycle. It runs on the
// sequencer's own context so it still works when the cycle died to a caller
// cancellation.
func (s *rigSequencer) quiesce() {
	if err := s.pins.buzzer.Set(s.cancelCtx, false, nil); err != nil {
		s.logger.Warnf("failed to lower buzzer: %v", err)
	}
	if err := s.pins.motor.Set(s.cancelCtx, false, nil); err != nil {
		s.logger.Warnf("failed to lower motor: %v", err)
	}
	if err := s.clearLEDs(s.cancelCtx); err != nil {
		s.logger.Warnf("failed to clear led channels: %v", err)
	}
}

// GetState reports sequencer state for the cycle sensor.
func (s *rigSequencer) GetState() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens := make([]string, len(s.lastTokens))
	for i, tok := range s.lastTokens {
		tokens[i] = string(tok)
	}

	state := map[string]interface{}{
		"state":         s.state.String(),
		"trigger_count": s.triggerCount,
		"cycle_count":   s.cycleCount,
		"last_error":    s.lastErr,
		"tokens":        strings.Join(tokens, ""),
	}
	if !s.lastTriggerAt.IsZero() {
		state["last_trigger_at"] = s.lastTriggerAt.Format(time.RFC3339)
	}
	if s.lastCycle > 0 {
		state["last_cycle_ms"] = int(s.lastCycle.Milliseconds())
	}
	return state
}

func (s *rigSequencer) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "trigger":
		return s.handleTrigger(ctx)
	case "status":
		return s.GetState(), nil
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (s *rigSequencer) handleTrigger(ctx context.Context) (map[string]interface{}, error) {
	report, err := s.RunCycle(ctx, nil)
	if err != nil {
		return nil, err
	}

	tokens := make([]interface{}, len(report.Tokens))
	for i, ev := range report.Tokens {
		tokens[i] = string(ev.Token)
	}
	return map[string]interface{}{
		"status":       "completed",
		"tokens":       tokens,
		"actuation_ms": int(report.Actuation.Milliseconds()),
		"total_ms":     int(report.Total.Milliseconds()),
	}, nil
}

func (s *rigSequencer) Close(ctx context.Context) error {
	s.cancelFunc()

	// Leave the rig dark and still.
	if err := s.pins.buzzer.Set(ctx, false, nil); err != nil {
		s.logger.Warnf("failed to lower buzzer on close: %v", err)
	}
	if err := s.pins.motor.Set(ctx, false, nil); err != nil {
		s.logger.Warnf("failed to lower motor on close: %v", err)
	}
	if err := s.clearLEDs(ctx); err != nil {
		s.logger.Warnf("failed to clear led channels on close: %v", err)
	}
	if err := s.pins.ledCommon.Set(ctx, false, nil); err != nil {
		s.logger.Warnf("failed to lower led common on close: %v", err)
	}
	return nil
}
