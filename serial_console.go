package opticalresponsetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
	goutils "go.viam.com/utils"
)

var SerialConsole = resource.NewModel("rigworks", "optical-response-test", "serial-console")

func init() {
	resource.RegisterService(generic.API, SerialConsole,
		resource.Registration[resource.Resource, *ConsoleConfig]{
			Constructor: newSerialConsole,
		},
	)
}

// triggerByte starts one cycle. Anything else is echoed and ignored.
const triggerByte = 'T'

type ConsoleConfig struct {
	Sequencer     string `json:"sequencer"`
	Path          string `json:"serial_path"`
	Baud          int    `json:"baud,omitempty"`            // default: 115200
	ReadTimeoutMs int    `json:"read_timeout_ms,omitempty"` // poll granularity of the read loop (default: 250)
}

func (cfg *ConsoleConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Sequencer == "" {
		return nil, nil, fmt.Errorf("%s: sequencer is required", path)
	}
	if cfg.Path == "" {
		return nil, nil, fmt.Errorf("%s: serial_path is required", path)
	}
	// Return full resource name so Viam knows this is a generic service dependency
	dep := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), cfg.Sequencer)
	return []string{dep.String()}, nil, nil
}

// cycleRunner is the piece of the sequencer the console drives.
type cycleRunner interface {
	RunCycle(ctx context.Context, emit func(Token)) (*CycleReport, error)
}

type serialConsole struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *ConsoleConfig

	runner cycleRunner
	port   io.ReadWriteCloser

	mu         sync.Mutex
	bytesIn    int
	triggers   int
	cycleErrs  int
	lastByte   string
	lastCycErr string

	cancelCtx               context.Context
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
}

func newSerialConsole(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*ConsoleConfig](rawConf)
	if err != nil {
		return nil, err
	}

	return NewSerialConsole(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewSerialConsole(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *ConsoleConfig, logger logging.Logger) (resource.Resource, error) {
	seqName := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), conf.Sequencer)
	res, ok := deps[seqName]
	if !ok {
		return nil, fmt.Errorf("sequencer %q not found in dependencies", conf.Sequencer)
	}
	runner, ok := res.(cycleRunner)
	if !ok {
		return nil, fmt.Errorf("sequencer %q does not implement RunCycle", conf.Sequencer)
	}

	baud := conf.Baud
	if baud <= 0 {
		baud = 115200
	}
	readTimeout := conf.ReadTimeoutMs
	if readTimeout <= 0 {
		readTimeout = 250
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        conf.Path,
		Baud:        baud,
		ReadTimeout: time.Duration(readTimeout) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", conf.Path, err)
	}
	logger.Infof("console listening on %s at %d baud", conf.Path, baud)

	return newConsoleWithPort(name, conf, logger, runner, port), nil
}

// newConsoleWithPort finishes construction on an already-open port and
// starts the read loop.
func newConsoleWithPort(name resource.Name, conf *ConsoleConfig, logger logging.Logger, runner cycleRunner, port io.ReadWriteCloser) *serialConsole {
	cancelCtx, cancelFunc := context.WithCancel(context.Background())

	s := &serialConsole{
		name:       name,
		logger:     logger,
		cfg:        conf,
		runner:     runner,
		port:       port,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}

	s.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(s.readLoop, s.activeBackgroundWorkers.Done)

	return s
}

func (s *serialConsole) Name() resource.Name {
	return s.name
}

func (s *serialConsole) readLoop() {
	buf := make([]byte, 1)
	for {
		if s.cancelCtx.Err() != nil {
			return
		}
		n, err := s.port.Read(buf)
		if err != nil {
			if s.cancelCtx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				// Serial reads surface timeouts as EOF. Back off briefly
				// rather than spinning on a half-closed port.
				if !goutils.SelectContextOrWait(s.cancelCtx, 10*time.Millisecond) {
					return
				}
				continue
			}
			s.logger.Errorf("console read failed: %v", err)
			return
		}
		if n == 0 {
			continue
		}
		s.handleByte(buf[0])
	}
}

func (s *serialConsole) handleByte(b byte) {
	s.mu.Lock()
	s.bytesIn++
	s.lastByte = string(b)
	s.mu.Unlock()

	// Every byte is acknowledged on its own line before it is acted on.
	if err := s.writeLine(string(b)); err != nil {
		s.logger.Warnf("failed to echo %q: %v", b, err)
	}

	if b != triggerByte {
		return
	}

	s.mu.Lock()
	s.triggers++
	s.mu.Unlock()

	// The cycle runs on the read loop itself. Bytes arriving mid-cycle wait
	// in the OS buffer until the rig is idle again.
	_, err := s.runner.RunCycle(s.cancelCtx, func(tok Token) {
		if werr := s.writeLine(string(tok)); werr != nil {
			s.logger.Warnf("failed to write %s token: %v", tok, werr)
		}
	})
	if err != nil {
		s.mu.Lock()
		s.cycleErrs++
		s.lastCycErr = err.Error()
		s.mu.Unlock()
		s.logger.Errorf("trigger cycle failed: %v", err)
	}
}

func (s *serialConsole) writeLine(text string) error {
	_, err := s.port.Write([]byte(text + "\n"))
	return err
}

// GetState reports console traffic counters for the cycle sensor.
func (s *serialConsole) GetState() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"bytes_in":         s.bytesIn,
		"triggers":         s.triggers,
		"cycle_errors":     s.cycleErrs,
		"last_byte":        s.lastByte,
		"last_cycle_error": s.lastCycErr,
	}
}

func (s *serialConsole) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "stats":
		return s.GetState(), nil
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (s *serialConsole) Close(ctx context.Context) error {
	s.cancelFunc()
	if err := s.port.Close(); err != nil {
		s.logger.Warnf("failed to close port: %v", err)
	}
	s.activeBackgroundWorkers.Wait()
	return nil
}
