package opticalresponsetest

import (
	"context"
	"fmt"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var CycleSensor = resource.NewModel("rigworks", "optical-response-test", "cycle-sensor")

func init() {
	resource.RegisterComponent(sensor.API, CycleSensor,
		resource.Registration[sensor.Sensor, *CycleSensorConfig]{
			Constructor: newCycleSensor,
		},
	)
}

type CycleSensorConfig struct {
	Sequencer string `json:"sequencer"`
	Console   string `json:"console,omitempty"` // optional: fold console traffic counters into readings
}

func (cfg *CycleSensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Sequencer == "" {
		return nil, nil, fmt.Errorf("%s: sequencer is required", path)
	}
	// Return full resource names so Viam knows these are generic service dependencies
	deps := []string{
		resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), cfg.Sequencer).String(),
	}
	if cfg.Console != "" {
		deps = append(deps,
			resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), cfg.Console).String())
	}
	return deps, nil, nil
}

type stateProvider interface {
	GetState() map[string]interface{}
}

type cycleSensor struct {
	resource.AlwaysRebuild

	name      resource.Name
	logger    logging.Logger
	sequencer stateProvider
	console   stateProvider // nil when not configured
}

func newCycleSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*CycleSensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	seq, err := lookupStateProvider(deps, conf.Sequencer)
	if err != nil {
		return nil, err
	}

	s := &cycleSensor{
		name:      rawConf.ResourceName(),
		logger:    logger,
		sequencer: seq,
	}

	if conf.Console != "" {
		console, err := lookupStateProvider(deps, conf.Console)
		if err != nil {
			return nil, err
		}
		s.console = console
	}
	return s, nil
}

func lookupStateProvider(deps resource.Dependencies, name string) (stateProvider, error) {
	res, ok := deps[resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), name)]
	if !ok {
		return nil, fmt.Errorf("%q not found in dependencies", name)
	}
	provider, ok := res.(stateProvider)
	if !ok {
		return nil, fmt.Errorf("%q does not implement GetState", name)
	}
	return provider, nil
}

func (s *cycleSensor) Name() resource.Name {
	return s.name
}

func (s *cycleSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	readings := s.sequencer.GetState()
	if s.console != nil {
		for k, v := range s.console.GetState() {
			readings["console_"+k] = v
		}
	}
	return readings, nil
}

func (s *cycleSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, fmt.Errorf("DoCommand not supported on cycle-sensor")
}

func (s *cycleSensor) Close(context.Context) error {
	return nil
}
