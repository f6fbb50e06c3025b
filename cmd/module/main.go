package main

import (
	"opticalresponsetest"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

func main() {
	module.ModularMain(
		resource.APIModel{generic.API, opticalresponsetest.Sequencer},
		resource.APIModel{generic.API, opticalresponsetest.SerialConsole},
		resource.APIModel{sensor.API, opticalresponsetest.CycleSensor},
		resource.APIModel{sensor.API, opticalresponsetest.BeamGate},
	)
}
