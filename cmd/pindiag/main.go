// pindiag exercises the rig's wiring without the module stack. It walks
// the output pins one at a time and then watches the beam gate input so
// a tech can verify the harness before handing the rig to the sequencer.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

var (
	redPin    = flag.String("red", "GPIO3", "red LED pin")
	greenPin  = flag.String("green", "GPIO5", "green LED pin")
	bluePin   = flag.String("blue", "GPIO6", "blue LED pin")
	commonPin = flag.String("common", "GPIO7", "LED common rail pin")
	buzzerPin = flag.String("buzzer", "GPIO8", "buzzer pin")
	motorPin  = flag.String("motor", "GPIO9", "motor driver pin")
	irPin     = flag.String("ir", "GPIO2", "beam gate receiver pin")
	hold      = flag.Duration("hold", 500*time.Millisecond, "how long each output stays high")
	watchFor  = flag.Duration("watch", 10*time.Second, "how long to watch the beam gate afterward")
)

func main() {
	flag.Parse()

	if _, err := host.Init(); err != nil {
		log.Fatalf("host init: %v", err)
	}

	outs := []struct{ role, name string }{
		{"common", *commonPin},
		{"red", *redPin},
		{"green", *greenPin},
		{"blue", *bluePin},
		{"buzzer", *buzzerPin},
		{"motor", *motorPin},
	}
	for _, o := range outs {
		pin := gpioreg.ByName(o.name)
		if pin == nil {
			log.Fatalf("no pin named %q for %s", o.name, o.role)
		}
		fmt.Printf("%s (%s) high for %v\n", o.role, pin, *hold)
		if err := pin.Out(gpio.High); err != nil {
			log.Fatalf("driving %s: %v", o.role, err)
		}
		time.Sleep(*hold)
		if err := pin.Out(gpio.Low); err != nil {
			log.Fatalf("releasing %s: %v", o.role, err)
		}
		time.Sleep(200 * time.Millisecond)
	}

	ir := gpioreg.ByName(*irPin)
	if ir == nil {
		log.Fatalf("no pin named %q for the beam gate", *irPin)
	}
	if err := ir.In(gpio.PullUp, gpio.NoEdge); err != nil {
		log.Fatalf("configuring beam gate input: %v", err)
	}
	fmt.Printf("watching beam gate on %s for %v; break the beam to see it change\n", ir, *watchFor)
	last := ir.Read()
	fmt.Printf("beam gate: %s\n", gateWord(last))
	deadline := time.Now().Add(*watchFor)
	for time.Now().Before(deadline) {
		if l := ir.Read(); l != last {
			last = l
			fmt.Printf("beam gate: %s\n", gateWord(l))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// gateWord names the level the way the rig reads it. The receiver pulls
// the line low while the sled occludes the beam.
func gateWord(l gpio.Level) string {
	if l == gpio.Low {
		return "LOW (blocked)"
	}
	return "HIGH (clear)"
}
