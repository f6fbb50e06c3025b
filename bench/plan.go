// Package bench drives measurement campaigns against the rig: it triggers
// cycles over serial, samples the scope during each LED pulse, rolls the
// samples up per color, and hands everything to a recording store.
package bench

import "time"

// SampleOffsets spreads n sampling instants evenly across a pulse window,
// starting at the window's open and excluding its end. A single sample
// lands mid-window.
func SampleOffsets(window time.Duration, n int) []time.Duration {
	if n < 1 {
		return nil
	}
	if n == 1 {
		return []time.Duration{window / 2}
	}
	step := window / time.Duration(n)
	offsets := make([]time.Duration, n)
	for i := range offsets {
		offsets[i] = time.Duration(i) * step
	}
	return offsets
}
