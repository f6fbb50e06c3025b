package bench

import (
	"fmt"
	"image/color"
	"math"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"opticalresponsetest/recording"
)

// Line colors keyed by the rig's color names; anything unknown plots gray.
var plotPalette = map[string]color.RGBA{
	"RED":   {R: 0xcc, A: 0xff},
	"GREEN": {G: 0x99, A: 0xff},
	"BLUE":  {B: 0xcc, A: 0xff},
}

// RenderPlot draws one series per color: the measType rollup across
// iterations. Missed pulses roll up as NaN and leave gaps rather than
// points.
func RenderPlot(summary *Summary, measType, path string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s by iteration (per color)", measType)
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = fmt.Sprintf("%s (V)", measType)
	p.Add(plotter.NewGrid())

	for _, colorName := range colorOrder(summary.Rollups) {
		var xys plotter.XYs
		for _, r := range summary.Rollups {
			if r.Color != colorName {
				continue
			}
			v, ok := rollupValue(r, measType)
			if !ok || math.IsNaN(v) {
				continue
			}
			xys = append(xys, plotter.XY{X: float64(r.Iteration), Y: v})
		}
		if len(xys) == 0 {
			continue
		}

		line, points, err := plotter.NewLinePoints(xys)
		if err != nil {
			return fmt.Errorf("plotting %s series: %w", colorName, err)
		}
		c, ok := plotPalette[strings.ToUpper(colorName)]
		if !ok {
			c = color.RGBA{R: 0x88, G: 0x88, B: 0x88, A: 0xff}
		}
		line.Color = c
		points.Color = c
		p.Add(line, points)
		p.Legend.Add(colorName, line, points)
	}

	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("saving plot: %w", err)
	}
	return nil
}

func colorOrder(rollups []recording.Rollup) []string {
	seen := map[string]bool{}
	var order []string
	for _, r := range rollups {
		if !seen[r.Color] {
			seen[r.Color] = true
			order = append(order, r.Color)
		}
	}
	return order
}

func rollupValue(r recording.Rollup, measType string) (float64, bool) {
	for _, v := range r.Values {
		if v.Meas == measType {
			return v.Value, true
		}
	}
	return 0, false
}
