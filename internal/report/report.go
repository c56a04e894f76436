// Package report renders charts summarizing a panorama fold.
package report

import (
	"errors"
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"aviary/internal/stitch"
)

var (
	stitchedColor = color.RGBA{R: 46, G: 139, B: 87, A: 255}
	failedColor   = color.RGBA{R: 178, G: 34, B: 34, A: 255}
)

// InlierChart writes a bar chart of the RANSAC inlier ratio of every fold
// step to path. Failed steps are drawn at zero in a separate series.
func InlierChart(steps []stitch.Step, path string) error {
	if len(steps) == 0 {
		return errors.New("no steps to chart")
	}

	ok := make(plotter.Values, len(steps))
	failed := make(plotter.Values, len(steps))
	labels := make([]string, len(steps))
	var anyFailed bool
	for i, s := range steps {
		labels[i] = fmt.Sprintf("%d", s.Index)
		if s.Err != nil || s.Result == nil {
			// keep failed frames visible as a thin stub
			failed[i] = 0.01
			anyFailed = true
			continue
		}
		ok[i] = s.Result.InlierRatio
	}

	p := plot.New()
	p.Title.Text = "Inlier ratio per stitched frame"
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "Inlier ratio"
	p.Y.Min = 0
	p.Y.Max = 1

	width := vg.Points(12)
	bars, err := plotter.NewBarChart(ok, width)
	if err != nil {
		return err
	}
	bars.Color = stitchedColor
	bars.LineStyle.Width = vg.Length(0)
	p.Add(bars)
	p.Legend.Add("stitched", bars)

	if anyFailed {
		failBars, err := plotter.NewBarChart(failed, width)
		if err != nil {
			return err
		}
		failBars.Color = failedColor
		failBars.LineStyle.Width = vg.Length(0)
		p.Add(failBars)
		p.Legend.Add("failed", failBars)
	}

	p.NominalX(labels...)
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	w := vg.Length(len(steps))*vg.Points(24) + 2*vg.Inch
	if w < 6*vg.Inch {
		w = 6 * vg.Inch
	}
	if err := p.Save(w, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save chart: %w", err)
	}
	return nil
}
