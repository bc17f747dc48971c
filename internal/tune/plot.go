package tune

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// MakePlotOutputDir creates a timestamped directory for a sweep's
// plots under baseDir and returns its path.
func MakePlotOutputDir(baseDir string) (string, error) {
	dir := filepath.Join(baseDir, time.Now().Format("20060102_150405"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	return dir, nil
}

// PlotTrace renders one episode as two PNGs: the per-axis centre error
// and the commanded velocities. Files are named <name>_error.png and
// <name>_command.png inside outputDir.
func PlotTrace(trace Trace, name, outputDir string) error {
	pErr := plot.New()
	pErr.Title.Text = fmt.Sprintf("%s - Centre Error", name)
	pErr.X.Label.Text = "Time (s)"
	pErr.Y.Label.Text = "Normalised error"

	pCmd := plot.New()
	pCmd.Title.Text = fmt.Sprintf("%s - Commanded Velocity", name)
	pCmd.X.Label.Text = "Time (s)"
	pCmd.Y.Label.Text = "Normalised velocity"

	series := []struct {
		p     *plot.Plot
		label string
		vals  []float64
		color color.Color
	}{
		{pErr, "error x", trace.ErrorX, color.RGBA{R: 255, G: 82, B: 82, A: 255}},
		{pErr, "error y", trace.ErrorY, color.RGBA{R: 64, G: 196, B: 255, A: 255}},
		{pCmd, "pan", trace.CmdPan, color.RGBA{R: 255, G: 82, B: 82, A: 255}},
		{pCmd, "tilt", trace.CmdTilt, color.RGBA{R: 105, G: 240, B: 174, A: 255}},
	}

	for _, s := range series {
		pts := make(plotter.XYs, 0, len(trace.Times))
		for i, t := range trace.Times {
			pts = append(pts, plotter.XY{X: t, Y: s.vals[i]})
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = s.color
		line.Width = vg.Points(1)
		s.p.Add(line)
		s.p.Legend.Add(s.label, line)
	}

	for _, p := range []*plot.Plot{pErr, pCmd} {
		p.Legend.Top = true
		p.Legend.Left = false
		p.Legend.XOffs = -10
		p.Legend.YOffs = -10
	}

	errFile := filepath.Join(outputDir, name+"_error.png")
	if err := pErr.Save(14*vg.Inch, 6*vg.Inch, errFile); err != nil {
		return fmt.Errorf("save error plot: %w", err)
	}

	cmdFile := filepath.Join(outputDir, name+"_command.png")
	if err := pCmd.Save(14*vg.Inch, 6*vg.Inch, cmdFile); err != nil {
		return fmt.Errorf("save command plot: %w", err)
	}

	return nil
}

// PlotComparison overlays the radial error of several episodes on one
// canvas, one colour per candidate, and saves comparison.png inside
// outputDir.
func PlotComparison(traces []Trace, labels []string, outputDir string) error {
	if len(traces) == 0 {
		return fmt.Errorf("no traces to plot")
	}
	if len(traces) != len(labels) {
		return fmt.Errorf("got %d traces but %d labels", len(traces), len(labels))
	}

	p := plot.New()
	p.Title.Text = "Gain Candidate Comparison"
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Radial error"

	colors := plotColors(len(traces))
	for i, trace := range traces {
		pts := make(plotter.XYs, 0, len(trace.Times))
		for j, t := range trace.Times {
			pts = append(pts, plotter.XY{X: t, Y: math.Hypot(trace.ErrorX[j], trace.ErrorY[j])})
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = colors[i]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(labels[i], line)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	file := filepath.Join(outputDir, "comparison.png")
	if err := p.Save(14*vg.Inch, 6*vg.Inch, file); err != nil {
		return fmt.Errorf("save comparison plot: %w", err)
	}
	return nil
}

// PlotTopCandidates re-simulates the top n ranked candidates with a
// shared seed and renders their individual traces plus the comparison
// overlay. Returns the number of candidates plotted.
func PlotTopCandidates(ranked []ScoredResult, cfg SimConfig, seed int64, n int, outputDir string) (int, error) {
	if n > len(ranked) {
		n = len(ranked)
	}
	if n <= 0 {
		return 0, nil
	}

	traces := make([]Trace, 0, n)
	labels := make([]string, 0, n)
	for i := 0; i < n; i++ {
		r := ranked[i]
		trace := Simulate(r.Gains, cfg, seed)
		name := fmt.Sprintf("rank_%02d", i+1)
		if err := PlotTrace(trace, name, outputDir); err != nil {
			return i, fmt.Errorf("%s: %w", name, err)
		}
		traces = append(traces, trace)
		labels = append(labels, fmt.Sprintf("#%d kp=%.2f ki=%.2f kd=%.2f", i+1, r.Gains.Kp, r.Gains.Ki, r.Gains.Kd))
	}

	if err := PlotComparison(traces, labels, outputDir); err != nil {
		return n, err
	}
	return n, nil
}

// plotColors creates a palette of distinct colours for overlay lines.
func plotColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}

	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		hue := float64(i) / float64(n)
		r, g, b := hslToRGB(hue, 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

// hslToRGB converts HSL to RGB (0-255 range).
func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var rf, gf, bf float64

	if s == 0 {
		rf, gf, bf = l, l, l
	} else {
		var q float64
		if l < 0.5 {
			q = l * (1 + s)
		} else {
			q = l + s - l*s
		}
		p := 2*l - q
		rf = hueToRGB(p, q, h+1.0/3.0)
		gf = hueToRGB(p, q, h)
		bf = hueToRGB(p, q, h-1.0/3.0)
	}

	return uint8(rf * 255), uint8(gf * 255), uint8(bf * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t += 1
	}
	if t > 1 {
		t -= 1
	}
	if t < 1.0/6.0 {
		return p + (q-p)*6*t
	}
	if t < 1.0/2.0 {
		return q
	}
	if t < 2.0/3.0 {
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}
