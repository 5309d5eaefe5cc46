package visualization

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"ecgdigitize/internal/models"
	"ecgdigitize/pkg/raster"
	"ecgdigitize/pkg/signal"
)

// Plotter renders calibrated lead series as waveform images. The
// stacked rendering draws all leads on one canvas in conventional
// reporting order with a fixed vertical offset between baselines, the
// way a printed report arranges them.
type Plotter struct {
	// series holds the calibrated waveforms to draw
	series []signal.Series

	// spacingMV is the vertical gap between stacked lead baselines in mV
	spacingMV float64

	// lineWidth is the stroke width of each trace
	lineWidth vg.Length
}

// DefaultSpacingMV separates stacked baselines far enough that normal
// QRS complexes from adjacent leads do not overlap
const DefaultSpacingMV = 2.0

// NewPlotter creates a plotter for the given lead series. A
// non-positive spacing falls back to DefaultSpacingMV.
func NewPlotter(series []signal.Series, spacingMV float64) *Plotter {
	if spacingMV <= 0 {
		spacingMV = DefaultSpacingMV
	}
	return &Plotter{
		series:    series,
		spacingMV: spacingMV,
		lineWidth: vg.Points(1),
	}
}

// SaveStacked renders every lead onto one canvas and writes it to
// filename. The output format follows the file extension.
func (p *Plotter) SaveStacked(filename string) error {
	plt, err := p.renderStacked()
	if err != nil {
		return err
	}
	if err := plt.Save(10*vg.Inch, 8*vg.Inch, filename); err != nil {
		return fmt.Errorf("failed to save stacked plot: %w", err)
	}
	return nil
}

// SaveLead renders a single lead and writes it to filename
func (p *Plotter) SaveLead(lead models.Lead, filename string) error {
	s, ok := p.find(lead)
	if !ok {
		return fmt.Errorf("no series for lead %s", lead)
	}

	plt := plot.New()
	plt.Title.Text = fmt.Sprintf("Lead %s", s.Lead)
	plt.X.Label.Text = "Time (s)"
	plt.Y.Label.Text = "Voltage (mV)"

	line, err := newSeriesLine(s, 0, p.lineWidth)
	if err != nil {
		return err
	}
	if line == nil {
		return fmt.Errorf("lead %s has no samples", s.Lead)
	}
	if s.Missing {
		styleMissing(line)
	}
	plt.Add(line)

	if err := plt.Save(10*vg.Inch, 3*vg.Inch, filename); err != nil {
		return fmt.Errorf("failed to save lead %s plot: %w", s.Lead, err)
	}
	return nil
}

// SaveLeadSequence renders each lead to its own image inside outputDir
func (p *Plotter) SaveLeadSequence(outputDir string) error {
	if len(p.series) == 0 {
		return fmt.Errorf("no series to plot")
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for i, s := range p.series {
		filename := filepath.Join(outputDir, fmt.Sprintf("lead_%02d_%s.png", i, s.Lead))
		if err := p.SaveLead(s.Lead, filename); err != nil {
			return err
		}
	}
	return nil
}

// renderStacked builds the combined plot. Leads are drawn top to
// bottom in the order given at construction, each shifted onto its own
// baseline, with the lead label as the axis tick at that baseline.
func (p *Plotter) renderStacked() (*plot.Plot, error) {
	if len(p.series) == 0 {
		return nil, fmt.Errorf("no series to plot")
	}

	plt := plot.New()
	plt.Title.Text = "Digitized Leads"
	plt.X.Label.Text = "Time (s)"

	palette := leadPalette(len(p.series))
	ticks := make([]plot.Tick, 0, len(p.series))
	drawn := 0

	for i, s := range p.series {
		offset := float64(len(p.series)-1-i) * p.spacingMV

		line, err := newSeriesLine(s, offset, p.lineWidth)
		if err != nil {
			return nil, err
		}
		if line == nil {
			continue
		}

		if s.Missing {
			styleMissing(line)
		} else {
			line.Color = palette[i]
		}
		plt.Add(line)
		ticks = append(ticks, plot.Tick{Value: offset, Label: s.Lead.String()})
		drawn++
	}

	if drawn == 0 {
		return nil, fmt.Errorf("all series are empty")
	}

	plt.Y.Tick.Marker = plot.ConstantTicks(ticks)
	return plt, nil
}

// newSeriesLine converts one series to a plot line shifted by offset.
// An empty series yields a nil line rather than an error so blank
// leads can be skipped.
func newSeriesLine(s signal.Series, offset float64, width vg.Length) (*plotter.Line, error) {
	if len(s.Values) == 0 {
		return nil, nil
	}

	dt := 1.0
	if s.SampleRate > 0 {
		dt = 1.0 / s.SampleRate
	}

	pts := make(plotter.XYs, len(s.Values))
	for i, v := range s.Values {
		pts[i] = plotter.XY{X: float64(i) * dt, Y: v + offset}
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, fmt.Errorf("failed to build line for lead %s: %w", s.Lead, err)
	}
	line.Width = width
	return line, nil
}

// styleMissing marks a zero-filled stand-in lead as absent
func styleMissing(line *plotter.Line) {
	line.Color = color.RGBA{R: 160, G: 160, B: 160, A: 255}
	line.Dashes = []vg.Length{vg.Points(3), vg.Points(3)}
}

// leadPalette assigns each lead a distinct hue
func leadPalette(n int) []color.Color {
	colors := make([]color.Color, n)
	for i := range colors {
		hue := float64(i) * 360.0 / float64(n)
		colors[i] = colorful.Hsv(hue, 0.65, 0.55)
	}
	return colors
}

// find returns the series for the given lead
func (p *Plotter) find(lead models.Lead) (signal.Series, bool) {
	for _, s := range p.series {
		if s.Lead == lead {
			return s, true
		}
	}
	return signal.Series{}, false
}

// SavePlane writes a grayscale plane to filename as an image. The
// output format follows the file extension.
func SavePlane(plane *raster.Gray, filename string) error {
	if plane == nil {
		return fmt.Errorf("nil plane")
	}
	if err := imaging.Save(plane.ToImage(), filename); err != nil {
		return fmt.Errorf("failed to save plane: %w", err)
	}
	return nil
}
