// Package leads partitions a corrected strip into the standard twelve
// lead regions. Panel borders are anchored on bold grid lines and
// refined toward ink valleys so no waveform is cut through.
package leads

import (
	"fmt"
	"image"
	"math"

	"ecgdigitize/internal/models"
	"ecgdigitize/pkg/grid"
	"ecgdigitize/pkg/raster"
)

// Params tune the partition
type Params struct {
	// Rows and Cols select the printed layout
	Rows, Cols int

	// SnapFraction is the maximum bold-line snap distance as a
	// fraction of the cell pitch
	SnapFraction float64

	// ValleyHalfWindow is the search radius for the ink-valley
	// refinement around each border
	ValleyHalfWindow int

	// MinInkDensity is the mean trace ink below which a region is
	// declared missing
	MinInkDensity float64
}

// DefaultParams returns the standard 3x4 layout settings
func DefaultParams() Params {
	return Params{
		Rows:             3,
		Cols:             4,
		SnapFraction:     0.35,
		ValleyHalfWindow: 8,
		MinInkDensity:    0.004,
	}
}

// Region is one lead's area on the strip
type Region struct {
	Lead models.Lead
	Rect image.Rectangle

	// Row and Col are the region's cell position in the layout
	Row, Col int

	// InkDensity is the mean trace ink inside the region
	InkDensity float64

	// Missing marks a region with no usable waveform; its signal is
	// emitted as zeros downstream
	Missing bool
}

// Partition is the full located layout
type Partition struct {
	Regions  []Region
	ColEdges []float64
	RowEdges []float64
	Layout   models.Layout
}

// Region returns the region printed for the given lead
func (p *Partition) Region(l models.Lead) (Region, bool) {
	for _, r := range p.Regions {
		if r.Lead == l {
			return r, true
		}
	}
	return Region{}, false
}

// MissingCount reports how many regions carry no waveform
func (p *Partition) MissingCount() int {
	n := 0
	for _, r := range p.Regions {
		if r.Missing {
			n++
		}
	}
	return n
}

// Locate partitions the trace plane into lead regions. The grid model
// may be nil, in which case borders fall back to equal division plus
// valley refinement.
func Locate(trace *raster.Gray, model *grid.Model, p Params) (*Partition, error) {
	layout, err := models.StandardLayout(p.Rows, p.Cols)
	if err != nil {
		return nil, err
	}
	if trace.W < 4*p.Cols || trace.H < 4*p.Rows {
		return nil, fmt.Errorf("plane %dx%d too small for a %dx%d layout", trace.W, trace.H, p.Rows, p.Cols)
	}

	colEdges := equalEdges(trace.W, p.Cols)
	rowEdges := equalEdges(trace.H, p.Rows)

	if model != nil {
		snapToLines(colEdges, linePositions(model.BoldV.Lines, float64(trace.H)/2), p.SnapFraction)
		snapToLines(rowEdges, linePositions(model.BoldH.Lines, float64(trace.W)/2), p.SnapFraction)
	}

	snapToValleys(colEdges, smoothProfile(columnInk(trace), 4), p.ValleyHalfWindow)
	snapToValleys(rowEdges, smoothProfile(rowInk(trace), 4), p.ValleyHalfWindow)

	enforceOrder(colEdges, float64(trace.W))
	enforceOrder(rowEdges, float64(trace.H))

	regions := make([]Region, 0, p.Rows*p.Cols)
	for r := 0; r < p.Rows; r++ {
		for c := 0; c < p.Cols; c++ {
			rect := image.Rect(
				int(math.Round(colEdges[c])), int(math.Round(rowEdges[r])),
				int(math.Round(colEdges[c+1])), int(math.Round(rowEdges[r+1])),
			)
			density := meanInk(trace, rect)
			regions = append(regions, Region{
				Lead:       layout.Cells[r][c],
				Rect:       rect,
				Row:        r,
				Col:        c,
				InkDensity: density,
				Missing:    density < p.MinInkDensity,
			})
		}
	}

	return &Partition{
		Regions:  regions,
		ColEdges: colEdges,
		RowEdges: rowEdges,
		Layout:   layout,
	}, nil
}

func equalEdges(span, cells int) []float64 {
	edges := make([]float64, cells+1)
	for i := range edges {
		edges[i] = float64(span) * float64(i) / float64(cells)
	}
	return edges
}

// linePositions evaluates each line at the midpoint of its run
func linePositions(lines []grid.Line, mid float64) []float64 {
	out := make([]float64, len(lines))
	for i, l := range lines {
		out[i] = l.PositionAt(mid)
	}
	return out
}

// snapToLines moves interior edges onto the nearest bold line when one
// sits within the snap window
func snapToLines(edges []float64, positions []float64, snapFraction float64) {
	if len(positions) == 0 || len(edges) < 3 {
		return
	}
	pitch := (edges[len(edges)-1] - edges[0]) / float64(len(edges)-1)
	window := snapFraction * pitch
	for i := 1; i < len(edges)-1; i++ {
		bestDist := window
		best := edges[i]
		for _, pos := range positions {
			if d := math.Abs(pos - edges[i]); d < bestDist {
				bestDist = d
				best = pos
			}
		}
		edges[i] = best
	}
}

// snapToValleys nudges interior edges to the lowest-ink position near
// them, scanning outward so ties resolve toward the current edge
func snapToValleys(edges []float64, profile []float64, halfWindow int) {
	if halfWindow <= 0 {
		return
	}
	for i := 1; i < len(edges)-1; i++ {
		center := int(math.Round(edges[i]))
		best := center
		bestVal := math.Inf(1)
		if center >= 0 && center < len(profile) {
			bestVal = profile[center]
		}
		for d := 1; d <= halfWindow; d++ {
			for _, idx := range [2]int{center - d, center + d} {
				if idx < 0 || idx >= len(profile) {
					continue
				}
				if profile[idx] < bestVal {
					bestVal = profile[idx]
					best = idx
				}
			}
		}
		if !math.IsInf(bestVal, 1) {
			edges[i] = float64(best)
		}
	}
}

// enforceOrder pins the outer edges to the frame and keeps interior
// edges strictly increasing
func enforceOrder(edges []float64, span float64) {
	edges[0] = 0
	edges[len(edges)-1] = span
	for i := 1; i < len(edges)-1; i++ {
		if min := edges[i-1] + 4; edges[i] < min {
			edges[i] = min
		}
		if max := span - 4*float64(len(edges)-1-i); edges[i] > max {
			edges[i] = max
		}
	}
}

func columnInk(g *raster.Gray) []float64 {
	out := make([]float64, g.W)
	for y := 0; y < g.H; y++ {
		row := y * g.W
		for x := 0; x < g.W; x++ {
			out[x] += g.Pix[row+x]
		}
	}
	return out
}

func rowInk(g *raster.Gray) []float64 {
	out := make([]float64, g.H)
	for y := 0; y < g.H; y++ {
		row := y * g.W
		for x := 0; x < g.W; x++ {
			out[y] += g.Pix[row+x]
		}
	}
	return out
}

func smoothProfile(profile []float64, radius int) []float64 {
	out := make([]float64, len(profile))
	for i := range profile {
		sum, n := 0.0, 0
		for d := -radius; d <= radius; d++ {
			if j := i + d; j >= 0 && j < len(profile) {
				sum += profile[j]
				n++
			}
		}
		out[i] = sum / float64(n)
	}
	return out
}

func meanInk(g *raster.Gray, rect image.Rectangle) float64 {
	rect = rect.Intersect(g.Bounds())
	if rect.Empty() {
		return 0
	}
	sum := 0.0
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		row := y * g.W
		for x := rect.Min.X; x < rect.Max.X; x++ {
			sum += g.Pix[row+x]
		}
	}
	return sum / float64(rect.Dx()*rect.Dy())
}
