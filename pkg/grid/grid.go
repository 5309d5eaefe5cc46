// Package grid detects the printed calibration grid on a normalized
// strip image. Two scale passes (fine 1 mm, bold 5 mm) vote for line
// families with a Hough transform, a robust lattice fit rejects
// outliers and measures spacing, and a frequency-domain reconstruction
// recovers families when too few lines survive occlusion.
package grid

import (
	"fmt"
	"math"
	"sort"

	"ecgdigitize/pkg/raster"
)

// Orientation distinguishes the two grid line directions
type Orientation int

const (
	Horizontal Orientation = iota
	Vertical
)

// String returns the printable form of the orientation
func (o Orientation) String() string {
	if o == Horizontal {
		return "horizontal"
	}
	return "vertical"
}

// Class distinguishes the two grid scales
type Class int

const (
	Fine Class = iota
	Bold
)

// String returns the printable form of the class
func (c Class) String() string {
	if c == Fine {
		return "fine"
	}
	return "bold"
}

// Line is one detected grid line in near-axis parametric form.
// A vertical line satisfies x = Offset + Slope*y, a horizontal line
// y = Offset + Slope*x.
type Line struct {
	Orientation Orientation
	Class       Class

	// Offset is the axis intercept in pixels
	Offset float64

	// Slope is the deviation from the axis
	Slope float64

	// Strength is the normalized vote mass supporting the line
	Strength float64

	// Rank is the line's position on the fitted lattice; gaps in rank
	// mark missing lines between detected ones
	Rank int
}

// PositionAt evaluates the line at the given coordinate along its run
func (l Line) PositionAt(t float64) float64 {
	return l.Offset + l.Slope*t
}

// Family is one scale/orientation class of lines after the lattice fit
type Family struct {
	Orientation Orientation
	Class       Class

	// Lines are the surviving inliers sorted by offset
	Lines []Line

	// Spacing is the fitted lattice spacing in pixels
	Spacing float64

	// SpacingCV is the coefficient of variation of observed spacings
	SpacingCV float64

	// Angle is the family's deviation from its axis in radians
	Angle float64
}

// Point is a pixel-space position
type Point struct {
	X, Y float64
}

// Intersection is a crossing of one horizontal and one vertical line,
// indexed by the lines' lattice ranks
type Intersection struct {
	Row, Col int
	At       Point
}

// Model is the full detected grid
type Model struct {
	FineH, FineV Family
	BoldH, BoldV Family

	// Intersections are the anchor crossings in row-major rank order
	Intersections []Intersection

	// AnchorSpacingX/Y are the pixel spacings per intersection rank step
	AnchorSpacingX float64
	AnchorSpacingY float64

	// AnchorUnitMM is the physical spacing per rank step in mm
	AnchorUnitMM float64

	// PxPerMMX/Y map pixels to physical millimeters per axis
	PxPerMMX float64
	PxPerMMY float64

	// RatioOK reports whether bold:fine spacing matched the expected ratio
	RatioOK bool

	// Reconstructed reports whether the fine families came from the
	// spectral path rather than direct line detection
	Reconstructed bool

	// Regular reports whether spacing uniformity and the class ratio held
	Regular bool

	// Score is the overall detection confidence in [0,1]
	Score float64
}

// Params tune one detection run
type Params struct {
	// FineMM and BoldMM are the physical grid spacings
	FineMM float64
	BoldMM float64

	// MinLines is the minimum fine line count per orientation before
	// the spectral reconstruction path engages
	MinLines int

	// MaxSkewDeg bounds the searched rotation either side of the axes
	MaxSkewDeg float64

	// SpacingTolerance bounds the spacing coefficient of variation
	SpacingTolerance float64

	// RatioTolerance is the relative tolerance on the bold:fine ratio
	RatioTolerance float64

	// FinePeakFloor and BoldPeakFloor are pass vote thresholds as a
	// fraction of the strongest peak
	FinePeakFloor float64
	BoldPeakFloor float64

	// ForceSpectral skips direct fine detection in favor of
	// reconstruction; set when the gate's periodicity probe failed
	ForceSpectral bool
}

// DefaultParams returns detection parameters for standard clinical paper
func DefaultParams() Params {
	return Params{
		FineMM:           1.0,
		BoldMM:           5.0,
		MinLines:         6,
		MaxSkewDeg:       12.0,
		SpacingTolerance: 0.25,
		RatioTolerance:   0.25,
		FinePeakFloor:    0.12,
		BoldPeakFloor:    0.45,
		ForceSpectral:    false,
	}
}

// Detector finds the grid model on a grid-emphasized plane
type Detector struct {
	params Params
}

// NewDetector creates a detector with the given parameters
func NewDetector(params Params) *Detector {
	return &Detector{params: params}
}

// Detect runs both scale passes and assembles the grid model
func (d *Detector) Detect(plane *raster.Gray) (*Model, error) {
	if plane.W < 16 || plane.H < 16 {
		return nil, fmt.Errorf("plane %dx%d too small for grid detection", plane.W, plane.H)
	}

	maxSkew := d.params.MaxSkewDeg * math.Pi / 180

	passes := []passConfig{
		{class: Fine, peakFloor: d.params.FinePeakFloor, nmsRho: 3, maxSkew: maxSkew},
		{class: Bold, peakFloor: d.params.BoldPeakFloor, nmsRho: 7, maxSkew: maxSkew},
	}

	// Both scale passes are independent pure computations over the same
	// plane, so they run as a fork-join pair
	type passResult struct {
		class      Class
		vertical   []Line
		horizontal []Line
	}
	resultChan := make(chan passResult)
	for _, pc := range passes {
		go func(pc passConfig) {
			resultChan <- passResult{
				class:      pc.class,
				vertical:   voteLines(plane, Vertical, pc),
				horizontal: voteLines(plane, Horizontal, pc),
			}
		}(pc)
	}

	var fineV, fineH, boldV, boldH []Line
	for range passes {
		res := <-resultChan
		if res.class == Fine {
			fineV, fineH = res.vertical, res.horizontal
		} else {
			boldV, boldH = res.vertical, res.horizontal
		}
	}

	m := &Model{
		FineV: fitFamily(fineV, Vertical, Fine),
		FineH: fitFamily(fineH, Horizontal, Fine),
		BoldV: fitFamily(boldV, Vertical, Bold),
		BoldH: fitFamily(boldH, Horizontal, Bold),
	}

	// Spectral reconstruction replaces fine families that lost too many
	// lines to occlusion, or everything when the gate probe failed
	if d.params.ForceSpectral || len(m.FineV.Lines) < d.params.MinLines {
		if fam, err := reconstructFamily(plane, Vertical, d.boldHint(m.BoldV), maxSkew); err == nil {
			m.FineV = fam
			m.Reconstructed = true
		}
	}
	if d.params.ForceSpectral || len(m.FineH.Lines) < d.params.MinLines {
		if fam, err := reconstructFamily(plane, Horizontal, d.boldHint(m.BoldH), maxSkew); err == nil {
			m.FineH = fam
			m.Reconstructed = true
		}
	}

	fineOK := len(m.FineV.Lines) >= 2 && len(m.FineH.Lines) >= 2 &&
		m.FineV.Spacing > 0 && m.FineH.Spacing > 0
	boldOK := len(m.BoldV.Lines) >= 2 && len(m.BoldH.Lines) >= 2 &&
		m.BoldV.Spacing > 0 && m.BoldH.Spacing > 0
	if !fineOK && !boldOK {
		return nil, fmt.Errorf("no grid structure detected")
	}

	d.measure(m, fineOK, boldOK)
	if err := d.anchor(m, fineOK, boldOK); err != nil {
		return nil, err
	}
	d.score(m)

	return m, nil
}

// boldHint narrows the spectral search band using the bold family
func (d *Detector) boldHint(bold Family) float64 {
	if len(bold.Lines) >= 2 && bold.Spacing > 0 {
		return bold.Spacing / (d.params.BoldMM / d.params.FineMM)
	}
	return 0
}

// measure derives physical scale and checks the class spacing ratio
func (d *Detector) measure(m *Model, fineOK, boldOK bool) {
	expected := d.params.BoldMM / d.params.FineMM

	switch {
	case fineOK:
		m.PxPerMMX = m.FineV.Spacing / d.params.FineMM
		m.PxPerMMY = m.FineH.Spacing / d.params.FineMM
	case boldOK:
		m.PxPerMMX = m.BoldV.Spacing / d.params.BoldMM
		m.PxPerMMY = m.BoldH.Spacing / d.params.BoldMM
	}

	if fineOK && boldOK {
		ratioX := m.BoldV.Spacing / m.FineV.Spacing
		ratioY := m.BoldH.Spacing / m.FineH.Spacing
		m.RatioOK = math.Abs(ratioX-expected)/expected <= d.params.RatioTolerance &&
			math.Abs(ratioY-expected)/expected <= d.params.RatioTolerance
	} else {
		// With a single class there is no ratio to dispute
		m.RatioOK = true
	}

	cvTol := d.params.SpacingTolerance
	m.Regular = m.RatioOK &&
		(!fineOK || (m.FineV.SpacingCV <= cvTol && m.FineH.SpacingCV <= cvTol)) &&
		(!boldOK || (m.BoldV.SpacingCV <= cvTol && m.BoldH.SpacingCV <= cvTol))
}

// anchor selects the line families whose crossings feed calibration and
// computes the intersection set
func (d *Detector) anchor(m *Model, fineOK, boldOK bool) error {
	var vFam, hFam Family
	switch {
	case boldOK && m.RatioOK:
		vFam, hFam = m.BoldV, m.BoldH
		m.AnchorUnitMM = d.params.BoldMM
	case fineOK:
		vFam, hFam = m.FineV, m.FineH
		m.AnchorUnitMM = d.params.FineMM
	case boldOK:
		vFam, hFam = m.BoldV, m.BoldH
		m.AnchorUnitMM = d.params.BoldMM
	default:
		return fmt.Errorf("no line family usable for anchoring")
	}

	m.AnchorSpacingX = vFam.Spacing
	m.AnchorSpacingY = hFam.Spacing

	// Dense fine families are strided down so the calibration design
	// matrix stays modest
	vLines := strideLines(vFam.Lines, 60)
	hLines := strideLines(hFam.Lines, 60)

	m.Intersections = crossFamilies(hLines, vLines)
	if len(m.Intersections) < 4 {
		return fmt.Errorf("only %d grid intersections located", len(m.Intersections))
	}
	return nil
}

// crossFamilies intersects every horizontal line with every vertical
// line, keeping lattice ranks for downstream correspondence
func crossFamilies(hLines, vLines []Line) []Intersection {
	points := make([]Intersection, 0, len(hLines)*len(vLines))
	for _, h := range hLines {
		for _, v := range vLines {
			// x = v.Offset + v.Slope*y and y = h.Offset + h.Slope*x
			denom := 1 - h.Slope*v.Slope
			if math.Abs(denom) < 1e-9 {
				continue
			}
			y := (h.Offset + h.Slope*v.Offset) / denom
			x := v.Offset + v.Slope*y
			points = append(points, Intersection{
				Row: h.Rank,
				Col: v.Rank,
				At:  Point{X: x, Y: y},
			})
		}
	}

	sort.Slice(points, func(i, j int) bool {
		if points[i].Row != points[j].Row {
			return points[i].Row < points[j].Row
		}
		return points[i].Col < points[j].Col
	})
	return points
}

// strideLines thins a family to at most max lines, keeping rank order
func strideLines(lines []Line, max int) []Line {
	if len(lines) <= max {
		return lines
	}
	stride := (len(lines) + max - 1) / max
	out := make([]Line, 0, max)
	for i := 0; i < len(lines); i += stride {
		out = append(out, lines[i])
	}
	return out
}

// score summarizes detection confidence
func (d *Detector) score(m *Model) {
	score := 1.0

	worstCV := 0.0
	for _, fam := range []Family{m.FineV, m.FineH, m.BoldV, m.BoldH} {
		if len(fam.Lines) >= 2 && fam.SpacingCV > worstCV {
			worstCV = fam.SpacingCV
		}
	}
	if d.params.SpacingTolerance > 0 {
		penalty := worstCV / d.params.SpacingTolerance
		if penalty > 1 {
			penalty = 1
		}
		score -= 0.4 * penalty
	}

	if !m.RatioOK {
		score -= 0.25
	}
	if m.Reconstructed {
		score -= 0.15
	}
	if len(m.FineV.Lines) < 2 || len(m.FineH.Lines) < 2 {
		score -= 0.15
	}

	if score < 0 {
		score = 0
	}
	m.Score = score
}
