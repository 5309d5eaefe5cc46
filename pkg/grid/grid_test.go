package grid

import (
	"math"
	"math/rand"
	"testing"

	"ecgdigitize/pkg/raster"
)

// buildGrid draws a synthetic calibration lattice rotated by alpha.
// Fine lines are one pixel wide, every boldEvery-th line three pixels.
// keep, when non-nil, drops ink pixels to simulate occlusion.
func buildGrid(w, h, spacing, first, boldEvery int, ink, alpha float64, keep func() bool) *raster.Gray {
	g := raster.NewGray(w, h)
	setInk := func(x, y int, v float64) {
		if keep != nil && !keep() {
			return
		}
		if v > g.At(x, y) {
			g.Set(x, y, v)
		}
	}

	slopeV := -math.Tan(alpha)
	slopeH := math.Tan(alpha)
	drift := float64(w+h) * math.Abs(math.Tan(alpha))

	for k := 0; ; k++ {
		base := float64(first + k*spacing)
		if base > float64(w)+drift {
			break
		}
		thick := 0
		if boldEvery > 0 && k%boldEvery == 0 {
			thick = 1
		}
		for y := 0; y < h; y++ {
			xc := int(math.Round(base + slopeV*float64(y)))
			for t := -thick; t <= thick; t++ {
				setInk(xc+t, y, ink)
			}
		}
	}
	for k := 0; ; k++ {
		base := float64(first + k*spacing)
		if base > float64(h)+drift {
			break
		}
		thick := 0
		if boldEvery > 0 && k%boldEvery == 0 {
			thick = 1
		}
		for x := 0; x < w; x++ {
			yc := int(math.Round(base + slopeH*float64(x)))
			for t := -thick; t <= thick; t++ {
				setInk(x, yc+t, ink)
			}
		}
	}
	return g
}

func TestDetectCleanGrid(t *testing.T) {
	plane := buildGrid(400, 300, 10, 5, 5, 0.8, 0, nil)

	model, err := NewDetector(DefaultParams()).Detect(plane)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	if math.Abs(model.PxPerMMX-10) > 0.2 {
		t.Errorf("PxPerMMX = %.3f, want 10 within 2%%", model.PxPerMMX)
	}
	if math.Abs(model.PxPerMMY-10) > 0.2 {
		t.Errorf("PxPerMMY = %.3f, want 10 within 2%%", model.PxPerMMY)
	}
	if !model.RatioOK {
		t.Errorf("bold:fine ratio flagged irregular, bold %.2f fine %.2f",
			model.BoldV.Spacing, model.FineV.Spacing)
	}
	if !model.Regular {
		t.Errorf("expected regular grid, CV fine %.3f/%.3f", model.FineV.SpacingCV, model.FineH.SpacingCV)
	}
	if model.Reconstructed {
		t.Error("clean grid should not take the spectral path")
	}
	if model.AnchorUnitMM != 5 {
		t.Errorf("expected bold-anchored intersections, got unit %.1fmm", model.AnchorUnitMM)
	}
	if math.Abs(model.AnchorSpacingX-50) > 1 {
		t.Errorf("AnchorSpacingX = %.3f, want 50", model.AnchorSpacingX)
	}
	if len(model.Intersections) < 20 {
		t.Fatalf("got %d intersections, want >= 20", len(model.Intersections))
	}
	if model.Score < 0.6 {
		t.Errorf("Score = %.3f, want >= 0.6 for clean grid", model.Score)
	}

	first := model.Intersections[0]
	if first.Row != 0 || first.Col != 0 {
		t.Errorf("first intersection rank = (%d,%d), want (0,0)", first.Row, first.Col)
	}
	if math.Abs(first.At.X-5) > 1.5 || math.Abs(first.At.Y-5) > 1.5 {
		t.Errorf("first intersection at (%.2f,%.2f), want near (5,5)", first.At.X, first.At.Y)
	}
}

func TestDetectOccludedGrid(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	plane := buildGrid(400, 300, 10, 5, 5, 0.8, 0, func() bool {
		return rng.Float64() >= 0.5
	})

	model, err := NewDetector(DefaultParams()).Detect(plane)
	if err != nil {
		t.Fatalf("Detect failed on 50%% occluded grid: %v", err)
	}

	// Spacing must hold within 2% even with half the ink erased
	if math.Abs(model.FineV.Spacing-10)/10 > 0.02 {
		t.Errorf("fine vertical spacing = %.3f, want 10 within 2%%", model.FineV.Spacing)
	}
	if math.Abs(model.FineH.Spacing-10)/10 > 0.02 {
		t.Errorf("fine horizontal spacing = %.3f, want 10 within 2%%", model.FineH.Spacing)
	}
}

func TestDetectRotatedGrid(t *testing.T) {
	alpha := 4 * math.Pi / 180
	plane := buildGrid(400, 300, 10, 5, 5, 0.8, alpha, nil)

	model, err := NewDetector(DefaultParams()).Detect(plane)
	if err != nil {
		t.Fatalf("Detect failed on rotated grid: %v", err)
	}

	if math.Abs(model.PxPerMMX-10)/10 > 0.02 {
		t.Errorf("PxPerMMX = %.3f, want 10 within 2%%", model.PxPerMMX)
	}
	tolerance := 0.75 * math.Pi / 180
	if math.Abs(model.FineV.Angle-(-alpha)) > tolerance {
		t.Errorf("vertical family angle = %.2f deg, want %.2f",
			model.FineV.Angle*180/math.Pi, -4.0)
	}
	if math.Abs(model.FineH.Angle-alpha) > tolerance {
		t.Errorf("horizontal family angle = %.2f deg, want %.2f",
			model.FineH.Angle*180/math.Pi, 4.0)
	}
}

func TestDetectForcedSpectral(t *testing.T) {
	plane := buildGrid(400, 300, 10, 5, 5, 0.8, 0, nil)

	params := DefaultParams()
	params.ForceSpectral = true
	model, err := NewDetector(params).Detect(plane)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	if !model.Reconstructed {
		t.Fatal("forced spectral run did not mark the model reconstructed")
	}
	if math.Abs(model.FineV.Spacing-10)/10 > 0.02 {
		t.Errorf("reconstructed vertical spacing = %.3f, want 10 within 2%%", model.FineV.Spacing)
	}

	// Reconstructed lines must land on the true lattice
	for _, l := range model.FineV.Lines {
		nearest := 5 + 10*math.Round((l.Offset-5)/10)
		if math.Abs(l.Offset-nearest) > 1.2 {
			t.Errorf("reconstructed line at %.2f is %.2fpx off the lattice", l.Offset, math.Abs(l.Offset-nearest))
			break
		}
	}
}

func TestDetectEmptyPlane(t *testing.T) {
	plane := raster.NewGray(100, 100)
	if _, err := NewDetector(DefaultParams()).Detect(plane); err == nil {
		t.Fatal("expected an error on an empty plane")
	}
}

func TestFitFamilyRejectsOutlier(t *testing.T) {
	offsets := []float64{10, 20, 30, 33, 50, 60}
	lines := make([]Line, len(offsets))
	for i, off := range offsets {
		lines[i] = Line{Orientation: Vertical, Class: Fine, Offset: off, Strength: 1}
	}
	lines[3].Strength = 0.4

	fam := fitFamily(lines, Vertical, Fine)

	if len(fam.Lines) != 5 {
		t.Fatalf("got %d inliers, want 5 (outlier at 33 rejected)", len(fam.Lines))
	}
	if math.Abs(fam.Spacing-10) > 0.2 {
		t.Errorf("Spacing = %.3f, want 10", fam.Spacing)
	}
	wantRanks := []int{0, 1, 2, 4, 5}
	for i, l := range fam.Lines {
		if l.Rank != wantRanks[i] {
			t.Errorf("line %d rank = %d, want %d", i, l.Rank, wantRanks[i])
		}
	}
}

func TestBoldFineSeparation(t *testing.T) {
	plane := buildGrid(400, 300, 10, 5, 5, 0.8, 0, nil)

	model, err := NewDetector(DefaultParams()).Detect(plane)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	ratio := model.BoldV.Spacing / model.FineV.Spacing
	if math.Abs(ratio-5) > 0.25 {
		t.Errorf("bold:fine ratio = %.3f, want 5", ratio)
	}
	if n := len(model.BoldV.Lines); n != 8 {
		t.Errorf("got %d bold vertical lines, want 8", n)
	}
	if n := len(model.BoldH.Lines); n != 6 {
		t.Errorf("got %d bold horizontal lines, want 6", n)
	}
	for _, l := range model.BoldV.Lines {
		if l.Class != Bold {
			t.Fatalf("bold family carries a %v line", l.Class)
		}
	}
}
