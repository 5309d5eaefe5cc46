package normalize

import (
	"image"
	"image/color"
	"math"
	"testing"

	"ecgdigitize/pkg/raster"
)

// drawStrip builds a synthetic strip: paper background, grid lines
// every 8 px in gridColor, and a 2 px thick sine trace in near-black.
// When shade is true the paper brightness falls off toward the left
// edge to simulate uneven lighting.
func drawStrip(w, h int, gridColor color.NRGBA, shade bool) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			factor := 1.0
			if shade {
				factor = 0.7 + 0.3*float64(x)/float64(w)
			}
			var c color.NRGBA
			if x%8 == 0 || y%8 == 0 {
				c = gridColor
			} else {
				c = color.NRGBA{R: 250, G: 248, B: 244, A: 255}
			}
			c.R = uint8(float64(c.R) * factor)
			c.G = uint8(float64(c.G) * factor)
			c.B = uint8(float64(c.B) * factor)
			img.SetNRGBA(x, y, c)
		}
	}

	// Sine trace across the middle
	mid := float64(h) / 2
	for x := 0; x < w; x++ {
		y := int(mid + 20*math.Sin(2*math.Pi*float64(x)/80))
		for dy := 0; dy < 2; dy++ {
			img.SetNRGBA(x, y+dy, color.NRGBA{R: 15, G: 15, B: 15, A: 255})
		}
	}

	return img
}

// traceAt returns the y coordinate the drawing helper used at column x
func traceAt(h int, x int) int {
	return int(float64(h)/2 + 20*math.Sin(2*math.Pi*float64(x)/80))
}

// TestNormalizeColorGrid verifies chroma-based separation of a red grid
// from a black trace
func TestNormalizeColorGrid(t *testing.T) {
	red := color.NRGBA{R: 225, G: 90, B: 90, A: 255}
	img := drawStrip(320, 240, red, false)

	result, err := Normalize(img, DefaultSettings())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if !result.ChromaSplit {
		t.Fatal("expected chroma-based separation for a red grid")
	}

	// A trace pixel away from any grid line should appear only in the
	// trace plane
	x := 13
	y := traceAt(240, x)
	if y%8 == 0 {
		y++
	}
	if result.Trace.At(x, y) <= 0.2 {
		t.Errorf("trace plane at trace pixel (%d,%d): expected ink, got %.3f", x, y, result.Trace.At(x, y))
	}
	if result.Grid.At(x, y) != 0 {
		t.Errorf("grid plane at trace pixel (%d,%d): expected 0, got %.3f", x, y, result.Grid.At(x, y))
	}

	// A grid pixel far from the trace should appear only in the grid plane
	gx, gy := 16, 16
	if result.Grid.At(gx, gy) <= 0.05 {
		t.Errorf("grid plane at grid pixel (%d,%d): expected ink, got %.3f", gx, gy, result.Grid.At(gx, gy))
	}
	if result.Trace.At(gx, gy) != 0 {
		t.Errorf("trace plane at grid pixel (%d,%d): expected 0, got %.3f", gx, gy, result.Trace.At(gx, gy))
	}

	if result.Score <= 0 {
		t.Errorf("expected positive normalization score, got %.3f", result.Score)
	}
}

// TestNormalizeMonochrome verifies the darkness fallback when the grid
// carries no chroma
func TestNormalizeMonochrome(t *testing.T) {
	gray := color.NRGBA{R: 170, G: 170, B: 170, A: 255}
	img := drawStrip(320, 240, gray, false)

	result, err := Normalize(img, DefaultSettings())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if result.ChromaSplit {
		t.Fatal("expected darkness fallback for a gray grid")
	}

	// The dark trace lands in the trace plane, the faint grid in the grid plane
	x := 13
	y := traceAt(240, x)
	if y%8 == 0 {
		y++
	}
	if result.Trace.At(x, y) <= 0.2 {
		t.Errorf("trace plane at trace pixel: expected ink, got %.3f", result.Trace.At(x, y))
	}

	gx, gy := 16, 16
	if result.Grid.At(gx, gy) <= 0.05 {
		t.Errorf("grid plane at grid pixel: expected faint ink, got %.3f", result.Grid.At(gx, gy))
	}
	if result.Trace.At(gx, gy) != 0 {
		t.Errorf("trace plane at grid pixel: expected 0, got %.3f", result.Trace.At(gx, gy))
	}
}

// TestNormalizeFlattensShading verifies that grid ink survives under a
// strong lighting gradient after flattening
func TestNormalizeFlattensShading(t *testing.T) {
	red := color.NRGBA{R: 225, G: 90, B: 90, A: 255}
	img := drawStrip(320, 240, red, true)

	result, err := Normalize(img, DefaultSettings())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if result.Flatness <= 0.01 {
		t.Errorf("expected measurable illumination variation, got %.4f", result.Flatness)
	}

	// Count detected grid ink in the shaded left quarter and the bright
	// right quarter; flattening should keep them comparable
	countInk := func(p *raster.Gray, x0, x1 int) int {
		n := 0
		for y := 0; y < p.H; y++ {
			for x := x0; x < x1; x++ {
				if p.At(x, y) > 0.05 {
					n++
				}
			}
		}
		return n
	}

	left := countInk(result.Grid, 0, 80)
	right := countInk(result.Grid, 240, 320)
	if left == 0 || right == 0 {
		t.Fatalf("grid ink missing after flattening: left %d, right %d", left, right)
	}
	ratio := float64(left) / float64(right)
	if ratio < 0.5 || ratio > 2.0 {
		t.Errorf("shaded/bright grid ink counts should be comparable, got ratio %.2f", ratio)
	}
}

// TestOtsuThreshold verifies the split point on a bimodal population
func TestOtsuThreshold(t *testing.T) {
	values := make([]float64, 0, 200)
	for i := 0; i < 100; i++ {
		values = append(values, 0.1)
	}
	for i := 0; i < 100; i++ {
		values = append(values, 0.9)
	}

	threshold := otsuThreshold(values)
	if threshold <= 0.1 || threshold >= 0.9 {
		t.Errorf("expected threshold between the modes, got %.3f", threshold)
	}

	if v := otsuThreshold(nil); v != 0 {
		t.Errorf("empty input: expected 0, got %.3f", v)
	}
}

// TestEqualizeTiles verifies that faint ink is stretched toward full scale
func TestEqualizeTiles(t *testing.T) {
	p := raster.NewGray(160, 160)
	// Faint block filling a tenth of the top-left tile
	for y := 10; y < 30; y++ {
		for x := 10; x < 30; x++ {
			p.Set(x, y, 0.3)
		}
	}

	out := equalizeTiles(p, 4)
	if v := out.At(20, 20); v < 0.95 {
		t.Errorf("faint ink should stretch toward full scale, got %.3f", v)
	}
	if v := out.At(100, 100); v != 0 {
		t.Errorf("empty area should stay empty, got %.3f", v)
	}
}
