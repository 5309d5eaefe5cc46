// Package normalize separates trace ink from grid ink and flattens
// uneven illumination. It projects pixels into the CIE Lab space so the
// chrominance magnitude distinguishes a colored grid from the
// achromatic trace regardless of the grid's hue, with a darkness-based
// fallback for monochrome paper.
package normalize

import (
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/anthonynsimon/bild/blur"
	"github.com/anthonynsimon/bild/effects"
	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"

	"ecgdigitize/pkg/raster"
)

// Settings tune one normalization pass. Escalation tiers raise the
// aggressiveness of flattening and trace repair.
type Settings struct {
	// BackgroundScale is the downscale factor used when estimating the
	// illumination field
	BackgroundScale int

	// BackgroundBlur is the Gaussian radius applied to the downscaled field
	BackgroundBlur float64

	// ChromaFloor is the Lab chroma magnitude above which ink counts as
	// colored (grid) rather than achromatic (trace)
	ChromaFloor float64

	// EqualizeTiles is the tile count per axis for local contrast
	// stretching of the trace plane; 0 disables it
	EqualizeTiles int

	// CloseTrace applies a morphological closing to the trace plane to
	// bridge hairline breaks
	CloseTrace bool
}

// DefaultSettings returns the standard-tier normalization settings
func DefaultSettings() Settings {
	return Settings{
		BackgroundScale: 8,
		BackgroundBlur:  4,
		ChromaFloor:     0.12,
		EqualizeTiles:   0,
		CloseTrace:      false,
	}
}

// Result holds the two derived planes and the normalization quality
type Result struct {
	// Trace is the trace-emphasized plane, ink high
	Trace *raster.Gray

	// Grid is the grid-emphasized plane, ink high
	Grid *raster.Gray

	// ChromaSplit reports whether color separation succeeded; false
	// means the darkness fallback classified the ink
	ChromaSplit bool

	// Flatness is the residual illumination variation that was divided out
	Flatness float64

	// Score is the overall normalization quality in [0,1]
	Score float64
}

// Normalize derives the trace and grid planes from the source image
func Normalize(img image.Image, s Settings) (*Result, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("empty image %dx%d", w, h)
	}

	lum := raster.NewGray(w, h)
	chroma := raster.NewGray(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c, ok := colorful.MakeColor(img.At(bounds.Min.X+x, bounds.Min.Y+y))
			if !ok {
				// Fully transparent pixels read as paper
				lum.Set(x, y, 1)
				continue
			}
			l, a, b := c.Lab()
			lum.Set(x, y, l)
			chroma.Set(x, y, math.Hypot(a, b))
		}
	}

	// Estimate the illumination field from a dilated, blurred, downscaled
	// copy and divide it out so shadows and yellowing flatten to paper white
	field := illuminationField(lum, s)
	flatness := fieldVariation(field)

	dark := raster.NewGray(w, h)
	for i := range dark.Pix {
		f := field.Pix[i]
		if f < 0.05 {
			f = 0.05
		}
		v := lum.Pix[i] / f
		if v > 1 {
			v = 1
		}
		dark.Pix[i] = 1 - v
	}

	inkFloor := otsuThreshold(dark.Pix)
	trace, grid, chromaSplit, sep := splitInk(dark, chroma, inkFloor, s.ChromaFloor)

	if s.EqualizeTiles > 0 {
		trace = equalizeTiles(trace, s.EqualizeTiles)
	}
	if s.CloseTrace {
		trace = closePlane(trace)
	}

	flat := 1 - 5*flatness
	if flat < 0 {
		flat = 0
	}
	score := 0.6*sep + 0.4*flat

	return &Result{
		Trace:       trace,
		Grid:        grid,
		ChromaSplit: chromaSplit,
		Flatness:    flatness,
		Score:       score,
	}, nil
}

// illuminationField estimates paper brightness across the image
func illuminationField(lum *raster.Gray, s Settings) *raster.Gray {
	scale := s.BackgroundScale
	if scale < 1 {
		scale = 1
	}
	sw := lum.W / scale
	sh := lum.H / scale
	if sw < 1 {
		sw = 1
	}
	if sh < 1 {
		sh = 1
	}

	small := imaging.Resize(lum.ToImage(), sw, sh, imaging.Linear)
	// Dilation keeps the local maximum, pushing ink out of the estimate
	dilated := effects.Dilate(small, 2)
	blurred := blur.Gaussian(dilated, s.BackgroundBlur)
	full := imaging.Resize(blurred, lum.W, lum.H, imaging.Linear)

	return raster.FromImage(full)
}

// fieldVariation measures relative brightness variation of the field
func fieldVariation(field *raster.Gray) float64 {
	mean, std := field.MeanStdDev()
	if mean <= 0 {
		return 0
	}
	return std / mean
}

// splitInk classifies ink pixels into the trace and grid planes.
// Colored ink above the chroma floor is grid; achromatic ink is trace.
// When too little of the ink carries chroma the paper is monochrome and
// a second darkness threshold separates the faint grid from the darker
// trace instead. Returns the planes, the split mode, and a separation
// confidence in [0,1].
func splitInk(dark, chroma *raster.Gray, inkFloor, chromaFloor float64) (trace, grid *raster.Gray, chromaSplit bool, sep float64) {
	trace = raster.NewGray(dark.W, dark.H)
	grid = raster.NewGray(dark.W, dark.H)

	var inkCount, coloredCount int
	for i, d := range dark.Pix {
		if d <= inkFloor {
			continue
		}
		inkCount++
		if chroma.Pix[i] > chromaFloor {
			coloredCount++
		}
	}
	if inkCount == 0 {
		return trace, grid, false, 0
	}

	coloredFrac := float64(coloredCount) / float64(inkCount)
	if coloredFrac >= 0.25 {
		var clear int
		for i, d := range dark.Pix {
			if d <= inkFloor {
				continue
			}
			c := chroma.Pix[i]
			if c > chromaFloor {
				grid.Pix[i] = d
			} else {
				trace.Pix[i] = d
			}
			if c > 1.5*chromaFloor || c < 0.5*chromaFloor {
				clear++
			}
		}
		return trace, grid, true, float64(clear) / float64(inkCount)
	}

	// Monochrome fallback: split ink by darkness
	inkValues := make([]float64, 0, inkCount)
	for _, d := range dark.Pix {
		if d > inkFloor {
			inkValues = append(inkValues, d)
		}
	}
	boldFloor := otsuThreshold(inkValues)
	if boldFloor <= inkFloor {
		boldFloor = inkFloor + (1-inkFloor)/2
	}

	var clear int
	for i, d := range dark.Pix {
		if d <= inkFloor {
			continue
		}
		if d >= boldFloor {
			trace.Pix[i] = d
		} else {
			grid.Pix[i] = d
		}
		if d > 1.2*boldFloor || d < 0.8*boldFloor {
			clear++
		}
	}
	return trace, grid, false, float64(clear) / float64(inkCount)
}

// otsuThreshold finds the threshold maximizing between-class variance
// over a 256-bin histogram of the values
func otsuThreshold(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	const bins = 256
	var hist [bins]int
	for _, v := range values {
		idx := int(v * (bins - 1))
		if idx < 0 {
			idx = 0
		} else if idx >= bins {
			idx = bins - 1
		}
		hist[idx]++
	}

	total := len(values)
	var sumAll float64
	for i, n := range hist {
		sumAll += float64(i) * float64(n)
	}

	var sumBelow float64
	var countBelow int
	bestThreshold := 0
	bestVariance := -1.0

	for t := 0; t < bins; t++ {
		countBelow += hist[t]
		if countBelow == 0 {
			continue
		}
		countAbove := total - countBelow
		if countAbove == 0 {
			break
		}
		sumBelow += float64(t) * float64(hist[t])

		w0 := float64(countBelow)
		w1 := float64(countAbove)
		mean0 := sumBelow / w0
		mean1 := (sumAll - sumBelow) / w1
		diff := mean0 - mean1
		variance := w0 * w1 * diff * diff
		if variance > bestVariance {
			bestVariance = variance
			bestThreshold = t
		}
	}

	return float64(bestThreshold) / (bins - 1)
}

// equalizeTiles stretches local contrast: each tile's 98th percentile
// becomes full scale, with the normalizer blended bilinearly between
// tile centers to avoid seams
func equalizeTiles(p *raster.Gray, tiles int) *raster.Gray {
	if tiles < 1 {
		return p
	}

	tileW := (p.W + tiles - 1) / tiles
	tileH := (p.H + tiles - 1) / tiles

	scale := make([][]float64, tiles)
	for ty := 0; ty < tiles; ty++ {
		scale[ty] = make([]float64, tiles)
		for tx := 0; tx < tiles; tx++ {
			ceiling := tilePercentile(p, tx*tileW, ty*tileH, tileW, tileH, 0.98)
			// Empty tiles would amplify noise without a floor
			if ceiling < 0.25 {
				ceiling = 0.25
			}
			scale[ty][tx] = ceiling
		}
	}

	out := raster.NewGray(p.W, p.H)
	for y := 0; y < p.H; y++ {
		for x := 0; x < p.W; x++ {
			v := p.At(x, y)
			if v == 0 {
				continue
			}
			ceiling := blendTileValue(scale, tiles, tileW, tileH, x, y)
			v /= ceiling
			if v > 1 {
				v = 1
			}
			out.Set(x, y, v)
		}
	}
	return out
}

// tilePercentile returns the given percentile of samples in one tile
func tilePercentile(p *raster.Gray, x0, y0, tw, th int, q float64) float64 {
	var values []float64
	for y := y0; y < y0+th && y < p.H; y++ {
		for x := x0; x < x0+tw && x < p.W; x++ {
			values = append(values, p.At(x, y))
		}
	}
	if len(values) == 0 {
		return 1
	}
	sort.Float64s(values)
	idx := int(q * float64(len(values)-1))
	return values[idx]
}

// blendTileValue bilinearly interpolates the tile scale map at a pixel
func blendTileValue(scale [][]float64, tiles, tileW, tileH, x, y int) float64 {
	fx := (float64(x) - float64(tileW)/2) / float64(tileW)
	fy := (float64(y) - float64(tileH)/2) / float64(tileH)

	tx0 := int(math.Floor(fx))
	ty0 := int(math.Floor(fy))
	dx := fx - float64(tx0)
	dy := fy - float64(ty0)

	get := func(tx, ty int) float64 {
		if tx < 0 {
			tx = 0
		} else if tx >= tiles {
			tx = tiles - 1
		}
		if ty < 0 {
			ty = 0
		} else if ty >= tiles {
			ty = tiles - 1
		}
		return scale[ty][tx]
	}

	top := get(tx0, ty0)*(1-dx) + get(tx0+1, ty0)*dx
	bottom := get(tx0, ty0+1)*(1-dx) + get(tx0+1, ty0+1)*dx
	return top*(1-dy) + bottom*dy
}

// closePlane bridges hairline breaks with a dilate-then-erode pass
func closePlane(p *raster.Gray) *raster.Gray {
	img := p.ToImage()
	closed := effects.Erode(effects.Dilate(img, 1), 1)
	return raster.FromImage(closed)
}
