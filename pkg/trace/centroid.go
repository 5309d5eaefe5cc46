package trace

import (
	"math"

	"ecgdigitize/pkg/raster"
)

// Centroid estimates the waveform as the ink-weighted mean row of each
// column. It is exact on clean single-stroke traces and degrades where
// artifacts add off-path mass.
type Centroid struct {
	MinInk float64
}

func (s *Centroid) Name() string { return "centroid" }

func (s *Centroid) Extract(region *raster.Gray) Trace {
	t := NewTrace(region.W)

	// Reference mass for confidence: the median column mass over
	// non-empty columns
	masses := make([]float64, 0, region.W)
	for x := 0; x < region.W; x++ {
		if m := columnMass(region, x, s.MinInk); m > 0 {
			masses = append(masses, m)
		}
	}
	if len(masses) == 0 {
		return t
	}
	refMass := medianOf(masses)

	for x := 0; x < region.W; x++ {
		mass, mean, spread := columnMoments(region, x, s.MinInk)
		if mass <= 0 {
			continue
		}
		t.Ys[x] = mean

		massConf := mass / refMass
		if massConf > 1 {
			massConf = 1
		}
		// Wide vertical spread means the column's ink is not a single
		// stroke, so the centroid is suspect
		concentration := 1 / (1 + spread/3)
		t.Confidence[x] = massConf * concentration
	}
	return t
}

func columnMass(g *raster.Gray, x int, minInk float64) float64 {
	mass := 0.0
	for y := 0; y < g.H; y++ {
		if v := g.Pix[y*g.W+x]; v >= minInk {
			mass += v
		}
	}
	return mass
}

func columnMoments(g *raster.Gray, x int, minInk float64) (mass, mean, spread float64) {
	sum, weighted := 0.0, 0.0
	for y := 0; y < g.H; y++ {
		if v := g.Pix[y*g.W+x]; v >= minInk {
			sum += v
			weighted += v * float64(y)
		}
	}
	if sum <= 0 {
		return 0, 0, 0
	}
	mean = weighted / sum
	varSum := 0.0
	for y := 0; y < g.H; y++ {
		if v := g.Pix[y*g.W+x]; v >= minInk {
			d := float64(y) - mean
			varSum += v * d * d
		}
	}
	return sum, mean, math.Sqrt(varSum / sum)
}
