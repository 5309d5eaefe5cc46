package trace

import (
	"ecgdigitize/pkg/raster"
)

// Tracker follows the ink run closest to the previously tracked row.
// It holds the waveform through crossings with residual grid ink by
// preferring vertical continuity over mass.
type Tracker struct {
	MinInk  float64
	MaxJump int
}

func (s *Tracker) Name() string { return "tracker" }

type inkRun struct {
	lo, hi int
	mass   float64
}

func (r inkRun) center() float64 {
	return float64(r.lo+r.hi) / 2
}

func (s *Tracker) Extract(region *raster.Gray) Trace {
	t := NewTrace(region.W)

	columns := make([][]inkRun, region.W)
	var masses []float64
	for x := 0; x < region.W; x++ {
		columns[x] = columnRuns(region, x, s.MinInk)
		for _, r := range columns[x] {
			masses = append(masses, r.mass)
		}
	}
	if len(masses) == 0 {
		return t
	}
	refMass := medianOf(masses)

	maxJump := s.MaxJump
	if maxJump < 1 {
		maxJump = 1
	}

	// Seed on the heaviest run of the first populated column
	lastY := 0.0
	seeded := false
	for x := 0; x < region.W; x++ {
		runs := columns[x]
		if len(runs) == 0 {
			continue
		}

		var chosen inkRun
		first := !seeded
		if first {
			chosen = heaviest(runs)
			seeded = true
		} else {
			chosen = nearest(runs, lastY)
		}

		jump := 0.0
		if !first {
			jump = distTo(chosen, lastY)
		}

		massConf := chosen.mass / refMass
		if massConf > 1 {
			massConf = 1
		}
		continuity := 1.0
		if jump > float64(maxJump) {
			continuity = float64(maxJump) / jump
		}

		t.Ys[x] = refineCentroid(region, x, int(chosen.center()), (chosen.hi-chosen.lo)/2+1, s.MinInk)
		t.Confidence[x] = massConf * continuity
		lastY = t.Ys[x]
	}
	return t
}

func columnRuns(g *raster.Gray, x int, minInk float64) []inkRun {
	var runs []inkRun
	inRun := false
	var cur inkRun
	for y := 0; y < g.H; y++ {
		v := g.Pix[y*g.W+x]
		if v >= minInk {
			if !inRun {
				cur = inkRun{lo: y, hi: y}
				inRun = true
			}
			cur.hi = y
			cur.mass += v
			continue
		}
		if inRun {
			runs = append(runs, cur)
			inRun = false
		}
	}
	if inRun {
		runs = append(runs, cur)
	}
	return runs
}

func heaviest(runs []inkRun) inkRun {
	best := runs[0]
	for _, r := range runs[1:] {
		if r.mass > best.mass {
			best = r
		}
	}
	return best
}

func nearest(runs []inkRun, y float64) inkRun {
	best := runs[0]
	bestDist := distTo(best, y)
	for _, r := range runs[1:] {
		if d := distTo(r, y); d < bestDist {
			best = r
			bestDist = d
		}
	}
	return best
}

func distTo(r inkRun, y float64) float64 {
	d := r.center() - y
	if d < 0 {
		return -d
	}
	return d
}
