package trace

import (
	"ecgdigitize/pkg/raster"
)

// Path traces the waveform as the minimum-cost left-to-right path
// through the region, trading ink evidence against vertical slew. It
// rides out short gaps by coasting and ignores off-path artifacts.
type Path struct {
	MinInk    float64
	Stiffness float64
	MaxStep   int
}

func (s *Path) Name() string { return "path" }

func (s *Path) Extract(region *raster.Gray) Trace {
	w, h := region.W, region.H
	t := NewTrace(w)
	if w < 2 || h < 2 {
		return t
	}

	maxStep := s.MaxStep
	if maxStep < 1 {
		maxStep = 1
	}

	prev := make([]float64, h)
	cur := make([]float64, h)
	back := make([][]int16, w)
	for x := range back {
		back[x] = make([]int16, h)
	}

	for y := 0; y < h; y++ {
		prev[y] = 1 - region.Pix[y*w]
	}

	for x := 1; x < w; x++ {
		for y := 0; y < h; y++ {
			bestCost := prev[y]
			bestFrom := y
			for dy := -maxStep; dy <= maxStep; dy++ {
				py := y + dy
				if py < 0 || py >= h || dy == 0 {
					continue
				}
				if c := prev[py] + s.Stiffness*absFloat(dy); c < bestCost {
					bestCost = c
					bestFrom = py
				}
			}
			cur[y] = bestCost + 1 - region.Pix[y*w+x]
			back[x][y] = int16(bestFrom)
		}
		prev, cur = cur, prev
	}

	endY := 0
	for y := 1; y < h; y++ {
		if prev[y] < prev[endY] {
			endY = y
		}
	}

	y := endY
	for x := w - 1; x >= 0; x-- {
		t.Ys[x] = float64(y)
		if v := region.Pix[y*w+x]; v >= s.MinInk {
			if v > 1 {
				v = 1
			}
			t.Confidence[x] = v
			t.Ys[x] = refineCentroid(region, x, y, 2, s.MinInk)
		}
		if x > 0 {
			y = int(back[x][y])
		}
	}
	return t
}

// refineCentroid recovers a sub-pixel row from the ink surrounding an
// integer path position
func refineCentroid(g *raster.Gray, x, y, radius int, minInk float64) float64 {
	sum, weighted := 0.0, 0.0
	for dy := -radius; dy <= radius; dy++ {
		ry := y + dy
		if ry < 0 || ry >= g.H {
			continue
		}
		if v := g.Pix[ry*g.W+x]; v >= minInk {
			sum += v
			weighted += v * float64(ry)
		}
	}
	if sum <= 0 {
		return float64(y)
	}
	return weighted / sum
}

func absFloat(dy int) float64 {
	if dy < 0 {
		return float64(-dy)
	}
	return float64(dy)
}
