package grid

import (
	"math"
	"sort"

	"ecgdigitize/pkg/raster"
)

const (
	// thetaStepDeg is the angular resolution of the vote accumulator
	thetaStepDeg = 0.25

	// minInkVote is the plane value below which a pixel casts no vote
	minInkVote = 0.03

	// massFloorFrac scales the absolute vote floor by the line run length
	massFloorFrac = 0.06

	// nmsThetaBuckets is the angular suppression window around a peak
	nmsThetaBuckets = 6

	// maxPeakLines caps the peaks extracted per orientation
	maxPeakLines = 400
)

// passConfig tunes one scale pass of the line vote
type passConfig struct {
	class     Class
	peakFloor float64
	nmsRho    int
	maxSkew   float64
}

// smoothRadius is the rho integration radius, sized to the expected
// stroke thickness of the class
func (pc passConfig) smoothRadius() int {
	if pc.class == Bold {
		return 2
	}
	return 1
}

// voteLines runs an ink-weighted Hough vote restricted to a narrow
// angular band around one axis and extracts the peak lines
func voteLines(plane *raster.Gray, orientation Orientation, pc passConfig) []Line {
	thetaStep := thetaStepDeg * math.Pi / 180
	steps := int(2*pc.maxSkew/thetaStep) + 1

	sinT := make([]float64, steps)
	cosT := make([]float64, steps)
	thetas := make([]float64, steps)
	for t := 0; t < steps; t++ {
		phi := -pc.maxSkew + thetaStep*float64(t)
		thetas[t] = phi
		sinT[t] = math.Sin(phi)
		cosT[t] = math.Cos(phi)
	}

	// span is the axis rho runs along, extent the line run length
	var span, extent int
	if orientation == Vertical {
		span, extent = plane.W, plane.H
	} else {
		span, extent = plane.H, plane.W
	}
	pad := int(math.Ceil(float64(extent)*math.Sin(pc.maxSkew))) + 2
	bins := span + 2*pad

	acc := make([][]float64, steps)
	for t := range acc {
		acc[t] = make([]float64, bins)
	}

	for y := 0; y < plane.H; y++ {
		rowBase := y * plane.W
		for x := 0; x < plane.W; x++ {
			v := plane.Pix[rowBase+x]
			if v < minInkVote {
				continue
			}
			fx, fy := float64(x), float64(y)
			for t := 0; t < steps; t++ {
				var rho float64
				if orientation == Vertical {
					rho = fx*cosT[t] + fy*sinT[t]
				} else {
					rho = -fx*sinT[t] + fy*cosT[t]
				}
				idx := int(rho + 0.5 + float64(pad))
				if idx >= 0 && idx < bins {
					acc[t][idx] += v
				}
			}
		}
	}

	// Integrating votes across neighboring rho bins folds a stroke's
	// full width into one peak, which is what separates bold from fine
	rad := pc.smoothRadius()
	smoothed := make([][]float64, steps)
	globalMax := 0.0
	for t := 0; t < steps; t++ {
		smoothed[t] = boxSum(acc[t], rad)
		for _, v := range smoothed[t] {
			if v > globalMax {
				globalMax = v
			}
		}
	}
	if globalMax <= 0 {
		return nil
	}

	floor := pc.peakFloor * globalMax
	if massFloor := massFloorFrac * float64(extent); floor < massFloor {
		floor = massFloor
	}

	type peak struct {
		t, r int
		v    float64
	}
	var candidates []peak
	for t := 0; t < steps; t++ {
		row := smoothed[t]
		for r := 1; r < bins-1; r++ {
			v := row[r]
			if v < floor || v < row[r-1] || v < row[r+1] {
				continue
			}
			if t > 0 && smoothed[t-1][r] > v {
				continue
			}
			if t < steps-1 && smoothed[t+1][r] > v {
				continue
			}
			candidates = append(candidates, peak{t: t, r: r, v: v})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].v > candidates[j].v })

	var accepted []peak
	for _, c := range candidates {
		suppressed := false
		for _, a := range accepted {
			if abs(c.t-a.t) <= nmsThetaBuckets && abs(c.r-a.r) <= pc.nmsRho {
				suppressed = true
				break
			}
		}
		if !suppressed {
			accepted = append(accepted, c)
			if len(accepted) >= maxPeakLines {
				break
			}
		}
	}

	lines := make([]Line, 0, len(accepted))
	for _, p := range accepted {
		row := smoothed[p.t]
		rho := float64(p.r - pad)

		// Parabolic refinement recovers the sub-pixel rho of the peak
		denom := row[p.r-1] - 2*row[p.r] + row[p.r+1]
		if denom < 0 {
			shift := 0.5 * (row[p.r-1] - row[p.r+1]) / denom
			if shift > 0.5 {
				shift = 0.5
			} else if shift < -0.5 {
				shift = -0.5
			}
			rho += shift
		}

		phi := thetas[p.t]
		line := Line{
			Orientation: orientation,
			Class:       pc.class,
			Offset:      rho / math.Cos(phi),
			Strength:    p.v / float64(extent),
		}
		if orientation == Vertical {
			line.Slope = -math.Tan(phi)
		} else {
			line.Slope = math.Tan(phi)
		}
		lines = append(lines, line)
	}

	sort.Slice(lines, func(i, j int) bool { return lines[i].Offset < lines[j].Offset })
	return lines
}

// boxSum returns the sliding window sum of row with the given radius
func boxSum(row []float64, radius int) []float64 {
	out := make([]float64, len(row))
	sum := 0.0
	for i := 0; i <= radius && i < len(row); i++ {
		sum += row[i]
	}
	for i := range row {
		out[i] = sum
		if next := i + radius + 1; next < len(row) {
			sum += row[next]
		}
		if drop := i - radius; drop >= 0 {
			sum -= row[drop]
		}
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
