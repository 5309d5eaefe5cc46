package grid

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// fitFamily fits a uniform lattice to one class of detected lines,
// rejecting offsets that do not sit on the lattice and assigning each
// survivor its integer rank. Gaps in rank mark occluded lines.
func fitFamily(lines []Line, orientation Orientation, class Class) Family {
	fam := Family{Orientation: orientation, Class: class}
	if len(lines) == 0 {
		return fam
	}

	sorted := append([]Line(nil), lines...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	if len(sorted) == 1 {
		fam.Lines = sorted
		return fam
	}

	diffs := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		if d := sorted[i].Offset - sorted[i-1].Offset; d > 0.5 {
			diffs = append(diffs, d)
		}
	}
	if len(diffs) == 0 {
		fam.Lines = dedupeByRank(sorted)
		return fam
	}
	trial := medianOf(diffs)

	// Two regression passes over lattice ranks: the first pins down
	// spacing and phase, the second refits on inliers only
	inliers := sorted
	alpha, beta := regressRanks(inliers, sorted[0].Offset, trial)
	if !(beta > 0.5) {
		fam.Lines = dedupeByRank(sorted)
		return fam
	}
	tol := 0.25 * beta
	if tol < 2 {
		tol = 2
	}
	kept := make([]Line, 0, len(inliers))
	for _, l := range inliers {
		rank := math.Round((l.Offset - alpha) / beta)
		if math.Abs(l.Offset-(alpha+beta*rank)) <= tol {
			kept = append(kept, l)
		}
	}
	if len(kept) >= 2 {
		inliers = kept
		if a, b := regressRanks(inliers, alpha, beta); b > 0.5 {
			alpha, beta = a, b
		}
	}

	for i := range inliers {
		inliers[i].Rank = int(math.Round((inliers[i].Offset - alpha) / beta))
	}
	inliers = dedupeByRank(inliers)
	minRank := inliers[0].Rank
	for i := range inliers {
		inliers[i].Rank -= minRank
	}

	fam.Lines = inliers
	fam.Spacing = beta
	fam.SpacingCV = spacingCV(inliers)
	fam.Angle = math.Atan(medianSlope(inliers))
	return fam
}

// regressRanks regresses offsets on integer lattice ranks derived from
// the given phase and spacing estimates
func regressRanks(lines []Line, phase, spacing float64) (alpha, beta float64) {
	xs := make([]float64, len(lines))
	ys := make([]float64, len(lines))
	ws := make([]float64, len(lines))
	total := 0.0
	for i, l := range lines {
		xs[i] = math.Round((l.Offset - phase) / spacing)
		ys[i] = l.Offset
		ws[i] = l.Strength
		total += l.Strength
	}
	if total <= 0 {
		ws = nil
	}
	return stat.LinearRegression(xs, ys, ws, false)
}

// dedupeByRank keeps the strongest line per lattice rank
func dedupeByRank(lines []Line) []Line {
	out := lines[:0:0]
	for _, l := range lines {
		if n := len(out); n > 0 && out[n-1].Rank == l.Rank {
			if l.Strength > out[n-1].Strength {
				out[n-1] = l
			}
			continue
		}
		out = append(out, l)
	}
	return out
}

// spacingCV is the coefficient of variation of per-rank-step spacings
// between consecutive surviving lines
func spacingCV(lines []Line) float64 {
	units := make([]float64, 0, len(lines)-1)
	for i := 1; i < len(lines); i++ {
		gap := lines[i].Rank - lines[i-1].Rank
		if gap <= 0 {
			continue
		}
		units = append(units, (lines[i].Offset-lines[i-1].Offset)/float64(gap))
	}
	if len(units) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(units, nil)
	if mean <= 0 {
		return 0
	}
	return std / mean
}

func medianSlope(lines []Line) float64 {
	slopes := make([]float64, len(lines))
	for i, l := range lines {
		slopes[i] = l.Slope
	}
	return medianOf(slopes)
}

// medianOf returns the median of xs without reordering the input
func medianOf(xs []float64) float64 {
	tmp := append([]float64(nil), xs...)
	sort.Float64s(tmp)
	n := len(tmp)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return tmp[n/2]
	}
	return 0.5 * (tmp[n/2-1] + tmp[n/2])
}
