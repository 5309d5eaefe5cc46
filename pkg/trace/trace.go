// Package trace recovers waveform center paths from lead regions. An
// ensemble of extraction strategies runs concurrently and their votes
// merge by confidence, so one strategy failing on artifact or gap does
// not corrupt the waveform.
package trace

import "math"

// Trace is one strategy's waveform estimate over a region. Ys[x] is
// the waveform row at column x, NaN where the column is unresolved,
// with a matching per-column confidence in [0,1].
type Trace struct {
	Ys         []float64
	Confidence []float64
}

// NewTrace returns an unresolved trace of the given width
func NewTrace(w int) Trace {
	t := Trace{
		Ys:         make([]float64, w),
		Confidence: make([]float64, w),
	}
	for i := range t.Ys {
		t.Ys[i] = math.NaN()
	}
	return t
}

// Resolved reports whether column x carries a usable estimate
func (t Trace) Resolved(x int) bool {
	return x >= 0 && x < len(t.Ys) && !math.IsNaN(t.Ys[x]) && t.Confidence[x] > 0
}

// Coverage is the fraction of columns with a usable estimate
func (t Trace) Coverage() float64 {
	if len(t.Ys) == 0 {
		return 0
	}
	n := 0
	for x := range t.Ys {
		if t.Resolved(x) {
			n++
		}
	}
	return float64(n) / float64(len(t.Ys))
}

// StrategyResult summarizes one strategy's contribution to a merge
type StrategyResult struct {
	Name     string
	Coverage float64
}

// Extraction is the merged ensemble output for one region
type Extraction struct {
	Trace

	// Discontinuities are column indices where the merged path jumps
	// beyond the plausible slew; their neighborhoods are down-weighted
	Discontinuities []int

	// GapsFilled counts columns recovered by interpolation
	GapsFilled int

	// Strategies records each contributor's coverage
	Strategies []StrategyResult

	// Agreement is the mean fraction of strategy weight inside the
	// consensus band across resolved columns
	Agreement float64

	// Score folds confidence, coverage and agreement into [0,1]
	Score float64
}

// Params tune extraction and merging
type Params struct {
	// MinInk is the plane value below which a pixel is background
	MinInk float64

	// Stiffness penalizes vertical movement in the path strategy
	Stiffness float64

	// MaxStep bounds the per-column vertical movement of the path
	MaxStep int

	// DisagreePx is the distance from the consensus beyond which a
	// strategy's vote is excluded at that column
	DisagreePx float64

	// MaxGapPx is the longest unresolved run bridged by interpolation
	MaxGapPx int

	// JumpPx is the per-column movement beyond which the merged path
	// is flagged discontinuous
	JumpPx float64
}

// DefaultParams returns extraction settings for typical strip scans
func DefaultParams() Params {
	return Params{
		MinInk:     0.08,
		Stiffness:  0.15,
		MaxStep:    12,
		DisagreePx: 4,
		MaxGapPx:   24,
		JumpPx:     10,
	}
}
