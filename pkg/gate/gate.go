// Package gate implements the input quality gate. It computes four
// independent scores over the incoming image and compares each against
// configured thresholds before any expensive stage runs.
package gate

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"ecgdigitize/pkg/raster"
)

// Status is the outcome of one quality check
type Status int

const (
	Pass Status = iota
	Warn
	Fail
)

// String returns the printable form of the status
func (s Status) String() string {
	switch s {
	case Pass:
		return "PASS"
	case Warn:
		return "WARN"
	case Fail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// Score is one named quality metric with its verdict
type Score struct {
	Name   string
	Value  float64
	Status Status
}

// Thresholds hold the fail/warn levels for each score. A score fails
// below the fail level and warns below the warn level.
type Thresholds struct {
	SharpnessFail, SharpnessWarn     float64
	MinDimensionFail, MinDimensionWarn float64
	ContrastFail, ContrastWarn       float64
	GridProbeFail, GridProbeWarn     float64
}

// Report aggregates the four gate scores for one image
type Report struct {
	Sharpness    Score
	Resolution   Score
	Contrast     Score
	GridPresence Score
}

// Scores returns the four scores in evaluation order
func (r Report) Scores() []Score {
	return []Score{r.Sharpness, r.Resolution, r.Contrast, r.GridPresence}
}

// Rejected reports whether the image failed a mandatory check.
// Grid presence is advisory: a failing probe routes the pipeline to
// spectral grid reconstruction instead of rejecting the input.
func (r Report) Rejected() bool {
	return r.Sharpness.Status == Fail ||
		r.Resolution.Status == Fail ||
		r.Contrast.Status == Fail
}

// NeedsReconstruction reports whether the periodicity probe failed
func (r Report) NeedsReconstruction() bool {
	return r.GridPresence.Status == Fail
}

// Warnings counts WARN verdicts across all scores
func (r Report) Warnings() int {
	n := 0
	for _, s := range r.Scores() {
		if s.Status == Warn {
			n++
		}
	}
	return n
}

// FailedScore returns the name of the first mandatory score that
// failed, or an empty string
func (r Report) FailedScore() string {
	for _, s := range []Score{r.Sharpness, r.Resolution, r.Contrast} {
		if s.Status == Fail {
			return s.Name
		}
	}
	return ""
}

// Evaluate computes all four scores over the luminance plane
func Evaluate(plane *raster.Gray, th Thresholds) Report {
	var r Report

	r.Sharpness = Score{Name: "sharpness", Value: sharpness(plane)}
	r.Sharpness.Status = verdict(r.Sharpness.Value, th.SharpnessFail, th.SharpnessWarn)

	minDim := plane.W
	if plane.H < minDim {
		minDim = plane.H
	}
	r.Resolution = Score{Name: "resolution", Value: float64(minDim)}
	r.Resolution.Status = verdict(r.Resolution.Value, th.MinDimensionFail, th.MinDimensionWarn)

	r.Contrast = Score{Name: "contrast", Value: contrast(plane)}
	r.Contrast.Status = verdict(r.Contrast.Value, th.ContrastFail, th.ContrastWarn)

	r.GridPresence = Score{Name: "grid-presence", Value: gridProbe(plane)}
	r.GridPresence.Status = verdict(r.GridPresence.Value, th.GridProbeFail, th.GridProbeWarn)

	return r
}

// verdict maps a score value to PASS/WARN/FAIL against its levels
func verdict(value, fail, warn float64) Status {
	switch {
	case value < fail:
		return Fail
	case value < warn:
		return Warn
	default:
		return Pass
	}
}

// sharpness is the variance of the 3x3 Laplacian response, a standard
// blur metric: defocused images have a near-flat response
func sharpness(p *raster.Gray) float64 {
	if p.W < 3 || p.H < 3 {
		return 0
	}

	resp := make([]float64, 0, (p.W-2)*(p.H-2))
	for y := 1; y < p.H-1; y++ {
		for x := 1; x < p.W-1; x++ {
			lap := 4*p.At(x, y) - p.At(x-1, y) - p.At(x+1, y) - p.At(x, y-1) - p.At(x, y+1)
			resp = append(resp, lap)
		}
	}

	return stat.Variance(resp, nil)
}

// contrast is the robust intensity spread between the 5th and 95th
// percentile of the plane
func contrast(p *raster.Gray) float64 {
	sorted := make([]float64, len(p.Pix))
	copy(sorted, p.Pix)
	sort.Float64s(sorted)

	lo := stat.Quantile(0.05, stat.Empirical, sorted, nil)
	hi := stat.Quantile(0.95, stat.Empirical, sorted, nil)
	return hi - lo
}

// gridProbe estimates whether any dominant periodic line pattern is
// present. Ink is projected onto each axis under a small set of shear
// slopes, so a moderately rotated grid still collapses to a crisp comb
// in at least one projection. The strongest normalized autocorrelation
// peak across all projections wins.
func gridProbe(p *raster.Gray) float64 {
	best := 0.0
	for _, slope := range probeSlopes() {
		cols := make([]float64, p.W)
		rows := make([]float64, p.H)
		for y := 0; y < p.H; y++ {
			for x := 0; x < p.W; x++ {
				ink := 1 - p.At(x, y)
				if c := int(math.Round(float64(x) - slope*float64(y))); c >= 0 && c < p.W {
					cols[c] += ink
				}
				if r := int(math.Round(float64(y) - slope*float64(x))); r >= 0 && r < p.H {
					rows[r] += ink
				}
			}
		}
		if v := periodicity(cols); v > best {
			best = v
		}
		if v := periodicity(rows); v > best {
			best = v
		}
	}
	return best
}

// probeSlopes covers the skew range the detector itself accepts, in
// steps small enough that the residual tilt cannot smear a 1 mm comb
func probeSlopes() []float64 {
	degrees := []float64{0, 3, -3, 6, -6, 9, -9, 12, -12}
	out := make([]float64, len(degrees))
	for i, d := range degrees {
		out[i] = math.Tan(d * math.Pi / 180)
	}
	return out
}

// periodicity returns the strongest normalized autocorrelation peak of
// the demeaned profile over a plausible grid-spacing lag range
func periodicity(profile []float64) float64 {
	n := len(profile)
	if n < 16 {
		return 0
	}

	mean := stat.Mean(profile, nil)
	centered := make([]float64, n)
	var energy float64
	for i, v := range profile {
		centered[i] = v - mean
		energy += centered[i] * centered[i]
	}
	if energy == 0 {
		return 0
	}

	minLag := 4
	maxLag := n / 4
	if maxLag > 80 {
		maxLag = 80
	}
	if maxLag <= minLag {
		return 0
	}

	best := 0.0
	for lag := minLag; lag <= maxLag; lag++ {
		var sum float64
		for i := 0; i+lag < n; i++ {
			sum += centered[i] * centered[i+lag]
		}
		r := sum / energy
		if r > best {
			best = r
		}
	}

	if math.IsNaN(best) {
		return 0
	}
	return best
}
