package grid

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"

	"ecgdigitize/pkg/raster"
)

const (
	// angleStepDeg is the rotation search resolution for projections
	angleStepDeg = 0.5

	// minPeriodPx and maxPeriodPx bound the searched fine spacing when
	// no bold estimate narrows the band
	minPeriodPx = 4.0
	maxPeriodPx = 60.0

	// minPeakSNR is the spectral peak to band median ratio required to
	// accept a reconstructed period
	minPeakSNR = 3.0
)

// reconstructFamily recovers a fine line family from the dominant
// spatial frequency of the plane's ink projection. It is the fallback
// when occlusion leaves too few individual lines to detect directly.
func reconstructFamily(plane *raster.Gray, orientation Orientation, fineHint, maxSkew float64) (Family, error) {
	slope, profile, pad := bestProjection(plane, orientation, maxSkew)
	n := len(profile)
	if n < 16 {
		return Family{}, fmt.Errorf("projection too short for spectral analysis")
	}

	mean := stat.Mean(profile, nil)
	seq := make([]float64, n)
	for i, v := range profile {
		seq[i] = v - mean
	}

	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, seq)

	minP, maxP := minPeriodPx, maxPeriodPx
	if fineHint > 0 {
		minP, maxP = fineHint/1.4, fineHint*1.4
	}
	kMin := int(math.Ceil(float64(n) / maxP))
	if kMin < 2 {
		kMin = 2
	}
	kMax := int(float64(n) / minP)
	if kMax > len(coeffs)-2 {
		kMax = len(coeffs) - 2
	}
	if kMin >= kMax {
		return Family{}, fmt.Errorf("period band [%0.1f, %0.1f]px unsearchable at length %d", minP, maxP, n)
	}

	mags := make([]float64, 0, kMax-kMin+1)
	peakK, peakMag := 0, 0.0
	for k := kMin; k <= kMax; k++ {
		mag := cmplx.Abs(coeffs[k])
		mags = append(mags, mag)
		if mag > peakMag {
			peakK, peakMag = k, mag
		}
	}
	med := medianOf(mags)
	if med <= 0 || peakMag/med < minPeakSNR {
		return Family{}, fmt.Errorf("no dominant grid period in projection")
	}
	snr := peakMag / med

	// Parabolic refinement over the magnitude spectrum sharpens the
	// period beyond bin resolution
	kRef := float64(peakK)
	if peakK > kMin && peakK < kMax {
		lo := cmplx.Abs(coeffs[peakK-1])
		hi := cmplx.Abs(coeffs[peakK+1])
		denom := lo - 2*peakMag + hi
		if denom < 0 {
			shift := 0.5 * (lo - hi) / denom
			if shift > 0.5 {
				shift = 0.5
			} else if shift < -0.5 {
				shift = -0.5
			}
			kRef += shift
		}
	}
	period := float64(n) / kRef

	// The integer bin's phase pins one line near the projection center;
	// the refined period then extrapolates the rest of the comb
	phase := math.Atan2(imag(coeffs[peakK]), real(coeffs[peakK]))
	intPeriod := float64(n) / float64(peakK)
	first := -phase * intPeriod / (2 * math.Pi)
	center := first + math.Round((float64(n)/2-first)/intPeriod)*intPeriod

	strength := snr / 10
	if strength > 1 {
		strength = 1
	}

	var offsets []float64
	for c := center; c >= -0.5; c -= period {
		offsets = append(offsets, c)
	}
	reverse(offsets)
	for c := center + period; c < float64(n); c += period {
		offsets = append(offsets, c)
	}

	span := plane.W
	if orientation == Horizontal {
		span = plane.H
	}

	fam := Family{
		Orientation: orientation,
		Class:       Fine,
		Spacing:     period,
		Angle:       math.Atan(slope),
	}
	for _, c := range offsets {
		off := c - float64(pad)
		if off < -1 || off > float64(span)+1 {
			continue
		}
		fam.Lines = append(fam.Lines, Line{
			Orientation: orientation,
			Class:       Fine,
			Offset:      off,
			Slope:       slope,
			Strength:    strength,
			Rank:        len(fam.Lines),
		})
	}
	return fam, nil
}

// bestProjection sweeps a narrow slope band and returns the ink
// projection whose variance is highest, meaning the lines stack most
// cleanly onto single buckets
func bestProjection(plane *raster.Gray, orientation Orientation, maxSkew float64) (slope float64, profile []float64, pad int) {
	var span, other int
	if orientation == Vertical {
		span, other = plane.W, plane.H
	} else {
		span, other = plane.H, plane.W
	}
	pad = int(math.Ceil(float64(other)*math.Tan(maxSkew))) + 2
	bins := span + 2*pad

	step := angleStepDeg * math.Pi / 180
	bestVar := -1.0
	for a := -maxSkew; a <= maxSkew+1e-9; a += step {
		m := math.Tan(a)
		p := project(plane, orientation, m, pad, bins)
		if v := stat.Variance(p, nil); v > bestVar {
			bestVar, slope, profile = v, m, p
		}
	}
	return slope, profile, pad
}

// project accumulates ink into buckets along lines of the given slope
func project(plane *raster.Gray, orientation Orientation, m float64, pad, bins int) []float64 {
	out := make([]float64, bins)
	for y := 0; y < plane.H; y++ {
		rowBase := y * plane.W
		fy := float64(y)
		for x := 0; x < plane.W; x++ {
			v := plane.Pix[rowBase+x]
			if v < minInkVote {
				continue
			}
			var c float64
			if orientation == Vertical {
				c = float64(x) - m*fy
			} else {
				c = fy - m*float64(x)
			}
			idx := int(c + 0.5 + float64(pad))
			if idx >= 0 && idx < bins {
				out[idx] += v
			}
		}
	}
	return out
}

func reverse(xs []float64) {
	for i, j := 0, len(xs)-1; i < j; i, j = i+1, j-1 {
		xs[i], xs[j] = xs[j], xs[i]
	}
}
