package geometry

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Options tune candidate selection
type Options struct {
	// RMSECeiling is the residual above which the chosen fit is
	// flagged low confidence rather than rejected
	RMSECeiling float64

	// TieMargin is the relative RMSE band within which a simpler model
	// wins over the best one
	TieMargin float64
}

// DefaultOptions returns selection settings for typical strip photos
func DefaultOptions() Options {
	return Options{RMSECeiling: 2.0, TieMargin: 0.05}
}

// Fit is one scored candidate model
type Fit struct {
	Kind      string
	Transform Transform
	RMSE      float64
	R2        float64

	// MaxResidual is the largest single-point mapping error in pixels
	MaxResidual float64

	Elapsed time.Duration
	Err     error
}

// Selection is the outcome of ranking all candidates
type Selection struct {
	Best   Fit
	Ranked []Fit

	// LowConfidence marks a best fit whose residual exceeded the
	// ceiling; downstream stages proceed but the report carries it
	LowConfidence bool
}

type fitter struct {
	kind string
	fn   func([]Correspondence) (Transform, error)
}

var candidates = []fitter{
	{"affine", fitAffine},
	{"perspective", fitPerspective},
	{"radial", fitRadial},
	{"polynomial", fitPolynomial},
}

// FitCandidates fits every candidate model concurrently and returns
// the results ranked by residual, failed fits last
func FitCandidates(corrs []Correspondence) []Fit {
	resultChan := make(chan Fit)
	for _, c := range candidates {
		go func(c fitter) {
			start := time.Now()
			t, err := c.fn(corrs)
			f := Fit{Kind: c.kind, Err: err}
			if err == nil {
				f.Transform = t
				f.RMSE, f.R2, f.MaxResidual = evaluate(t, corrs)
				if math.IsNaN(f.RMSE) || math.IsInf(f.RMSE, 0) {
					f.Err = fmt.Errorf("%s fit diverged", c.kind)
					f.Transform = nil
				}
			}
			f.Elapsed = time.Since(start)
			resultChan <- f
		}(c)
	}

	fits := make([]Fit, 0, len(candidates))
	for range candidates {
		fits = append(fits, <-resultChan)
	}

	sort.SliceStable(fits, func(i, j int) bool {
		if (fits[i].Err == nil) != (fits[j].Err == nil) {
			return fits[i].Err == nil
		}
		return fits[i].RMSE < fits[j].RMSE
	})
	return fits
}

// Select picks the lowest-residual fit, preferring a simpler model
// when its residual sits within the tie margin of the best
func Select(fits []Fit, opts Options) (Selection, error) {
	usable := fits[:0:0]
	for _, f := range fits {
		if f.Err == nil {
			usable = append(usable, f)
		}
	}
	if len(usable) == 0 {
		return Selection{}, fmt.Errorf("no transform candidate converged")
	}

	// Fits separated by less than this are numerically the same model
	const tieEpsilon = 1e-6

	best := usable[0]
	chosen := best
	for _, f := range usable[1:] {
		tied := f.RMSE-best.RMSE <= math.Max(opts.TieMargin*best.RMSE, tieEpsilon)
		if tied && complexity(f.Transform) < complexity(chosen.Transform) {
			chosen = f
		}
	}

	return Selection{
		Best:          chosen,
		Ranked:        fits,
		LowConfidence: chosen.RMSE > opts.RMSECeiling,
	}, nil
}

// evaluate scores a transform against the correspondences it was fit on
func evaluate(t Transform, corrs []Correspondence) (rmse, r2, maxResidual float64) {
	estimates := make([]float64, 0, 2*len(corrs))
	values := make([]float64, 0, 2*len(corrs))
	sum := 0.0
	for _, c := range corrs {
		px, py := t.Apply(c.Ideal.X, c.Ideal.Y)
		dx, dy := px-c.Source.X, py-c.Source.Y
		d2 := dx*dx + dy*dy
		sum += d2
		if r := math.Sqrt(d2); r > maxResidual {
			maxResidual = r
		}
		estimates = append(estimates, px, py)
		values = append(values, c.Source.X, c.Source.Y)
	}
	if len(corrs) == 0 {
		return math.NaN(), 0, 0
	}
	rmse = math.Sqrt(sum / float64(len(corrs)))
	r2 = stat.RSquaredFrom(estimates, values, nil)
	return rmse, r2, maxResidual
}
