package trace

import (
	"math"
	"sort"

	"ecgdigitize/pkg/raster"
)

// Strategy produces one waveform estimate for a region
type Strategy interface {
	Name() string
	Extract(region *raster.Gray) Trace
}

// Ensemble merges concurrent strategy estimates into one waveform
type Ensemble struct {
	strategies []Strategy
	params     Params
}

// NewEnsemble builds the standard three-strategy ensemble
func NewEnsemble(p Params) *Ensemble {
	return &Ensemble{
		strategies: []Strategy{
			&Centroid{MinInk: p.MinInk},
			&Path{MinInk: p.MinInk, Stiffness: p.Stiffness, MaxStep: p.MaxStep},
			&Tracker{MinInk: p.MinInk, MaxJump: 2 * p.MaxStep},
		},
		params: p,
	}
}

// Extract runs every strategy concurrently and merges their votes
func (e *Ensemble) Extract(region *raster.Gray) Extraction {
	type strategyResult struct {
		name  string
		trace Trace
	}
	resultChan := make(chan strategyResult)
	for _, s := range e.strategies {
		go func(s Strategy) {
			resultChan <- strategyResult{name: s.Name(), trace: s.Extract(region)}
		}(s)
	}

	traces := make([]Trace, 0, len(e.strategies))
	results := make([]StrategyResult, 0, len(e.strategies))
	for range e.strategies {
		r := <-resultChan
		traces = append(traces, r.trace)
		results = append(results, StrategyResult{Name: r.name, Coverage: r.trace.Coverage()})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	merged := NewTrace(region.W)
	agreementSum := 0.0
	agreementN := 0

	ys := make([]float64, 0, len(traces))
	ws := make([]float64, 0, len(traces))
	for x := 0; x < region.W; x++ {
		ys, ws = ys[:0], ws[:0]
		for _, t := range traces {
			if t.Resolved(x) {
				ys = append(ys, t.Ys[x])
				ws = append(ws, t.Confidence[x])
			}
		}
		if len(ys) == 0 {
			continue
		}

		consensus := weightedMedian(ys, ws)
		totalW, inW, inWY, maxConf := 0.0, 0.0, 0.0, 0.0
		for i, y := range ys {
			totalW += ws[i]
			if math.Abs(y-consensus) <= e.params.DisagreePx {
				inW += ws[i]
				inWY += ws[i] * y
				if ws[i] > maxConf {
					maxConf = ws[i]
				}
			}
		}
		if inW <= 0 {
			continue
		}

		agreement := inW / totalW
		merged.Ys[x] = inWY / inW
		merged.Confidence[x] = maxConf * agreement
		agreementSum += agreement
		agreementN++
	}

	ext := Extraction{
		Trace:      merged,
		Strategies: results,
	}
	if agreementN > 0 {
		ext.Agreement = agreementSum / float64(agreementN)
	}

	e.flagDiscontinuities(&ext)
	e.fillGaps(&ext)
	e.scoreExtraction(&ext)
	return ext
}

// flagDiscontinuities marks columns where the merged path jumps faster
// than a waveform can slew and down-weights their neighborhoods
func (e *Ensemble) flagDiscontinuities(ext *Extraction) {
	type step struct {
		x    int
		rate float64
	}
	var steps []step
	rates := make([]float64, 0, len(ext.Ys))

	lastX := -1
	for x := range ext.Ys {
		if !ext.Resolved(x) {
			continue
		}
		if lastX >= 0 {
			rate := math.Abs(ext.Ys[x]-ext.Ys[lastX]) / float64(x-lastX)
			steps = append(steps, step{x: x, rate: rate})
			rates = append(rates, rate)
		}
		lastX = x
	}
	if len(rates) < 4 {
		return
	}

	med := medianOf(rates)
	devs := make([]float64, len(rates))
	for i, r := range rates {
		devs[i] = math.Abs(r - med)
	}
	threshold := math.Max(e.params.JumpPx, med+6*medianOf(devs))

	for _, s := range steps {
		if s.rate <= threshold {
			continue
		}
		ext.Discontinuities = append(ext.Discontinuities, s.x)
		for dx := -2; dx <= 2; dx++ {
			if x := s.x + dx; x >= 0 && x < len(ext.Confidence) {
				ext.Confidence[x] *= 0.5
			}
		}
	}
}

// fillGaps bridges short unresolved runs by interpolation and clamps
// unresolved ends to their nearest resolved value
func (e *Ensemble) fillGaps(ext *Extraction) {
	w := len(ext.Ys)
	x := 0
	for x < w {
		if ext.Resolved(x) {
			x++
			continue
		}
		start := x
		for x < w && !ext.Resolved(x) {
			x++
		}
		runLen := x - start

		leftOK := start > 0
		rightOK := x < w
		switch {
		case leftOK && rightOK && runLen <= e.params.MaxGapPx:
			y0, y1 := ext.Ys[start-1], ext.Ys[x]
			conf := 0.5 * math.Min(ext.Confidence[start-1], ext.Confidence[x])
			for i := 0; i < runLen; i++ {
				f := float64(i+1) / float64(runLen+1)
				ext.Ys[start+i] = y0 + (y1-y0)*f
				ext.Confidence[start+i] = conf
			}
			ext.GapsFilled += runLen
		case leftOK && !rightOK && runLen <= e.params.MaxGapPx:
			for i := start; i < w; i++ {
				ext.Ys[i] = ext.Ys[start-1]
				ext.Confidence[i] = 0.25 * ext.Confidence[start-1]
			}
			ext.GapsFilled += runLen
		case !leftOK && rightOK && runLen <= e.params.MaxGapPx:
			for i := 0; i < start+runLen; i++ {
				ext.Ys[i] = ext.Ys[x]
				ext.Confidence[i] = 0.25 * ext.Confidence[x]
			}
			ext.GapsFilled += runLen
		}
	}
}

func (e *Ensemble) scoreExtraction(ext *Extraction) {
	coverage := ext.Coverage()
	confSum := 0.0
	n := 0
	for x := range ext.Ys {
		if ext.Resolved(x) {
			confSum += ext.Confidence[x]
			n++
		}
	}
	if n == 0 {
		ext.Score = 0
		return
	}
	ext.Score = coverage * (confSum / float64(n))
}

// weightedMedian returns the y at which cumulative weight crosses half
func weightedMedian(ys, ws []float64) float64 {
	type vote struct{ y, w float64 }
	votes := make([]vote, len(ys))
	total := 0.0
	for i := range ys {
		votes[i] = vote{ys[i], ws[i]}
		total += ws[i]
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].y < votes[j].y })

	cum := 0.0
	for _, v := range votes {
		cum += v.w
		if cum >= total/2 {
			return v.y
		}
	}
	return votes[len(votes)-1].y
}

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
