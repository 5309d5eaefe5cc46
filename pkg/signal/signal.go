// Package signal turns extracted pixel traces into calibrated,
// uniformly sampled voltage series and round-trips them through the
// flat record/sample/lead projection used for export.
package signal

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/interp"

	"ecgdigitize/internal/models"
	"ecgdigitize/pkg/trace"
)

// Calibration fixes the physical meaning of strip pixels
type Calibration struct {
	// PaperSpeed is the chart speed in mm/s
	PaperSpeed float64

	// AmplitudeScale is the vertical gain in mm/mV
	AmplitudeScale float64

	// PxPerMMX and PxPerMMY come from the detected grid
	PxPerMMX float64
	PxPerMMY float64

	// SampleRate is the target output rate in Hz
	SampleRate float64
}

// Validate rejects calibrations that cannot scale anything
func (c Calibration) Validate() error {
	switch {
	case c.PaperSpeed <= 0:
		return fmt.Errorf("paper speed %.2f mm/s must be positive", c.PaperSpeed)
	case c.AmplitudeScale <= 0:
		return fmt.Errorf("amplitude scale %.2f mm/mV must be positive", c.AmplitudeScale)
	case c.PxPerMMX <= 0 || c.PxPerMMY <= 0:
		return fmt.Errorf("pixel scale %.2fx%.2f px/mm must be positive", c.PxPerMMX, c.PxPerMMY)
	case c.SampleRate <= 0:
		return fmt.Errorf("sample rate %.1f Hz must be positive", c.SampleRate)
	}
	return nil
}

// SecondsPerPixel converts a horizontal pixel step to time
func (c Calibration) SecondsPerPixel() float64 {
	return 1 / (c.PaperSpeed * c.PxPerMMX)
}

// MVPerPixel converts a vertical pixel step to voltage
func (c Calibration) MVPerPixel() float64 {
	return 1 / (c.AmplitudeScale * c.PxPerMMY)
}

// Series is one lead's calibrated waveform
type Series struct {
	Lead       models.Lead
	SampleRate float64

	// Values are voltages in mV at uniform sample times
	Values []float64

	// Confidence carries the extraction confidence per sample
	Confidence []float64

	// Strategies names the extraction strategies that contributed
	Strategies []string

	// Missing marks a lead that produced no waveform; Values are zeros
	Missing bool
}

// Duration is the covered time span in seconds
func (s Series) Duration() float64 {
	if len(s.Values) == 0 || s.SampleRate <= 0 {
		return 0
	}
	return float64(len(s.Values)-1) / s.SampleRate
}

// FromTrace calibrates and resamples one region's merged trace. The
// baseline is the median resolved row, so voltage is measured relative
// to the waveform's own resting level.
func FromTrace(lead models.Lead, tr trace.Trace, cal Calibration) Series {
	spp := cal.SecondsPerPixel()
	mvpp := cal.MVPerPixel()

	width := len(tr.Ys)
	samples := sampleCount(width, spp, cal.SampleRate)

	out := Series{
		Lead:       lead,
		SampleRate: cal.SampleRate,
		Values:     make([]float64, samples),
		Confidence: make([]float64, samples),
	}

	var times, rows, confs []float64
	for x := 0; x < width; x++ {
		if tr.Resolved(x) {
			times = append(times, float64(x)*spp)
			rows = append(rows, tr.Ys[x])
			confs = append(confs, tr.Confidence[x])
		}
	}
	if len(rows) < 2 {
		out.Missing = true
		return out
	}

	baseline := medianOf(rows)
	mv := make([]float64, len(rows))
	for i, y := range rows {
		mv[i] = (baseline - y) * mvpp
	}

	var value, confidence interp.PiecewiseLinear
	if err := value.Fit(times, mv); err != nil {
		out.Missing = true
		return out
	}
	if err := confidence.Fit(times, confs); err != nil {
		out.Missing = true
		return out
	}

	t0, t1 := times[0], times[len(times)-1]
	for i := 0; i < samples; i++ {
		t := float64(i) / cal.SampleRate
		if t < t0 {
			t = t0
		} else if t > t1 {
			t = t1
		}
		out.Values[i] = value.Predict(t)
		out.Confidence[i] = confidence.Predict(t)
	}
	return out
}

// ZeroSeries emits the zero-filled stand-in for a missing lead
func ZeroSeries(lead models.Lead, width int, cal Calibration) Series {
	samples := sampleCount(width, cal.SecondsPerPixel(), cal.SampleRate)
	return Series{
		Lead:       lead,
		SampleRate: cal.SampleRate,
		Values:     make([]float64, samples),
		Confidence: make([]float64, samples),
		Missing:    true,
	}
}

// sampleCount covers the trace span inclusive of t=0
func sampleCount(width int, spp, rate float64) int {
	if width < 1 {
		return 0
	}
	span := float64(width-1) * spp
	return int(math.Floor(span*rate)) + 1
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
