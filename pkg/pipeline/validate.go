package pipeline

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"ecgdigitize/pkg/signal"
)

// maxLeadDiscontinuities is the per-lead break count beyond which a
// trace is considered torn rather than merely noisy
const maxLeadDiscontinuities = 8

// snrCapDB bounds the estimate for near-noiseless synthetic input
const snrCapDB = 60.0

// leadSNR estimates signal-to-noise in dB from a sampled series. Noise
// power comes from the second difference, which cancels the smooth
// physiological component and leaves six times the per-sample noise
// variance.
func leadSNR(values []float64) float64 {
	if len(values) < 8 {
		return 0
	}
	sigVar := stat.Variance(values, nil)
	if sigVar <= 0 {
		return 0
	}

	diffs := make([]float64, 0, len(values)-2)
	for i := 2; i < len(values); i++ {
		diffs = append(diffs, values[i]-2*values[i-1]+values[i-2])
	}
	noiseVar := stat.Variance(diffs, nil) / 6
	if noiseVar < 1e-12 {
		noiseVar = 1e-12
	}

	db := 10 * math.Log10(sigVar/noiseVar)
	if db > snrCapDB {
		db = snrCapDB
	}
	return db
}

// validationIssue is one violated limit with its classification
type validationIssue struct {
	kind Kind
	msg  string
}

// validateRun checks the digitized leads against the configured limits.
// An empty result means the run passes.
func (p *Pipeline) validateRun(series []signal.Series, quals []LeadQuality) []validationIssue {
	var issues []validationIssue

	missing := 0
	for _, q := range quals {
		if q.Missing {
			missing++
		}
	}
	if missing > p.cfg.Validation.MaxMissingLeads {
		issues = append(issues, validationIssue{
			kind: KindLeadMissing,
			msg:  fmt.Sprintf("%d leads blank, limit %d", missing, p.cfg.Validation.MaxMissingLeads),
		})
	}

	for i, s := range series {
		q := quals[i]
		if q.Missing {
			continue
		}
		if q.Discontinuities > maxLeadDiscontinuities {
			issues = append(issues, validationIssue{
				kind: KindExtractionDiscontinuity,
				msg:  fmt.Sprintf("lead %s broke %d times, limit %d", s.Lead, q.Discontinuities, maxLeadDiscontinuities),
			})
		}
		if peak := maxAbs(s.Values); peak > p.cfg.Validation.MaxAmplitudeMV {
			issues = append(issues, validationIssue{
				kind: KindValidationFailed,
				msg:  fmt.Sprintf("lead %s peaks at %.2f mV, limit %.2f mV", s.Lead, peak, p.cfg.Validation.MaxAmplitudeMV),
			})
		}
		if q.SNRDB < p.cfg.Validation.MinSNRDB {
			issues = append(issues, validationIssue{
				kind: KindValidationFailed,
				msg:  fmt.Sprintf("lead %s SNR %.1f dB under %.1f dB", s.Lead, q.SNRDB, p.cfg.Validation.MinSNRDB),
			})
		}
	}

	return issues
}

// dominantKind picks the failure classification for a set of issues,
// preferring structural causes over limit violations
func dominantKind(issues []validationIssue) Kind {
	kind := KindValidationFailed
	for _, is := range issues {
		switch is.kind {
		case KindLeadMissing:
			return KindLeadMissing
		case KindExtractionDiscontinuity:
			kind = KindExtractionDiscontinuity
		}
	}
	return kind
}

func maxAbs(values []float64) float64 {
	peak := 0.0
	for _, v := range values {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return peak
}
