package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"ecgdigitize/internal/models"
	"ecgdigitize/pkg/gate"
)

// StageTrace records one stage execution within a run. Stages repeat in
// the list when escalation re-enters the pipeline.
type StageTrace struct {
	Name    string
	Status  string
	Elapsed time.Duration
	Note    string
}

// NormalizationSummary condenses the ink separation quality
type NormalizationSummary struct {
	Score       float64
	ChromaSplit bool
	Flatness    float64
}

// GridSummary condenses the detected lattice for reporting
type GridSummary struct {
	PxPerMMX      float64
	PxPerMMY      float64
	FineSpacingCV float64
	RatioOK       bool
	Reconstructed bool
	Regular       bool
	Intersections int
	Score         float64
}

// GeometrySummary condenses the distortion model selection. Params
// holds the selected transform's fitted coefficients so callers can
// reproduce the correction.
type GeometrySummary struct {
	Kind          string
	Params        []float64
	RMSE          float64
	R2            float64
	MaxResidual   float64
	LowConfidence bool
	Candidates    int
}

// LeadQuality summarizes extraction quality for one lead
type LeadQuality struct {
	Lead            models.Lead
	Coverage        float64
	Score           float64
	SNRDB           float64
	Discontinuities int
	GapsFilled      int
	Missing         bool
}

// Report is the full account of one digitization run. It is filled in
// progressively and returned with failed runs as well as successful
// ones, so a rejection still documents every check that ran.
type Report struct {
	// RunID uniquely identifies this run across a batch
	RunID string

	// Record is the caller-supplied strip identifier
	Record string

	// Width and Height are the input dimensions in pixels
	Width, Height int

	// Tier is the escalation tier the final attempt ran at
	Tier string

	// Attempts counts pipeline entries including escalations
	Attempts int

	Gate          gate.Report
	Normalization NormalizationSummary
	Grid          GridSummary
	Geometry      GeometrySummary
	Leads         []LeadQuality

	// Stages lists every stage execution in order
	Stages []StageTrace

	// Warnings collects non-fatal findings across all attempts
	Warnings []string

	// Failure holds the final error text when the run failed
	Failure string

	// Elapsed is the total wall time of the run
	Elapsed time.Duration
}

func newReport(record string) *Report {
	return &Report{
		RunID:  "run_" + uuid.NewString(),
		Record: record,
	}
}

func (r *Report) addStage(name, status string, elapsed time.Duration, note string) {
	r.Stages = append(r.Stages, StageTrace{Name: name, Status: status, Elapsed: elapsed, Note: note})
}

func (r *Report) warnf(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// MissingLeads counts leads that produced no waveform
func (r *Report) MissingLeads() int {
	n := 0
	for _, q := range r.Leads {
		if q.Missing {
			n++
		}
	}
	return n
}

// Summary formats a one-line outcome for batch logs
func (r *Report) Summary() string {
	if r.Failure != "" {
		return fmt.Sprintf("%s: FAILED after %d attempt(s): %s", r.Record, r.Attempts, r.Failure)
	}
	return fmt.Sprintf("%s: ok, tier %s, %d/%d leads, grid %.2f px/mm, rmse %.2f px, %s",
		r.Record, r.Tier, len(r.Leads)-r.MissingLeads(), len(r.Leads),
		r.Grid.PxPerMMX, r.Geometry.RMSE, r.Elapsed.Round(time.Millisecond))
}
