// Package pipeline runs the complete digitization of an ECG paper
// strip: quality gating, ink separation, grid detection, geometric
// correction, lead location, waveform extraction, calibration, and
// validation. An adaptive controller re-enters the pipeline with
// harsher settings when validation rejects an attempt.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"ecgdigitize/internal/models"
	"ecgdigitize/pkg/config"
	"ecgdigitize/pkg/gate"
	"ecgdigitize/pkg/geometry"
	"ecgdigitize/pkg/grid"
	"ecgdigitize/pkg/leads"
	"ecgdigitize/pkg/normalize"
	"ecgdigitize/pkg/raster"
	"ecgdigitize/pkg/signal"
	"ecgdigitize/pkg/trace"
)

// Input is one strip to digitize
type Input struct {
	// Record identifies the strip and becomes the row ID prefix of
	// every emitted sample
	Record string

	// Image is the scanned or photographed paper strip
	Image image.Image
}

// Result carries the digitized signals and the run report. The report
// is always present, also when the run failed partway.
type Result struct {
	Record      string
	Series      []signal.Series
	Calibration signal.Calibration
	Report      *Report
}

// Rows projects the digitized samples into flat key-value rows
func (r *Result) Rows() []signal.Row {
	return signal.EncodeRows(r.Record, r.Series)
}

// Pipeline digitizes ECG paper strips end to end
type Pipeline struct {
	cfg *config.Config
}

// New builds a pipeline from the configuration. A nil configuration
// selects the defaults.
func New(cfg *config.Config) *Pipeline {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Pipeline{cfg: cfg}
}

// Run digitizes one strip. The returned result is never nil and its
// report documents every stage that ran, on failure as well as on
// success. Context expiry between stages aborts with a timeout error.
func (p *Pipeline) Run(ctx context.Context, in Input) (*Result, error) {
	start := time.Now()
	res := &Result{Record: in.Record, Report: newReport(in.Record)}

	err := p.run(ctx, in, res)
	res.Report.Elapsed = time.Since(start)
	if err != nil {
		res.Report.Failure = err.Error()
	}
	return res, err
}

func (p *Pipeline) run(ctx context.Context, in Input, res *Result) error {
	report := res.Report
	if in.Image == nil {
		return failuref(KindInputRejected, "input", "no image supplied")
	}
	bounds := in.Image.Bounds()
	report.Width, report.Height = bounds.Dx(), bounds.Dy()

	// Step 1: quality gate
	p.logf("Step 1: Evaluating input quality...")
	began := time.Now()
	report.Gate = gate.Evaluate(raster.FromImage(in.Image), p.thresholds())
	for _, s := range report.Gate.Scores() {
		if s.Status == gate.Warn {
			report.warnf("quality %s marginal at %.4g", s.Name, s.Value)
		}
	}
	if report.Gate.Rejected() {
		name := report.Gate.FailedScore()
		report.addStage("gate", "fail", time.Since(began), name)
		return failuref(KindInputRejected, "gate", "quality check %s failed", name)
	}

	forceSpectral := report.Gate.NeedsReconstruction()
	status := "ok"
	if report.Gate.Warnings() > 0 || forceSpectral {
		status = "warn"
	}
	report.addStage("gate", status, time.Since(began), fmt.Sprintf("%d warning(s)", report.Gate.Warnings()))
	if forceSpectral {
		report.warnf("grid periodicity probe failed, forcing spectral reconstruction")
	}

	ctrl := newController(p.cfg.Validation.MaxTiers)
	for {
		t := ctrl.begin()
		report.Tier = t.String()
		report.Attempts = ctrl.attempts

		err := p.attempt(ctx, in.Image, t, forceSpectral, res)
		if err == nil {
			return nil
		}
		if KindOf(err) == KindTimeout {
			return err
		}
		if !ctrl.escalate() {
			report.warnf("escalation exhausted after %d attempt(s)", ctrl.attempts)
			return err
		}
		report.warnf("tier %s failed, escalating: %v", t, err)
	}
}

// attempt runs stages 2 through 8 once at the given tier
func (p *Pipeline) attempt(ctx context.Context, img image.Image, t tier, forceSpectral bool, res *Result) error {
	report := res.Report
	norm, gridP, traceP := p.settingsFor(t)
	if forceSpectral {
		gridP.ForceSpectral = true
	}

	// Step 2: ink separation
	if err := checkCtx(ctx, "normalize"); err != nil {
		return err
	}
	p.logf("Step 2: Separating trace and grid ink (tier %s)...", t)
	began := time.Now()
	nres, err := normalize.Normalize(img, norm)
	if err != nil {
		report.addStage("normalize", "fail", time.Since(began), err.Error())
		return failure(KindInputRejected, "normalize", err)
	}
	report.Normalization = NormalizationSummary{
		Score:       nres.Score,
		ChromaSplit: nres.ChromaSplit,
		Flatness:    nres.Flatness,
	}
	report.addStage("normalize", "ok", time.Since(began), fmt.Sprintf("tier %s, score %.2f", t, nres.Score))
	p.saveIntermediary(res.Record, fmt.Sprintf("02_trace_%s", t), nres.Trace)
	p.saveIntermediary(res.Record, fmt.Sprintf("02_grid_%s", t), nres.Grid)

	// Step 3: grid detection
	if err := checkCtx(ctx, "grid"); err != nil {
		return err
	}
	p.logf("Step 3: Detecting the calibration grid...")
	began = time.Now()
	model, err := grid.NewDetector(gridP).Detect(nres.Grid)
	if err != nil {
		report.addStage("grid", "fail", time.Since(began), err.Error())
		return failure(KindGridUnresolved, "grid", err)
	}
	report.Grid = GridSummary{
		PxPerMMX:      model.PxPerMMX,
		PxPerMMY:      model.PxPerMMY,
		FineSpacingCV: math.Max(model.FineH.SpacingCV, model.FineV.SpacingCV),
		RatioOK:       model.RatioOK,
		Reconstructed: model.Reconstructed,
		Regular:       model.Regular,
		Intersections: len(model.Intersections),
		Score:         model.Score,
	}
	gridStatus, gridNote := "ok", fmt.Sprintf("%.2f px/mm, score %.2f", model.PxPerMMX, model.Score)
	if model.Reconstructed {
		gridStatus, gridNote = "warn", gridNote+", reconstructed"
	}
	report.addStage("grid", gridStatus, time.Since(began), gridNote)

	// Step 4: geometric calibration
	if err := checkCtx(ctx, "calibrate"); err != nil {
		return err
	}
	p.logf("Step 4: Fitting distortion models...")
	began = time.Now()
	fits := geometry.FitCandidates(geometry.Correspondences(model))
	sel, err := geometry.Select(fits, geometry.Options{
		RMSECeiling: p.cfg.Calibration.RMSECeilingPx,
		TieMargin:   p.cfg.Calibration.TieMargin,
	})
	if err != nil {
		report.addStage("calibrate", "fail", time.Since(began), err.Error())
		return failure(KindCalibrationLowConfidence, "calibrate", err)
	}
	report.Geometry = GeometrySummary{
		Kind:          sel.Best.Kind,
		Params:        sel.Best.Transform.Params(),
		RMSE:          sel.Best.RMSE,
		R2:            sel.Best.R2,
		MaxResidual:   sel.Best.MaxResidual,
		LowConfidence: sel.LowConfidence,
		Candidates:    len(fits),
	}
	calStatus := "ok"
	if sel.LowConfidence {
		calStatus = "warn"
		report.warnf("calibration RMSE %.2f px above ceiling %.2f px, continuing at low confidence",
			sel.Best.RMSE, p.cfg.Calibration.RMSECeilingPx)
	}
	report.addStage("calibrate", calStatus, time.Since(began), fmt.Sprintf("%s, rmse %.3f px", sel.Best.Kind, sel.Best.RMSE))

	// Step 5: rectification
	if err := checkCtx(ctx, "rectify"); err != nil {
		return err
	}
	p.logf("Step 5: Rectifying the strip...")
	began = time.Now()
	anchor := geometry.LatticeAnchor(model)
	rectified := geometry.Warp(nres.Trace, sel.Best.Transform, nres.Trace.W, nres.Trace.H)
	corrected := correctedModel(model, anchor, rectified.W, rectified.H)
	cal := signal.Calibration{
		PaperSpeed:     p.cfg.Assumptions.PaperSpeed,
		AmplitudeScale: p.cfg.Assumptions.AmplitudeScale,
		PxPerMMX:       corrected.PxPerMMX,
		PxPerMMY:       corrected.PxPerMMY,
		SampleRate:     p.cfg.Assumptions.SampleRate,
	}
	if err := cal.Validate(); err != nil {
		report.addStage("rectify", "fail", time.Since(began), err.Error())
		return failure(KindGridUnresolved, "rectify", err)
	}
	report.addStage("rectify", "ok", time.Since(began), fmt.Sprintf("%.2f px/mm corrected", cal.PxPerMMX))
	p.saveIntermediary(res.Record, fmt.Sprintf("05_rectified_%s", t), rectified)

	// Step 6: lead location
	if err := checkCtx(ctx, "locate"); err != nil {
		return err
	}
	p.logf("Step 6: Locating the lead regions...")
	began = time.Now()
	leadP := leads.DefaultParams()
	leadP.Rows = p.cfg.Assumptions.LayoutRows
	leadP.Cols = p.cfg.Assumptions.LayoutCols
	leadP.MinInkDensity = p.cfg.Extraction.MinInkDensity
	part, err := leads.Locate(rectified, corrected, leadP)
	if err != nil {
		report.addStage("locate", "fail", time.Since(began), err.Error())
		return failure(KindLeadMissing, "locate", err)
	}
	report.addStage("locate", "ok", time.Since(began), fmt.Sprintf("%d region(s) blank", part.MissingCount()))

	// Step 7: ensemble extraction, one worker per lead
	if err := checkCtx(ctx, "extract"); err != nil {
		return err
	}
	p.logf("Step 7: Extracting waveforms with the strategy ensemble...")
	began = time.Now()

	order := models.StandardLeads()
	regions := make([]leads.Region, len(order))
	for i, lead := range order {
		region, ok := part.Region(lead)
		if !ok {
			return failuref(KindLeadMissing, "extract", "layout carries no region for lead %s", lead)
		}
		regions[i] = region
	}

	type leadResult struct {
		idx int
		ext trace.Extraction
	}
	ens := trace.NewEnsemble(traceP)
	resultChan := make(chan leadResult)
	for i := range regions {
		go func(idx int) {
			sub := rectified.SubRect(regions[idx].Rect)
			resultChan <- leadResult{idx: idx, ext: ens.Extract(sub)}
		}(i)
	}
	exts := make([]trace.Extraction, len(order))
	for range order {
		r := <-resultChan
		exts[r.idx] = r.ext
	}

	series := make([]signal.Series, len(order))
	quals := make([]LeadQuality, len(order))
	for i, lead := range order {
		region, ext := regions[i], exts[i]

		var s signal.Series
		if region.Missing {
			s = signal.ZeroSeries(lead, region.Rect.Dx(), cal)
		} else {
			s = signal.FromTrace(lead, ext.Trace, cal)
			for _, sr := range ext.Strategies {
				if sr.Coverage > 0 {
					s.Strategies = append(s.Strategies, sr.Name)
				}
			}
		}
		if s.Missing {
			report.warnf("lead %s blank, emitting zeros", lead)
		}

		q := LeadQuality{
			Lead:            lead,
			Coverage:        ext.Trace.Coverage(),
			Score:           ext.Score,
			Discontinuities: len(ext.Discontinuities),
			GapsFilled:      ext.GapsFilled,
			Missing:         s.Missing,
		}
		if !s.Missing {
			q.SNRDB = leadSNR(s.Values)
		}
		series[i], quals[i] = s, q
	}
	report.Leads = quals
	res.Series = series
	res.Calibration = cal
	report.addStage("extract", "ok", time.Since(began), fmt.Sprintf("%d/%d leads", len(order)-report.MissingLeads(), len(order)))

	// Step 8: validation
	if err := checkCtx(ctx, "validate"); err != nil {
		return err
	}
	p.logf("Step 8: Validating the digitized record...")
	began = time.Now()
	issues := p.validateRun(series, quals)
	if len(issues) > 0 {
		msgs := make([]string, len(issues))
		for i, is := range issues {
			msgs[i] = is.msg
		}
		joined := strings.Join(msgs, "; ")
		report.addStage("validate", "fail", time.Since(began), joined)
		return failure(dominantKind(issues), "validate", errors.New(joined))
	}
	report.addStage("validate", "ok", time.Since(began), "")
	return nil
}

// thresholds maps the quality configuration onto gate levels
func (p *Pipeline) thresholds() gate.Thresholds {
	q := p.cfg.Quality
	return gate.Thresholds{
		SharpnessFail:    q.SharpnessFail,
		SharpnessWarn:    q.SharpnessWarn,
		MinDimensionFail: q.MinDimensionFail,
		MinDimensionWarn: q.MinDimensionWarn,
		ContrastFail:     q.ContrastFail,
		ContrastWarn:     q.ContrastWarn,
		GridProbeFail:    q.GridProbeFail,
		GridProbeWarn:    q.GridProbeWarn,
	}
}

// correctedModel rebuilds the grid model in rectified space, where the
// anchor lattice is axis aligned by construction. Only the bold
// families are populated; the partition stage snaps to those.
func correctedModel(m *grid.Model, anchor grid.Point, w, h int) *grid.Model {
	out := &grid.Model{
		AnchorSpacingX: m.AnchorSpacingX,
		AnchorSpacingY: m.AnchorSpacingY,
		AnchorUnitMM:   m.AnchorUnitMM,
		PxPerMMX:       m.AnchorSpacingX / m.AnchorUnitMM,
		PxPerMMY:       m.AnchorSpacingY / m.AnchorUnitMM,
		RatioOK:        m.RatioOK,
		Reconstructed:  m.Reconstructed,
		Regular:        m.Regular,
		Score:          m.Score,
	}
	out.BoldV = axisFamily(grid.Vertical, anchor.X, m.AnchorSpacingX, float64(w))
	out.BoldH = axisFamily(grid.Horizontal, anchor.Y, m.AnchorSpacingY, float64(h))
	return out
}

// axisFamily lays out zero-slope lines at origin plus integer steps
// across the span
func axisFamily(o grid.Orientation, origin, step float64, span float64) grid.Family {
	f := grid.Family{Orientation: o, Class: grid.Bold, Spacing: step}
	if step <= 0 {
		return f
	}
	k0 := int(math.Ceil(-origin / step))
	k1 := int(math.Floor((span - origin) / step))
	for k := k0; k <= k1; k++ {
		f.Lines = append(f.Lines, grid.Line{
			Orientation: o,
			Class:       grid.Bold,
			Offset:      origin + float64(k)*step,
			Strength:    1,
			Rank:        k - k0,
		})
	}
	return f
}

// checkCtx converts context expiry into a classified timeout
func checkCtx(ctx context.Context, stage string) error {
	select {
	case <-ctx.Done():
		return failure(KindTimeout, stage, ctx.Err())
	default:
		return nil
	}
}

func (p *Pipeline) logf(format string, args ...interface{}) {
	if p.cfg.Output.Verbose {
		fmt.Printf(format+"\n", args...)
	}
}

// saveIntermediary writes a plane as PNG under the record's directory
func (p *Pipeline) saveIntermediary(record, name string, plane *raster.Gray) {
	if !p.cfg.Output.SaveIntermediaryResults {
		return
	}
	dir := filepath.Join(p.cfg.Output.IntermediaryDir, record)
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Printf("Warning: failed to create %s: %v\n", dir, err)
		return
	}
	path := filepath.Join(dir, name+".png")
	if err := imaging.Save(plane.ToImage(), path); err != nil {
		fmt.Printf("Warning: failed to save %s: %v\n", path, err)
	}
}
