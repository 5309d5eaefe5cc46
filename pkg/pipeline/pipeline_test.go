package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"testing"

	"ecgdigitize/internal/models"
	"ecgdigitize/pkg/config"
	"ecgdigitize/pkg/gate"
	"ecgdigitize/pkg/grid"
	"ecgdigitize/pkg/signal"
)

// stripSpec describes one synthetic ECG photograph. The painter works
// in unrotated strip coordinates, so a rotated spec renders the same
// paper seen through a tilted camera.
type stripSpec struct {
	w, h       int
	fine       int
	boldEvery  int
	phase      int
	rows, cols int

	// amp and period describe the per-cell sine waveform in pixels
	amp    float64
	period float64

	angleDeg float64

	// gridKeep drops grid ink pixels when it returns false; nil keeps all
	gridKeep func(iu, iv int) bool

	// blank cells are drawn without a waveform
	blank map[[2]int]bool
}

func cleanSpec() stripSpec {
	return stripSpec{
		w: 600, h: 300,
		fine: 10, boldEvery: 5, phase: 5,
		rows: 3, cols: 4,
		amp: 15, period: 60,
	}
}

func (s stripSpec) onGrid(iu, iv, step int) bool {
	mu := ((iu-s.phase)%step + step) % step
	mv := ((iv-s.phase)%step + step) % step
	bold := mu <= 1 || mu >= step-1 || mv <= 1 || mv >= step-1
	fine := mu%s.fine == 0 || mv%s.fine == 0
	if !bold && !fine {
		return false
	}
	if s.gridKeep != nil && !s.gridKeep(iu, iv) {
		return false
	}
	return true
}

func (s stripSpec) onTrace(u, v, cellW, cellH float64) bool {
	col := int(math.Floor(u / cellW))
	row := int(math.Floor(v / cellH))
	if col < 0 || col >= s.cols || row < 0 || row >= s.rows {
		return false
	}
	if s.blank[[2]int{row, col}] {
		return false
	}

	const margin = 10
	left := float64(col)*cellW + margin
	right := float64(col+1)*cellW - margin
	if u < left || u > right {
		return false
	}

	centerY := (float64(row) + 0.5) * cellH
	wave := centerY - s.amp*math.Sin(2*math.Pi*(u-left)/s.period)
	return math.Abs(v-wave) <= 1.5
}

func buildStrip(s stripSpec) image.Image {
	paper := color.RGBA{250, 246, 238, 255}
	gridInk := color.RGBA{236, 160, 160, 255}
	traceInk := color.RGBA{40, 40, 40, 255}

	theta := s.angleDeg * math.Pi / 180
	sinT, cosT := math.Sin(theta), math.Cos(theta)
	cx, cy := float64(s.w)/2, float64(s.h)/2
	cellW := float64(s.w) / float64(s.cols)
	cellH := float64(s.h) / float64(s.rows)
	step := s.fine * s.boldEvery

	img := image.NewRGBA(image.Rect(0, 0, s.w, s.h))
	for y := 0; y < s.h; y++ {
		for x := 0; x < s.w; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			u := cx + dx*cosT + dy*sinT
			v := cy - dx*sinT + dy*cosT

			switch {
			case s.onTrace(u, v, cellW, cellH):
				img.Set(x, y, traceInk)
			case s.onGrid(int(math.Round(u)), int(math.Round(v)), step):
				img.Set(x, y, gridInk)
			default:
				img.Set(x, y, paper)
			}
		}
	}
	return img
}

// buildWashed renders a blank over-blurred photograph: featureless
// paper with a gentle brightness ramp and no ink anywhere
func buildWashed(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := uint8(232 + x*14/w)
			img.Set(x, y, color.RGBA{c, c - 4, c - 12, 255})
		}
	}
	return img
}

// keepHash deterministically drops the given percentage of grid pixels
func keepHash(iu, iv int, dropPercent uint32) bool {
	h := uint32(iu*73856093) ^ uint32(iv*19349663)
	h *= 2654435761
	return (h>>8)%100 >= dropPercent
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Output.Verbose = false
	return cfg
}

func seriesStats(values []float64) (mean, std, peak float64) {
	if len(values) == 0 {
		return 0, 0, 0
	}
	for _, v := range values {
		mean += v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	mean /= float64(len(values))
	for _, v := range values {
		std += (v - mean) * (v - mean)
	}
	std = math.Sqrt(std / float64(len(values)))
	return mean, std, peak
}

// TestRunCleanStrip digitizes a crisp, axis-aligned strip and checks
// the waveforms against the drawn sine
func TestRunCleanStrip(t *testing.T) {
	res, err := New(testConfig()).Run(context.Background(), Input{
		Record: "clean_01",
		Image:  buildStrip(cleanSpec()),
	})
	if err != nil {
		t.Fatalf("clean strip failed: %v", err)
	}
	report := res.Report

	if report.Attempts != 1 || report.Tier != "standard" {
		t.Errorf("expected one standard-tier attempt, got %d at %q", report.Attempts, report.Tier)
	}
	if report.Gate.Rejected() {
		t.Error("gate should accept a clean strip")
	}
	if report.Grid.Reconstructed {
		t.Error("a visible grid should not need spectral reconstruction")
	}
	if math.Abs(res.Calibration.PxPerMMX-10) > 0.2 || math.Abs(res.Calibration.PxPerMMY-10) > 0.2 {
		t.Errorf("corrected scale: expected 10 px/mm, got %.3f x %.3f",
			res.Calibration.PxPerMMX, res.Calibration.PxPerMMY)
	}
	if report.Geometry.RMSE > 1.0 {
		t.Errorf("geometry RMSE %.3f px too high for an undistorted strip", report.Geometry.RMSE)
	}
	if len(report.Geometry.Params) == 0 {
		t.Error("report should carry the selected transform's coefficients")
	}
	if report.Geometry.MaxResidual < report.Geometry.RMSE {
		t.Errorf("max residual %.3f below RMSE %.3f", report.Geometry.MaxResidual, report.Geometry.RMSE)
	}

	if len(res.Series) != models.LeadCount {
		t.Fatalf("expected %d series, got %d", models.LeadCount, len(res.Series))
	}
	seen := make(map[models.Lead]bool)
	for _, s := range res.Series {
		seen[s.Lead] = true
	}
	if len(seen) != models.LeadCount {
		t.Errorf("expected %d distinct leads, got %d", models.LeadCount, len(seen))
	}

	// Drawn amplitude is 15 px at 10 px/mm and 10 mm/mV, so 0.15 mV
	const wantStd = 0.15 / math.Sqrt2
	for _, s := range res.Series {
		if s.Missing {
			t.Errorf("lead %s should not be missing", s.Lead)
			continue
		}
		if len(s.Strategies) < 2 {
			t.Errorf("lead %s: %d contributing strategies, want the ensemble", s.Lead, len(s.Strategies))
		}
		if len(s.Values) < 280 {
			t.Errorf("lead %s: expected at least 280 samples, got %d", s.Lead, len(s.Values))
		}
		mean, std, peak := seriesStats(s.Values)
		if math.Abs(mean) > 0.03 {
			t.Errorf("lead %s: baseline offset %.4f mV", s.Lead, mean)
		}
		if std < 0.7*wantStd || std > 1.3*wantStd {
			t.Errorf("lead %s: std %.4f mV, want near %.4f", s.Lead, std, wantStd)
		}
		if peak < 0.11 || peak > 0.19 {
			t.Errorf("lead %s: peak %.4f mV, want near 0.15", s.Lead, peak)
		}
	}

	for _, q := range report.Leads {
		if q.Missing {
			continue
		}
		if q.Coverage < 0.8 {
			t.Errorf("lead %s: coverage %.2f too low", q.Lead, q.Coverage)
		}
		if q.SNRDB < testConfig().Validation.MinSNRDB {
			t.Errorf("lead %s: SNR %.1f dB under the floor", q.Lead, q.SNRDB)
		}
	}

	rows := res.Rows()
	if len(rows) == 0 {
		t.Fatal("projection emitted no rows")
	}
	record, sample, lead, err := signal.ParseRowID(rows[0].ID)
	if err != nil || record != "clean_01" || sample != 0 || lead != models.LeadI {
		t.Errorf("first row ID %q: parsed (%q, %d, %s, %v)", rows[0].ID, record, sample, lead, err)
	}
}

// TestRunRotatedStrip checks that an 8 degree tilt is corrected by the
// geometric calibration with no failing quality checks
func TestRunRotatedStrip(t *testing.T) {
	spec := cleanSpec()
	spec.angleDeg = 8

	res, err := New(testConfig()).Run(context.Background(), Input{
		Record: "rotated_01",
		Image:  buildStrip(spec),
	})
	if err != nil {
		t.Fatalf("rotated strip failed: %v", err)
	}
	report := res.Report

	for _, s := range report.Gate.Scores() {
		if s.Status == gate.Fail {
			t.Errorf("gate %s failed on a rotated strip (value %.4g)", s.Name, s.Value)
		}
	}
	if report.Geometry.Kind != "affine" {
		t.Errorf("a pure rotation should select the affine model, got %s", report.Geometry.Kind)
	}
	if math.Abs(res.Calibration.PxPerMMX-10) > 0.2 {
		t.Errorf("corrected scale %.3f px/mm, want 10 within 2%%", res.Calibration.PxPerMMX)
	}

	for _, s := range res.Series {
		if s.Missing {
			t.Errorf("lead %s missing after rotation correction", s.Lead)
		}
	}
	for _, q := range report.Leads {
		if !q.Missing && q.Coverage < 0.7 {
			t.Errorf("lead %s: coverage %.2f after rectification", q.Lead, q.Coverage)
		}
	}

	// Middle-row leads sit far from the clipped corners
	const wantStd = 0.15 / math.Sqrt2
	for _, s := range res.Series {
		switch s.Lead {
		case models.LeadII, models.LeadAVL, models.LeadV2, models.LeadV5:
		default:
			continue
		}
		mean, std, peak := seriesStats(s.Values)
		if math.Abs(mean) > 0.04 {
			t.Errorf("lead %s: baseline offset %.4f mV", s.Lead, mean)
		}
		if std < 0.6*wantStd || std > 1.4*wantStd {
			t.Errorf("lead %s: std %.4f mV, want near %.4f", s.Lead, std, wantStd)
		}
		if peak < 0.10 || peak > 0.20 {
			t.Errorf("lead %s: peak %.4f mV, want near 0.15", s.Lead, peak)
		}
	}
}

// TestRunOccludedGrid erases 40 percent of the grid ink and expects the
// run to succeed with the scale held and the signal still clean
func TestRunOccludedGrid(t *testing.T) {
	spec := cleanSpec()
	spec.gridKeep = func(iu, iv int) bool { return keepHash(iu, iv, 40) }

	cfg := testConfig()
	res, err := New(cfg).Run(context.Background(), Input{
		Record: "occluded_01",
		Image:  buildStrip(spec),
	})
	if err != nil {
		t.Fatalf("occluded grid failed: %v", err)
	}
	report := res.Report

	if report.Gate.Rejected() {
		t.Error("gate should accept an occluded but sharp strip")
	}
	if math.Abs(res.Calibration.PxPerMMX-10) > 0.2 || math.Abs(res.Calibration.PxPerMMY-10) > 0.2 {
		t.Errorf("corrected scale under occlusion: %.3f x %.3f px/mm",
			res.Calibration.PxPerMMX, res.Calibration.PxPerMMY)
	}

	const wantStd = 0.15 / math.Sqrt2
	for i, q := range report.Leads {
		if q.Missing {
			t.Errorf("lead %s missing on an occluded-grid strip", q.Lead)
			continue
		}
		if q.SNRDB < cfg.Validation.MinSNRDB {
			t.Errorf("lead %s: SNR %.1f dB under the %.1f dB floor", q.Lead, q.SNRDB, cfg.Validation.MinSNRDB)
		}
		_, std, _ := seriesStats(res.Series[i].Values)
		if std < 0.6*wantStd || std > 1.4*wantStd {
			t.Errorf("lead %s: std %.4f mV, want near %.4f", q.Lead, std, wantStd)
		}
	}
}

// TestRunRejectsBlurredBlank feeds a featureless image and expects a
// gate rejection with a full report and no downstream stages
func TestRunRejectsBlurredBlank(t *testing.T) {
	res, err := New(testConfig()).Run(context.Background(), Input{
		Record: "blank_01",
		Image:  buildWashed(600, 300),
	})
	if err == nil {
		t.Fatal("a blank image must be rejected")
	}
	if KindOf(err) != KindInputRejected {
		t.Errorf("expected input rejection, got %s", KindOf(err))
	}

	report := res.Report
	if report == nil {
		t.Fatal("report must be present on rejection")
	}
	if report.Failure == "" {
		t.Error("report should record the failure")
	}
	if report.Gate.Sharpness.Status != gate.Fail {
		t.Errorf("sharpness should fail on a blank image, got %s", report.Gate.Sharpness.Status)
	}
	if len(report.Stages) != 1 || report.Stages[0].Name != "gate" || report.Stages[0].Status != "fail" {
		t.Errorf("expected only a failed gate stage, got %+v", report.Stages)
	}
	if report.Attempts != 0 {
		t.Errorf("no processing attempt should run, got %d", report.Attempts)
	}
	if res.Series != nil {
		t.Error("no series should be emitted for a rejected input")
	}
}

// TestRunTimeout cancels the context up front and expects a classified
// timeout before any processing tier runs
func TestRunTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := New(testConfig()).Run(ctx, Input{
		Record: "late_01",
		Image:  buildStrip(cleanSpec()),
	})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if KindOf(err) != KindTimeout {
		t.Errorf("expected timeout classification, got %s", KindOf(err))
	}
	if res.Report.Failure == "" {
		t.Error("report should record the timeout")
	}
}

// TestControllerLadder walks the escalation tiers to exhaustion
func TestControllerLadder(t *testing.T) {
	c := newController(3)
	if got := c.begin(); got != tierStandard {
		t.Fatalf("first attempt: expected standard, got %s", got)
	}
	if !c.escalate() {
		t.Fatal("standard should escalate to aggressive")
	}
	if got := c.begin(); got != tierAggressive {
		t.Fatalf("second attempt: expected aggressive, got %s", got)
	}
	if !c.escalate() {
		t.Fatal("aggressive should escalate to spectral")
	}
	if got := c.begin(); got != tierSpectral {
		t.Fatalf("third attempt: expected spectral, got %s", got)
	}
	if c.escalate() {
		t.Error("spectral is the last tier")
	}
	if c.current != tierExhausted {
		t.Errorf("ladder should end exhausted, got %s", c.current)
	}
	if c.attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", c.attempts)
	}

	single := newController(1)
	single.begin()
	if single.escalate() {
		t.Error("a one-tier ladder cannot escalate")
	}

	if newController(0).maxTiers != 1 {
		t.Error("tier count should clamp up to 1")
	}
	if newController(9).maxTiers != 3 {
		t.Error("tier count should clamp down to 3")
	}
}

// TestErrorClassification checks kind extraction through wrapped chains
func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")
	err := failure(KindGridUnresolved, "grid", base)

	if KindOf(err) != KindGridUnresolved {
		t.Errorf("direct: got %s", KindOf(err))
	}
	wrapped := fmt.Errorf("record x: %w", err)
	if KindOf(wrapped) != KindGridUnresolved {
		t.Errorf("wrapped: got %s", KindOf(wrapped))
	}
	if !errors.Is(wrapped, base) {
		t.Error("cause should survive the chain")
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("unclassified errors should map to unknown")
	}

	msg := err.Error()
	if msg != "grid: grid unresolved: boom" {
		t.Errorf("unexpected message %q", msg)
	}
	if failuref(KindTimeout, "extract", "after %d ms", 250).Error() != "extract: timeout: after 250 ms" {
		t.Error("failuref formatting broke")
	}
}

// TestLeadSNRSeparates checks the estimator on clean, noisy, and flat input
func TestLeadSNRSeparates(t *testing.T) {
	n := 500
	clean := make([]float64, n)
	noisy := make([]float64, n)
	for i := 0; i < n; i++ {
		s := math.Sin(2 * math.Pi * float64(i) / 50)
		clean[i] = s
		if i%2 == 0 {
			noisy[i] = s + 0.5
		} else {
			noisy[i] = s - 0.5
		}
	}

	if db := leadSNR(clean); db < 30 {
		t.Errorf("clean sine: expected >= 30 dB, got %.1f", db)
	}
	if db := leadSNR(noisy); db > 5 {
		t.Errorf("alternating noise: expected <= 5 dB, got %.1f", db)
	}
	if db := leadSNR(make([]float64, n)); db != 0 {
		t.Errorf("flat series: expected 0 dB, got %.1f", db)
	}
	if db := leadSNR([]float64{1, 2}); db != 0 {
		t.Errorf("short series: expected 0 dB, got %.1f", db)
	}
}

// TestValidateRun exercises each limit and the failure classification
func TestValidateRun(t *testing.T) {
	p := New(testConfig())

	goodSeries := func(lead models.Lead) signal.Series {
		return signal.Series{Lead: lead, Values: []float64{0.1, -0.2, 0.3}}
	}
	goodQuality := func(lead models.Lead) LeadQuality {
		return LeadQuality{Lead: lead, Coverage: 0.95, SNRDB: 40}
	}

	leads := models.StandardLeads()
	series := make([]signal.Series, len(leads))
	quals := make([]LeadQuality, len(leads))
	reset := func() {
		for i, l := range leads {
			series[i] = goodSeries(l)
			quals[i] = goodQuality(l)
		}
	}

	reset()
	if issues := p.validateRun(series, quals); len(issues) != 0 {
		t.Fatalf("clean run should validate, got %v", issues)
	}

	reset()
	for i := 0; i < 7; i++ {
		quals[i].Missing = true
	}
	issues := p.validateRun(series, quals)
	if len(issues) == 0 || dominantKind(issues) != KindLeadMissing {
		t.Errorf("7 missing leads should classify as lead missing, got %v", issues)
	}

	reset()
	series[2].Values = []float64{0.1, -7.5}
	issues = p.validateRun(series, quals)
	if len(issues) != 1 || issues[0].kind != KindValidationFailed {
		t.Errorf("over-amplitude lead should fail validation, got %v", issues)
	}

	reset()
	quals[4].SNRDB = 2
	if issues = p.validateRun(series, quals); len(issues) != 1 {
		t.Errorf("low SNR lead should fail validation, got %v", issues)
	}

	reset()
	quals[1].Discontinuities = 12
	issues = p.validateRun(series, quals)
	if len(issues) != 1 || dominantKind(issues) != KindExtractionDiscontinuity {
		t.Errorf("torn lead should classify as discontinuity, got %v", issues)
	}

	// Structural causes outrank limit violations
	reset()
	quals[1].Discontinuities = 12
	for i := 0; i < 7; i++ {
		quals[i].Missing = true
	}
	if got := dominantKind(p.validateRun(series, quals)); got != KindLeadMissing {
		t.Errorf("missing leads should dominate, got %s", got)
	}
}

// TestAxisFamilyLayout checks the rectified-space lattice construction
func TestAxisFamilyLayout(t *testing.T) {
	f := axisFamily(grid.Vertical, 5, 50, 600)
	if len(f.Lines) != 12 {
		t.Fatalf("expected 12 lines across 600 px, got %d", len(f.Lines))
	}
	if f.Lines[0].Offset != 5 || f.Lines[11].Offset != 555 {
		t.Errorf("line span [%.1f, %.1f], want [5, 555]", f.Lines[0].Offset, f.Lines[11].Offset)
	}
	for i, l := range f.Lines {
		if l.Rank != i {
			t.Errorf("line %d: rank %d", i, l.Rank)
		}
		if l.Slope != 0 {
			t.Errorf("rectified lines must be axis aligned, got slope %f", l.Slope)
		}
	}

	// A negative origin folds onto the same on-canvas lattice
	neg := axisFamily(grid.Vertical, -45, 50, 600)
	if len(neg.Lines) != 12 || neg.Lines[0].Offset != 5 {
		t.Errorf("negative origin: got %d lines starting %.1f", len(neg.Lines), neg.Lines[0].Offset)
	}

	if empty := axisFamily(grid.Horizontal, 0, 0, 300); len(empty.Lines) != 0 {
		t.Error("zero step should produce no lines")
	}
}

// TestCorrectedModelScale checks that rectified scale comes straight
// from the anchor spacing
func TestCorrectedModelScale(t *testing.T) {
	m := &grid.Model{
		AnchorSpacingX: 50,
		AnchorSpacingY: 49,
		AnchorUnitMM:   5,
		RatioOK:        true,
		Regular:        true,
	}
	out := correctedModel(m, grid.Point{X: 5, Y: 7}, 600, 300)

	if out.PxPerMMX != 10 {
		t.Errorf("PxPerMMX = %f, want 10", out.PxPerMMX)
	}
	if math.Abs(out.PxPerMMY-9.8) > 1e-12 {
		t.Errorf("PxPerMMY = %f, want 9.8", out.PxPerMMY)
	}
	if len(out.BoldV.Lines) == 0 || len(out.BoldH.Lines) == 0 {
		t.Fatal("bold families must be populated for partition snapping")
	}
	if out.BoldV.Lines[0].Offset != 5 {
		t.Errorf("first vertical at %.1f, want the anchor x", out.BoldV.Lines[0].Offset)
	}
	if out.BoldH.Lines[0].Offset != 7 {
		t.Errorf("first horizontal at %.1f, want the anchor y", out.BoldH.Lines[0].Offset)
	}
}
