package pipeline

import (
	"ecgdigitize/pkg/grid"
	"ecgdigitize/pkg/normalize"
	"ecgdigitize/pkg/trace"
)

// tier is one escalation level of the adaptive controller
type tier int

const (
	tierStandard tier = iota
	tierAggressive
	tierSpectral
	tierExhausted
)

// String returns the tier name used in reports and logs
func (t tier) String() string {
	switch t {
	case tierStandard:
		return "standard"
	case tierAggressive:
		return "aggressive"
	case tierSpectral:
		return "spectral"
	default:
		return "exhausted"
	}
}

// controller walks the escalation ladder. A failed attempt moves one
// tier up and re-enters the pipeline at normalization with harsher
// settings; the ladder height is fixed by configuration.
type controller struct {
	current  tier
	maxTiers int
	attempts int
}

func newController(maxTiers int) *controller {
	if maxTiers < 1 {
		maxTiers = 1
	}
	if maxTiers > 3 {
		maxTiers = 3
	}
	return &controller{current: tierStandard, maxTiers: maxTiers}
}

// begin records the start of one attempt and returns its tier
func (c *controller) begin() tier {
	c.attempts++
	return c.current
}

// escalate advances the ladder; false means it is exhausted
func (c *controller) escalate() bool {
	next := c.current + 1
	if int(next) >= c.maxTiers {
		c.current = tierExhausted
		return false
	}
	c.current = next
	return true
}

// settingsFor derives the stage parameters for one tier from the
// configured baselines. Higher tiers flatten harder, accept fainter
// ink, and finally bypass line voting for spectral reconstruction.
func (p *Pipeline) settingsFor(t tier) (normalize.Settings, grid.Params, trace.Params) {
	norm := normalize.DefaultSettings()

	gridP := grid.Params{
		FineMM:           p.cfg.Assumptions.FineGridMM,
		BoldMM:           p.cfg.Assumptions.BoldGridMM,
		MinLines:         p.cfg.Grid.MinLines,
		MaxSkewDeg:       p.cfg.Grid.MaxSkewDegrees,
		SpacingTolerance: p.cfg.Grid.SpacingTolerance,
		RatioTolerance:   p.cfg.Grid.RatioTolerance,
		FinePeakFloor:    p.cfg.Grid.FinePeakFloor,
		BoldPeakFloor:    p.cfg.Grid.BoldPeakFloor,
	}

	traceP := trace.DefaultParams()
	traceP.DisagreePx = p.cfg.Extraction.DisagreePx
	traceP.MaxGapPx = p.cfg.Extraction.MaxGapPx
	traceP.Stiffness = p.cfg.Extraction.PathStiffness

	switch t {
	case tierAggressive:
		norm.EqualizeTiles = 8
		norm.CloseTrace = true
		norm.ChromaFloor *= 0.7
		traceP.MinInk *= 0.6
	case tierSpectral:
		norm.EqualizeTiles = 8
		norm.CloseTrace = true
		norm.ChromaFloor *= 0.7
		traceP.MinInk *= 0.6
		gridP.ForceSpectral = true
	}

	return norm, gridP, traceP
}
