package models

import (
	"fmt"
)

// Lead identifies one of the twelve standard ECG leads
type Lead int

const (
	LeadI Lead = iota
	LeadII
	LeadIII
	LeadAVR
	LeadAVL
	LeadAVF
	LeadV1
	LeadV2
	LeadV3
	LeadV4
	LeadV5
	LeadV6
)

// LeadCount is the number of leads on a standard 12-lead strip
const LeadCount = 12

// leadNames maps leads to their conventional printed labels
var leadNames = [LeadCount]string{
	"I", "II", "III",
	"aVR", "aVL", "aVF",
	"V1", "V2", "V3", "V4", "V5", "V6",
}

// String returns the conventional printed label for the lead
func (l Lead) String() string {
	if l < 0 || int(l) >= LeadCount {
		return fmt.Sprintf("Lead(%d)", int(l))
	}
	return leadNames[l]
}

// ParseLead maps a printed lead label back to its Lead value
func ParseLead(name string) (Lead, error) {
	for i, n := range leadNames {
		if n == name {
			return Lead(i), nil
		}
	}
	return 0, fmt.Errorf("unknown lead name %q", name)
}

// StandardLeads returns all twelve leads in conventional reporting order
func StandardLeads() []Lead {
	leads := make([]Lead, LeadCount)
	for i := range leads {
		leads[i] = Lead(i)
	}
	return leads
}

// Layout describes how the twelve leads are arranged on the printed page.
// Cells[row][col] names the lead drawn in that cell.
type Layout struct {
	Rows  int
	Cols  int
	Cells [][]Lead
}

// StandardLayout returns the printed arrangement for the given shape.
// The common 3x4 layout places the limb leads in the first column and
// the chest leads across the remaining three; the tall 6x2 layout
// stacks limb leads over one column and chest leads over the other.
func StandardLayout(rows, cols int) (Layout, error) {
	switch {
	case rows == 3 && cols == 4:
		return Layout{
			Rows: 3,
			Cols: 4,
			Cells: [][]Lead{
				{LeadI, LeadAVR, LeadV1, LeadV4},
				{LeadII, LeadAVL, LeadV2, LeadV5},
				{LeadIII, LeadAVF, LeadV3, LeadV6},
			},
		}, nil
	case rows == 6 && cols == 2:
		return Layout{
			Rows: 6,
			Cols: 2,
			Cells: [][]Lead{
				{LeadI, LeadV1},
				{LeadII, LeadV2},
				{LeadIII, LeadV3},
				{LeadAVR, LeadV4},
				{LeadAVL, LeadV5},
				{LeadAVF, LeadV6},
			},
		}, nil
	default:
		return Layout{}, fmt.Errorf("unsupported lead layout %dx%d", rows, cols)
	}
}

// Position returns the row and column of the lead within the layout
func (ly Layout) Position(l Lead) (row, col int, ok bool) {
	for r := 0; r < ly.Rows; r++ {
		for c := 0; c < ly.Cols; c++ {
			if ly.Cells[r][c] == l {
				return r, c, true
			}
		}
	}
	return 0, 0, false
}
