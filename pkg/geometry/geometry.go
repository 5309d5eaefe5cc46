// Package geometry corrects lens and perspective distortion by fitting
// candidate transforms to grid intersections and warping the strip
// planes into an ideal frame. Transforms map corrected coordinates to
// source coordinates so warping is a direct inverse lookup.
package geometry

import "math"

// Transform maps a corrected-frame point to its source-image position
type Transform interface {
	// Kind names the transform model
	Kind() string

	// Apply maps corrected coordinates to source coordinates
	Apply(x, y float64) (float64, float64)

	// Params returns the fitted coefficients; their count orders model
	// complexity for tie-breaking
	Params() []float64
}

// Affine is the six-parameter linear model
type Affine struct {
	A [6]float64
}

func (t *Affine) Kind() string { return "affine" }

func (t *Affine) Apply(x, y float64) (float64, float64) {
	return t.A[0] + t.A[1]*x + t.A[2]*y,
		t.A[3] + t.A[4]*x + t.A[5]*y
}

func (t *Affine) Params() []float64 {
	return append([]float64(nil), t.A[:]...)
}

// Perspective is the eight-parameter projective model
type Perspective struct {
	A [8]float64
}

func (t *Perspective) Kind() string { return "perspective" }

func (t *Perspective) Apply(x, y float64) (float64, float64) {
	d := 1 + t.A[6]*x + t.A[7]*y
	if math.Abs(d) < 1e-12 {
		d = 1e-12
	}
	return (t.A[0] + t.A[1]*x + t.A[2]*y) / d,
		(t.A[3] + t.A[4]*x + t.A[5]*y) / d
}

func (t *Perspective) Params() []float64 {
	return append([]float64(nil), t.A[:]...)
}

// Radial composes an affine model with two-term radial distortion
// about a fixed center. CX, CY and Scale are frame constants, not
// fitted parameters.
type Radial struct {
	Affine Affine
	CX, CY float64
	Scale  float64
	K1, K2 float64
}

func (t *Radial) Kind() string { return "radial" }

func (t *Radial) Apply(x, y float64) (float64, float64) {
	dx, dy := x-t.CX, y-t.CY
	r2 := (dx*dx + dy*dy) / (t.Scale * t.Scale)
	f := 1 + t.K1*r2 + t.K2*r2*r2
	return t.Affine.Apply(t.CX+dx*f, t.CY+dy*f)
}

func (t *Radial) Params() []float64 {
	out := append([]float64(nil), t.Affine.A[:]...)
	return append(out, t.K1, t.K2)
}

// Polynomial is a full second-order model in normalized coordinates
type Polynomial struct {
	BX, BY [6]float64

	// OX, OY, SX, SY normalize raw coordinates for conditioning
	OX, OY float64
	SX, SY float64
}

func (t *Polynomial) Kind() string { return "polynomial" }

func (t *Polynomial) Apply(x, y float64) (float64, float64) {
	u := (x - t.OX) / t.SX
	v := (y - t.OY) / t.SY
	return poly2(t.BX, u, v), poly2(t.BY, u, v)
}

func (t *Polynomial) Params() []float64 {
	out := append([]float64(nil), t.BX[:]...)
	return append(out, t.BY[:]...)
}

func poly2(b [6]float64, u, v float64) float64 {
	return b[0] + b[1]*u + b[2]*v + b[3]*u*u + b[4]*u*v + b[5]*v*v
}

// complexity orders candidate models for the simplicity tie-break
func complexity(t Transform) int {
	return len(t.Params())
}
