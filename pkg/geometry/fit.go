package geometry

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"ecgdigitize/pkg/grid"
)

// Correspondence pairs an ideal lattice point with its observed
// source-image position
type Correspondence struct {
	Ideal  grid.Point
	Source grid.Point
}

// LatticeAnchor returns the origin of the ideal lattice implied by the
// grid intersections. Each crossing votes for an origin by backing its
// rank out of its observed position; the median vote resists a few
// distorted crossings dragging the whole lattice.
func LatticeAnchor(m *grid.Model) grid.Point {
	if len(m.Intersections) == 0 {
		return grid.Point{}
	}
	ox := make([]float64, len(m.Intersections))
	oy := make([]float64, len(m.Intersections))
	for i, p := range m.Intersections {
		ox[i] = p.At.X - float64(p.Col)*m.AnchorSpacingX
		oy[i] = p.At.Y - float64(p.Row)*m.AnchorSpacingY
	}
	return grid.Point{X: medianOf(ox), Y: medianOf(oy)}
}

// Correspondences builds ideal to source pairs from grid intersections.
// The ideal lattice is anchored near the observed crossings and steps
// by the model's anchor spacing, so correction preserves the detected
// scale instead of inventing a new one.
func Correspondences(m *grid.Model) []Correspondence {
	if len(m.Intersections) == 0 {
		return nil
	}

	anchor := LatticeAnchor(m)
	anchorX, anchorY := anchor.X, anchor.Y

	out := make([]Correspondence, len(m.Intersections))
	for i, p := range m.Intersections {
		out[i] = Correspondence{
			Ideal: grid.Point{
				X: anchorX + float64(p.Col)*m.AnchorSpacingX,
				Y: anchorY + float64(p.Row)*m.AnchorSpacingY,
			},
			Source: p.At,
		}
	}
	return out
}

func fitAffine(corrs []Correspondence) (Transform, error) {
	if len(corrs) < 3 {
		return nil, fmt.Errorf("affine needs 3 points, have %d", len(corrs))
	}
	n := len(corrs)
	design := mat.NewDense(n, 3, nil)
	bx := mat.NewVecDense(n, nil)
	by := mat.NewVecDense(n, nil)
	for i, c := range corrs {
		design.SetRow(i, []float64{1, c.Ideal.X, c.Ideal.Y})
		bx.SetVec(i, c.Source.X)
		by.SetVec(i, c.Source.Y)
	}

	var sx, sy mat.VecDense
	if err := sx.SolveVec(design, bx); err != nil {
		return nil, fmt.Errorf("affine x solve: %w", err)
	}
	if err := sy.SolveVec(design, by); err != nil {
		return nil, fmt.Errorf("affine y solve: %w", err)
	}

	return &Affine{A: [6]float64{
		sx.AtVec(0), sx.AtVec(1), sx.AtVec(2),
		sy.AtVec(0), sy.AtVec(1), sy.AtVec(2),
	}}, nil
}

func fitPerspective(corrs []Correspondence) (Transform, error) {
	if len(corrs) < 4 {
		return nil, fmt.Errorf("perspective needs 4 points, have %d", len(corrs))
	}
	n := len(corrs)

	// Linearized projective constraint: two rows per correspondence in
	// the eight unknowns [a0..a5, c0, c1]
	design := mat.NewDense(2*n, 8, nil)
	rhs := mat.NewVecDense(2*n, nil)
	for i, c := range corrs {
		x, y := c.Ideal.X, c.Ideal.Y
		sx, sy := c.Source.X, c.Source.Y
		design.SetRow(2*i, []float64{1, x, y, 0, 0, 0, -x * sx, -y * sx})
		rhs.SetVec(2*i, sx)
		design.SetRow(2*i+1, []float64{0, 0, 0, 1, x, y, -x * sy, -y * sy})
		rhs.SetVec(2*i+1, sy)
	}

	var sol mat.VecDense
	if err := sol.SolveVec(design, rhs); err != nil {
		return nil, fmt.Errorf("perspective solve: %w", err)
	}

	var t Perspective
	for i := 0; i < 8; i++ {
		t.A[i] = sol.AtVec(i)
	}
	return &t, nil
}

func fitRadial(corrs []Correspondence) (Transform, error) {
	if len(corrs) < 5 {
		return nil, fmt.Errorf("radial needs 5 points, have %d", len(corrs))
	}

	base, err := fitAffine(corrs)
	if err != nil {
		return nil, err
	}
	affine := base.(*Affine)

	var cx, cy, maxR float64
	for _, c := range corrs {
		cx += c.Ideal.X
		cy += c.Ideal.Y
	}
	cx /= float64(len(corrs))
	cy /= float64(len(corrs))
	for _, c := range corrs {
		if r := math.Hypot(c.Ideal.X-cx, c.Ideal.Y-cy); r > maxR {
			maxR = r
		}
	}
	if maxR < 1 {
		maxR = 1
	}

	// The distortion terms stay linear because the affine part is fixed:
	// residual = k1*r2*v + k2*r2^2*v with v the linear image of the
	// center offset
	n := len(corrs)
	design := mat.NewDense(2*n, 2, nil)
	rhs := mat.NewVecDense(2*n, nil)
	for i, c := range corrs {
		dx, dy := c.Ideal.X-cx, c.Ideal.Y-cy
		r2 := (dx*dx + dy*dy) / (maxR * maxR)
		vx := affine.A[1]*dx + affine.A[2]*dy
		vy := affine.A[4]*dx + affine.A[5]*dy
		px, py := affine.Apply(c.Ideal.X, c.Ideal.Y)
		design.SetRow(2*i, []float64{r2 * vx, r2 * r2 * vx})
		rhs.SetVec(2*i, c.Source.X-px)
		design.SetRow(2*i+1, []float64{r2 * vy, r2 * r2 * vy})
		rhs.SetVec(2*i+1, c.Source.Y-py)
	}

	var sol mat.VecDense
	if err := sol.SolveVec(design, rhs); err != nil {
		return nil, fmt.Errorf("radial solve: %w", err)
	}

	return &Radial{
		Affine: *affine,
		CX:     cx,
		CY:     cy,
		Scale:  maxR,
		K1:     sol.AtVec(0),
		K2:     sol.AtVec(1),
	}, nil
}

func fitPolynomial(corrs []Correspondence) (Transform, error) {
	if len(corrs) < 6 {
		return nil, fmt.Errorf("polynomial needs 6 points, have %d", len(corrs))
	}

	minX, maxX := corrs[0].Ideal.X, corrs[0].Ideal.X
	minY, maxY := corrs[0].Ideal.Y, corrs[0].Ideal.Y
	for _, c := range corrs {
		minX = math.Min(minX, c.Ideal.X)
		maxX = math.Max(maxX, c.Ideal.X)
		minY = math.Min(minY, c.Ideal.Y)
		maxY = math.Max(maxY, c.Ideal.Y)
	}
	t := Polynomial{
		OX: (minX + maxX) / 2, SX: math.Max((maxX-minX)/2, 1),
		OY: (minY + maxY) / 2, SY: math.Max((maxY-minY)/2, 1),
	}

	n := len(corrs)
	design := mat.NewDense(n, 6, nil)
	bx := mat.NewVecDense(n, nil)
	by := mat.NewVecDense(n, nil)
	for i, c := range corrs {
		u := (c.Ideal.X - t.OX) / t.SX
		v := (c.Ideal.Y - t.OY) / t.SY
		design.SetRow(i, []float64{1, u, v, u * u, u * v, v * v})
		bx.SetVec(i, c.Source.X)
		by.SetVec(i, c.Source.Y)
	}

	var sx, sy mat.VecDense
	if err := sx.SolveVec(design, bx); err != nil {
		return nil, fmt.Errorf("polynomial x solve: %w", err)
	}
	if err := sy.SolveVec(design, by); err != nil {
		return nil, fmt.Errorf("polynomial y solve: %w", err)
	}
	for i := 0; i < 6; i++ {
		t.BX[i] = sx.AtVec(i)
		t.BY[i] = sy.AtVec(i)
	}
	return &t, nil
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
