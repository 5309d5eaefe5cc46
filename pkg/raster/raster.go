// Package raster provides the float64 grayscale plane shared by every
// pipeline stage. Planes hold values in [0,1], stored row-major, and are
// produced fresh by each stage rather than mutated in place.
package raster

import (
	"image"
	"image/color"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Gray is a grayscale plane with float64 samples in [0,1]
type Gray struct {
	// W, H are the plane dimensions in pixels
	W, H int

	// Pix holds the samples in row-major order, length W*H
	Pix []float64
}

// NewGray creates a zero-filled plane of the given size
func NewGray(w, h int) *Gray {
	return &Gray{W: w, H: h, Pix: make([]float64, w*h)}
}

// FromImage converts any image to a luminance plane using BT.601
// weights, normalizing 16-bit channel values to [0,1]
func FromImage(img image.Image) *Gray {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	g := NewGray(w, h)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, gr, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			luma := 0.299*float64(r) + 0.587*float64(gr) + 0.114*float64(b)
			g.Pix[y*w+x] = luma / 65535.0
		}
	}

	return g
}

// At returns the sample at (x, y), or 0 outside the plane
func (g *Gray) At(x, y int) float64 {
	if x < 0 || y < 0 || x >= g.W || y >= g.H {
		return 0
	}
	return g.Pix[y*g.W+x]
}

// Set stores a sample at (x, y); writes outside the plane are dropped
func (g *Gray) Set(x, y int, v float64) {
	if x < 0 || y < 0 || x >= g.W || y >= g.H {
		return
	}
	g.Pix[y*g.W+x] = v
}

// Bounds returns the plane extent as an image rectangle
func (g *Gray) Bounds() image.Rectangle {
	return image.Rect(0, 0, g.W, g.H)
}

// Clone returns a deep copy of the plane
func (g *Gray) Clone() *Gray {
	out := NewGray(g.W, g.H)
	copy(out.Pix, g.Pix)
	return out
}

// SubRect copies the part of the plane inside r, clipped to the plane
func (g *Gray) SubRect(r image.Rectangle) *Gray {
	r = r.Intersect(g.Bounds())
	out := NewGray(r.Dx(), r.Dy())
	for y := 0; y < out.H; y++ {
		srcRow := (r.Min.Y + y) * g.W
		copy(out.Pix[y*out.W:(y+1)*out.W], g.Pix[srcRow+r.Min.X:srcRow+r.Max.X])
	}
	return out
}

// Bilinear samples the plane at a fractional position. Coordinates
// outside the plane contribute 0, so edge samples fade rather than wrap.
func (g *Gray) Bilinear(x, y float64) float64 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := x - float64(x0)
	fy := y - float64(y0)

	v00 := g.At(x0, y0)
	v10 := g.At(x0+1, y0)
	v01 := g.At(x0, y0+1)
	v11 := g.At(x0+1, y0+1)

	top := v00*(1-fx) + v10*fx
	bottom := v01*(1-fx) + v11*fx
	return top*(1-fy) + bottom*fy
}

// MeanStdDev returns the mean and standard deviation of the samples
func (g *Gray) MeanStdDev() (mean, std float64) {
	return stat.MeanStdDev(g.Pix, nil)
}

// ToImage converts the plane to an 8-bit grayscale image, clamping
// samples to [0,1]
func (g *Gray) ToImage() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, g.W, g.H))
	for y := 0; y < g.H; y++ {
		for x := 0; x < g.W; x++ {
			v := g.Pix[y*g.W+x]
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			img.SetGray(x, y, color.Gray{Y: uint8(v*255 + 0.5)})
		}
	}
	return img
}
