package geometry

import "ecgdigitize/pkg/raster"

// Warp resamples src into a corrected frame of the given size. The
// transform maps corrected coordinates back to source coordinates, so
// every output pixel is a single bilinear lookup. Pixels that map
// outside the source come back as background.
func Warp(src *raster.Gray, t Transform, w, h int) *raster.Gray {
	out := raster.NewGray(w, h)
	for y := 0; y < h; y++ {
		fy := float64(y)
		row := y * w
		for x := 0; x < w; x++ {
			sx, sy := t.Apply(float64(x), fy)
			out.Pix[row+x] = src.Bilinear(sx, sy)
		}
	}
	return out
}
