// Package mask applies soft spherical masks and measures the background
// outside them.
package mask

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"cryorefine/internal/models"
)

// EdgeWidthRL is the default width in pixels of the cosine mask edge.
const EdgeWidthRL = 6

// Factor is the mask value at distance r from the centre for a sphere of
// the given radius with a raised-cosine edge of width ew.
func Factor(r, radius, ew float64) float64 {
	switch {
	case r < radius:
		return 1
	case r < radius+ew:
		return 0.5 * (1 + math.Cos(math.Pi*(r-radius)/ew))
	default:
		return 0
	}
}

// SoftMaskVolume blends vol towards bg outside a soft sphere.
func SoftMaskVolume(vol *models.Volume, radius, ew, bg float64) {
	h := vol.Size / 2
	for z := -h; z < h; z++ {
		for y := -h; y < h; y++ {
			for x := -h; x < h; x++ {
				r := math.Sqrt(float64(x*x + y*y + z*z))
				w := Factor(r, radius, ew)
				vol.SetRL(x, y, z, bg+(vol.GetRL(x, y, z)-bg)*w)
			}
		}
	}
}

// SoftMaskImage blends img towards bg outside a soft disc.
func SoftMaskImage(img *models.Image, radius, ew, bg float64) {
	h := img.Size / 2
	for y := -h; y < h; y++ {
		for x := -h; x < h; x++ {
			r := math.Hypot(float64(x), float64(y))
			w := Factor(r, radius, ew)
			img.SetRL(x, y, bg+(img.GetRL(x, y)-bg)*w)
		}
	}
}

// BackgroundVolume returns the mean density outside radius+ew.
func BackgroundVolume(vol *models.Volume, radius, ew float64) float64 {
	var vals []float64
	h := vol.Size / 2
	for z := -h; z < h; z++ {
		for y := -h; y < h; y++ {
			for x := -h; x < h; x++ {
				if math.Sqrt(float64(x*x+y*y+z*z)) >= radius+ew {
					vals = append(vals, vol.GetRL(x, y, z))
				}
			}
		}
	}
	if len(vals) == 0 {
		return 0
	}
	return stat.Mean(vals, nil)
}

// BackgroundImage returns the mean and standard deviation of the pixels
// outside radius.
func BackgroundImage(img *models.Image, radius float64) (mean, std float64) {
	var vals []float64
	h := img.Size / 2
	for y := -h; y < h; y++ {
		for x := -h; x < h; x++ {
			if math.Hypot(float64(x), float64(y)) >= radius {
				vals = append(vals, img.GetRL(x, y))
			}
		}
	}
	if len(vals) < 2 {
		return 0, 1
	}
	mean, std = stat.MeanStdDev(vals, nil)
	return mean, std
}

// Sphere fills vol with a soft-edged sphere of unit density.
func Sphere(vol *models.Volume, radius, ew float64) {
	h := vol.Size / 2
	for z := -h; z < h; z++ {
		for y := -h; y < h; y++ {
			for x := -h; x < h; x++ {
				vol.SetRL(x, y, z, Factor(math.Sqrt(float64(x*x+y*y+z*z)), radius, ew))
			}
		}
	}
}

// Disc fills img with a soft-edged disc of unit density.
func Disc(img *models.Image, radius, ew float64) {
	h := img.Size / 2
	for y := -h; y < h; y++ {
		for x := -h; x < h; x++ {
			img.SetRL(x, y, Factor(math.Hypot(float64(x), float64(y)), radius, ew))
		}
	}
}
