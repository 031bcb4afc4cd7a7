// Package visualization renders references and diagnostic images.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/bmp"
	"gonum.org/v1/gonum/floats"

	"cryorefine/internal/models"
)

// Viewer extracts sections from a reference volume
type Viewer struct {
	// vol holds the real-space reference
	vol *models.Volume
}

// NewViewer creates a viewer over a real-space volume
func NewViewer(vol *models.Volume) *Viewer {
	return &Viewer{vol: vol}
}

// ExtractSlice extracts the section at centred coordinate position
// perpendicular to the given axis, contrast-stretched to 8 bits
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	n := v.vol.Size
	h := n / 2
	if position < -h || position >= h {
		return nil, fmt.Errorf("position %d outside [%d, %d)", position, -h, h)
	}

	values := make([]float64, n*n)
	switch axis {
	case "x", "X":
		// section along the YZ plane
		for z := -h; z < h; z++ {
			for y := -h; y < h; y++ {
				values[(y+h)*n+(z+h)] = v.vol.GetRL(position, y, z)
			}
		}
	case "y", "Y":
		// section along the XZ plane
		for z := -h; z < h; z++ {
			for x := -h; x < h; x++ {
				values[(z+h)*n+(x+h)] = v.vol.GetRL(x, position, z)
			}
		}
	case "z", "Z":
		// section along the XY plane
		for y := -h; y < h; y++ {
			for x := -h; x < h; x++ {
				values[(y+h)*n+(x+h)] = v.vol.GetRL(x, y, position)
			}
		}
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return toGray(values, n), nil
}

// ExtractRegion extracts a cubic subregion of edge size centred at the
// given coordinate
func (v *Viewer) ExtractRegion(cx, cy, cz, size int) ([]float64, error) {
	if size <= 0 {
		return nil, fmt.Errorf("size must be positive")
	}
	h := v.vol.Size / 2
	lo := -size / 2
	for _, c := range []int{cx, cy, cz} {
		if c+lo < -h || c+lo+size > h {
			return nil, fmt.Errorf("region extends beyond volume boundaries")
		}
	}

	region := make([]float64, size*size*size)
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				region[(z*size+y)*size+x] = v.vol.GetRL(cx+lo+x, cy+lo+y, cz+lo+z)
			}
		}
	}
	return region, nil
}

// SaveCentralSections writes the three central sections as BMP images
func (v *Viewer) SaveCentralSections(outputDir, prefix string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	for _, axis := range []string{"x", "y", "z"} {
		img, err := v.ExtractSlice(axis, 0)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.bmp", prefix, axis))
		if err := SaveBMP(img, filename); err != nil {
			return err
		}
	}
	return nil
}

// ImageGray renders the real space of a 2D image, contrast-stretched
func ImageGray(img *models.Image) image.Image {
	return toGray(img.RL, img.Size)
}

// SpectrumGray renders magnitudes held in the FFT order of an n pixel
// image with the zero frequency at the centre. Values are shown on a log
// scale where c times the largest magnitude maps to mid grey
func SpectrumGray(mag []float64, n int, c float64) image.Image {
	hi := floats.Max(mag)
	if hi <= 0 || c <= 0 {
		return toGray(make([]float64, n*n), n)
	}
	h := n / 2
	values := make([]float64, n*n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			i, j := (x-h+n)%n, (y-h+n)%n
			values[y*n+x] = math.Log1p(math.Abs(mag[j*n+i]) / (c * hi))
		}
	}
	return toGray(values, n)
}

// SaveBMP saves an image as a BMP file
func SaveBMP(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := bmp.Encode(file, img); err != nil {
		file.Close()
		return fmt.Errorf("encoding %s: %w", filename, err)
	}
	return file.Close()
}

// toGray maps row-major values onto the full 8-bit range
func toGray(values []float64, n int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, n, n))
	lo, hi := floats.Min(values), floats.Max(values)
	scale := 0.0
	if hi > lo {
		scale = 255 / (hi - lo)
	}
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((values[y*n+x]-lo)*scale + 0.5)})
		}
	}
	return img
}
