package likelihood

import (
	"math"

	"cryorefine/internal/models"
)

// PixelIndex lists the Fourier pixels of the half plane col >= 0 whose
// radius lies in the annulus [rL, rU) and whose rounded shell is below rU.
type PixelIndex struct {
	Size int

	// Col and Row are centred Fourier coordinates.
	Col []int
	Row []int

	// Pxl are offsets into models.Image.FT.
	Pxl []int

	// Sig are the shell indices, used to look up noise tables.
	Sig []int
}

// NewPixelIndex enumerates the annulus for images of the given size.
func NewPixelIndex(size int, rL, rU float64) *PixelIndex {
	img := models.Image{Size: size}
	x := &PixelIndex{Size: size}
	lim := int(math.Ceil(rU))
	if lim > size/2 {
		lim = size / 2
	}
	for j := -lim; j < lim; j++ {
		for i := 0; i < lim; i++ {
			if inAnnulus(i, j, rL, rU) {
				x.Col = append(x.Col, i)
				x.Row = append(x.Row, j)
				x.Pxl = append(x.Pxl, img.IndexFT(i, j))
				x.Sig = append(x.Sig, Shell(i, j))
			}
		}
	}
	return x
}

// Len is the number of pixels.
func (x *PixelIndex) Len() int { return len(x.Pxl) }

// Shell is the rounded radius of a Fourier coordinate.
func Shell(i, j int) int {
	return int(math.Round(math.Hypot(float64(i), float64(j))))
}

func inAnnulus(i, j int, rL, rU float64) bool {
	r2 := float64(i*i + j*j)
	return r2 >= rL*rL && r2 < rU*rU && float64(Shell(i, j)) < rU
}

// Gather copies the indexed coefficients of ft into dst, allocating when dst
// is too short.
func (x *PixelIndex) Gather(ft []complex128, dst []complex128) []complex128 {
	if cap(dst) < len(x.Pxl) {
		dst = make([]complex128, len(x.Pxl))
	}
	dst = dst[:len(x.Pxl)]
	for n, p := range x.Pxl {
		dst[n] = ft[p]
	}
	return dst
}

// GatherReal copies the indexed values of a real FT-ordered array.
func (x *PixelIndex) GatherReal(vals []float64, dst []float64) []float64 {
	if cap(dst) < len(x.Pxl) {
		dst = make([]float64, len(x.Pxl))
	}
	dst = dst[:len(x.Pxl)]
	for n, p := range x.Pxl {
		dst[n] = vals[p]
	}
	return dst
}

// ExpandSigRcp maps a per-shell table to a per-pixel array.
func (x *PixelIndex) ExpandSigRcp(sigRcp []float64) []float64 {
	out := make([]float64, len(x.Sig))
	for n, s := range x.Sig {
		if s < len(sigRcp) {
			out[n] = sigRcp[s]
		}
	}
	return out
}

// Frequency returns the spatial frequency of each pixel in 1/Angstrom.
func (x *PixelIndex) Frequency(pixelSize float64) []float64 {
	out := make([]float64, len(x.Col))
	for n := range x.Col {
		out[n] = math.Hypot(float64(x.Col[n]), float64(x.Row[n])) / (float64(x.Size) * pixelSize)
	}
	return out
}

// Defocus returns the astigmatic defocus of c along each pixel's direction.
func (x *PixelIndex) Defocus(c CTF) []float64 {
	out := make([]float64, len(x.Col))
	for n := range x.Col {
		out[n] = c.Defocus(math.Atan2(float64(x.Row[n]), float64(x.Col[n])))
	}
	return out
}
