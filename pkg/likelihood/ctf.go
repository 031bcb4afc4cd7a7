package likelihood

import (
	"math"

	"cryorefine/internal/models"
)

// DefaultAmplitudeContrast is used when an image carries none.
const DefaultAmplitudeContrast = 0.07

// CTF is the closed-form contrast transfer function of one image.
type CTF struct {
	Attr models.CTFAttr

	// K1 and K2 are the defocus and spherical-aberration phase factors.
	K1, K2 float64

	// W1 and W2 weight the phase and amplitude contrast terms.
	W1, W2 float64
}

// Wavelength returns the relativistic electron wavelength in Angstrom for an
// acceleration voltage in volts.
func Wavelength(voltage float64) float64 {
	return 12.2643274 / math.Sqrt(voltage*(1+voltage*0.978466e-6))
}

// NewCTF derives the phase factors from attr.
func NewCTF(attr models.CTFAttr) CTF {
	lambda := Wavelength(attr.Voltage)
	q := attr.AmplitudeContrast
	if q <= 0 {
		q = DefaultAmplitudeContrast
	}
	return CTF{
		Attr: attr,
		K1:   math.Pi * lambda,
		K2:   math.Pi / 2 * attr.Cs * lambda * lambda * lambda,
		W1:   math.Sqrt(1 - q*q),
		W2:   q,
	}
}

// Defocus returns the signed astigmatic defocus along direction angle.
func (c CTF) Defocus(angle float64) float64 {
	u, v := c.Attr.DefocusU, c.Attr.DefocusV
	return -(u + v + (u-v)*math.Cos(2*(angle-c.Attr.DefocusTheta))) / 2
}

// Value evaluates the CTF at spatial frequency f (1/Angstrom) given the
// precomputed defocus along that direction and a defocus scale df.
func (c CTF) Value(f, defocus, df float64) float64 {
	f2 := f * f
	ki := c.K1*defocus*df*f2 + c.K2*f2*f2
	return c.W1*math.Sin(ki) - c.W2*math.Cos(ki)
}

// Image evaluates the CTF over a full size x size Fourier grid, indexed the
// same way as models.Image.FT.
func (c CTF) Image(size int, pixelSize float64) []float64 {
	img := models.NewImage(size)
	out := make([]float64, size*size)
	h := size / 2
	for j := -h; j < h; j++ {
		for i := -h; i < h; i++ {
			f := math.Hypot(float64(i), float64(j)) / (float64(size) * pixelSize)
			angle := math.Atan2(float64(j), float64(i))
			out[img.IndexFT(i, j)] = c.Value(f, c.Defocus(angle), 1)
		}
	}
	return out
}

// Unit returns a CTF image of ones, for data without optical modulation.
func Unit(size int) []float64 {
	out := make([]float64, size*size)
	for i := range out {
		out[i] = 1
	}
	return out
}
