// Package likelihood scores an observed Fourier image against a CTF
// modulated projection under a Gaussian noise model with per-shell variance.
//
// All forms compute
//
//	logL = sum over pixels of sigRcp[shell] * |dat - ctf*pri|^2
//
// where sigRcp = -0.5/sigma^2, so larger is better and the maximum is 0.
package likelihood

import (
	"math"

	"cryorefine/internal/models"
)

// Evaluator computes data versus prior log-likelihoods.
type Evaluator struct {
	// WeightByCTF multiplies each pixel's term by |ctf|, suppressing pixels
	// near CTF zeros.
	WeightByCTF bool
}

// Image scores a whole image, classifying every pixel into the [rL, rU)
// annulus on the fly. ctf is FT-ordered like dat.FT.
func (e Evaluator) Image(dat, pri *models.Image, ctf, sigRcp []float64, rL, rU float64) float64 {
	size := dat.Size
	lim := int(math.Ceil(rU))
	if lim > size/2 {
		lim = size / 2
	}
	result := 0.0
	for j := -lim; j < lim; j++ {
		for i := 0; i < lim; i++ {
			if !inAnnulus(i, j, rL, rU) {
				continue
			}
			s := Shell(i, j)
			if s >= len(sigRcp) {
				continue
			}
			p := dat.IndexFT(i, j)
			result += e.term(dat.FT[p], pri.FT[p], ctf[p], sigRcp[s])
		}
	}
	return result
}

// Indexed scores flat arrays sharing one PixelIndex: dat, pri, ctf and the
// per-pixel sigRcp all have the index's length.
func (e Evaluator) Indexed(dat, pri []complex128, ctf, sigRcp []float64) float64 {
	result := 0.0
	for n := range dat {
		result += e.term(dat[n], pri[n], ctf[n], sigRcp[n])
	}
	return result
}

// Analytic scores flat arrays, evaluating the CTF per pixel from the
// frequency, the direction-dependent defocus and a defocus scale df.
func (e Evaluator) Analytic(dat, pri []complex128, c CTF, frequency, defocus []float64, df float64, sigRcp []float64) float64 {
	result := 0.0
	for n := range dat {
		result += e.term(dat[n], pri[n], c.Value(frequency[n], defocus[n], df), sigRcp[n])
	}
	return result
}

func (e Evaluator) term(dat, pri complex128, ctf, sigRcp float64) float64 {
	d := dat - complex(ctf, 0)*pri
	v := (real(d)*real(d) + imag(d)*imag(d)) * sigRcp
	if e.WeightByCTF {
		v *= math.Abs(ctf)
	}
	return v
}
