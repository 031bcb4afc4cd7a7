// Package fft transforms images and volumes between real space and Fourier
// space using gonum's complex FFT. Plans are pooled per length so one Engine
// can be shared by many goroutines.
package fft

import (
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"cryorefine/internal/models"
)

// Engine owns reusable FFT plans keyed by transform length.
type Engine struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool
}

// NewEngine creates an Engine with no plans allocated yet.
func NewEngine() *Engine {
	return &Engine{pools: make(map[int]*sync.Pool)}
}

// Default is the process-wide engine used by the package-level helpers.
var Default = NewEngine()

func (e *Engine) pool(n int) *sync.Pool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pools[n]
	if !ok {
		p = &sync.Pool{New: func() any { return fourier.NewCmplxFFT(n) }}
		e.pools[n] = p
	}
	return p
}

// FwImg fills img.FT from img.RL. The forward transform is unnormalised.
func (e *Engine) FwImg(img *models.Image) {
	n := img.Size
	h := n / 2
	for y := -h; y < h; y++ {
		for x := -h; x < h; x++ {
			img.FT[img.IndexFT(x, y)] = complex(img.GetRL(x, y), 0)
		}
	}
	e.transform(img.FT, n, 2, false)
}

// BwImg fills img.RL from img.FT, scaling by 1/N^2. img.FT is left intact.
func (e *Engine) BwImg(img *models.Image) {
	n := img.Size
	h := n / 2
	buf := make([]complex128, len(img.FT))
	copy(buf, img.FT)
	e.transform(buf, n, 2, true)
	scale := 1 / float64(n*n)
	for y := -h; y < h; y++ {
		for x := -h; x < h; x++ {
			img.SetRL(x, y, real(buf[img.IndexFT(x, y)])*scale)
		}
	}
}

// FwVol fills vol.FT from vol.RL. The forward transform is unnormalised.
func (e *Engine) FwVol(vol *models.Volume) {
	n := vol.Size
	h := n / 2
	for z := -h; z < h; z++ {
		for y := -h; y < h; y++ {
			for x := -h; x < h; x++ {
				vol.FT[vol.IndexFT(x, y, z)] = complex(vol.GetRL(x, y, z), 0)
			}
		}
	}
	e.transform(vol.FT, n, 3, false)
}

// BwVol fills vol.RL from vol.FT, scaling by 1/N^3. vol.FT is left intact.
func (e *Engine) BwVol(vol *models.Volume) {
	n := vol.Size
	h := n / 2
	buf := make([]complex128, len(vol.FT))
	copy(buf, vol.FT)
	e.transform(buf, n, 3, true)
	scale := 1 / float64(n*n*n)
	for z := -h; z < h; z++ {
		for y := -h; y < h; y++ {
			for x := -h; x < h; x++ {
				vol.SetRL(x, y, z, real(buf[vol.IndexFT(x, y, z)])*scale)
			}
		}
	}
}

// transform runs a 1D FFT along every axis of a dims-dimensional cube of
// edge n stored in buf, in place.
func (e *Engine) transform(buf []complex128, n, dims int, inverse bool) {
	p := e.pool(n)
	plan := p.Get().(*fourier.CmplxFFT)
	defer p.Put(plan)

	line := make([]complex128, n)
	out := make([]complex128, n)

	stride := 1
	for axis := 0; axis < dims; axis++ {
		outer := len(buf) / (stride * n)
		for o := 0; o < outer; o++ {
			for in := 0; in < stride; in++ {
				start := o*stride*n + in
				for t := 0; t < n; t++ {
					line[t] = buf[start+t*stride]
				}
				if inverse {
					plan.Sequence(out, line)
				} else {
					plan.Coefficients(out, line)
				}
				for t := 0; t < n; t++ {
					buf[start+t*stride] = out[t]
				}
			}
		}
		stride *= n
	}
}

// FwImg transforms img with the Default engine.
func FwImg(img *models.Image) { Default.FwImg(img) }

// BwImg inverse-transforms img with the Default engine.
func BwImg(img *models.Image) { Default.BwImg(img) }

// FwVol transforms vol with the Default engine.
func FwVol(vol *models.Volume) { Default.FwVol(vol) }

// BwVol inverse-transforms vol with the Default engine.
func BwVol(vol *models.Volume) { Default.BwVol(vol) }
