// Package reconstruction accumulates pose-weighted images into a Fourier
// space grid and solves for the reference they imply.
//
// Each sample is inserted, for every symmetry operator, at the padded
// Fourier coordinate pf * S * R * (i, j, 0) with a trilinear kernel into a
// data accumulator F and a weight accumulator T (the sum of CTF^2). The
// solve is a Wiener-regularised F / (T + eps) followed by a real-space
// division by the kernel response.
package reconstruction

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/num/quat"

	"cryorefine/internal/models"
	"cryorefine/pkg/fft"
	"cryorefine/pkg/geom"
	"cryorefine/pkg/projector"
	"cryorefine/pkg/symmetry"
)

// Reducer sums buffers across every participant of a hemisphere.
type Reducer interface {
	AllReduceFloat64(ctx context.Context, tag string, buf []float64) error
	AllReduceComplex128(ctx context.Context, tag string, buf []complex128) error
}

// Params holds the reconstruction configuration.
type Params struct {
	// Mode selects a 2D image or 3D volume accumulator.
	Mode models.Mode

	// Size is the edge length of the inserted images in pixels.
	Size int

	// Pf is the real-space padding factor of the accumulator grid.
	Pf int

	// MaxRadius is the insertion band limit in image Fourier pixels.
	MaxRadius float64

	// Sym lists the operators applied at insertion. Nil means C1.
	Sym *symmetry.Symmetry

	// WienerFSC regularises each shell by (1 - FSC) / FSC times the mean
	// weight of that shell, once an FSC has been supplied.
	WienerFSC bool

	// WienerConst is added to every voxel's weight before dividing.
	WienerConst float64

	// MinT is the fraction of the largest weight below which a voxel is
	// treated as carrying no information and left at zero.
	MinT float64

	// NumCores bounds the goroutines used by InsertAll.
	NumCores int

	// Logger receives progress messages. Nil discards them.
	Logger *log.Logger
}

// Sample is one weighted pose of one image to insert.
type Sample struct {
	// Img holds the observed data in Fourier space.
	Img *models.Image

	// CTF is FT-ordered like Img.FT. Nil means a unit CTF.
	CTF []float64

	Quat   quat.Number
	Phi    float64
	TX, TY float64

	// W is the sample weight.
	W float64
}

// Reconstructor is the accumulator of one class reference in one hemisphere.
type Reconstructor struct {
	params *Params

	// pad is the accumulator edge length, Pf * Size.
	pad int

	// f is the data accumulator, indexed like a padded Volume or Image FT.
	f []complex128

	// t is the weight accumulator on the same grid.
	t []float64

	// fsc is the latest per-shell FSC of this class, in image Fourier pixels.
	fsc []float64

	// ops are the insertion operators, identity first.
	ops []geom.Mat3

	locks shardLocks
}

// NewReconstructor creates an empty accumulator.
func NewReconstructor(params *Params) *Reconstructor {
	if params.Pf < 1 {
		params.Pf = 1
	}
	if params.Logger == nil {
		params.Logger = log.New(io.Discard, "", 0)
	}
	r := &Reconstructor{params: params, pad: params.Size * params.Pf}
	n := r.pad * r.pad
	if params.Mode == models.Mode3D {
		n *= r.pad
	}
	r.f = make([]complex128, n)
	r.t = make([]float64, n)

	r.ops = []geom.Mat3{geom.ToMat3(geom.Identity)}
	if params.Sym != nil && params.Mode == models.Mode3D {
		for _, q := range params.Sym.Operators() {
			r.ops = append(r.ops, geom.ToMat3(q))
		}
	}
	return r
}

// Reset clears both accumulators.
func (r *Reconstructor) Reset() {
	for i := range r.f {
		r.f[i] = 0
		r.t[i] = 0
	}
}

// MaxRadius is the insertion band limit.
func (r *Reconstructor) MaxRadius() float64 { return r.params.MaxRadius }

// SetMaxRadius changes the insertion band limit.
func (r *Reconstructor) SetMaxRadius(radius float64) { r.params.MaxRadius = radius }

// SetFSC supplies the per-shell FSC used by the Wiener term.
func (r *Reconstructor) SetFSC(fsc []float64) { r.fsc = append(r.fsc[:0], fsc...) }

// Insert adds one sample. It is safe for concurrent use.
func (r *Reconstructor) Insert(s Sample) {
	size := r.params.Size
	h := size / 2
	pf := float64(r.params.Pf)
	rMax2 := r.params.MaxRadius * r.params.MaxRadius
	rot3 := geom.ToMat3(s.Quat)
	rot2 := geom.ToMat2(s.Phi)

	for j := -h; j < h; j++ {
		for i := -h; i < h; i++ {
			fi, fj := float64(i), float64(j)
			if fi*fi+fj*fj >= rMax2 {
				continue
			}
			p := s.Img.IndexFT(i, j)
			ctf := 1.0
			if s.CTF != nil {
				ctf = s.CTF[p]
			}
			v := s.Img.FT[p] * complex(s.W*ctf, 0)
			if s.TX != 0 || s.TY != 0 {
				v *= cmplx.Conj(projector.Phase(fi, fj, s.TX, s.TY, size))
			}
			wt := s.W * ctf * ctf

			if r.params.Mode == models.Mode2D {
				x, y := rot2.Apply(fi, fj)
				r.spread2(x*pf, y*pf, v, wt)
				continue
			}
			x, y, z := rot3.Apply(fi, fj, 0)
			for _, op := range r.ops {
				sx, sy, sz := op.Apply(x, y, z)
				r.spread3(sx*pf, sy*pf, sz*pf, v, wt)
			}
		}
	}
}

func (r *Reconstructor) index3(i, j, k int) int {
	n := r.pad
	return (wrap(k, n)*n+wrap(j, n))*n + wrap(i, n)
}

func (r *Reconstructor) index2(i, j int) int {
	return wrap(j, r.pad)*r.pad + wrap(i, r.pad)
}

func (r *Reconstructor) add(idx int, v complex128, w float64) {
	r.locks.lock(idx)
	r.f[idx] += v
	r.t[idx] += w
	r.locks.unlock(idx)
}

func (r *Reconstructor) spread3(x, y, z float64, v complex128, wt float64) {
	x0, y0, z0 := math.Floor(x), math.Floor(y), math.Floor(z)
	fx, fy, fz := x-x0, y-y0, z-z0
	ix, iy, iz := int(x0), int(y0), int(z0)
	for dz := 0; dz < 2; dz++ {
		wz := 1 - fz
		if dz == 1 {
			wz = fz
		}
		for dy := 0; dy < 2; dy++ {
			wy := 1 - fy
			if dy == 1 {
				wy = fy
			}
			for dx := 0; dx < 2; dx++ {
				wx := 1 - fx
				if dx == 1 {
					wx = fx
				}
				k := wx * wy * wz
				if k == 0 {
					continue
				}
				r.add(r.index3(ix+dx, iy+dy, iz+dz), v*complex(k, 0), wt*k)
			}
		}
	}
}

func (r *Reconstructor) spread2(x, y float64, v complex128, wt float64) {
	x0, y0 := math.Floor(x), math.Floor(y)
	fx, fy := x-x0, y-y0
	ix, iy := int(x0), int(y0)
	for dy := 0; dy < 2; dy++ {
		wy := 1 - fy
		if dy == 1 {
			wy = fy
		}
		for dx := 0; dx < 2; dx++ {
			wx := 1 - fx
			if dx == 1 {
				wx = fx
			}
			k := wx * wy
			if k == 0 {
				continue
			}
			r.add(r.index2(ix+dx, iy+dy), v*complex(k, 0), wt*k)
		}
	}
}

// InsertAll inserts samples in parallel across NumCores goroutines.
func (r *Reconstructor) InsertAll(samples []Sample) {
	workers := r.params.NumCores
	if workers < 1 {
		workers = 1
	}
	jobs := make(chan Sample)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range jobs {
				r.Insert(s)
			}
		}()
	}
	for _, s := range samples {
		jobs <- s
	}
	close(jobs)
	wg.Wait()
}

// Reconstruct sums the accumulators over the hemisphere and solves for the
// real-space reference. red may be nil for a single process.
func (r *Reconstructor) Reconstruct(ctx context.Context, red Reducer) (models.Reference, error) {
	logger := r.params.Logger

	// Step 1: reduce partial accumulators across the hemisphere
	if red != nil {
		logger.Println("Step 1: Reducing accumulators across hemisphere...")
		if err := red.AllReduceComplex128(ctx, "reco-F", r.f); err != nil {
			return models.Reference{}, fmt.Errorf("failed to reduce data accumulator: %w", err)
		}
		if err := red.AllReduceFloat64(ctx, "reco-T", r.t); err != nil {
			return models.Reference{}, fmt.Errorf("failed to reduce weight accumulator: %w", err)
		}
	}

	// Step 2: Wiener-regularised division
	logger.Println("Step 2: Dividing data by weights...")
	solved := r.divide()

	// Step 3: back to real space and kernel deconvolution
	logger.Println("Step 3: Correcting interpolation kernel...")
	if r.params.Mode == models.Mode3D {
		return models.Reference{Vol: r.correct3(solved)}, nil
	}
	return models.Reference{Img: r.correct2(solved)}, nil
}

// coords returns the centred coordinates of accumulator offset idx.
func (r *Reconstructor) coords(idx int) (int, int, int) {
	n := r.pad
	i := idx % n
	j := (idx / n) % n
	k := idx / (n * n)
	return unwrap(i, n), unwrap(j, n), unwrap(k, n)
}

func (r *Reconstructor) divide() []complex128 {
	pf := float64(r.params.Pf)
	rMax := r.params.MaxRadius * pf
	nShell := int(r.params.MaxRadius) + 2

	// mean weight per shell, for the FSC-derived term
	meanT := make([]float64, nShell)
	count := make([]float64, nShell)
	shell := make([]int, len(r.t))
	for idx := range r.t {
		i, j, k := r.coords(idx)
		rad := math.Sqrt(float64(i*i + j*j + k*k))
		if rad >= rMax {
			shell[idx] = -1
			continue
		}
		s := int(math.Round(rad / pf))
		if s >= nShell {
			shell[idx] = -1
			continue
		}
		shell[idx] = s
		meanT[s] += r.t[idx]
		count[s]++
	}
	for s := range meanT {
		if count[s] > 0 {
			meanT[s] /= count[s]
		}
	}

	tMin := r.params.MinT * floats.Max(r.t)

	out := make([]complex128, len(r.f))
	for idx := range r.f {
		s := shell[idx]
		if s < 0 || r.t[idx] <= tMin || r.t[idx] == 0 {
			continue
		}
		eps := r.params.WienerConst
		if r.params.WienerFSC && s < len(r.fsc) {
			fsc := math.Min(math.Max(r.fsc[s], 1e-3), 0.999)
			eps += meanT[s] * (1 - fsc) / fsc
		}
		out[idx] = r.f[idx] / complex(r.t[idx]+eps, 0)
	}
	return out
}

func (r *Reconstructor) correct3(solved []complex128) *models.Volume {
	pad := models.NewVolume(r.pad)
	copy(pad.FT, solved)
	fft.BwVol(pad)

	size := r.params.Size
	vol := models.NewVolume(size)
	h := size / 2
	for z := -h; z < h; z++ {
		for y := -h; y < h; y++ {
			for x := -h; x < h; x++ {
				c := projector.KernelResponse(x, r.pad) * projector.KernelResponse(y, r.pad) * projector.KernelResponse(z, r.pad)
				vol.SetRL(x, y, z, pad.GetRL(x, y, z)/c)
			}
		}
	}
	return vol
}

func (r *Reconstructor) correct2(solved []complex128) *models.Image {
	pad := models.NewImage(r.pad)
	copy(pad.FT, solved)
	fft.BwImg(pad)

	size := r.params.Size
	img := models.NewImage(size)
	h := size / 2
	for y := -h; y < h; y++ {
		for x := -h; x < h; x++ {
			c := projector.KernelResponse(x, r.pad) * projector.KernelResponse(y, r.pad)
			img.SetRL(x, y, pad.GetRL(x, y)/c)
		}
	}
	return img
}

func wrap(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}

func unwrap(i, n int) int {
	if i >= n/2 {
		return i - n
	}
	return i
}
