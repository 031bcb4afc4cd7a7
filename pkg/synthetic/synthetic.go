// Package synthetic generates particle datasets with known ground truth
// from a phantom made of Gaussian blobs. It backs the end-to-end tests and
// the -synth mode of the command line tool.
package synthetic

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/stat/distuv"

	"cryorefine/internal/models"
	"cryorefine/pkg/dataset"
	"cryorefine/pkg/fft"
	"cryorefine/pkg/geom"
	"cryorefine/pkg/likelihood"
	"cryorefine/pkg/mrc"
	"cryorefine/pkg/projector"
)

// Blob is an isotropic Gaussian density centred at (X, Y, Z) pixels.
type Blob struct {
	X, Y, Z float64
	Sigma   float64
	Amp     float64
}

// Phantom is a sum of blobs.
type Phantom []Blob

// DefaultPhantom is a central blob with three smaller satellites, so that
// it has no rotational symmetry. Distances scale with the box size.
func DefaultPhantom(size int) Phantom {
	u := float64(size) / 32
	return Phantom{
		{Sigma: 4 * u, Amp: 1},
		{X: 6 * u, Sigma: 2 * u, Amp: 0.6},
		{Y: -5 * u, Z: 2 * u, Sigma: 2 * u, Amp: 0.6},
		{X: -3 * u, Y: 3 * u, Z: -5 * u, Sigma: 2 * u, Amp: 0.6},
	}
}

// Rotate returns the phantom with every centre rotated by q, after an
// optional mirror through the x = 0 plane.
func (p Phantom) Rotate(q quat.Number, mirror bool) Phantom {
	m := geom.ToMat3(q)
	out := make(Phantom, len(p))
	for i, b := range p {
		x := b.X
		if mirror {
			x = -x
		}
		b.X, b.Y, b.Z = m.Apply(x, b.Y, b.Z)
		out[i] = b
	}
	return out
}

// Density evaluates the phantom at (x, y, z).
func (p Phantom) Density(x, y, z float64) float64 {
	v := 0.0
	for _, b := range p {
		dx, dy, dz := x-b.X, y-b.Y, z-b.Z
		v += b.Amp * math.Exp(-(dx*dx+dy*dy+dz*dz)/(2*b.Sigma*b.Sigma))
	}
	return v
}

// Volume samples the phantom on a size^3 grid.
func (p Phantom) Volume(size int) *models.Volume {
	vol := models.NewVolume(size)
	h := size / 2
	for z := -h; z < h; z++ {
		for y := -h; y < h; y++ {
			for x := -h; x < h; x++ {
				vol.SetRL(x, y, z, p.Density(float64(x), float64(y), float64(z)))
			}
		}
	}
	return vol
}

// Image2D samples the z = 0 section of the phantom, ignoring blob heights.
func (p Phantom) Image2D(size int) *models.Image {
	flat := make(Phantom, len(p))
	for i, b := range p {
		b.Z = 0
		flat[i] = b
	}
	img := models.NewImage(size)
	h := size / 2
	for y := -h; y < h; y++ {
		for x := -h; x < h; x++ {
			img.SetRL(x, y, flat.Density(float64(x), float64(y), 0))
		}
	}
	return img
}

// Params control how particles are drawn.
type Params struct {
	Mode      models.Mode
	N         int
	Size      int
	PixelSize float64

	// TransS is the standard deviation of the true shifts in pixels.
	TransS float64

	// Noise is the standard deviation of the real-space Gaussian noise.
	Noise float64

	// CTF applies a microscope CTF with defocus drawn in
	// [DefocusMin, DefocusMax] Angstrom. Without it images carry a unit CTF.
	CTF        bool
	DefocusMin float64
	DefocusMax float64

	// GroupScale multiplies the signal of each group. Particles are
	// assigned to groups round-robin. Empty means one group with scale 1.
	GroupScale []float64

	Seed uint64
}

// Particle is one generated image with its true parameters.
type Particle struct {
	Meta   dataset.Meta
	Image  *models.Image
	Quat   quat.Number
	Phi    float64
	TX, TY float64
}

// Generate projects the phantom at random poses. Images are returned in
// real space.
func Generate(ph Phantom, p Params) []Particle {
	src := rand.NewSource(p.Seed)
	scales := p.GroupScale
	if len(scales) == 0 {
		scales = []float64{1}
	}

	var prj *projector.Projector
	if p.Mode == models.Mode2D {
		prj = projector.New2D(ph.Image2D(p.Size), 2, float64(p.Size/2))
	} else {
		prj = projector.New3D(ph.Volume(p.Size), 2, float64(p.Size/2))
	}
	noise := distuv.Normal{Mu: 0, Sigma: p.Noise, Src: src}
	shift := distuv.Normal{Mu: 0, Sigma: p.TransS, Src: src}
	defocus := distuv.Uniform{Min: p.DefocusMin, Max: p.DefocusMax, Src: src}
	angle := distuv.Uniform{Min: 0, Max: 2 * math.Pi, Src: src}

	out := make([]Particle, p.N)
	for n := range out {
		par := Particle{Quat: geom.Identity}
		if p.Mode == models.Mode2D {
			par.Phi = angle.Rand()
		} else {
			par.Quat = geom.RandomRotation(src)
		}
		if p.TransS > 0 {
			par.TX, par.TY = shift.Rand(), shift.Rand()
		}
		g := n % len(scales)
		par.Meta = dataset.Meta{ID: n, Slot: n, Group: g}
		if p.CTF {
			du := defocus.Rand()
			par.Meta.CTF = models.CTFAttr{
				Voltage:      300e3,
				DefocusU:     du,
				DefocusV:     du * 0.95,
				DefocusTheta: angle.Rand(),
				Cs:           2.7e7,
			}
		}

		img := models.NewImage(p.Size)
		prj.Project(img, projector.PoseOf(par.Quat, par.Phi, par.TX, par.TY))
		if p.CTF {
			ctf := likelihood.NewCTF(par.Meta.CTF).Image(p.Size, p.PixelSize)
			for i := range img.FT {
				img.FT[i] *= complex(ctf[i], 0)
			}
		}
		fft.BwImg(img)
		for i := range img.RL {
			img.RL[i] = img.RL[i]*scales[g] + noise.Rand()
		}
		par.Image = img
		out[n] = par
	}
	return out
}

// MemoryStore puts the particles into an in-memory store.
func MemoryStore(ps []Particle) *dataset.MemoryStore {
	s := dataset.NewMemoryStore()
	for _, p := range ps {
		s.Add(p.Meta, p.Image)
	}
	return s
}

// WriteDataset writes the images as one MRC stack plus a SQLite database
// referencing it, and returns the database path.
func WriteDataset(ctx context.Context, dir string, ps []Particle, pixelSize float64) (string, error) {
	if len(ps) == 0 {
		return "", fmt.Errorf("no particles to write")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("error creating dataset directory: %w", err)
	}
	imgs := make([]*models.Image, len(ps))
	metas := make([]dataset.Meta, len(ps))
	for i, p := range ps {
		imgs[i] = p.Image
		metas[i] = p.Meta
		metas[i].Stack = "particles.mrcs"
		metas[i].Slot = i
	}
	if err := mrc.WriteStack(filepath.Join(dir, "particles.mrcs"), imgs, pixelSize); err != nil {
		return "", err
	}

	path := filepath.Join(dir, "particles.db")
	db, err := dataset.OpenSQLite(path)
	if err != nil {
		return "", err
	}
	if err := db.Insert(ctx, metas...); err != nil {
		db.Close()
		return "", err
	}
	return path, db.Close()
}
