// Package projector extracts central sections from a Fourier-space reference.
//
// A reference of box size N is zero padded by a factor pf in real space,
// pre-corrected for the interpolation kernel and transformed. Pixel (i, j)
// of a projection then reads the padded transform at pf * R * (i, j, 0).
package projector

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/num/quat"

	"cryorefine/internal/models"
	"cryorefine/pkg/fft"
	"cryorefine/pkg/geom"
)

// Pose is a rotation plus in-plane translation in pixels.
type Pose struct {
	Rot3   geom.Mat3
	Rot2   geom.Mat2
	TX, TY float64
}

// PoseOf builds a Pose from a quaternion (3D) or angle (2D).
func PoseOf(q quat.Number, phi, tx, ty float64) Pose {
	return Pose{Rot3: geom.ToMat3(q), Rot2: geom.ToMat2(phi), TX: tx, TY: ty}
}

// Projector produces projections of one reference.
type Projector struct {
	mode      models.Mode
	size      int
	pf        int
	maxRadius float64

	vol *models.Volume
	img *models.Image
}

// New3D prepares a projector for a real-space reference volume.
func New3D(ref *models.Volume, pf int, maxRadius float64) *Projector {
	p := &Projector{mode: models.Mode3D, size: ref.Size, pf: pf, maxRadius: maxRadius}
	n := ref.Size
	pad := models.NewVolume(n * pf)
	h := n / 2
	for z := -h; z < h; z++ {
		for y := -h; y < h; y++ {
			for x := -h; x < h; x++ {
				c := KernelResponse(x, pad.Size) * KernelResponse(y, pad.Size) * KernelResponse(z, pad.Size)
				pad.SetRL(x, y, z, ref.GetRL(x, y, z)/c)
			}
		}
	}
	fft.FwVol(pad)
	p.vol = pad
	return p
}

// New2D prepares a projector for a real-space reference image.
func New2D(ref *models.Image, pf int, maxRadius float64) *Projector {
	p := &Projector{mode: models.Mode2D, size: ref.Size, pf: pf, maxRadius: maxRadius}
	n := ref.Size
	pad := models.NewImage(n * pf)
	h := n / 2
	for y := -h; y < h; y++ {
		for x := -h; x < h; x++ {
			c := KernelResponse(x, pad.Size) * KernelResponse(y, pad.Size)
			pad.SetRL(x, y, ref.GetRL(x, y)/c)
		}
	}
	fft.FwImg(pad)
	p.img = pad
	return p
}

// KernelResponse is the real-space response sinc^2(pi x / n) of a linear
// interpolation kernel on an n-point grid, at centred coordinate x.
func KernelResponse(x, n int) float64 {
	if x == 0 {
		return 1
	}
	a := math.Pi * float64(x) / float64(n)
	s := math.Sin(a) / a
	return s * s
}

// Size is the projection box size.
func (p *Projector) Size() int { return p.size }

// MaxRadius is the frequency radius beyond which projections are zero.
func (p *Projector) MaxRadius() float64 { return p.maxRadius }

// SetMaxRadius changes the band limit.
func (p *Projector) SetMaxRadius(r float64) { p.maxRadius = r }

// Project writes the whole projection for pose into dst.FT.
func (p *Projector) Project(dst *models.Image, pose Pose) {
	dst.ClearFT()
	h := p.size / 2
	for j := -h; j < h; j++ {
		for i := -h; i < h; i++ {
			dst.SetFT(i, j, p.value(i, j, pose))
		}
	}
}

// ProjectIdx writes the projection at the listed coordinates into dst,
// which must have len(col) entries.
func (p *Projector) ProjectIdx(dst []complex128, col, row []int, pose Pose) {
	for n := range col {
		dst[n] = p.value(col[n], row[n], pose)
	}
}

func (p *Projector) value(i, j int, pose Pose) complex128 {
	fi, fj := float64(i), float64(j)
	if fi*fi+fj*fj >= p.maxRadius*p.maxRadius {
		return 0
	}
	var v complex128
	pf := float64(p.pf)
	if p.mode == models.Mode3D {
		x, y, z := pose.Rot3.Apply(fi, fj, 0)
		v = interpolate3(p.vol, x*pf, y*pf, z*pf)
	} else {
		x, y := pose.Rot2.Apply(fi, fj)
		v = interpolate2(p.img, x*pf, y*pf)
	}
	if pose.TX != 0 || pose.TY != 0 {
		v *= Phase(fi, fj, pose.TX, pose.TY, p.size)
	}
	return v
}

// Phase is the Fourier factor shifting an image by (tx, ty) pixels.
func Phase(i, j, tx, ty float64, size int) complex128 {
	return cmplx.Exp(complex(0, -2*math.Pi*(i*tx+j*ty)/float64(size)))
}

// Translate applies a real-space shift to indexed coefficients in place.
func Translate(dst []complex128, col, row []int, tx, ty float64, size int) {
	if tx == 0 && ty == 0 {
		return
	}
	for n := range dst {
		dst[n] *= Phase(float64(col[n]), float64(row[n]), tx, ty, size)
	}
}

func interpolate3(v *models.Volume, x, y, z float64) complex128 {
	x0, y0, z0 := math.Floor(x), math.Floor(y), math.Floor(z)
	fx, fy, fz := x-x0, y-y0, z-z0
	ix, iy, iz := int(x0), int(y0), int(z0)
	var out complex128
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
				w := wx * wy * wz
				if w == 0 {
					continue
				}
				out += complex(w, 0) * v.GetFT(ix+dx, iy+dy, iz+dz)
			}
		}
	}
	return out
}

func interpolate2(m *models.Image, x, y float64) complex128 {
	x0, y0 := math.Floor(x), math.Floor(y)
	fx, fy := x-x0, y-y0
	ix, iy := int(x0), int(y0)
	return complex((1-fx)*(1-fy), 0)*m.GetFT(ix, iy) +
		complex(fx*(1-fy), 0)*m.GetFT(ix+1, iy) +
		complex((1-fx)*fy, 0)*m.GetFT(ix, iy+1) +
		complex(fx*fy, 0)*m.GetFT(ix+1, iy+1)
}
