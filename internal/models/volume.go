package models

// Volume is a cubic 3D density held in both real space and Fourier space,
// using the same centred coordinate convention as Image.
type Volume struct {
	// Size is the edge length in voxels. It is always even.
	Size int

	// RL holds real-space densities, x fastest then y then z.
	RL []float64

	// FT holds the full complex Fourier transform in FFT order.
	FT []complex128

	// PixelSize is the physical voxel edge in Angstrom.
	PixelSize float64
}

// NewVolume allocates an empty size^3 volume.
func NewVolume(size int) *Volume {
	n := size * size * size
	return &Volume{
		Size: size,
		RL:   make([]float64, n),
		FT:   make([]complex128, n),
	}
}

// Copy returns an independent copy of the volume.
func (v *Volume) Copy() *Volume {
	c := &Volume{
		Size:      v.Size,
		RL:        make([]float64, len(v.RL)),
		FT:        make([]complex128, len(v.FT)),
		PixelSize: v.PixelSize,
	}
	copy(c.RL, v.RL)
	copy(c.FT, v.FT)
	return c
}

// IndexRL maps a centred real-space coordinate to its offset in RL.
func (v *Volume) IndexRL(x, y, z int) int {
	h := v.Size / 2
	return ((z+h)*v.Size+(y+h))*v.Size + (x + h)
}

// IndexFT maps a centred Fourier coordinate to its offset in FT.
func (v *Volume) IndexFT(i, j, k int) int {
	n := v.Size
	return (wrap(k, n)*n+wrap(j, n))*n + wrap(i, n)
}

func (v *Volume) GetRL(x, y, z int) float64       { return v.RL[v.IndexRL(x, y, z)] }
func (v *Volume) SetRL(x, y, z int, d float64)    { v.RL[v.IndexRL(x, y, z)] = d }
func (v *Volume) GetFT(i, j, k int) complex128    { return v.FT[v.IndexFT(i, j, k)] }
func (v *Volume) SetFT(i, j, k int, c complex128) { v.FT[v.IndexFT(i, j, k)] = c }

// AddFT accumulates c at a Fourier coordinate.
func (v *Volume) AddFT(i, j, k int, c complex128) { v.FT[v.IndexFT(i, j, k)] += c }

// ClearFT zeroes the Fourier-space buffer.
func (v *Volume) ClearFT() {
	for i := range v.FT {
		v.FT[i] = 0
	}
}

// ClearRL zeroes the real-space buffer.
func (v *Volume) ClearRL() {
	for i := range v.RL {
		v.RL[i] = 0
	}
}

// Slice returns the real-space plane at depth z as an Image.
func (v *Volume) Slice(z int) *Image {
	img := NewImage(v.Size)
	h := v.Size / 2
	for y := -h; y < h; y++ {
		for x := -h; x < h; x++ {
			img.SetRL(x, y, v.GetRL(x, y, z))
		}
	}
	return img
}
