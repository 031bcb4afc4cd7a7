package models

// Image is a square 2D image held in both real space and Fourier space.
//
// Coordinates in both domains are centred: x, y (and the Fourier indices
// i, j) run over [-Size/2, Size/2). The zero frequency sits at i = j = 0.
type Image struct {
	// Size is the edge length in pixels. It is always even.
	Size int

	// RL holds real-space densities in row-major order.
	RL []float64

	// FT holds the full complex Fourier transform in FFT order.
	FT []complex128
}

// NewImage allocates an empty size x size image.
func NewImage(size int) *Image {
	return &Image{
		Size: size,
		RL:   make([]float64, size*size),
		FT:   make([]complex128, size*size),
	}
}

// Copy returns an independent copy of the image.
func (m *Image) Copy() *Image {
	c := &Image{
		Size: m.Size,
		RL:   make([]float64, len(m.RL)),
		FT:   make([]complex128, len(m.FT)),
	}
	copy(c.RL, m.RL)
	copy(c.FT, m.FT)
	return c
}

// IndexRL maps a centred real-space coordinate to its offset in RL.
func (m *Image) IndexRL(x, y int) int {
	h := m.Size / 2
	return (y+h)*m.Size + (x + h)
}

// IndexFT maps a centred Fourier coordinate to its offset in FT.
func (m *Image) IndexFT(i, j int) int {
	return wrap(j, m.Size)*m.Size + wrap(i, m.Size)
}

func (m *Image) GetRL(x, y int) float64       { return m.RL[m.IndexRL(x, y)] }
func (m *Image) SetRL(x, y int, v float64)    { m.RL[m.IndexRL(x, y)] = v }
func (m *Image) GetFT(i, j int) complex128    { return m.FT[m.IndexFT(i, j)] }
func (m *Image) SetFT(i, j int, v complex128) { m.FT[m.IndexFT(i, j)] = v }

// ClearFT zeroes the Fourier-space buffer.
func (m *Image) ClearFT() {
	for i := range m.FT {
		m.FT[i] = 0
	}
}

// ClearRL zeroes the real-space buffer.
func (m *Image) ClearRL() {
	for i := range m.RL {
		m.RL[i] = 0
	}
}

// wrap folds a centred index into [0, n).
func wrap(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}
