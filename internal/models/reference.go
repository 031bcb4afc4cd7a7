package models

// Reference is one class reference. Exactly one of Vol (3D runs) and Img
// (2D runs) is set.
type Reference struct {
	Vol *Volume
	Img *Image
}

// Size is the box size of the reference.
func (r Reference) Size() int {
	if r.Vol != nil {
		return r.Vol.Size
	}
	return r.Img.Size
}

// RL returns the real-space buffer.
func (r Reference) RL() []float64 {
	if r.Vol != nil {
		return r.Vol.RL
	}
	return r.Img.RL
}

// FT returns the Fourier-space buffer.
func (r Reference) FT() []complex128 {
	if r.Vol != nil {
		return r.Vol.FT
	}
	return r.Img.FT
}

// Copy returns an independent copy.
func (r Reference) Copy() Reference {
	if r.Vol != nil {
		return Reference{Vol: r.Vol.Copy()}
	}
	return Reference{Img: r.Img.Copy()}
}
