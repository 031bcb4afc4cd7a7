package reconstruction

import (
	"context"
	"math"
	"testing"

	"golang.org/x/exp/rand"

	"cryorefine/internal/models"
	"cryorefine/pkg/comm"
	"cryorefine/pkg/fft"
	"cryorefine/pkg/geom"
	"cryorefine/pkg/projector"
	"cryorefine/pkg/symmetry"
)

// createTestImage creates a real-space image from a pattern and transforms it
func createTestImage(size int, pattern func(x, y int) float64) *models.Image {
	img := models.NewImage(size)
	h := size / 2
	for y := -h; y < h; y++ {
		for x := -h; x < h; x++ {
			img.SetRL(x, y, pattern(x, y))
		}
	}
	fft.FwImg(img)
	return img
}

func gaussian(sigma float64) func(x, y int) float64 {
	return func(x, y int) float64 {
		return math.Exp(-float64(x*x+y*y) / (2 * sigma * sigma))
	}
}

// TestIdentityRoundTrip2D verifies that one on-grid insertion is reproduced up to deconvolution
func TestIdentityRoundTrip2D(t *testing.T) {
	size := 16
	src := rand.New(rand.NewSource(1))
	img := createTestImage(size, func(x, y int) float64 { return src.NormFloat64() })

	r := NewReconstructor(&Params{Mode: models.Mode2D, Size: size, Pf: 1, MaxRadius: float64(size)})
	r.Insert(Sample{Img: img, Quat: geom.Identity, W: 1})
	ref, err := r.Reconstruct(context.Background(), nil)
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}

	h := size / 2
	for y := -h; y < h; y++ {
		for x := -h; x < h; x++ {
			c := projector.KernelResponse(x, size) * projector.KernelResponse(y, size)
			got := ref.Img.GetRL(x, y) * c
			if math.Abs(got-img.GetRL(x, y)) > 1e-9 {
				t.Fatalf("Pixel (%d,%d): expected %f, got %f", x, y, img.GetRL(x, y), got)
			}
		}
	}
}

// TestIdentityRoundTrip3D verifies that an inserted image becomes the central plane
func TestIdentityRoundTrip3D(t *testing.T) {
	size := 8
	img := createTestImage(size, gaussian(1.3))

	r := NewReconstructor(&Params{Mode: models.Mode3D, Size: size, Pf: 1, MaxRadius: float64(size)})
	r.Insert(Sample{Img: img, Quat: geom.Identity, W: 2})
	ref, err := r.Reconstruct(context.Background(), nil)
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}

	h := size / 2
	for z := -h; z < h; z++ {
		for y := -h; y < h; y++ {
			for x := -h; x < h; x++ {
				c := projector.KernelResponse(x, size) * projector.KernelResponse(y, size) * projector.KernelResponse(z, size)
				got := ref.Vol.GetRL(x, y, z) * c * float64(size)
				if math.Abs(got-img.GetRL(x, y)) > 1e-9 {
					t.Fatalf("Voxel (%d,%d,%d): expected %f, got %f", x, y, z, img.GetRL(x, y), got)
				}
			}
		}
	}
}

// TestRotatedBlobRecovery verifies gridding with padding over many in-plane poses
func TestRotatedBlobRecovery(t *testing.T) {
	size := 32
	img := createTestImage(size, gaussian(2))

	r := NewReconstructor(&Params{Mode: models.Mode2D, Size: size, Pf: 2, MaxRadius: float64(size / 2), NumCores: 4})
	var samples []Sample
	for n := 0; n < 72; n++ {
		samples = append(samples, Sample{Img: img, Phi: 2 * math.Pi * float64(n) / 72, W: 1})
	}
	r.InsertAll(samples)
	ref, err := r.Reconstruct(context.Background(), nil)
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}

	for y := -6; y <= 6; y++ {
		for x := -6; x <= 6; x++ {
			want := img.GetRL(x, y)
			if math.Abs(ref.Img.GetRL(x, y)-want) > 0.08 {
				t.Fatalf("Pixel (%d,%d): expected %f, got %f", x, y, want, ref.Img.GetRL(x, y))
			}
		}
	}
}

// TestDistributedMatchesSerial verifies that reduced partial accumulators equal one accumulator
func TestDistributedMatchesSerial(t *testing.T) {
	size := 8
	src := rand.NewSource(7)
	var samples []Sample
	for n := 0; n < 6; n++ {
		samples = append(samples, Sample{
			Img:  createTestImage(size, gaussian(1+0.1*float64(n))),
			Quat: geom.RandomRotation(src),
			TX:   0.5,
			W:    1,
		})
	}
	params := func() *Params {
		return &Params{Mode: models.Mode3D, Size: size, Pf: 2, MaxRadius: 4}
	}

	serial := NewReconstructor(params())
	for _, s := range samples {
		serial.Insert(s)
	}
	want, err := serial.Reconstruct(context.Background(), nil)
	if err != nil {
		t.Fatalf("Serial reconstruct failed: %v", err)
	}

	results := make([]models.Reference, 2)
	w := comm.NewWorld(2)
	err = w.Run(context.Background(), func(ctx context.Context, n *comm.Node) error {
		if n.Hemisphere != models.HemisphereA {
			return nil
		}
		part := NewReconstructor(params())
		for i := n.Hemi.Rank(); i < len(samples); i += 2 {
			part.Insert(samples[i])
		}
		ref, err := part.Reconstruct(ctx, n.Hemi)
		results[n.Hemi.Rank()] = ref
		return err
	})
	if err != nil {
		t.Fatalf("Distributed reconstruct failed: %v", err)
	}

	for _, got := range results {
		for i := range want.Vol.RL {
			if math.Abs(got.Vol.RL[i]-want.Vol.RL[i]) > 1e-9 {
				t.Fatalf("Voxel %d: expected %f, got %f", i, want.Vol.RL[i], got.Vol.RL[i])
			}
		}
	}
}

// TestConcurrentInsert verifies that parallel insertion matches serial insertion
func TestConcurrentInsert(t *testing.T) {
	size := 8
	src := rand.NewSource(3)
	var samples []Sample
	for n := 0; n < 20; n++ {
		samples = append(samples, Sample{Img: createTestImage(size, gaussian(1.5)), Quat: geom.RandomRotation(src), W: 0.5})
	}
	a := NewReconstructor(&Params{Mode: models.Mode3D, Size: size, Pf: 2, MaxRadius: 4, NumCores: 1})
	b := NewReconstructor(&Params{Mode: models.Mode3D, Size: size, Pf: 2, MaxRadius: 4, NumCores: 6})
	a.InsertAll(samples)
	b.InsertAll(samples)
	for i := range a.t {
		if math.Abs(a.t[i]-b.t[i]) > 1e-9 {
			t.Fatalf("Weight %d: expected %f, got %f", i, a.t[i], b.t[i])
		}
	}
}

// TestSymmetrizedInsertion verifies that operators receive equal weight
func TestSymmetrizedInsertion(t *testing.T) {
	size := 8
	sym, err := symmetry.New("C4")
	if err != nil {
		t.Fatalf("Symmetry failed: %v", err)
	}
	r := NewReconstructor(&Params{Mode: models.Mode3D, Size: size, Pf: 1, MaxRadius: 4, Sym: sym})
	img := createTestImage(size, gaussian(1))
	r.Insert(Sample{Img: img, Quat: geom.Identity, W: 1})

	a := r.t[r.index3(2, 0, 0)]
	b := r.t[r.index3(0, 2, 0)]
	if a == 0 || math.Abs(a-b) > 1e-12 {
		t.Errorf("Expected equal non-zero weights, got %f and %f", a, b)
	}
}

// TestEmptyReconstruction verifies that voxels without information stay zero
func TestEmptyReconstruction(t *testing.T) {
	r := NewReconstructor(&Params{Mode: models.Mode3D, Size: 8, Pf: 2, MaxRadius: 4, WienerFSC: true, MinT: 1e-3})
	r.SetFSC([]float64{1, 0.9, 0.5, 0.1})
	ref, err := r.Reconstruct(context.Background(), nil)
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	for i, v := range ref.Vol.RL {
		if v != 0 || math.IsNaN(v) {
			t.Fatalf("Voxel %d: expected 0, got %f", i, v)
		}
	}
}

// TestWienerFSCShrinksLowConfidenceShells verifies the FSC-derived regularisation
func TestWienerFSCShrinksLowConfidenceShells(t *testing.T) {
	size := 8
	img := createTestImage(size, gaussian(1))
	plain := NewReconstructor(&Params{Mode: models.Mode2D, Size: size, Pf: 1, MaxRadius: 4})
	wiener := NewReconstructor(&Params{Mode: models.Mode2D, Size: size, Pf: 1, MaxRadius: 4, WienerFSC: true})
	wiener.SetFSC([]float64{0.999, 0.999, 0.5, 0.5, 0.5, 0.5})
	for _, r := range []*Reconstructor{plain, wiener} {
		r.Insert(Sample{Img: img, W: 1})
	}
	a := plain.divide()
	b := wiener.divide()
	i0 := plain.index2(0, 0)
	i3 := plain.index2(3, 0)
	if math.Abs(real(a[i0]-b[i0])) > 1e-2*math.Abs(real(a[i0])) {
		t.Errorf("Expected low shell kept, got %v vs %v", a[i0], b[i0])
	}
	if math.Abs(real(b[i3])-0.5*real(a[i3])) > 1e-9 {
		t.Errorf("Expected shell 3 halved, got %v vs %v", b[i3], a[i3])
	}
}
