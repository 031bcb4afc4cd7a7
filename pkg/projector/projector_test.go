package projector

import (
	"math"
	"math/cmplx"
	"testing"

	"golang.org/x/exp/rand"

	"cryorefine/internal/models"
	"cryorefine/pkg/fft"
	"cryorefine/pkg/geom"
)

// gaussianBlob creates a centred isotropic Gaussian volume
func gaussianBlob(size int, sigma float64) *models.Volume {
	vol := models.NewVolume(size)
	h := size / 2
	for z := -h; z < h; z++ {
		for y := -h; y < h; y++ {
			for x := -h; x < h; x++ {
				r2 := float64(x*x + y*y + z*z)
				vol.SetRL(x, y, z, math.Exp(-r2/(2*sigma*sigma)))
			}
		}
	}
	return vol
}

// TestIdentityProjectionMatchesZSum verifies the central slice theorem on grid
func TestIdentityProjectionMatchesZSum(t *testing.T) {
	size := 32
	vol := gaussianBlob(size, 1.5)

	sum := models.NewImage(size)
	h := size / 2
	for y := -h; y < h; y++ {
		for x := -h; x < h; x++ {
			s := 0.0
			for z := -h; z < h; z++ {
				s += vol.GetRL(x, y, z)
			}
			sum.SetRL(x, y, s)
		}
	}
	fft.FwImg(sum)

	p := New3D(vol, 2, float64(h))
	proj := models.NewImage(size)
	p.Project(proj, PoseOf(geom.Identity, 0, 0, 0))

	dc := real(sum.GetFT(0, 0))
	for j := -8; j < 8; j++ {
		for i := -8; i < 8; i++ {
			d := cmplx.Abs(proj.GetFT(i, j) - sum.GetFT(i, j))
			if d > 0.02*dc {
				t.Fatalf("Pixel (%d,%d): expected %v, got %v", i, j, sum.GetFT(i, j), proj.GetFT(i, j))
			}
		}
	}
}

// TestRotationInvarianceOfSphere verifies that an isotropic blob projects the same at any pose
func TestRotationInvarianceOfSphere(t *testing.T) {
	size := 32
	p := New3D(gaussianBlob(size, 2), 2, 10)
	a := models.NewImage(size)
	b := models.NewImage(size)
	p.Project(a, PoseOf(geom.Identity, 0, 0, 0))
	p.Project(b, PoseOf(geom.RandomRotation(rand.NewSource(5)), 0, 0, 0))

	dc := real(a.GetFT(0, 0))
	for n := range a.FT {
		if cmplx.Abs(a.FT[n]-b.FT[n]) > 0.03*dc {
			t.Fatalf("Coefficient %d differs: %v vs %v", n, a.FT[n], b.FT[n])
		}
	}
}

// TestBandLimit verifies that coefficients beyond the max radius are zero
func TestBandLimit(t *testing.T) {
	size := 16
	p := New3D(gaussianBlob(size, 1), 2, 4)
	img := models.NewImage(size)
	p.Project(img, PoseOf(geom.Identity, 0, 0, 0))
	if img.GetFT(5, 0) != 0 || img.GetFT(3, 3) != 0 {
		t.Errorf("Expected zero beyond radius 4, got %v and %v", img.GetFT(5, 0), img.GetFT(3, 3))
	}
	if img.GetFT(1, 1) == 0 {
		t.Errorf("Expected non-zero inside radius")
	}
	p.SetMaxRadius(8)
	if p.MaxRadius() != 8 {
		t.Errorf("Expected max radius 8, got %f", p.MaxRadius())
	}
}

// TestIndexedProjectionWithTranslation verifies ProjectIdx and Translate agree with Project
func TestIndexedProjectionWithTranslation(t *testing.T) {
	size := 16
	p := New3D(gaussianBlob(size, 1.2), 2, 8)
	pose := PoseOf(geom.AxisAngle([3]float64{0, 1, 1}, 0.7), 0, 1.5, -0.5)

	full := models.NewImage(size)
	p.Project(full, pose)

	col := []int{0, 1, 3, -2, 5}
	row := []int{0, 2, -1, 4, 0}
	got := make([]complex128, len(col))
	p.ProjectIdx(got, col, row, pose)

	plain := pose
	plain.TX, plain.TY = 0, 0
	shifted := make([]complex128, len(col))
	p.ProjectIdx(shifted, col, row, plain)
	Translate(shifted, col, row, pose.TX, pose.TY, size)

	for n := range col {
		want := full.GetFT(col[n], row[n])
		if cmplx.Abs(got[n]-want) > 1e-12 || cmplx.Abs(shifted[n]-want) > 1e-12 {
			t.Errorf("Pixel %d: expected %v, got %v and %v", n, want, got[n], shifted[n])
		}
	}
}

// TestProject2D verifies in-plane rotation of a 2D reference
func TestProject2D(t *testing.T) {
	size := 16
	ref := models.NewImage(size)
	ref.SetRL(0, 0, 1)
	p := New2D(ref, 2, 8)
	img := models.NewImage(size)
	p.Project(img, PoseOf(geom.Identity, math.Pi/3, 0, 0))
	// A centred delta has a flat spectrum at every angle.
	if cmplx.Abs(img.GetFT(2, 1)-img.GetFT(0, 0)) > 1e-9 {
		t.Errorf("Expected flat spectrum, got %v vs %v", img.GetFT(2, 1), img.GetFT(0, 0))
	}
}
