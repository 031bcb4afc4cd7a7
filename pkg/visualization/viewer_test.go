package visualization

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/bmp"

	"cryorefine/internal/models"
)

// createTestVolume fills a volume with a gradient along z
func createTestVolume(n int) *models.Volume {
	vol := models.NewVolume(n)
	h := n / 2
	for z := -h; z < h; z++ {
		for y := -h; y < h; y++ {
			for x := -h; x < h; x++ {
				vol.SetRL(x, y, z, float64(z+h))
			}
		}
	}
	return vol
}

// TestExtractSlice verifies that sections are correctly extracted from the volume
func TestExtractSlice(t *testing.T) {
	n := 8
	viewer := NewViewer(createTestVolume(n))

	// Z sections are constant, so contrast stretching maps them to zero
	img, err := viewer.ExtractSlice("z", 2)
	if err != nil {
		t.Fatalf("Failed to extract Z slice: %v", err)
	}
	if b := img.Bounds(); b.Dx() != n || b.Dy() != n {
		t.Errorf("Expected Z slice dimensions %dx%d, got %dx%d", n, n, b.Dx(), b.Dy())
	}

	// X sections show the gradient along their columns
	imgX, err := viewer.ExtractSlice("x", 0)
	if err != nil {
		t.Fatalf("Failed to extract X slice: %v", err)
	}
	gray, ok := imgX.(*image.Gray)
	if !ok {
		t.Fatalf("Expected *image.Gray, got %T", imgX)
	}
	if got := gray.GrayAt(0, 3).Y; got != 0 {
		t.Errorf("Expected darkest column at z=-h, got %d", got)
	}
	if got := gray.GrayAt(n-1, 3).Y; got != 255 {
		t.Errorf("Expected brightest column at z=h-1, got %d", got)
	}

	// Y sections show the gradient along their rows
	imgY, err := viewer.ExtractSlice("y", -1)
	if err != nil {
		t.Fatalf("Failed to extract Y slice: %v", err)
	}
	if got := imgY.(*image.Gray).GrayAt(2, n-1).Y; got != 255 {
		t.Errorf("Expected brightest row at z=h-1, got %d", got)
	}

	// Test invalid axis
	if _, err := viewer.ExtractSlice("invalid", 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}

	// Test out of bounds position
	if _, err := viewer.ExtractSlice("z", n/2); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
}

// TestExtractRegion verifies that subregions are correctly extracted
func TestExtractRegion(t *testing.T) {
	vol := createTestVolume(8)
	viewer := NewViewer(vol)

	region, err := viewer.ExtractRegion(1, 0, -1, 4)
	if err != nil {
		t.Fatalf("Failed to extract region: %v", err)
	}
	if len(region) != 64 {
		t.Fatalf("Expected region size 64, got %d", len(region))
	}
	for z := 0; z < 4; z++ {
		want := vol.GetRL(0, 0, -3+z)
		if got := region[z*16]; got != want {
			t.Errorf("Region value mismatch at z=%d: expected %f, got %f", z, want, got)
		}
	}

	if _, err := viewer.ExtractRegion(3, 0, 0, 4); err == nil {
		t.Error("Expected error for region beyond the volume, got nil")
	}
	if _, err := viewer.ExtractRegion(0, 0, 0, 0); err == nil {
		t.Error("Expected error for empty region, got nil")
	}
}

// TestSaveCentralSections verifies that BMP files are written and decodable
func TestSaveCentralSections(t *testing.T) {
	dir := t.TempDir()
	viewer := NewViewer(createTestVolume(8))
	if err := viewer.SaveCentralSections(dir, "ref"); err != nil {
		t.Fatalf("Failed to save sections: %v", err)
	}

	for _, axis := range []string{"x", "y", "z"} {
		f, err := os.Open(filepath.Join(dir, "ref_"+axis+".bmp"))
		if err != nil {
			t.Fatalf("Missing %s section: %v", axis, err)
		}
		img, err := bmp.Decode(f)
		f.Close()
		if err != nil {
			t.Fatalf("Failed to decode %s section: %v", axis, err)
		}
		if img.Bounds().Dx() != 8 {
			t.Errorf("Expected width 8, got %d", img.Bounds().Dx())
		}
	}
}

// TestImageGray verifies the 2D image rendering
func TestImageGray(t *testing.T) {
	img := models.NewImage(4)
	img.SetRL(-2, -2, 1)
	g := ImageGray(img).(*image.Gray)
	if g.GrayAt(0, 0).Y != 255 || g.GrayAt(1, 1).Y != 0 {
		t.Errorf("Unexpected rendering %v", g.Pix)
	}
}

// TestSpectrumGray verifies the zero frequency is drawn at the centre
func TestSpectrumGray(t *testing.T) {
	img := models.NewImage(4)
	mag := make([]float64, len(img.FT))
	mag[img.IndexFT(0, 0)] = 10
	mag[img.IndexFT(1, 0)] = 1
	g := SpectrumGray(mag, 4, 0.01).(*image.Gray)
	if g.GrayAt(2, 2).Y != 255 {
		t.Errorf("Expected the zero frequency at the centre, got %v", g.Pix)
	}
	if y := g.GrayAt(3, 2).Y; y == 0 || y == 255 {
		t.Errorf("Expected an intermediate level next to the centre, got %d", y)
	}
	if g.GrayAt(0, 0).Y != 0 {
		t.Errorf("Expected black at the corner, got %d", g.GrayAt(0, 0).Y)
	}
}

// TestPlotFSC verifies the PNG chart is written
func TestPlotFSC(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping chart rendering in short mode")
	}
	path := filepath.Join(t.TempDir(), "fsc.png")
	freq := []float64{0, 0.05, 0.1, 0.15, 0.2}
	err := PlotFSC(path, freq, map[string][]float64{"class 0": {1, 0.9, 0.6, 0.2, 0.05}}, 0.143)
	if err != nil {
		t.Fatalf("Failed to plot: %v", err)
	}
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		t.Errorf("Expected non-empty PNG, got %v", err)
	}

	if err := PlotFSC(path, freq[:1], nil, 0.143); err == nil {
		t.Error("Expected error for a single shell, got nil")
	}
}
