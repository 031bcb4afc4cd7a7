package mask

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"cryorefine/internal/models"
)

func TestFactor(t *testing.T) {
	assert.Equal(t, 1.0, Factor(3, 5, 2))
	assert.InDelta(t, 0.5, Factor(6, 5, 2), 1e-12)
	assert.Equal(t, 0.0, Factor(7, 5, 2))
}

func TestSoftMaskVolumeFlattensOutside(t *testing.T) {
	vol := models.NewVolume(16)
	for i := range vol.RL {
		vol.RL[i] = 3
	}
	SoftMaskVolume(vol, 4, 2, 1)
	assert.Equal(t, 3.0, vol.GetRL(0, 0, 0))
	assert.Equal(t, 1.0, vol.GetRL(7, 7, 7))
	assert.InDelta(t, 1, BackgroundVolume(vol, 4, 2), 1e-12)
}

func TestBackgroundImage(t *testing.T) {
	img := models.NewImage(16)
	h := img.Size / 2
	for y := -h; y < h; y++ {
		for x := -h; x < h; x++ {
			if math.Hypot(float64(x), float64(y)) >= 6 {
				img.SetRL(x, y, float64((x+y)&1)*2)
			} else {
				img.SetRL(x, y, 100)
			}
		}
	}
	mean, std := BackgroundImage(img, 6)
	assert.InDelta(t, 1, mean, 0.1)
	assert.InDelta(t, 1, std, 0.1)
}

func TestSphereAndDisc(t *testing.T) {
	vol := models.NewVolume(8)
	Sphere(vol, 2, 1)
	assert.Equal(t, 1.0, vol.GetRL(1, 0, 0))
	assert.Equal(t, 0.0, vol.GetRL(3, 3, 3))

	img := models.NewImage(8)
	Disc(img, 2, 1)
	assert.Equal(t, 1.0, img.GetRL(0, 1))
	assert.Equal(t, 0.0, img.GetRL(-4, -4))
}
