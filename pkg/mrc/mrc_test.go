package mrc

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryorefine/internal/models"
)

// TestVolumeRoundTrip writes a map and reads it back.
func TestVolumeRoundTrip(t *testing.T) {
	vol := models.NewVolume(8)
	for i := range vol.RL {
		vol.RL[i] = float64(i%17) - 8
	}
	path := filepath.Join(t.TempDir(), "vol.mrc")
	require.NoError(t, WriteVolume(path, vol, 1.5))

	got, err := ReadVolume(path)
	require.NoError(t, err)
	assert.Equal(t, 8, got.Size)
	assert.InDelta(t, 1.5, got.PixelSize, 1e-6)
	assert.Equal(t, vol.RL, got.RL)
	assert.Equal(t, vol.GetRL(-4, 3, 0), got.GetRL(-4, 3, 0))
}

// TestStackRoundTrip writes a stack and reads individual slots.
func TestStackRoundTrip(t *testing.T) {
	imgs := make([]*models.Image, 3)
	for s := range imgs {
		imgs[s] = models.NewImage(6)
		for i := range imgs[s].RL {
			imgs[s].RL[i] = float64(100*s + i)
		}
	}
	path := filepath.Join(t.TempDir(), "stack.mrcs")
	require.NoError(t, WriteStack(path, imgs, 2))

	for s := range imgs {
		got, err := ReadImage(path, s)
		require.NoError(t, err)
		assert.Equal(t, imgs[s].RL, got.RL, "slot %d", s)
	}
	_, err := ReadImage(path, 3)
	assert.ErrorIs(t, err, ErrFormat)
}

// TestHeaderStatistics checks the density summary fields.
func TestHeaderStatistics(t *testing.T) {
	img := models.NewImage(2)
	copy(img.RL, []float64{1, 2, 3, 4})
	path := filepath.Join(t.TempDir(), "s.mrcs")
	require.NoError(t, WriteStack(path, []*models.Image{img}, 1))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	h, err := ReadHeader(f)
	require.NoError(t, err)
	assert.Equal(t, float32(1), h.DMin)
	assert.Equal(t, float32(4), h.DMax)
	assert.Equal(t, float32(2.5), h.DMean)
	assert.Equal(t, int32(ModeFloat32), h.Mode)
}

// TestReadInt16 decodes a hand-built 16-bit map.
func TestReadInt16(t *testing.T) {
	buf := make([]byte, headerSize+2*8)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], 2)
	le.PutUint32(buf[4:], 2)
	le.PutUint32(buf[8:], 2)
	le.PutUint32(buf[12:], ModeInt16)
	for i := 0; i < 8; i++ {
		le.PutUint16(buf[headerSize+2*i:], uint16(int16(i-4)))
	}
	path := filepath.Join(t.TempDir(), "i16.mrc")
	require.NoError(t, os.WriteFile(path, buf, 0644))

	vol, err := ReadVolume(path)
	require.NoError(t, err)
	assert.Equal(t, []float64{-4, -3, -2, -1, 0, 1, 2, 3}, vol.RL)
}

// TestRejectsBadFiles checks the format errors.
func TestRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()

	short := filepath.Join(dir, "short.mrc")
	require.NoError(t, os.WriteFile(short, []byte("MRC"), 0644))
	if _, err := ReadVolume(short); err == nil {
		t.Errorf("expected error for truncated header")
	}

	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:], 4)
	binary.LittleEndian.PutUint32(buf[4:], 4)
	binary.LittleEndian.PutUint32(buf[8:], 4)
	binary.LittleEndian.PutUint32(buf[12:], 12)
	mode := filepath.Join(dir, "mode.mrc")
	require.NoError(t, os.WriteFile(mode, buf, 0644))
	if _, err := ReadVolume(mode); !errors.Is(err, ErrFormat) {
		t.Errorf("expected ErrFormat for mode 12, got %v", err)
	}

	stack := filepath.Join(dir, "stack.mrcs")
	require.NoError(t, WriteStack(stack, []*models.Image{models.NewImage(4), models.NewImage(4)}, 1))
	_, err := ReadVolume(stack)
	assert.ErrorIs(t, err, ErrFormat)

	_, err = ReadVolume(filepath.Join(dir, "absent.mrc"))
	assert.Error(t, err)
}
