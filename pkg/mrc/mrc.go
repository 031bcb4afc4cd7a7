// Package mrc reads and writes MRC2014 density maps and image stacks.
//
// Only the fields needed here are interpreted: dimensions, data mode, cell
// size and the density statistics. Data are written as 32-bit floats with
// little-endian byte order.
package mrc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"cryorefine/internal/models"
)

// ErrFormat is returned for files that are not readable MRC maps.
var ErrFormat = errors.New("mrc: unsupported format")

const headerSize = 1024

// Data modes.
const (
	ModeInt8    = 0
	ModeInt16   = 1
	ModeFloat32 = 2
	ModeUint16  = 6
)

// Header is the parsed fixed part of an MRC header.
type Header struct {
	NX, NY, NZ int32
	Mode       int32
	CellA      [3]float32
	DMin, DMax float32
	DMean      float32
	RMS        float32
	NSymBT     int32
}

// PixelSize is the cell edge divided by the grid size along x.
func (h Header) PixelSize() float64 {
	if h.NX == 0 {
		return 0
	}
	return float64(h.CellA[0]) / float64(h.NX)
}

// ReadHeader parses the header of r and leaves r at the start of the data.
func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, fmt.Errorf("reading header: %w", err)
	}
	le := binary.LittleEndian
	if buf[212] == 0x11 {
		return Header{}, fmt.Errorf("big-endian data: %w", ErrFormat)
	}
	h := Header{
		NX:     int32(le.Uint32(buf[0:])),
		NY:     int32(le.Uint32(buf[4:])),
		NZ:     int32(le.Uint32(buf[8:])),
		Mode:   int32(le.Uint32(buf[12:])),
		DMin:   math.Float32frombits(le.Uint32(buf[76:])),
		DMax:   math.Float32frombits(le.Uint32(buf[80:])),
		DMean:  math.Float32frombits(le.Uint32(buf[84:])),
		NSymBT: int32(le.Uint32(buf[92:])),
		RMS:    math.Float32frombits(le.Uint32(buf[216:])),
	}
	for i := range h.CellA {
		h.CellA[i] = math.Float32frombits(le.Uint32(buf[40+4*i:]))
	}
	if h.NX <= 0 || h.NY <= 0 || h.NZ <= 0 {
		return Header{}, fmt.Errorf("dimensions %dx%dx%d: %w", h.NX, h.NY, h.NZ, ErrFormat)
	}
	switch h.Mode {
	case ModeInt8, ModeInt16, ModeFloat32, ModeUint16:
	default:
		return Header{}, fmt.Errorf("data mode %d: %w", h.Mode, ErrFormat)
	}
	if h.NSymBT > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(h.NSymBT)); err != nil {
			return Header{}, fmt.Errorf("skipping extended header: %w", err)
		}
	}
	return h, nil
}

func bytesPerValue(mode int32) int {
	switch mode {
	case ModeInt8:
		return 1
	case ModeInt16, ModeUint16:
		return 2
	default:
		return 4
	}
}

// readSection decodes n values of the given mode.
func readSection(r io.Reader, mode int32, n int) ([]float64, error) {
	bpv := bytesPerValue(mode)
	buf := make([]byte, n*bpv)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("reading data: %w", err)
	}
	le := binary.LittleEndian
	out := make([]float64, n)
	for i := range out {
		b := buf[i*bpv:]
		switch mode {
		case ModeInt8:
			out[i] = float64(int8(b[0]))
		case ModeInt16:
			out[i] = float64(int16(le.Uint16(b)))
		case ModeUint16:
			out[i] = float64(le.Uint16(b))
		default:
			out[i] = float64(math.Float32frombits(le.Uint32(b)))
		}
	}
	return out, nil
}

// ReadVolume reads a cubic density map.
func ReadVolume(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	h, err := ReadHeader(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if h.NX != h.NY || h.NX != h.NZ {
		return nil, fmt.Errorf("%s: map %dx%dx%d is not cubic: %w", path, h.NX, h.NY, h.NZ, ErrFormat)
	}
	n := int(h.NX)
	data, err := readSection(r, h.Mode, n*n*n)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	vol := models.NewVolume(n)
	vol.PixelSize = h.PixelSize()
	copy(vol.RL, data)
	return vol, nil
}

// ReadImage reads section slot of a square image stack.
func ReadImage(path string, slot int) (*models.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h, err := ReadHeader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if h.NX != h.NY {
		return nil, fmt.Errorf("%s: images %dx%d are not square: %w", path, h.NX, h.NY, ErrFormat)
	}
	if slot < 0 || slot >= int(h.NZ) {
		return nil, fmt.Errorf("%s: slot %d outside stack of %d: %w", path, slot, h.NZ, ErrFormat)
	}
	n := int(h.NX)
	offset := int64(headerSize) + int64(h.NSymBT) + int64(slot)*int64(n*n*bytesPerValue(h.Mode))
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	data, err := readSection(f, h.Mode, n*n)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	img := models.NewImage(n)
	copy(img.RL, data)
	return img, nil
}

func writeHeader(w io.Writer, nx, ny, nz int, pixelSize float64, data [][]float64) error {
	var all []float64
	for _, d := range data {
		all = append(all, d...)
	}
	var dmin, dmax, dmean, rms float64
	if len(all) > 0 {
		dmin, dmax = floats.Min(all), floats.Max(all)
		dmean, rms = stat.PopMeanStdDev(all, nil)
	}

	buf := make([]byte, headerSize)
	le := binary.LittleEndian
	for i, v := range []int{nx, ny, nz} {
		le.PutUint32(buf[4*i:], uint32(v))
	}
	le.PutUint32(buf[12:], ModeFloat32)
	for i, v := range []int{nx, ny, nz} {
		le.PutUint32(buf[28+4*i:], uint32(v))
		le.PutUint32(buf[40+4*i:], math.Float32bits(float32(pixelSize*float64(v))))
		le.PutUint32(buf[52+4*i:], math.Float32bits(90))
		le.PutUint32(buf[64+4*i:], uint32(i+1))
	}
	le.PutUint32(buf[76:], math.Float32bits(float32(dmin)))
	le.PutUint32(buf[80:], math.Float32bits(float32(dmax)))
	le.PutUint32(buf[84:], math.Float32bits(float32(dmean)))
	copy(buf[208:], "MAP ")
	buf[212], buf[213] = 0x44, 0x44
	le.PutUint32(buf[216:], math.Float32bits(float32(rms)))
	_, err := w.Write(buf)
	return err
}

func writeData(w io.Writer, data []float64) error {
	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
	}
	_, err := w.Write(buf)
	return err
}

// WriteVolume writes vol as a float32 map.
func WriteVolume(path string, vol *models.Volume, pixelSize float64) error {
	n := vol.Size
	return writeFile(path, n, n, n, pixelSize, [][]float64{vol.RL})
}

// WriteStack writes equally sized images as a float32 stack.
func WriteStack(path string, imgs []*models.Image, pixelSize float64) error {
	if len(imgs) == 0 {
		return fmt.Errorf("empty stack: %w", ErrFormat)
	}
	n := imgs[0].Size
	data := make([][]float64, len(imgs))
	for i, img := range imgs {
		if img.Size != n {
			return fmt.Errorf("image %d has size %d instead of %d: %w", i, img.Size, n, ErrFormat)
		}
		data[i] = img.RL
	}
	return writeFile(path, n, n, len(imgs), pixelSize, data)
}

func writeFile(path string, nx, ny, nz int, pixelSize float64, data [][]float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	if err := writeHeader(w, nx, ny, nz, pixelSize, data); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	for _, d := range data {
		if err := writeData(w, d); err != nil {
			f.Close()
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
