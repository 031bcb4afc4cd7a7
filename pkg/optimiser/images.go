package optimiser

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"cryorefine/internal/models"
	"cryorefine/pkg/dataset"
	"cryorefine/pkg/fft"
	"cryorefine/pkg/likelihood"
	"cryorefine/pkg/mask"
	"cryorefine/pkg/model"
)

// initImg loads this worker's share of the images. Each image has its
// background mean removed; then every image of the hemisphere is divided
// by the mean background standard deviation. The masked copy is used for
// scoring and the unmasked copy for reconstruction and noise estimation.
func (o *Optimiser) initImg(ctx context.Context) error {
	b := o.cfg.Basic
	ids, err := o.store.IDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list particles: %w", err)
	}
	if len(ids) < 2 {
		return fmt.Errorf("need at least two particles, got %d", len(ids))
	}
	o.ids = ids
	if o.nGroup, err = o.store.NGroup(ctx); err != nil {
		return fmt.Errorf("failed to count groups: %w", err)
	}

	pos := make(map[int]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}
	mine := dataset.HemisphereIDs(ids, o.node.Hemisphere, o.node.Hemi.Size(), o.node.Hemi.Rank())

	radius := b.MaskRadius / b.PixelSize
	stdSum := 0.0
	o.data = make([]*datum, 0, len(mine))
	for _, id := range mine {
		meta, err := o.store.Meta(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to read particle %d: %w", id, err)
		}
		img, err := o.store.Image(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to read image of particle %d: %w", id, err)
		}
		if img.Size != b.Size {
			return fmt.Errorf("particle %d has box %d instead of %d: %w", id, img.Size, b.Size, model.ErrSizeMismatch)
		}
		mean, std := mask.BackgroundImage(img, radius)
		for i := range img.RL {
			img.RL[i] -= mean
		}
		stdSum += std

		d := &datum{
			id:    id,
			pos:   pos[id],
			group: min(max(meta.Group, 0), o.nGroup-1),
			attr:  meta.CTF,
			ori:   img,
			src:   rand.NewSource(b.Seed*1000003 + uint64(id) + 1),
		}
		o.initCTF(d)
		o.data = append(o.data, d)
	}

	// Step: normalise by the hemisphere's background noise
	buf := []float64{stdSum, float64(len(o.data))}
	if err := o.node.Hemi.AllReduceFloat64(ctx, "img-std", buf); err != nil {
		return fmt.Errorf("failed to reduce background noise: %w", err)
	}
	stdN := 0.0
	if buf[1] > 0 {
		stdN = buf[0] / buf[1]
	}
	o.logs.Init.Printf("Mean background standard deviation %g", stdN)

	for _, d := range o.data {
		if stdN > 0 {
			for i := range d.ori.RL {
				d.ori.RL[i] /= stdN
			}
		}
		d.img = d.ori.Copy()
		mask.SoftMaskImage(d.img, o.maskRadius(), mask.EdgeWidthRL, 0)
		fft.FwImg(d.img)
		fft.FwImg(d.ori)
	}
	return nil
}

// initCTF evaluates the CTF of d. A non-positive voltage marks data
// without optical modulation.
func (o *Optimiser) initCTF(d *datum) {
	if d.attr.Voltage <= 0 {
		d.unit = true
		d.ctfImg = likelihood.Unit(o.size())
		return
	}
	d.ctf = likelihood.NewCTF(d.attr)
	d.ctfImg = d.ctf.Image(o.size(), o.px())
}

// ctfImage is the CTF of d with its defocus scaled by df.
func (o *Optimiser) ctfImage(d *datum, df float64) []float64 {
	if d.unit || df == 1 {
		return d.ctfImg
	}
	attr := d.attr
	attr.DefocusU *= df
	attr.DefocusV *= df
	return likelihood.NewCTF(attr).Image(o.size(), o.px())
}

// initSigma estimates the noise power of every shell as half the
// difference between the mean power spectrum and the power spectrum of the
// mean image over the hemisphere.
func (o *Optimiser) initSigma(ctx context.Context) error {
	size, maxR := o.size(), o.model.MaxR()

	avg := make([]complex128, size*size)
	avgPs := make([]float64, maxR)
	for _, d := range o.data {
		for i, v := range d.ori.FT {
			avg[i] += v
		}
		for s, v := range powerSpectrum(d.ori, maxR) {
			avgPs[s] += v
		}
	}
	if err := o.node.Hemi.AllReduceComplex128(ctx, "sigma-avg", avg); err != nil {
		return fmt.Errorf("failed to reduce mean image: %w", err)
	}
	if err := o.node.Hemi.AllReduceFloat64(ctx, "sigma-ps", avgPs); err != nil {
		return fmt.Errorf("failed to reduce power spectrum: %w", err)
	}
	n := make([]float64, 1)
	n[0] = float64(len(o.data))
	if err := o.node.Hemi.AllReduceFloat64(ctx, "sigma-n", n); err != nil {
		return fmt.Errorf("failed to reduce image count: %w", err)
	}

	mean := models.NewImage(size)
	for i, v := range avg {
		mean.FT[i] = v / complex(n[0], 0)
	}
	psAvg := powerSpectrum(mean, maxR)

	row := make([]float64, maxR)
	for s := range row {
		row[s] = (avgPs[s]/n[0] - psAvg[s]) / 2
	}
	o.sig = make([][]float64, o.nGroup)
	for g := range o.sig {
		o.sig[g] = append([]float64(nil), row...)
	}
	o.refreshSigRcp()
	return nil
}

// refreshSigRcp floors degenerate noise entries and recomputes -0.5/sig.
func (o *Optimiser) refreshSigRcp() {
	o.sigRcp = make([][]float64, len(o.sig))
	for g, row := range o.sig {
		floor := 0.0
		for _, v := range row {
			if v > floor && !math.IsInf(v, 0) {
				floor = v
			}
		}
		floor *= 1e-9
		if floor <= 0 {
			floor = 1
		}
		o.sigRcp[g] = make([]float64, len(row))
		for s, v := range row {
			if !(v > floor) || math.IsInf(v, 0) {
				v = floor
				row[s] = v
			}
			o.sigRcp[g][s] = -0.5 / v
		}
	}
}

// powerSpectrum is the ring average of |F|^2 over the shells [0, n).
func powerSpectrum(img *models.Image, n int) []float64 {
	ps := make([]float64, n)
	cnt := make([]float64, n)
	h := img.Size / 2
	for j := -h; j < h; j++ {
		for i := -h; i < h; i++ {
			s := likelihood.Shell(i, j)
			if s >= n {
				continue
			}
			v := img.GetFT(i, j)
			ps[s] += real(v)*real(v) + imag(v)*imag(v)
			cnt[s]++
		}
	}
	for s := range ps {
		if cnt[s] > 0 {
			ps[s] /= cnt[s]
		}
	}
	return ps
}
