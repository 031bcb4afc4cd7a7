package optimiser

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"cryorefine/internal/models"
	"cryorefine/pkg/geom"
	"cryorefine/pkg/likelihood"
	"cryorefine/pkg/mask"
	"cryorefine/pkg/particle"
	"cryorefine/pkg/projector"
	"cryorefine/pkg/reconstruction"
)

// errScaleSign is returned when the per-group scales disagree in sign.
var errScaleSign = errors.New("median and mean of intensity scale have opposite signs")

// maximization re-estimates the noise and scale and rebuilds the references.
func (o *Optimiser) maximization(ctx context.Context) error {
	a := o.cfg.Advanced
	logger := o.logs.Round

	logger.Println("Normalising images...")
	if err := o.normCorrection(ctx); err != nil {
		return err
	}

	logger.Println("Re-estimating noise...")
	if err := o.allReduceSigma(ctx, a.GroupSig); err != nil {
		return err
	}

	if o.search == models.SearchGlobal && a.GroupScl && o.iter != 0 {
		logger.Println("Re-balancing intensity scale...")
		if err := o.correctScale(ctx, false, true); err != nil {
			return err
		}
	}

	logger.Println("Reconstructing references...")
	return o.reconstructRef(ctx)
}

// ctfStage reports whether defocus factors take part in the CTF.
func (o *Optimiser) ctfStage() bool {
	return o.search == models.SearchCTF ||
		(o.cfg.Advanced.CTFRefine && o.search == models.SearchStop)
}

// bestProjection is the CTF-modulated projection of the best hypothesis.
func (o *Optimiser) bestProjection(d *datum) (*models.Image, particle.Hypothesis) {
	h := d.par.Rank1st()
	img := models.NewImage(o.size())
	o.model.Proj(h.Class).Project(img, projector.PoseOf(h.Quat, h.Phi, h.TX, h.TY))
	df := 1.0
	if o.ctfStage() {
		df = h.D
	}
	ctf := o.ctfImage(d, df)
	for i := range img.FT {
		img.FT[i] *= complex(ctf[i], 0)
	}
	return img, h
}

// residual is the observed image minus the best projection, in Fourier space.
func (o *Optimiser) residual(d *datum) *models.Image {
	img, _ := o.bestProjection(d)
	for i := range img.FT {
		img.FT[i] = d.ori.FT[i] - img.FT[i]
	}
	return img
}

// normCorrection measures each image's residual power in [rL, rU). With
// NormCorrection set every image is rescaled towards the median power.
func (o *Optimiser) normCorrection(ctx context.Context) error {
	norm := make([]float64, len(o.ids))
	rU := float64(o.model.RU())
	h := o.size() / 2
	err := o.parallel(ctx, len(o.data), func(l int) error {
		d := o.data[l]
		res := o.residual(d)
		sum := 0.0
		for j := -h; j < h; j++ {
			for i := 0; i < h; i++ {
				r := math.Hypot(float64(i), float64(j))
				if r < o.rL || r >= rU {
					continue
				}
				v := res.GetFT(i, j)
				sum += real(v)*real(v) + imag(v)*imag(v)
			}
		}
		norm[d.pos] = sum
		return nil
	})
	if err != nil {
		return err
	}
	if err := o.node.World.AllReduceFloat64(ctx, "norm", norm); err != nil {
		return fmt.Errorf("failed to reduce residual norms: %w", err)
	}

	sorted := append([]float64(nil), norm...)
	sort.Float64s(sorted)
	m := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	o.logs.Round.Printf("Residual norm min %g, median %g, max %g", floats.Min(norm), m, floats.Max(norm))
	if !o.cfg.Professional.NormCorrection || m <= 0 {
		return nil
	}
	for _, d := range o.data {
		n := math.Min(math.Max(norm[d.pos], m/5), m*5)
		f := complex(math.Sqrt(m/n), 0)
		for i := range d.ori.FT {
			d.ori.FT[i] *= f
			d.img.FT[i] *= f
		}
	}
	return nil
}

// allReduceSigma re-estimates the noise power of every shell from the
// residuals of the best hypotheses, averaged per group or over all images.
func (o *Optimiser) allReduceSigma(ctx context.Context, group bool) error {
	maxR := o.model.MaxR()
	nGroup := o.nGroup
	width := maxR + 1

	// buf holds per group the summed half power of each shell followed by
	// the image count.
	buf := make([]float64, nGroup*width)
	locks := make([]sync.Mutex, nGroup)
	err := o.parallel(ctx, len(o.data), func(l int) error {
		d := o.data[l]
		ps := powerSpectrum(o.residual(d), maxR)
		g := 0
		if group {
			g = d.group
		}
		locks[g].Lock()
		defer locks[g].Unlock()
		row := buf[g*width : (g+1)*width]
		for s, v := range ps {
			row[s] += v / 2
		}
		row[maxR]++
		return nil
	})
	if err != nil {
		return err
	}
	if err := o.node.Hemi.AllReduceFloat64(ctx, "sigma", buf); err != nil {
		return fmt.Errorf("failed to reduce noise: %w", err)
	}

	for g := range o.sig {
		src := g
		if !group {
			src = 0
		}
		row := buf[src*width : (src+1)*width]
		if row[maxR] == 0 {
			continue
		}
		for s := 0; s < maxR; s++ {
			o.sig[g][s] = row[s] / row[maxR]
		}
	}
	o.refreshSigRcp()
	return nil
}

// refreshScale estimates the intensity scale of every group as the mean
// over shells below rS of sum Re(X conj(A)) / sum |A|^2, where X is the
// observed image and A the CTF-modulated projection. At initialisation A
// is a projection of class 0 at a random rotation; later it is the best
// hypothesis. Scales are clipped to a factor of 5 around their median and,
// after initialisation, divided by their mean magnitude.
func (o *Optimiser) refreshScale(ctx context.Context, init, group bool) error {
	rS := o.rS
	if !init {
		rS = o.model.ResolutionP(o.cfg.Advanced.ThresCutoffFSC, false)
	}
	rS = max(min(rS, o.model.R()), 2)
	nGroup := o.nGroup
	h := o.size() / 2

	xa := make([][]float64, len(o.data))
	aa := make([][]float64, len(o.data))
	err := o.parallel(ctx, len(o.data), func(l int) error {
		d := o.data[l]
		var prj *models.Image
		if init {
			var pose projector.Pose
			if o.mode == models.Mode3D {
				pose = projector.PoseOf(geom.RandomRotation(d.src), 0, 0, 0)
			} else {
				pose = projector.PoseOf(geom.Identity, distuv.Uniform{Min: 0, Max: 2 * math.Pi, Src: d.src}.Rand(), 0, 0)
			}
			prj = models.NewImage(o.size())
			o.model.Proj(0).Project(prj, pose)
			for i := range prj.FT {
				prj.FT[i] *= complex(d.ctfImg[i], 0)
			}
		} else {
			prj, _ = o.bestProjection(d)
		}
		xa[l] = make([]float64, rS)
		aa[l] = make([]float64, rS)
		for j := -h; j < h; j++ {
			for i := 0; i < h; i++ {
				s := likelihood.Shell(i, j)
				if s >= rS {
					continue
				}
				x, a := d.ori.GetFT(i, j), prj.GetFT(i, j)
				xa[l][s] += real(x)*real(a) + imag(x)*imag(a)
				aa[l][s] += real(a)*real(a) + imag(a)*imag(a)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	mXA := make([]float64, nGroup*rS)
	mAA := make([]float64, nGroup*rS)
	for l, d := range o.data {
		g := 0
		if group {
			g = d.group
		}
		floats.Add(mXA[g*rS:(g+1)*rS], xa[l])
		floats.Add(mAA[g*rS:(g+1)*rS], aa[l])
	}
	if err := o.node.World.AllReduceFloat64(ctx, "scale-xa", mXA); err != nil {
		return fmt.Errorf("failed to reduce scale: %w", err)
	}
	if err := o.node.World.AllReduceFloat64(ctx, "scale-aa", mAA); err != nil {
		return fmt.Errorf("failed to reduce scale: %w", err)
	}

	o.scale = make([]float64, nGroup)
	for g := range o.scale {
		src := g
		if !group {
			src = 0
		}
		var ratios []float64
		for s := 1; s < rS; s++ {
			if a := mAA[src*rS+s]; a > 0 {
				ratios = append(ratios, mXA[src*rS+s]/a)
			}
		}
		o.scale[g] = 1
		if len(ratios) > 0 {
			o.scale[g] = stat.Mean(ratios, nil)
		}
	}

	sorted := append([]float64(nil), o.scale...)
	sort.Float64s(sorted)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	for g, s := range o.scale {
		switch {
		case math.Abs(s) > math.Abs(median*5):
			o.scale[g] = median * 5
		case math.Abs(s) < math.Abs(median/5):
			o.scale[g] = median / 5
		}
	}
	mean := stat.Mean(o.scale, nil)
	if median*mean < 0 {
		return errScaleSign
	}
	if !init {
		floats.Scale(1/math.Abs(mean), o.scale)
	}
	o.logs.Round.Printf("Intensity scale over %d shells: mean %g, std %g", rS, mean, stat.StdDev(o.scale, nil))
	return nil
}

// correctScale divides every image by the scale of its group. After
// initialisation the noise tables follow the images.
func (o *Optimiser) correctScale(ctx context.Context, init, group bool) error {
	if err := o.refreshScale(ctx, init, group); err != nil {
		return err
	}
	for _, d := range o.data {
		s := o.scale[d.group]
		if s == 0 {
			continue
		}
		f := complex(1/s, 0)
		for i := range d.ori.FT {
			d.ori.FT[i] *= f
			d.img.FT[i] *= f
		}
	}
	if !init {
		for g, row := range o.sig {
			if s := o.scale[g]; s != 0 {
				floats.Scale(1/(s*s), row)
			}
		}
		o.refreshSigRcp()
	}
	return nil
}

// draw picks a hypothesis of d in proportion to its weight.
func draw(d *datum) particle.Hypothesis {
	hs := d.par.Hypotheses()
	w := make([]float64, len(hs))
	for i, h := range hs {
		w[i] = h.W
	}
	if floats.Sum(w) <= 0 {
		return hs[0]
	}
	return hs[int(distuv.NewCategorical(w, d.src).Rand())]
}

// reconstructRef inserts MReco hypotheses of every image into the
// reconstructor of their class and solves the hemisphere references.
func (o *Optimiser) reconstructRef(ctx context.Context) error {
	a, p := o.cfg.Advanced, o.cfg.Professional
	ctfStage := o.ctfStage()

	type routed struct {
		class  int
		sample reconstruction.Sample
	}
	perImage := make([][]routed, len(o.data))
	err := o.parallel(ctx, len(o.data), func(l int) error {
		d := o.data[l]
		w := 1.0
		if p.ParGra {
			w = d.par.Compress()
		}
		w /= float64(a.MReco)
		for m := 0; m < a.MReco; m++ {
			h := draw(d)
			df := 1.0
			if ctfStage {
				df = h.D
			}
			perImage[l] = append(perImage[l], routed{class: h.Class, sample: reconstruction.Sample{
				Img:  d.ori,
				CTF:  o.ctfImage(d, df),
				Quat: h.Quat,
				Phi:  h.Phi,
				TX:   h.TX,
				TY:   h.TY,
				W:    w,
			}})
		}
		return nil
	})
	if err != nil {
		return err
	}

	byClass := make([][]reconstruction.Sample, o.cfg.Basic.K)
	for _, rs := range perImage {
		for _, r := range rs {
			byClass[r.class] = append(byClass[r.class], r.sample)
		}
	}
	for c, samples := range byClass {
		o.model.Reco(c).InsertAll(samples)
	}
	return o.model.Reconstruct(ctx, o.node.Hemi)
}

// useSolventMask reports whether the explicit mask replaces the soft sphere
// this round.
func (o *Optimiser) useSolventMask() bool {
	m := o.cfg.Mask
	return m.PerformMask && o.solvent != nil && (o.search != models.SearchGlobal || m.GlobalMask)
}

// solventFlatten removes negative densities and masks every reference, with
// the explicit mask when one is configured and a soft sphere or disc
// otherwise. Without ZeroMask the soft edge blends into the mean background.
func (o *Optimiser) solventFlatten() error {
	radius := o.maskRadius()
	for l := 0; l < o.cfg.Basic.K; l++ {
		ref := o.model.Ref(l).Copy()
		rl := ref.RL()
		for i, v := range rl {
			rl[i] = math.Max(v, 0)
		}
		switch {
		case ref.Img != nil:
			bg := 0.0
			if !o.cfg.Advanced.ZeroMask {
				bg, _ = mask.BackgroundImage(ref.Img, radius+mask.EdgeWidthRL)
			}
			mask.SoftMaskImage(ref.Img, radius, mask.EdgeWidthRL, bg)
		case o.useSolventMask():
			for i := range rl {
				rl[i] *= o.solvent.RL[i]
			}
		default:
			bg := 0.0
			if !o.cfg.Advanced.ZeroMask {
				bg = mask.BackgroundVolume(ref.Vol, radius, mask.EdgeWidthRL)
			}
			mask.SoftMaskVolume(ref.Vol, radius, mask.EdgeWidthRL, bg)
		}
		if err := o.model.SetRef(l, ref); err != nil {
			return fmt.Errorf("failed to flatten class %d: %w", l, err)
		}
	}
	return nil
}
