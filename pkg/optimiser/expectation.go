package optimiser

import (
	"context"
	"fmt"
	"math"

	"cryorefine/internal/models"
	"cryorefine/pkg/config"
	"cryorefine/pkg/likelihood"
	"cryorefine/pkg/particle"
	"cryorefine/pkg/projector"
)

// arena holds the pixel-indexed arrays of one expectation. It is dropped
// when the expectation returns.
type arena struct {
	idx  *likelihood.PixelIndex
	freq []float64
	per  []precal
}

// precal are the indexed arrays of one image.
type precal struct {
	dat     []complex128
	ctf     []float64
	sigRcp  []float64
	defocus []float64
}

func (o *Optimiser) newArena() *arena {
	idx := likelihood.NewPixelIndex(o.size(), o.rL, float64(o.model.R()))
	a := &arena{idx: idx, freq: idx.Frequency(o.px()), per: make([]precal, len(o.data))}
	for l, d := range o.data {
		pc := &a.per[l]
		pc.dat = idx.Gather(d.img.FT, nil)
		pc.ctf = idx.GatherReal(d.ctfImg, nil)
		pc.sigRcp = idx.ExpandSigRcp(o.sigRcp[d.group])
		if !d.unit {
			pc.defocus = idx.Defocus(d.ctf)
		}
	}
	return a
}

// sampleBounds returns the largest and smallest hypothesis counts of a
// particle.
func (o *Optimiser) sampleBounds() (nMax, nMin int) {
	return o.cfg.Basic.K * o.cfg.Advanced.MG, o.cfg.Advanced.ML
}

// adaptiveSize shrinks the hypothesis count of a concentrated posterior.
func adaptiveSize(nWhole, nMin, nMax int, compress float64) int {
	n := int(math.Round(float64(nWhole) * math.Sqrt(math.Min(1, compress))))
	return max(nMin, min(nMax, n))
}

// perturbFactors are the per-phase perturbation factors of the current
// search state for rotation, translation and defocus.
func (o *Optimiser) perturbFactors() (float64, float64, float64) {
	a := o.cfg.Advanced
	switch o.search {
	case models.SearchGlobal:
		return a.PerturbFactorSGlobal, a.PerturbFactorSGlobal, a.PerturbFactorSGlobal
	case models.SearchLocal:
		return a.PerturbFactorSLocal, a.PerturbFactorSLocal, a.PerturbFactorSLocal
	default:
		return a.PerturbFactorSLocal, a.PerturbFactorSLocal, a.PerturbFactorSCTF
	}
}

// minSpread is the pose precision the cutoff resolves: the rotation that
// moves the particle edge by a quarter of the resolution period, and a
// translation of a quarter period when translations are searched.
func (o *Optimiser) minSpread() (rot, trans float64) {
	period := float64(o.size()) / float64(max(o.model.R(), 1))
	rot = period / (4 * math.Max(o.cfg.Basic.MaskRadius/o.px(), 1))
	if o.cfg.Basic.TransS > 0 {
		trans = period / 4
	}
	return rot, trans
}

// expectation updates every particle against the current model: a coarse
// grid scan seeds the particles during global search, then a local phase
// loop refines each of them.
func (o *Optimiser) expectation(ctx context.Context) error {
	ar := o.newArena()
	o.logs.Round.Printf("Scoring %d pixels in [%.2f, %d)", ar.idx.Len(), o.rL, o.model.R())

	rot, trans := o.minSpread()
	for _, d := range o.data {
		d.par.SetMinSpread(rot, trans)
	}

	nWhole := 0
	if o.search == models.SearchGlobal {
		var err error
		if nWhole, err = o.globalSearch(ctx, ar); err != nil {
			return err
		}
	}

	if err := o.parallel(ctx, len(o.data), func(l int) error {
		o.localSearch(o.data[l], ar, &ar.per[l], nWhole)
		return nil
	}); err != nil {
		return err
	}

	o.finalPerturbation()
	return nil
}

// finalPerturbation jitters every particle with the single factor of the
// current stage when FinalPerturbation is set.
func (o *Optimiser) finalPerturbation() {
	if !o.cfg.Professional.FinalPerturbation {
		return
	}
	var f float64
	switch o.search {
	case models.SearchGlobal:
		f = o.cfg.Advanced.PerturbFactorSGlobal
	case models.SearchLocal:
		f = o.cfg.Advanced.PerturbFactorSLocal
	default:
		f = o.cfg.Advanced.PerturbFactorSCTF
	}
	o.logs.Round.Printf("Final perturbation with factor %g", f)
	for _, d := range o.data {
		d.par.Perturb(f, f, f)
	}
}

// globalSearch scores every class x rotation x translation of a fresh grid
// and seeds each particle with its best combinations. It returns the size
// of the whole scanned space.
func (o *Optimiser) globalSearch(ctx context.Context, ar *arena) (int, error) {
	b, a := o.cfg.Basic, o.cfg.Advanced
	nMax, nMin := o.sampleBounds()

	nR := a.MS
	if o.mode == models.Mode3D {
		nR = a.MS / (1 + o.sym.NSymmetryElement())
	}
	nT := 1
	if b.TransS > 0 {
		nT = particle.NTranslations(b.TransS, a.TransSearchFactor)
	}
	nWhole := b.K * a.MS * nT
	grid := particle.NewGrid(o.particleConfig(), nR, nT, o.src)
	o.logs.Round.Printf("Global scan over %d rotations and %d translations", grid.NR(), grid.NT())

	idx := ar.idx
	trans := make([][]complex128, grid.NT())
	for t := range trans {
		trans[t] = make([]complex128, idx.Len())
		for n := range trans[t] {
			trans[t][n] = 1
		}
		tx, ty := grid.Translation(t)
		projector.Translate(trans[t], idx.Col, idx.Row, tx, ty, o.size())
	}

	boards := make([]*leaderboard, len(o.data))
	for l := range boards {
		boards[l] = newLeaderboard(nMax)
	}
	for c := 0; c < b.K; c++ {
		proj := o.model.Proj(c)
		err := o.parallel(ctx, grid.NR(), func(r int) error {
			q, phi := grid.Rotation(r)
			pri := make([]complex128, idx.Len())
			priT := make([]complex128, idx.Len())
			proj.ProjectIdx(pri, idx.Col, idx.Row, projector.PoseOf(q, phi, 0, 0))
			for t, phase := range trans {
				for n := range pri {
					priT[n] = pri[n] * phase[n]
				}
				for l := range o.data {
					pc := &ar.per[l]
					w := o.eval.Indexed(pc.dat, priT, pc.ctf, pc.sigRcp)
					boards[l].push(candidate{w: w, class: c, rot: r, trans: t})
				}
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("global scan of class %d: %w", c, err)
		}
	}

	err := o.parallel(ctx, len(o.data), func(l int) error {
		d := o.data[l]
		top := boards[l].drain()
		logW := make([]float64, len(top))
		for i, c := range top {
			logW[i] = c.w
		}
		particle.SoftWeights(logW)
		hs := make([]particle.Hypothesis, len(top))
		for i, c := range top {
			hs[i] = grid.Hypothesis(c.rot, c.trans)
			hs[i].Class = c.class
			hs[i].W = logW[i]
		}
		d.par.Load(hs)
		o.saveParticle(d, "Initial")
		d.par.Resample(adaptiveSize(nWhole, nMin, nMax, d.par.Compress()), 0)
		d.par.CalVari()
		return nil
	})
	return nWhole, err
}

// score is the log-likelihood of hypothesis h for image d.
func (o *Optimiser) score(d *datum, ar *arena, pc *precal, h particle.Hypothesis, pri []complex128) float64 {
	pose := projector.PoseOf(h.Quat, h.Phi, h.TX, h.TY)
	o.model.Proj(h.Class).ProjectIdx(pri, ar.idx.Col, ar.idx.Row, pose)
	if o.search == models.SearchCTF && !d.unit {
		return o.eval.Analytic(pc.dat, pri, d.ctf, ar.freq, pc.defocus, h.D, pc.sigRcp)
	}
	return o.eval.Indexed(pc.dat, pri, pc.ctf, pc.sigRcp)
}

// localSearch runs the perturb, score, reweight and resample phases of one
// image until its variances stop shrinking.
//
// A phase counts as progress when any variance drops below 90% of its
// running minimum. Three phases without progress end the loop, except that
// under the escalate-once policy a soft-weighted loop first switches to
// winner-take-all weighting and starts counting again.
func (o *Optimiser) localSearch(d *datum, ar *arena, pc *precal, nWhole int) {
	b, a, p := o.cfg.Basic, o.cfg.Advanced, o.cfg.Professional
	nMax, nMin := o.sampleBounds()

	var harsh bool
	switch p.HarshPolicy {
	case config.HarshAlways:
		harsh = true
	case config.HarshEscalateOnce:
		harsh = o.search != models.SearchGlobal
	}

	tVari0, tVari1 := 5*b.TransS, 5*b.TransS
	rVari, dVari := 1.0, 5*a.CTFRefineS
	noDecrease := 0

	pri := make([]complex128, ar.idx.Len())
	var logW []float64
	for phase := 0; phase < p.MaxNPhasePerIter; phase++ {
		switch {
		case phase == 0 && o.search == models.SearchLocal:
			d.par.Resample(a.ML, p.Alpha)
			if a.PerturbFactorL != 0 {
				d.par.Perturb(a.PerturbFactorL, a.PerturbFactorL, a.PerturbFactorL)
			}
		case phase == 0 && o.search == models.SearchCTF:
			d.par.Resample(int(math.Round(float64(a.ML)*a.CTFRefineFactor)), p.Alpha)
			if a.PerturbFactorL != 0 {
				d.par.Perturb(a.PerturbFactorL, a.PerturbFactorL, a.PerturbFactorL)
			}
			if o.model.SearchPrev() == models.SearchLocal {
				d.par.InitD(a.CTFRefineS)
			}
		default:
			d.par.Perturb(o.perturbFactors())
		}

		hs := d.par.Hypotheses()
		logW = logW[:0]
		for _, h := range hs {
			logW = append(logW, o.score(d, ar, pc, h, pri))
		}
		if harsh {
			particle.HardWeights(logW)
		} else {
			particle.SoftWeights(logW)
		}
		for m := range hs {
			d.par.MulW(logW[m], m)
		}
		d.par.NormW()
		o.saveParticle(d, fmt.Sprintf("%03d", phase))

		// The spread is only meaningful on the resampled set. A harsh
		// phase leaves it at zero and Perturb falls back to the minimum.
		if o.search == models.SearchGlobal {
			d.par.Resample(adaptiveSize(nWhole, nMin, nMax, d.par.Compress()), 0)
		} else {
			d.par.Resample(0, 0)
		}
		d.par.CalVari()

		if phase < p.MinNPhase {
			continue
		}
		r, s0, s1, dv := d.par.Vari()
		if s0 < 0.9*tVari0 || s1 < 0.9*tVari1 || r < 0.9*rVari || dv < 0.9*dVari {
			noDecrease = 0
		} else {
			noDecrease++
		}
		tVari0 = math.Min(tVari0, s0)
		tVari1 = math.Min(tVari1, s1)
		rVari = math.Min(rVari, r)
		dVari = math.Min(dVari, dv)

		if noDecrease == 3 {
			if harsh || p.HarshPolicy != config.HarshEscalateOnce {
				break
			}
			harsh = true
			noDecrease = 0
		}
	}
	o.saveParticle(d, "Final")
}
