// Package optimiser runs the expectation-maximization refinement of one
// worker. A worker owns a fixed share of one hemisphere's images together
// with their particles, scores them against the model each round, and
// contributes to the references its hemisphere reconstructs.
package optimiser

import (
	"context"
	"fmt"
	"math"
	"os"

	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"

	"cryorefine/internal/logging"
	"cryorefine/internal/models"
	"cryorefine/pkg/comm"
	"cryorefine/pkg/config"
	"cryorefine/pkg/dataset"
	"cryorefine/pkg/likelihood"
	"cryorefine/pkg/mask"
	"cryorefine/pkg/model"
	"cryorefine/pkg/mrc"
	"cryorefine/pkg/particle"
	"cryorefine/pkg/symmetry"
)

// datum is one locally owned image with everything derived from it.
type datum struct {
	id int

	// pos is the position of id in the run-wide ID list.
	pos int

	group int
	attr  models.CTFAttr
	ctf   likelihood.CTF

	// unit marks images without optical modulation.
	unit   bool
	ctfImg []float64

	// img is soft-masked and ori unmasked, both in Fourier space.
	img *models.Image
	ori *models.Image

	par *particle.Particle
	src rand.Source
}

// Stats summarises the particles of the whole run after an expectation.
type Stats struct {
	// ClassDistr is the fraction of images whose best class is each class.
	ClassDistr []float64

	RVari, StdRVari   float64
	TVari0, StdTVari0 float64
	TVari1, StdTVari1 float64

	// RChange is the mean rotation change of the best hypothesis in radians.
	RChange, StdRChange float64

	// ClassChange is the fraction of images whose best class changed.
	ClassChange float64
}

// Optimiser is the mutable refinement context of one worker.
type Optimiser struct {
	cfg   *config.Config
	mode  models.Mode
	store dataset.Store
	node  *comm.Node
	logs  *logging.Loggers
	sym   *symmetry.Symmetry
	src   rand.Source
	eval  likelihood.Evaluator

	model  *model.Model
	search models.SearchType
	iter   int

	// rL is the lower likelihood radius and rS the scale estimation radius,
	// both in Fourier pixels.
	rL float64
	rS int

	ids    []int
	data   []*datum
	nGroup int

	// sig is the noise power per group and shell; sigRcp is -0.5/sig.
	sig    [][]float64
	sigRcp [][]float64
	scale  []float64

	solvent *models.Volume

	stats Stats
}

// New validates cfg and prepares an optimiser for node. Call Init before Run.
func New(cfg *config.Config, store dataset.Store, node *comm.Node, logs *logging.Loggers) (*Optimiser, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode, err := cfg.RunMode()
	if err != nil {
		return nil, err
	}
	sym, err := symmetry.New(cfg.Basic.Sym)
	if err != nil {
		return nil, fmt.Errorf("symmetry %q: %w", cfg.Basic.Sym, err)
	}
	if logs == nil {
		logs = logging.Discard()
	}
	if cfg.Basic.OutputDir != "" {
		if err := os.MkdirAll(cfg.Basic.OutputDir, 0755); err != nil {
			return nil, fmt.Errorf("error creating output directory: %w", err)
		}
	}
	seed := cfg.Basic.Seed*7919 + uint64(node.World.Rank())
	return &Optimiser{
		cfg:    cfg,
		mode:   mode,
		store:  store,
		node:   node,
		logs:   logs,
		sym:    sym,
		src:    rand.NewSource(seed),
		search: models.SearchGlobal,
	}, nil
}

// Model is the hemisphere model of this worker.
func (o *Optimiser) Model() *model.Model { return o.model }

// Stats are the particle statistics of the latest round.
func (o *Optimiser) Stats() Stats { return o.stats }

// Iterations is the number of completed rounds.
func (o *Optimiser) Iterations() int { return o.iter }

// Scale is the latest per-group intensity scale.
func (o *Optimiser) Scale() []float64 { return o.scale }

func (o *Optimiser) size() int { return o.cfg.Basic.Size }

func (o *Optimiser) px() float64 { return o.cfg.Basic.PixelSize }

func (o *Optimiser) resA2P(a float64) float64 {
	return model.ResA2P(1/a, o.size(), o.px())
}

// maskRadius is the particle radius in pixels less the soft edge.
func (o *Optimiser) maskRadius() float64 {
	return o.cfg.Basic.MaskRadius/o.px() - mask.EdgeWidthRL
}

// Init loads the references and images and estimates the initial noise and
// intensity scale.
func (o *Optimiser) Init(ctx context.Context) error {
	b, a, p := o.cfg.Basic, o.cfg.Advanced, o.cfg.Professional
	logger := o.logs.Init

	// Step 1: resolution radii
	logger.Println("Step 1: Setting resolution radii...")
	if p.IgnoreRes > 0 {
		o.rL = o.resA2P(p.IgnoreRes)
	} else {
		o.rL = o.resA2P(2 * b.MaskRadius)
	}
	o.rS = int(math.Round(o.resA2P(a.SclCorRes))) + 1
	rGlobal := int(math.Round(o.resA2P(b.GlobalSearchRes))) + 1
	r := int(math.Round(o.resA2P(b.InitRes))) + 1
	avg := 0
	if a.GoldStandardRes > 0 {
		avg = int(math.Round(o.resA2P(a.GoldStandardRes)))
	}
	logger.Printf("rL = %.2f, rS = %d, rGlobal = %d, r = %d", o.rL, o.rS, rGlobal, r)

	// Step 2: initial references
	logger.Println("Step 2: Building initial references...")
	refs, err := o.initRef()
	if err != nil {
		return err
	}
	if o.cfg.Mask.MaskPath != "" && o.mode == models.Mode3D {
		if o.solvent, err = mrc.ReadVolume(o.cfg.Mask.MaskPath); err != nil {
			return fmt.Errorf("failed to read mask: %w", err)
		}
		if o.solvent.Size != b.Size {
			return fmt.Errorf("mask has box %d instead of %d: %w", o.solvent.Size, b.Size, model.ErrSizeMismatch)
		}
	}
	o.model, err = model.New(model.Params{
		Mode:                  o.mode,
		K:                     b.K,
		Size:                  b.Size,
		Pf:                    p.Pf,
		PixelSize:             b.PixelSize,
		Sym:                   o.sym,
		R:                     r,
		RGlobal:               rGlobal,
		MaxRGap:               p.MaxRGap,
		RChangeDecreaseFactor: p.RChangeDecreaseFactor,
		RChangeNoDecrease:     p.RChangeNoDecrease,
		TopResNoImprove:       p.TopResNoImprove,
		CTFRefine:             a.CTFRefine,
		AverageRadius:         avg,
		WienerFSC:             p.WienerFSC,
		WienerConst:           p.WienerConst,
		MinT:                  p.MinT,
		NumCores:              b.NumThreads,
		Logger:                o.logs.Reco,
	}, refs)
	if err != nil {
		return err
	}

	// Step 3: images and CTFs
	logger.Println("Step 3: Loading images...")
	if err := o.initImg(ctx); err != nil {
		return err
	}
	logger.Printf("Worker %s holds %d of %d images in %d groups", o.node, len(o.data), len(o.ids), o.nGroup)

	// Step 4: particles
	logger.Println("Step 4: Resetting particles to the prior...")
	for _, d := range o.data {
		d.par = particle.New(o.particleConfig(), d.src)
		d.par.Reset(b.K * a.MG)
	}

	// Step 5: projectors and reconstructors
	logger.Println("Step 5: Preparing projectors and reconstructors...")
	o.model.RefreshProjector()
	o.model.ResetReco()

	// Step 6: intensity scale and noise
	logger.Println("Step 6: Estimating intensity scale and noise...")
	if err := o.correctScale(ctx, true, false); err != nil {
		return err
	}
	if err := o.initSigma(ctx); err != nil {
		return err
	}
	if err := o.saveImages(); err != nil {
		return err
	}
	return o.saveCTFs()
}

func (o *Optimiser) particleConfig() particle.Config {
	return particle.Config{
		Mode:   o.mode,
		K:      o.cfg.Basic.K,
		TransS: o.cfg.Basic.TransS,
		Sym:    o.sym,
	}
}

// initRef reads the initial model or builds a soft sphere (3D) or disc (2D),
// one copy per class, with negative densities removed.
func (o *Optimiser) initRef() ([]models.Reference, error) {
	b := o.cfg.Basic
	radius := b.MaskRadius / b.PixelSize
	var base models.Reference
	switch {
	case o.mode == models.Mode2D:
		img := models.NewImage(b.Size)
		mask.Disc(img, radius, mask.EdgeWidthRL)
		base = models.Reference{Img: img}
	case b.InitModel != "":
		vol, err := mrc.ReadVolume(b.InitModel)
		if err != nil {
			return nil, fmt.Errorf("failed to read initial model: %w", err)
		}
		if vol.Size != b.Size {
			return nil, fmt.Errorf("initial model has box %d instead of %d: %w", vol.Size, b.Size, model.ErrSizeMismatch)
		}
		for i, v := range vol.RL {
			vol.RL[i] = math.Max(v, 0)
		}
		base = models.Reference{Vol: vol}
	default:
		vol := models.NewVolume(b.Size)
		mask.Sphere(vol, radius, mask.EdgeWidthRL)
		base = models.Reference{Vol: vol}
	}
	if base.Vol != nil {
		base.Vol.PixelSize = b.PixelSize
	}
	refs := make([]models.Reference, b.K)
	for l := range refs {
		refs[l] = base.Copy()
	}
	return refs, nil
}

// parallel runs fn for every index in [0, n) on at most NumThreads
// goroutines.
func (o *Optimiser) parallel(ctx context.Context, n int, fn func(i int) error) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(o.cfg.Basic.NumThreads, 1))
	for i := 0; i < n; i++ {
		i := i
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(i)
		})
	}
	return eg.Wait()
}

// Run iterates expectation and maximization until the search stops or
// IterMax rounds have passed, then reconstructs once more at Nyquist.
func (o *Optimiser) Run(ctx context.Context) error {
	b, a := o.cfg.Basic, o.cfg.Advanced
	logger := o.logs.Round

	for o.iter = 0; o.iter < b.IterMax; o.iter++ {
		if o.search == models.SearchStop {
			break
		}
		logger.Printf("Round %03d: %s at cutoff %d (%.2f A)", o.iter, o.search, o.model.R(),
			1/model.ResP2A(float64(o.model.R()), o.size(), o.px()))

		logger.Println("Step 1: Expectation...")
		if err := o.expectation(ctx); err != nil {
			return fmt.Errorf("round %d expectation: %w", o.iter, err)
		}

		logger.Println("Step 2: Refreshing particle statistics...")
		if err := o.refreshStats(ctx); err != nil {
			return fmt.Errorf("round %d statistics: %w", o.iter, err)
		}
		if err := o.saveBestProjections(); err != nil {
			return err
		}
		o.model.SetRChange(o.stats.RChange, o.stats.StdRChange)
		o.model.DetermineIncreaseR()
		logger.Printf("Rotation change %.6f (std %.6f), class change %.4f, increaseR %t",
			o.stats.RChange, o.stats.StdRChange, o.stats.ClassChange, o.model.IncreaseR())

		logger.Println("Step 3: Maximization...")
		if err := o.maximization(ctx); err != nil {
			return fmt.Errorf("round %d maximization: %w", o.iter, err)
		}

		logger.Println("Step 4: Comparing hemispheres...")
		if err := o.saveSig(); err != nil {
			return err
		}
		if err := o.saveReference(false); err != nil {
			return err
		}
		if err := o.model.BcastFSC(ctx, o.node); err != nil {
			return fmt.Errorf("round %d FSC: %w", o.iter, err)
		}
		o.model.RefreshSNR()
		if err := o.saveFSC(false); err != nil {
			return err
		}

		logger.Println("Step 5: Updating resolution and search state...")
		o.model.RefreshResolution(a.ThresReportFSC)
		logger.Printf("Resolution %.2f A (FSC %.3f), cutoff resolution %.2f A (FSC %.3f)",
			o.model.ResolutionA(a.ThresReportFSC, false), a.ThresReportFSC,
			o.model.ResolutionA(a.ThresCutoffFSC, false), a.ThresCutoffFSC)
		o.model.UpdateR(a.ThresCutoffFSC)
		o.search = o.model.DecideSearchType()
		if o.model.AdvanceRT() {
			logger.Printf("Rotation change tracking restarted at cutoff %d", o.model.RT())
		}

		logger.Println("Step 6: Flattening solvent and refreshing projectors...")
		if err := o.solventFlatten(); err != nil {
			return fmt.Errorf("round %d: %w", o.iter, err)
		}
		o.model.RefreshProjector()
		o.model.ResetReco()
	}

	logger.Println("Final: reconstructing at Nyquist...")
	o.model.SetR(o.model.MaxR())
	o.model.ResetReco()
	if err := o.reconstructRef(ctx); err != nil {
		return fmt.Errorf("final reconstruction: %w", err)
	}
	if err := o.saveReference(true); err != nil {
		return err
	}
	if err := o.model.BcastFSC(ctx, o.node); err != nil {
		return fmt.Errorf("final FSC: %w", err)
	}
	o.model.RefreshSNR()
	logger.Printf("Final resolution %.2f A", o.model.ResolutionA(a.ThresReportFSC, false))
	return o.saveFSC(true)
}
