// Package particle implements the per-image weighted hypothesis set that
// approximates the posterior over class, pose, translation and defocus.
package particle

import (
	"fmt"
	"io"
	"math"
	"math/cmplx"
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"cryorefine/internal/models"
	"cryorefine/pkg/geom"
	"cryorefine/pkg/symmetry"
)

// Hypothesis is one candidate set of imaging parameters for an image.
type Hypothesis struct {
	// Class is the reference index in [0, K).
	Class int

	// Quat is the 3D rotation. Unused in planar mode.
	Quat quat.Number

	// Phi is the in-plane rotation in radians. Unused in volumetric mode.
	Phi float64

	// TX and TY are the translation in pixels.
	TX, TY float64

	// D is the defocus scale factor, 1 unless CTF refinement moved it.
	D float64

	// W is the weight. Normalised weights of a Particle sum to 1.
	W float64
}

// Config fixes the prior and size limits of a Particle.
type Config struct {
	Mode models.Mode

	// K is the number of classes.
	K int

	// TransS is the standard deviation of the translation prior in pixels.
	TransS float64

	// FlatTranslation draws prior translations uniformly in a disc of
	// radius TransS instead of from a Gaussian.
	FlatTranslation bool

	// Sym reduces rotations before computing dispersion. Nil means C1.
	Sym *symmetry.Symmetry

	// MinSize and MaxSize bound the number of hypotheses. Zero disables a bound.
	MinSize int
	MaxSize int
}

// Particle is an ordered, weighted set of hypotheses owned by one image.
type Particle struct {
	cfg Config
	src rand.Source
	hs  []Hypothesis

	rVari float64
	s0    float64
	s1    float64
	dVari float64

	// minR and minT are the smallest rotation and translation spreads
	// Perturb draws from.
	minR, minT float64

	topPrev Hypothesis
	hasPrev bool
}

// New creates an empty Particle. Call Reset before use.
func New(cfg Config, src rand.Source) *Particle {
	if cfg.K < 1 {
		cfg.K = 1
	}
	return &Particle{cfg: cfg, src: src}
}

// Size is the number of hypotheses.
func (p *Particle) Size() int { return len(p.hs) }

// Hypothesis returns the i-th hypothesis.
func (p *Particle) Hypothesis(i int) Hypothesis { return p.hs[i] }

// Hypotheses returns the backing slice. Callers must not retain it across
// Resample or Reset.
func (p *Particle) Hypotheses() []Hypothesis { return p.hs }

// Set replaces the i-th hypothesis.
func (p *Particle) Set(i int, h Hypothesis) { p.hs[i] = h }

func (p *Particle) clampSize(n int) int {
	if p.cfg.MaxSize > 0 && n > p.cfg.MaxSize {
		n = p.cfg.MaxSize
	}
	if n < p.cfg.MinSize {
		n = p.cfg.MinSize
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Reset replaces the set with n independent draws from the prior, equally
// weighted.
func (p *Particle) Reset(n int) {
	n = p.clampSize(n)
	p.hs = make([]Hypothesis, n)
	for i := range p.hs {
		p.hs[i] = p.drawPrior()
	}
	p.fillUniform()
	p.calVari()
}

// ResetGrid replaces the set with every combination of class, the grid's
// rotations and the grid's translations, equally weighted.
func (p *Particle) ResetGrid(g *Grid) {
	p.hs = p.hs[:0]
	for c := 0; c < p.cfg.K; c++ {
		for r := 0; r < g.NR(); r++ {
			for t := 0; t < g.NT(); t++ {
				h := g.Hypothesis(r, t)
				h.Class = c
				p.hs = append(p.hs, h)
			}
		}
	}
	p.fillUniform()
	p.calVari()
}

// Load replaces the set with hs and normalises their weights.
func (p *Particle) Load(hs []Hypothesis) {
	p.hs = append(p.hs[:0:0], hs...)
	p.NormW()
	p.calVari()
}

func (p *Particle) fillUniform() {
	w := 1 / float64(len(p.hs))
	for i := range p.hs {
		p.hs[i].W = w
	}
}

func (p *Particle) drawPrior() Hypothesis {
	h := Hypothesis{D: 1}
	h.Class = int(p.src.Uint64() % uint64(p.cfg.K))
	if p.cfg.Mode == models.Mode3D {
		h.Quat = geom.RandomRotation(p.src)
	} else {
		h.Quat = geom.Identity
		h.Phi = distuv.Uniform{Min: 0, Max: 2 * math.Pi, Src: p.src}.Rand()
	}
	h.TX, h.TY = drawTranslation(p.src, p.cfg.TransS, p.cfg.FlatTranslation)
	return h
}

func drawTranslation(src rand.Source, s float64, flat bool) (float64, float64) {
	if s <= 0 {
		return 0, 0
	}
	if flat {
		u := distuv.Uniform{Min: -1, Max: 1, Src: src}
		for {
			x, y := u.Rand(), u.Rand()
			if x*x+y*y <= 1 {
				return x * s, y * s
			}
		}
	}
	n := distuv.Normal{Mu: 0, Sigma: s, Src: src}
	return n.Rand(), n.Rand()
}

// MulW multiplies the weight of hypothesis i by f.
func (p *Particle) MulW(f float64, i int) { p.hs[i].W *= f }

// NormW scales the weights to sum to 1. A degenerate set (zero, negative or
// non-finite total) falls back to equal weights.
func (p *Particle) NormW() {
	sum := 0.0
	for _, h := range p.hs {
		sum += h.W
	}
	if !(sum > 0) || math.IsInf(sum, 0) {
		p.fillUniform()
		return
	}
	for i := range p.hs {
		p.hs[i].W /= sum
	}
}

// Resample draws a new equally weighted set. A fraction alpha of the n
// samples is drawn afresh from the prior; the rest are a multinomial draw
// proportional to the current weights. n <= 0 keeps the current size.
// Weights must be normalised before calling.
func (p *Particle) Resample(n int, alpha float64) {
	if n <= 0 {
		n = len(p.hs)
	}
	n = p.clampSize(n)

	nG := int(math.Round(alpha * float64(n)))
	if nG < 0 {
		nG = 0
	}
	if nG > n {
		nG = n
	}

	w := make([]float64, len(p.hs))
	sum := 0.0
	for i, h := range p.hs {
		if h.W > 0 && !math.IsInf(h.W, 0) {
			w[i] = h.W
			sum += h.W
		}
	}
	if !(sum > 0) {
		for i := range w {
			w[i] = 1
		}
	}

	drawn := make([]int, 0, n-nG)
	cat := distuv.NewCategorical(w, p.src)
	for len(drawn) < n-nG {
		drawn = append(drawn, int(cat.Rand()))
	}
	// Most probable survivors first, so Rank1st of the equally weighted
	// result is still the best hypothesis.
	sort.SliceStable(drawn, func(a, b int) bool { return w[drawn[a]] > w[drawn[b]] })

	next := make([]Hypothesis, 0, n)
	for _, k := range drawn {
		next = append(next, p.hs[k])
	}
	for len(next) < n {
		next = append(next, p.drawPrior())
	}

	p.hs = next
	p.fillUniform()
}

// Perturb jitters every hypothesis by zero-mean Gaussian noise whose spread
// is the given factor times the current standard deviation along each axis,
// or times the minimum spread where that is larger. A zero factor leaves
// that axis untouched.
func (p *Particle) Perturb(pR, pT, pD float64) {
	var sigR float64
	if p.cfg.Mode == models.Mode3D {
		sigR = pR * math.Max(math.Sqrt(4*p.rVari/3), p.minR)
	} else {
		sigR = pR * math.Max(math.Sqrt(2*p.rVari), p.minR)
	}
	sigT0 := pT * math.Max(math.Sqrt(p.s0), p.minT)
	sigT1 := pT * math.Max(math.Sqrt(p.s1), p.minT)
	sigD := pD * math.Sqrt(p.dVari)

	norm := func(s float64) float64 {
		if s <= 0 || math.IsNaN(s) {
			return 0
		}
		return distuv.Normal{Mu: 0, Sigma: s, Src: p.src}.Rand()
	}

	for i := range p.hs {
		h := &p.hs[i]
		if sigR > 0 {
			if p.cfg.Mode == models.Mode3D {
				h.Quat = geom.Normalize(quat.Mul(geom.SmallRotation(p.src, sigR), h.Quat))
			} else {
				h.Phi = geom.WrapAngle(h.Phi + norm(sigR))
			}
		}
		h.TX += norm(sigT0)
		h.TY += norm(sigT1)
		if sigD > 0 {
			h.D += norm(sigD)
		}
	}
}

// SetMinSpread bounds the rotation spread in radians and the translation
// spread in pixels that Perturb scales by its factors. A set that
// resampling collapsed onto one pose still moves by these amounts.
func (p *Particle) SetMinSpread(rot, trans float64) {
	p.minR = math.Max(rot, 0)
	p.minT = math.Max(trans, 0)
}

// InitD redraws every defocus factor from N(1, sigma^2).
func (p *Particle) InitD(sigma float64) {
	for i := range p.hs {
		p.hs[i].D = 1
		if sigma > 0 {
			p.hs[i].D += distuv.Normal{Mu: 0, Sigma: sigma, Src: p.src}.Rand()
		}
	}
	p.dVari = sigma * sigma
}

// Rank1st returns the hypothesis with the largest weight.
func (p *Particle) Rank1st() Hypothesis {
	best := 0
	for i, h := range p.hs {
		if h.W > p.hs[best].W {
			best = i
		}
	}
	return p.hs[best]
}

// CalVari refreshes the cached dispersion statistics from the current set.
func (p *Particle) CalVari() { p.calVari() }

func (p *Particle) calVari() {
	if len(p.hs) == 0 {
		return
	}
	n := len(p.hs)
	w := make([]float64, n)
	tx := make([]float64, n)
	ty := make([]float64, n)
	d := make([]float64, n)
	for i, h := range p.hs {
		w[i] = h.W
		tx[i] = h.TX
		ty[i] = h.TY
		d[i] = h.D
	}
	if floats.Sum(w) <= 0 {
		for i := range w {
			w[i] = 1
		}
	}

	p.s0 = stat.PopVariance(tx, w)
	p.s1 = stat.PopVariance(ty, w)
	p.dVari = stat.PopVariance(d, w)

	if p.cfg.Mode == models.Mode3D {
		p.rVari = p.rotationDispersion(w)
	} else {
		var m complex128
		tot := 0.0
		for i, h := range p.hs {
			m += complex(w[i], 0) * cmplx.Exp(complex(0, h.Phi))
			tot += w[i]
		}
		p.rVari = 1 - cmplx.Abs(m)/tot
	}
}

// rotationDispersion is 1 minus the largest eigenvalue of the weighted
// quaternion scatter matrix. It is 0 for a single pose and 0.75 for a
// uniform spread.
func (p *Particle) rotationDispersion(w []float64) float64 {
	ref := p.Rank1st().Quat
	scatter := mat.NewSymDense(4, nil)
	tot := 0.0
	for i, h := range p.hs {
		q := h.Quat
		if p.cfg.Sym != nil {
			q = p.cfg.Sym.Reduce(q, ref)
		}
		v := []float64{q.Real, q.Imag, q.Jmag, q.Kmag}
		for a := 0; a < 4; a++ {
			for b := a; b < 4; b++ {
				scatter.SetSym(a, b, scatter.At(a, b)+w[i]*v[a]*v[b])
			}
		}
		tot += w[i]
	}
	var eig mat.EigenSym
	if ok := eig.Factorize(scatter, false); !ok {
		return 1
	}
	vals := eig.Values(nil)
	max := vals[0]
	for _, v := range vals[1:] {
		if v > max {
			max = v
		}
	}
	r := 1 - max/tot
	if r < 0 {
		r = 0
	}
	return r
}

// Vari returns the cached rotational, translational and defocus variances.
func (p *Particle) Vari() (rVari, s0, s1, dVari float64) {
	return p.rVari, p.s0, p.s1, p.dVari
}

// Compress is the effective sample size ratio (sum w)^2 / (N sum w^2).
func (p *Particle) Compress() float64 {
	if len(p.hs) == 0 {
		return 0
	}
	s, s2 := 0.0, 0.0
	for _, h := range p.hs {
		s += h.W
		s2 += h.W * h.W
	}
	if s2 == 0 {
		return 0
	}
	return s * s / (float64(len(p.hs)) * s2)
}

// DiffTopR returns the rotation angle in radians between the current rank-1
// pose and the one recorded by the previous call, then records the current.
func (p *Particle) DiffTopR() float64 {
	top := p.Rank1st()
	defer func() {
		p.topPrev = top
		p.hasPrev = true
	}()
	if !p.hasPrev {
		return math.Pi
	}
	if p.cfg.Mode == models.Mode2D {
		d := math.Abs(geom.WrapAngle(top.Phi - p.topPrev.Phi))
		return math.Min(d, 2*math.Pi-d)
	}
	q := top.Quat
	if p.cfg.Sym != nil {
		q = p.cfg.Sym.Reduce(q, p.topPrev.Quat)
	}
	return geom.Angle(q, p.topPrev.Quat)
}

// DiffTopC reports whether the rank-1 class differs from the previous
// recorded rank-1 hypothesis. It must be called before DiffTopR.
func (p *Particle) DiffTopC() bool {
	return p.hasPrev && p.Rank1st().Class != p.topPrev.Class
}

// Save writes one line per hypothesis.
func (p *Particle) Save(w io.Writer) error {
	for _, h := range p.hs {
		var err error
		if p.cfg.Mode == models.Mode3D {
			_, err = fmt.Fprintf(w, "%03d %15.9f %15.9f %15.9f %15.9f %15.9f %15.9f %15.9f %15.9g\n",
				h.Class, h.Quat.Real, h.Quat.Imag, h.Quat.Jmag, h.Quat.Kmag, h.TX, h.TY, h.D, h.W)
		} else {
			_, err = fmt.Fprintf(w, "%03d %15.9f %15.9f %15.9f %15.9f %15.9g\n",
				h.Class, h.Phi, h.TX, h.TY, h.D, h.W)
		}
		if err != nil {
			return fmt.Errorf("error writing particle: %w", err)
		}
	}
	return nil
}
