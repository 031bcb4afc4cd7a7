package particle

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/stat/distuv"

	"cryorefine/internal/models"
	"cryorefine/pkg/geom"
)

// Grid is the coarse rotation x translation scan used to seed a global search.
type Grid struct {
	mode  models.Mode
	rots  []quat.Number
	phis  []float64
	trans [][2]float64
}

// NewGrid draws nR rotations uniformly and nT translations from the
// translation prior. The first translation is always the origin.
func NewGrid(cfg Config, nR, nT int, src rand.Source) *Grid {
	g := &Grid{mode: cfg.Mode}
	if nR < 1 {
		nR = 1
	}
	if nT < 1 {
		nT = 1
	}
	for r := 0; r < nR; r++ {
		if cfg.Mode == models.Mode3D {
			g.rots = append(g.rots, geom.RandomRotation(src))
		} else {
			g.phis = append(g.phis, 2*math.Pi*float64(r)/float64(nR))
		}
	}
	g.trans = append(g.trans, [2]float64{})
	for len(g.trans) < nT {
		x, y := drawTranslation(src, cfg.TransS, cfg.FlatTranslation)
		g.trans = append(g.trans, [2]float64{x, y})
	}
	return g
}

// NR is the number of rotations.
func (g *Grid) NR() int {
	if g.mode == models.Mode3D {
		return len(g.rots)
	}
	return len(g.phis)
}

// NT is the number of translations.
func (g *Grid) NT() int { return len(g.trans) }

// Rotation returns rotation r as a quaternion and an in-plane angle; only
// the one matching the mode is meaningful.
func (g *Grid) Rotation(r int) (quat.Number, float64) {
	if g.mode == models.Mode3D {
		return g.rots[r], 0
	}
	return geom.Identity, g.phis[r]
}

// Translation returns translation t.
func (g *Grid) Translation(t int) (float64, float64) {
	return g.trans[t][0], g.trans[t][1]
}

// Hypothesis combines rotation r and translation t with class 0 and unit
// defocus.
func (g *Grid) Hypothesis(r, t int) Hypothesis {
	q, phi := g.Rotation(r)
	tx, ty := g.Translation(t)
	return Hypothesis{Quat: q, Phi: phi, TX: tx, TY: ty, D: 1}
}

// NTranslations is the number of translation samples needed to cover a
// Gaussian prior of standard deviation transS: the area of the disc holding
// half of its mass, scaled by factor, and never fewer than 30.
func NTranslations(transS, factor float64) int {
	q := distuv.ChiSquared{K: 2}.Quantile(0.5)
	r := transS * q
	n := int(math.Round(math.Pi * r * r * factor))
	if n < 30 {
		n = 30
	}
	return n
}
