// Package model owns the per-class references of a refinement together with
// their projectors and reconstructors, and tracks the resolution and search
// state that drive the iteration schedule.
package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"

	"cryorefine/internal/models"
	"cryorefine/pkg/comm"
	"cryorefine/pkg/fft"
	"cryorefine/pkg/mask"
	"cryorefine/pkg/projector"
	"cryorefine/pkg/reconstruction"
	"cryorefine/pkg/symmetry"
)

// ErrSizeMismatch is returned when a reference does not match the box size.
var ErrSizeMismatch = errors.New("reference size mismatch")

// EdgeWidthFT is the width in Fourier pixels of the low-pass edge applied
// before projecting.
const EdgeWidthFT = 2

// Params configures a Model.
type Params struct {
	Mode      models.Mode
	K         int
	Size      int
	Pf        int
	PixelSize float64
	Sym       *symmetry.Symmetry

	// R is the initial cutoff and RGlobal the largest cutoff allowed during
	// global search, both in Fourier pixels.
	R       int
	RGlobal int

	// MaxRGap bounds how far the cutoff may grow in one round.
	MaxRGap int

	// RChangeDecreaseFactor is the relative drop in rotation change that
	// counts as progress.
	RChangeDecreaseFactor float64

	// RChangeNoDecrease is the number of rounds without progress after
	// which the cutoff is raised.
	RChangeNoDecrease int

	// TopResNoImprove is the number of rounds without a better resolution
	// after which local search ends.
	TopResNoImprove int

	CTFRefine bool

	// AverageRadius is the shell below which hemisphere references are
	// averaged after each FSC exchange. Zero disables averaging.
	AverageRadius int

	WienerFSC   bool
	WienerConst float64
	MinT        float64
	NumCores    int

	Logger *log.Logger
}

// Model is the mutable reference state of one hemisphere.
type Model struct {
	params Params

	refs  []models.Reference
	proj  []*projector.Projector
	reco  []*reconstruction.Reconstructor
	fsc   [][]float64
	snr   [][]float64
	shell []int

	r, rU, rT, maxR int

	search, searchPrev models.SearchType

	rChange, rChangePrev float64
	stdRChange           float64
	nRChangeNoDecrease   int
	increaseR            bool

	res, resT        int
	nTopResNoImprove int
}

// New creates a model from initial real-space references, one per class.
func New(params Params, refs []models.Reference) (*Model, error) {
	if len(refs) != params.K {
		return nil, fmt.Errorf("%d references for %d classes: %w", len(refs), params.K, ErrSizeMismatch)
	}
	for l, ref := range refs {
		if ref.Size() != params.Size {
			return nil, fmt.Errorf("class %d has box %d instead of %d: %w", l, ref.Size(), params.Size, ErrSizeMismatch)
		}
	}
	if params.Pf < 1 {
		params.Pf = 1
	}
	if params.Logger == nil {
		params.Logger = log.New(io.Discard, "", 0)
	}

	m := &Model{
		params: params,
		refs:   refs,
		proj:   make([]*projector.Projector, params.K),
		reco:   make([]*reconstruction.Reconstructor, params.K),
		fsc:    make([][]float64, params.K),
		snr:    make([][]float64, params.K),
		shell:  shellIndex(params.Mode, params.Size),
		maxR:   params.Size / 2,
		search: models.SearchGlobal,
	}
	m.searchPrev = m.search
	m.r = min(max(params.R, 1), m.maxR)
	m.rT = m.r
	m.updateRU()
	m.ResetRChange()

	for l := range m.reco {
		m.reco[l] = reconstruction.NewReconstructor(&reconstruction.Params{
			Mode:        params.Mode,
			Size:        params.Size,
			Pf:          params.Pf,
			MaxRadius:   float64(m.rU),
			Sym:         params.Sym,
			WienerFSC:   params.WienerFSC,
			WienerConst: params.WienerConst,
			MinT:        params.MinT,
			NumCores:    params.NumCores,
			Logger:      params.Logger,
		})
		m.fsc[l] = make([]float64, m.maxR)
		m.snr[l] = make([]float64, m.maxR)
	}
	return m, nil
}

// K is the number of classes.
func (m *Model) K() int { return m.params.K }

// R is the current cutoff radius in Fourier pixels.
func (m *Model) R() int { return m.r }

// SetR overrides the cutoff. Used for the final Nyquist pass.
func (m *Model) SetR(r int) {
	m.r = min(max(r, 1), m.maxR)
	m.updateRU()
}

// RU is the band limit of reconstruction and noise estimation.
func (m *Model) RU() int { return m.rU }

// RT is the cutoff at which rotation-change tracking was last reset.
func (m *Model) RT() int { return m.rT }

// RGlobal is the largest cutoff used during global search.
func (m *Model) RGlobal() int { return m.params.RGlobal }

// MaxR is the Nyquist radius.
func (m *Model) MaxR() int { return m.maxR }

// Search is the current search state.
func (m *Model) Search() models.SearchType { return m.search }

// SearchPrev is the search state of the previous round.
func (m *Model) SearchPrev() models.SearchType { return m.searchPrev }

// Ref returns the real-space reference of class l.
func (m *Model) Ref(l int) models.Reference { return m.refs[l] }

// SetRef replaces the reference of class l.
func (m *Model) SetRef(l int, ref models.Reference) error {
	if ref.Size() != m.params.Size {
		return fmt.Errorf("class %d has box %d instead of %d: %w", l, ref.Size(), m.params.Size, ErrSizeMismatch)
	}
	m.refs[l] = ref
	return nil
}

// Proj returns the projector of class l, valid after RefreshProjector.
func (m *Model) Proj(l int) *projector.Projector { return m.proj[l] }

// Reco returns the reconstructor of class l.
func (m *Model) Reco(l int) *reconstruction.Reconstructor { return m.reco[l] }

// FSC returns the per-shell FSC of class l.
func (m *Model) FSC(l int) []float64 { return m.fsc[l] }

// SNR returns the per-shell SNR of class l.
func (m *Model) SNR(l int) []float64 { return m.snr[l] }

// Res is the best shell index of the latest FSC, and ResT the best so far.
func (m *Model) Res() int  { return m.res }
func (m *Model) ResT() int { return m.resT }

// IncreaseR reports whether rotation change has plateaued.
func (m *Model) IncreaseR() bool { return m.increaseR }

// RChange is the latest mean rotation change and StdRChange its spread.
func (m *Model) RChange() float64    { return m.rChange }
func (m *Model) StdRChange() float64 { return m.stdRChange }

func (m *Model) updateRU() {
	gap := max(m.params.MaxRGap, 1)
	m.rU = min(m.r+gap, m.maxR)
}

// LowPass returns a copy of ref with a raised-cosine edge ending at radius
// r Fourier pixels.
func (m *Model) LowPass(ref models.Reference, r float64) models.Reference {
	out := ref.Copy()
	toFourier(out)
	ft := out.FT()
	for idx, rad := range m.radius() {
		if rad < 0 {
			ft[idx] = 0
			continue
		}
		ft[idx] *= complex(mask.Factor(rad, r-EdgeWidthFT, EdgeWidthFT), 0)
	}
	toReal(out)
	return out
}

// radius returns the centred radius of every Fourier index, or -1 beyond
// the Nyquist sphere.
func (m *Model) radius() []float64 {
	n := m.params.Size
	out := make([]float64, len(m.shell))
	for idx := range out {
		i, j, k := unpack(m.params.Mode, idx, n)
		rad := math.Sqrt(float64(i*i + j*j + k*k))
		if rad >= float64(n/2) {
			out[idx] = -1
			continue
		}
		out[idx] = rad
	}
	return out
}

// RefreshProjector low-passes every reference to the cutoff and rebuilds
// the projectors.
func (m *Model) RefreshProjector() {
	r := float64(m.r)
	for l, ref := range m.refs {
		lp := m.LowPass(ref, r)
		if m.params.Mode == models.Mode3D {
			m.proj[l] = projector.New3D(lp.Vol, m.params.Pf, r)
		} else {
			m.proj[l] = projector.New2D(lp.Img, m.params.Pf, r)
		}
	}
}

// ResetReco clears the accumulators and sets their band limit to RU.
func (m *Model) ResetReco() {
	for l, reco := range m.reco {
		reco.Reset()
		reco.SetMaxRadius(float64(m.rU))
		if m.params.WienerFSC {
			reco.SetFSC(m.fsc[l])
		}
	}
}

// Reconstruct solves every class accumulator against the hemisphere
// reducer and replaces the references.
func (m *Model) Reconstruct(ctx context.Context, red reconstruction.Reducer) error {
	for l, reco := range m.reco {
		m.params.Logger.Printf("Reconstructing class %d at radius %d", l, m.rU)
		ref, err := reco.Reconstruct(ctx, red)
		if err != nil {
			return fmt.Errorf("class %d: %w", l, err)
		}
		if ref.Vol != nil {
			ref.Vol.PixelSize = m.params.PixelSize
		}
		m.refs[l] = ref
	}
	return nil
}

// BcastFSC exchanges the references of both hemispheres over the world
// communicator and computes the per-class FSC between them. Below
// AverageRadius both hemispheres then adopt the mean of the two references.
func (m *Model) BcastFSC(ctx context.Context, node *comm.Node) error {
	for l := range m.refs {
		ref := m.refs[l].Copy()
		toFourier(ref)
		ft := ref.FT()
		n := len(ft)

		buf := make([]complex128, 2*n)
		if node.IsMaster() {
			copy(buf[int(node.Hemisphere)*n:], ft)
		}
		if err := node.World.AllReduceComplex128(ctx, fmt.Sprintf("fsc-%d", l), buf); err != nil {
			return fmt.Errorf("failed to exchange class %d: %w", l, err)
		}
		a, b := buf[:n], buf[n:]
		m.fsc[l] = ComputeFSC(m.shell, a, b, m.maxR)

		if m.params.AverageRadius > 0 {
			for idx, s := range m.shell {
				if s >= 0 && s < m.params.AverageRadius {
					ft[idx] = (a[idx] + b[idx]) / 2
				}
			}
			toReal(ref)
			m.refs[l] = ref
		}
	}
	return nil
}

// ComputeFSC correlates two transforms shell by shell. shell maps each
// Fourier index to its shell, or -1 to skip it.
func ComputeFSC(shell []int, a, b []complex128, nShell int) []float64 {
	num := make([]float64, nShell)
	da := make([]float64, nShell)
	db := make([]float64, nShell)
	for idx, s := range shell {
		if s < 0 || s >= nShell {
			continue
		}
		x, y := a[idx], b[idx]
		num[s] += real(x)*real(y) + imag(x)*imag(y)
		da[s] += real(x)*real(x) + imag(x)*imag(x)
		db[s] += real(y)*real(y) + imag(y)*imag(y)
	}
	fsc := make([]float64, nShell)
	for s := range fsc {
		if da[s] > 0 && db[s] > 0 {
			fsc[s] = num[s] / math.Sqrt(da[s]*db[s])
		}
	}
	if nShell > 0 {
		fsc[0] = 1
	}
	return fsc
}

// ShellIndex returns the shell of every Fourier index of a box, or -1
// beyond the Nyquist sphere.
func (m *Model) ShellIndex() []int { return m.shell }

func shellIndex(mode models.Mode, n int) []int {
	total := n * n
	if mode == models.Mode3D {
		total *= n
	}
	out := make([]int, total)
	for idx := range out {
		i, j, k := unpack(mode, idx, n)
		s := int(math.Round(math.Sqrt(float64(i*i + j*j + k*k))))
		if s >= n/2 {
			s = -1
		}
		out[idx] = s
	}
	return out
}

func unpack(mode models.Mode, idx, n int) (int, int, int) {
	i := idx % n
	j := (idx / n) % n
	k := 0
	if mode == models.Mode3D {
		k = idx / (n * n)
	}
	return centre(i, n), centre(j, n), centre(k, n)
}

func centre(i, n int) int {
	if i >= n/2 {
		return i - n
	}
	return i
}

// RefreshSNR derives the per-shell SNR from the FSC.
func (m *Model) RefreshSNR() {
	for l, fsc := range m.fsc {
		for s, f := range fsc {
			f = math.Min(f, 0.999)
			if f <= 0 {
				m.snr[l][s] = 0
				continue
			}
			m.snr[l][s] = f / (1 - f)
		}
	}
}

// ResolutionP returns the highest shell, over all classes, at which the FSC
// is still at least thres. With inverse set the curve is scanned from
// Nyquist down, so isolated dips are ignored.
func (m *Model) ResolutionP(thres float64, inverse bool) int {
	best := 0
	for _, fsc := range m.fsc {
		var res int
		if inverse {
			for res = len(fsc) - 1; res > 0; res-- {
				if fsc[res] > thres {
					break
				}
			}
		} else {
			for res = 1; res < len(fsc); res++ {
				if fsc[res] < thres {
					break
				}
			}
			res--
		}
		best = max(best, res)
	}
	return best
}

// ResolutionA is ResolutionP converted to Angstrom. A curve that fails at
// the first shell reports the box edge.
func (m *Model) ResolutionA(thres float64, inverse bool) float64 {
	r := max(m.ResolutionP(thres, inverse), 1)
	return 1 / ResP2A(float64(r), m.params.Size, m.params.PixelSize)
}

// RefreshResolution records the resolution of the latest FSC and counts
// rounds without improvement.
func (m *Model) RefreshResolution(thres float64) {
	m.res = m.ResolutionP(thres, false)
	if m.res > m.resT {
		m.resT = m.res
		m.nTopResNoImprove = 0
		return
	}
	m.nTopResNoImprove++
}

// SetRChange records the mean and spread of the rotation change of this
// round.
func (m *Model) SetRChange(mean, std float64) {
	m.rChangePrev = m.rChange
	m.rChange = mean
	m.stdRChange = std
}

// ResetRChange restarts rotation-change tracking.
func (m *Model) ResetRChange() {
	m.rChangePrev = 1
	m.rChange = 1
	m.stdRChange = 0
	m.nRChangeNoDecrease = 0
	m.increaseR = false
}

// DetermineIncreaseR counts rounds in which rotation change failed to drop
// by the configured factor and flags a plateau once the count is reached.
func (m *Model) DetermineIncreaseR() {
	if m.rChange > (1-m.params.RChangeDecreaseFactor)*m.rChangePrev {
		m.nRChangeNoDecrease++
		if m.nRChangeNoDecrease >= max(m.params.RChangeNoDecrease, 1) {
			m.increaseR = true
		}
		return
	}
	m.nRChangeNoDecrease = 0
}

func (m *Model) capR() int {
	if m.search == models.SearchGlobal {
		return min(max(m.params.RGlobal, 1), m.maxR)
	}
	return m.maxR
}

// UpdateR raises the cutoff when rotation change has plateaued or the FSC
// is still above thres at the cutoff. The cutoff never decreases.
func (m *Model) UpdateR(thres float64) {
	elevate := m.increaseR
	for _, fsc := range m.fsc {
		if m.r < len(fsc) && fsc[m.r] > thres {
			elevate = true
		}
	}
	if !elevate {
		return
	}

	target := m.ResolutionP(thres, false) + 1
	if target <= m.r {
		target = m.r + 1
	}
	target = min(target, m.r+max(m.params.MaxRGap, 1), m.capR())
	if target > m.r {
		m.params.Logger.Printf("Increasing cutoff from %d to %d", m.r, target)
		m.r = target
		m.updateRU()
	}
}

// DecideSearchType advances the search state machine and returns the new
// state. A plateau only ends a stage once it was observed at the stage's
// largest cutoff.
func (m *Model) DecideSearchType() models.SearchType {
	m.searchPrev = m.search
	switch m.search {
	case models.SearchGlobal:
		if m.r >= m.capR() && m.r == m.rT && m.increaseR {
			m.search = models.SearchLocal
		}
	case models.SearchLocal:
		if (m.r >= m.maxR && m.r == m.rT && m.increaseR) || m.nTopResNoImprove >= max(m.params.TopResNoImprove, 1) {
			if m.params.CTFRefine {
				m.search = models.SearchCTF
			} else {
				m.search = models.SearchStop
			}
		}
	case models.SearchCTF:
		if m.increaseR {
			m.search = models.SearchStop
		}
	}
	if m.search != m.searchPrev {
		m.params.Logger.Printf("Search type changed from %s to %s", m.searchPrev, m.search)
		m.nTopResNoImprove = 0
	}
	return m.search
}

// AdvanceRT restarts rotation-change tracking when the cutoff grew past RT
// or the search state changed, and reports whether it did.
func (m *Model) AdvanceRT() bool {
	if m.r > m.rT || m.search != m.searchPrev {
		m.ResetRChange()
		m.rT = max(m.rT, m.r)
		return true
	}
	return false
}

// ResA2P converts a spatial frequency in 1/Angstrom to Fourier pixels.
func ResA2P(f float64, size int, pixelSize float64) float64 {
	return f * float64(size) * pixelSize
}

// ResP2A converts Fourier pixels to a spatial frequency in 1/Angstrom.
func ResP2A(r float64, size int, pixelSize float64) float64 {
	return r / (float64(size) * pixelSize)
}

func toFourier(ref models.Reference) {
	if ref.Vol != nil {
		fft.FwVol(ref.Vol)
		return
	}
	fft.FwImg(ref.Img)
}

func toReal(ref models.Reference) {
	if ref.Vol != nil {
		fft.BwVol(ref.Vol)
		return
	}
	fft.BwImg(ref.Img)
}
