package optimiser

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/num/quat"

	"cryorefine/internal/logging"
	"cryorefine/internal/models"
	"cryorefine/pkg/comm"
	"cryorefine/pkg/config"
	"cryorefine/pkg/dataset"
	"cryorefine/pkg/fft"
	"cryorefine/pkg/geom"
	"cryorefine/pkg/model"
	"cryorefine/pkg/particle"
	"cryorefine/pkg/synthetic"
)

// testConfig is a small 3D run on a 32 pixel box. Both hemispheres share
// their references below 16 A, as in production runs.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Basic.Size = 32
	cfg.Basic.PixelSize = 2
	cfg.Basic.MaskRadius = 24
	cfg.Basic.TransS = 0
	cfg.Basic.InitRes = 16
	cfg.Basic.GlobalSearchRes = 8
	cfg.Basic.OutputDir = t.TempDir()
	cfg.Basic.IterMax = 20
	cfg.Basic.NumThreads = 4
	cfg.Advanced.MS = 1000
	cfg.Advanced.MG = 100
	cfg.Advanced.ML = 50
	cfg.Advanced.SclCorRes = 16
	cfg.Advanced.GoldStandardRes = 16
	cfg.Advanced.GroupSig = false
	cfg.Advanced.GroupScl = false
	cfg.Professional.MaxNPhasePerIter = 10
	cfg.Output.SaveReference = false
	cfg.Output.SaveSig = false
	cfg.Output.Verbose = false
	return cfg
}

func testParticles(cfg *config.Config, n int, scales []float64) []synthetic.Particle {
	return synthetic.Generate(synthetic.DefaultPhantom(cfg.Basic.Size), synthetic.Params{
		Mode:       models.Mode3D,
		N:          n,
		Size:       cfg.Basic.Size,
		PixelSize:  cfg.Basic.PixelSize,
		Noise:      0.5,
		GroupScale: scales,
		Seed:       11,
	})
}

// readFSC parses a saved FSC table into its resolution and FSC columns.
func readFSC(t *testing.T, path string) (res, fsc []float64) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		f := strings.Fields(line)
		require.Len(t, f, 3, "line %q", line)
		r, err := strconv.ParseFloat(f[1], 64)
		require.NoError(t, err)
		c, err := strconv.ParseFloat(f[2], 64)
		require.NoError(t, err)
		res = append(res, r)
		fsc = append(fsc, c)
	}
	return res, fsc
}

// TestLeaderboardKeepsBest checks that only the highest scores survive and
// come out best first.
func TestLeaderboardKeepsBest(t *testing.T) {
	b := newLeaderboard(3)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.push(candidate{w: float64(i), rot: i})
		}()
	}
	wg.Wait()
	top := b.drain()
	require.Len(t, top, 3)
	for i, want := range []int{19, 18, 17} {
		if top[i].rot != want {
			t.Errorf("rank %d: got rotation %d, want %d", i, top[i].rot, want)
		}
	}
}

// TestAdaptiveSize checks the bounds and the square-root shrinkage.
func TestAdaptiveSize(t *testing.T) {
	assert.Equal(t, 100, adaptiveSize(10000, 10, 100, 1))
	assert.Equal(t, 10, adaptiveSize(10000, 10, 100, 0))
	assert.Equal(t, 50, adaptiveSize(100, 10, 1000, 0.25))
	assert.Equal(t, 100, adaptiveSize(100, 10, 1000, 4))
}

// TestPowerSpectrum checks ring averages of a flat spectrum.
func TestPowerSpectrum(t *testing.T) {
	img := models.NewImage(16)
	for i := range img.FT {
		img.FT[i] = complex(2, 0)
	}
	ps := powerSpectrum(img, 8)
	require.Len(t, ps, 8)
	for s, v := range ps {
		assert.InDelta(t, 4, v, 1e-12, "shell %d", s)
	}
}

// TestRefreshSigRcpFloor checks that empty and infinite shells are floored.
func TestRefreshSigRcpFloor(t *testing.T) {
	o := &Optimiser{sig: [][]float64{{2, 0, math.Inf(1), 1}, {0, 0}}}
	o.refreshSigRcp()
	assert.InDelta(t, -0.25, o.sigRcp[0][0], 1e-12)
	assert.InDelta(t, -0.5/2e-9, o.sigRcp[0][1], 1e-3)
	assert.InDelta(t, -0.5/2e-9, o.sigRcp[0][2], 1e-3)
	assert.InDelta(t, -0.5, o.sigRcp[1][0], 1e-12)
}

// TestRunRejectsWrongImageBox checks that a box mismatch stops every node.
func TestRunRejectsWrongImageBox(t *testing.T) {
	cfg := testConfig(t)
	small := *cfg
	small.Basic.Size = 16
	small.Basic.MaskRadius = 12
	store := synthetic.MemoryStore(testParticles(&small, 4, nil))
	_, err := RunWorld(context.Background(), cfg, store, nil)
	if !errors.Is(err, model.ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
}

// TestRunRejectsEmptyStore checks the minimum particle count.
func TestRunRejectsEmptyStore(t *testing.T) {
	_, err := RunWorld(context.Background(), testConfig(t), dataset.NewMemoryStore(), nil)
	assert.Error(t, err)
}

// TestRefreshScaleRecoversGroups checks that with the true model and poses
// the estimated scales follow the scales the groups were generated with.
func TestRefreshScaleRecoversGroups(t *testing.T) {
	cfg := testConfig(t)
	ps := testParticles(cfg, 16, []float64{1, 2})
	truth := map[int]quat.Number{}
	for _, p := range ps {
		truth[p.Meta.ID] = p.Quat
	}
	store := synthetic.MemoryStore(ps)
	ref := synthetic.DefaultPhantom(cfg.Basic.Size).Volume(cfg.Basic.Size)

	var scale []float64
	var mu sync.Mutex
	err := comm.NewWorld(1).Run(context.Background(), func(ctx context.Context, node *comm.Node) error {
		o, err := New(cfg, store, node, nil)
		if err != nil {
			return err
		}
		if err := o.Init(ctx); err != nil {
			return err
		}
		if err := o.model.SetRef(0, models.Reference{Vol: ref.Copy()}); err != nil {
			return err
		}
		o.model.RefreshProjector()
		for _, d := range o.data {
			d.par.Load([]particle.Hypothesis{{Quat: truth[d.id], D: 1, W: 1}})
		}
		if err := o.refreshScale(ctx, false, true); err != nil {
			return err
		}
		if node.Hemisphere == models.HemisphereA {
			mu.Lock()
			scale = o.Scale()
			mu.Unlock()
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, scale, 2)
	assert.InDelta(t, 2, scale[1]/scale[0], 0.1)
}

// alignPhantom finds the proper or improper rotation of the phantom that
// best matches vol by sampling it at the rotated blob centres.
func alignPhantom(ph synthetic.Phantom, vol *models.Volume, n int) synthetic.Phantom {
	src := rand.NewSource(5)
	h := float64(vol.Size / 2)
	at := func(x, y, z float64) float64 {
		xi, yi, zi := int(math.Round(x)), int(math.Round(y)), int(math.Round(z))
		if math.Abs(float64(xi)) >= h || math.Abs(float64(yi)) >= h || math.Abs(float64(zi)) >= h {
			return 0
		}
		return vol.GetRL(xi, yi, zi)
	}
	best, bestScore := ph, math.Inf(-1)
	for i := 0; i < n; i++ {
		q := geom.RandomRotation(src)
		for _, mirror := range []bool{false, true} {
			cand := ph.Rotate(q, mirror)
			score := 0.0
			for _, b := range cand {
				score += b.Amp * at(b.X, b.Y, b.Z)
			}
			if score > bestScore {
				best, bestScore = cand, score
			}
		}
	}
	return best
}

// fscAgainst returns the FSC between two real-space volumes.
func fscAgainst(a, b *models.Volume) []float64 {
	a, b = a.Copy(), b.Copy()
	fft.FwVol(a)
	fft.FwVol(b)
	n := a.Size
	shell := make([]int, len(a.FT))
	for i := range shell {
		shell[i] = -1
	}
	for k := -n / 2; k < n/2; k++ {
		for j := -n / 2; j < n/2; j++ {
			for i := -n / 2; i < n/2; i++ {
				if s := int(math.Round(math.Sqrt(float64(i*i + j*j + k*k)))); s < n/2 {
					shell[a.IndexFT(i, j, k)] = s
				}
			}
		}
	}
	return model.ComputeFSC(shell, a.FT, b.FT, n/2)
}

// TestRunRecoversPhantom refines noisy projections of a known phantom from
// a sphere and checks the result against the phantom in its recovered
// orientation.
func TestRunRecoversPhantom(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping refinement in short mode")
	}
	cfg := testConfig(t)
	store := synthetic.MemoryStore(testParticles(cfg, 60, nil))

	sum, err := RunWorld(context.Background(), cfg, store, nil)
	require.NoError(t, err)
	require.NotNil(t, sum.Refs[models.HemisphereA])
	require.NotNil(t, sum.Refs[models.HemisphereB])
	assert.GreaterOrEqual(t, sum.Rounds, 1)

	rec := sum.Refs[models.HemisphereA][0].Vol
	require.NotNil(t, rec)
	ph := alignPhantom(synthetic.DefaultPhantom(cfg.Basic.Size), rec, 20000)
	fsc := fscAgainst(ph.Volume(cfg.Basic.Size), rec)
	for s := 1; s <= 2; s++ {
		if fsc[s] < 0.8 {
			t.Errorf("shell %d: FSC against phantom %.3f, want at least 0.8", s, fsc[s])
		}
	}

	res, saved := readFSC(t, filepath.Join(cfg.Basic.OutputDir, "FSC_000_Final.txt"))
	require.Len(t, res, cfg.Basic.Size/2-1)
	box := float64(cfg.Basic.Size) * cfg.Basic.PixelSize
	for i, r := range res {
		assert.InDelta(t, box/float64(i+1), r, 1e-5, "shell %d", i+1)
	}
	assert.InDelta(t, sum.FSC[0][1], saved[0], 1e-5)
}

// TestRunRecoversNoiselessPhantom refines 100 noiseless centred
// projections with a unit CTF from a low-pass sphere; the low frequencies
// of the result must match the phantom.
func TestRunRecoversNoiselessPhantom(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping refinement in short mode")
	}
	cfg := testConfig(t)
	cfg.Output.SaveFSC = false
	ps := synthetic.Generate(synthetic.DefaultPhantom(cfg.Basic.Size), synthetic.Params{
		Mode:      models.Mode3D,
		N:         100,
		Size:      cfg.Basic.Size,
		PixelSize: cfg.Basic.PixelSize,
		Seed:      3,
	})
	for _, p := range ps {
		require.Zero(t, p.TX)
		require.Zero(t, p.TY)
	}

	sum, err := RunWorld(context.Background(), cfg, synthetic.MemoryStore(ps), nil)
	require.NoError(t, err)
	rec := sum.Refs[models.HemisphereA][0].Vol
	require.NotNil(t, rec)
	ph := alignPhantom(synthetic.DefaultPhantom(cfg.Basic.Size), rec, 20000)
	fsc := fscAgainst(ph.Volume(cfg.Basic.Size), rec)
	for s := 1; s <= 2; s++ {
		if fsc[s] <= 0.9 {
			t.Errorf("shell %d: FSC against phantom %.3f, want above 0.9", s, fsc[s])
		}
	}
}

// TestRunTwoWorkersPerHemisphere checks a split hemisphere: the half maps
// agree beyond the shared low frequencies, stay independent above them,
// and both final references are written.
func TestRunTwoWorkersPerHemisphere(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping refinement in short mode")
	}
	cfg := testConfig(t)
	cfg.Basic.ProcessesPerHemisphere = 2
	cfg.Basic.IterMax = 12
	cfg.Output.SaveReference = true
	store := synthetic.MemoryStore(testParticles(cfg, 60, nil))

	sum, err := RunWorld(context.Background(), cfg, store, nil)
	require.NoError(t, err)
	require.Len(t, sum.FSC, 1)

	avg := int(math.Round(model.ResA2P(1/cfg.Advanced.GoldStandardRes, cfg.Basic.Size, cfg.Basic.PixelSize)))
	res := 0
	for s := 1; s < len(sum.FSC[0]); s++ {
		if sum.FSC[0][s] < cfg.Advanced.ThresReportFSC {
			break
		}
		res = s
	}
	if res < avg {
		t.Errorf("half maps cross FSC %.3f at shell %d, want at least shell %d", cfg.Advanced.ThresReportFSC, res, avg)
	}
	assert.LessOrEqual(t, sum.ResolutionA, cfg.Advanced.GoldStandardRes+1e-9)

	a := sum.Refs[models.HemisphereA][0].Vol
	b := sum.Refs[models.HemisphereB][0].Vol
	require.NotNil(t, a)
	require.NotNil(t, b)
	between := fscAgainst(a, b)
	for s := 1; s < avg; s++ {
		assert.InDelta(t, 1, between[s], 1e-6, "shared shell %d", s)
	}
	for s := avg; s < len(between); s++ {
		if between[s] > 0.9999 {
			t.Errorf("shell %d: hemisphere references correlate at %.6f above the shared band", s, between[s])
		}
	}

	for _, h := range []string{"A", "B"} {
		_, err := os.Stat(filepath.Join(cfg.Basic.OutputDir, "Reference_000_"+h+"_Final.mrc"))
		assert.NoError(t, err, "hemisphere %s", h)
	}
}

// TestFinalPerturbationSwitch checks that particles only move after the
// search when FinalPerturbation is set.
func TestFinalPerturbationSwitch(t *testing.T) {
	cfg := testConfig(t)
	pc := particle.Config{Mode: models.Mode3D, K: 1}
	for _, on := range []bool{false, true} {
		cfg.Professional.FinalPerturbation = on
		p := particle.New(pc, rand.NewSource(4))
		p.Reset(30)
		before := append([]particle.Hypothesis(nil), p.Hypotheses()...)
		o := &Optimiser{cfg: cfg, search: models.SearchLocal, data: []*datum{{par: p}}, logs: logging.Discard()}
		o.finalPerturbation()
		moved := false
		for i, h := range p.Hypotheses() {
			if geom.Angle(h.Quat, before[i].Quat) > 1e-9 {
				moved = true
			}
		}
		assert.Equal(t, on, moved, "FinalPerturbation %t", on)
	}
}

// TestMinSpreadFollowsCutoff checks the pose floor shrinks as the cutoff
// grows and translations only get one when they are searched.
func TestMinSpreadFollowsCutoff(t *testing.T) {
	cfg := testConfig(t)
	m, err := model.New(model.Params{Mode: models.Mode3D, K: 1, Size: 32, PixelSize: 2, R: 4},
		[]models.Reference{{Vol: models.NewVolume(32)}})
	require.NoError(t, err)
	o := &Optimiser{cfg: cfg, model: m}

	rot, trans := o.minSpread()
	assert.InDelta(t, 8.0/(4*12), rot, 1e-12)
	assert.Zero(t, trans)

	cfg.Basic.TransS = 3
	m.SetR(8)
	rot8, trans8 := o.minSpread()
	assert.InDelta(t, rot/2, rot8, 1e-12)
	assert.InDelta(t, 1, trans8, 1e-12)
}

// TestSolventFlattenImageBackground checks that a planar reference blends
// into its background mean unless ZeroMask is set.
func TestSolventFlattenImageBackground(t *testing.T) {
	for _, zero := range []bool{false, true} {
		cfg := config.DefaultConfig()
		cfg.Basic.Mode = "2D"
		cfg.Basic.Size = 32
		cfg.Basic.PixelSize = 1
		cfg.Basic.MaskRadius = 10
		cfg.Advanced.ZeroMask = zero

		img := models.NewImage(32)
		for i := range img.RL {
			img.RL[i] = 0.5
		}
		img.SetRL(0, 0, 3)
		img.SetRL(1, 0, -2)
		m, err := model.New(model.Params{Mode: models.Mode2D, K: 1, Size: 32, PixelSize: 1},
			[]models.Reference{{Img: img}})
		require.NoError(t, err)
		o := &Optimiser{cfg: cfg, mode: models.Mode2D, model: m}
		require.NoError(t, o.solventFlatten())

		ref := o.model.Ref(0).Img
		want := 0.5
		if zero {
			want = 0
		}
		assert.InDelta(t, want, ref.GetRL(-16, -16), 1e-9, "ZeroMask %t", zero)
		assert.InDelta(t, 3, ref.GetRL(0, 0), 1e-9)
		assert.InDelta(t, 0, ref.GetRL(1, 0), 1e-12)
	}
}

// TestInitSavesImagesAndCTFs checks the image and CTF dumps cover exactly
// the first NSaveImg images across both hemispheres.
func TestInitSavesImagesAndCTFs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.SaveImages = true
	cfg.Output.SaveCTFs = true
	cfg.Output.NSaveImg = 3
	ps := synthetic.Generate(synthetic.DefaultPhantom(cfg.Basic.Size), synthetic.Params{
		Mode: models.Mode3D, N: 8, Size: cfg.Basic.Size, PixelSize: cfg.Basic.PixelSize,
		Noise: 0.5, CTF: true, DefocusMin: 1e4, DefocusMax: 2e4, Seed: 2,
	})
	store := synthetic.MemoryStore(ps)
	err := comm.NewWorld(1).Run(context.Background(), func(ctx context.Context, node *comm.Node) error {
		o, err := New(cfg, store, node, nil)
		if err != nil {
			return err
		}
		return o.Init(ctx)
	})
	require.NoError(t, err)

	for id := 0; id < len(ps); id++ {
		for _, name := range []string{"Image_%04d.bmp", "Fourier_Image_%04d.bmp", "CTF_%04d.bmp"} {
			_, err := os.Stat(filepath.Join(cfg.Basic.OutputDir, fmt.Sprintf(name, id)))
			if id < cfg.Output.NSaveImg {
				assert.NoError(t, err, name, id)
			} else {
				assert.True(t, errors.Is(err, fs.ErrNotExist), "image %d should not be saved", id)
			}
		}
	}
}
