package optimiser

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// refreshStats gathers the per-image variances and best-hypothesis changes
// of every worker and summarises them over the run.
func (o *Optimiser) refreshStats(ctx context.Context) error {
	n := len(o.ids)
	k := o.cfg.Basic.K

	// One block of n entries per quantity, then the class histogram.
	const (
		rVari = iota
		tVari0
		tVari1
		rChange
		cChange
		nQty
	)
	buf := make([]float64, nQty*n+k)
	for _, d := range o.data {
		r, s0, s1, _ := d.par.Vari()
		buf[rVari*n+d.pos] = r
		buf[tVari0*n+d.pos] = s0
		buf[tVari1*n+d.pos] = s1
		if d.par.DiffTopC() {
			buf[cChange*n+d.pos] = 1
		}
		buf[rChange*n+d.pos] = d.par.DiffTopR()
		buf[nQty*n+d.par.Rank1st().Class]++
	}
	if err := o.node.World.AllReduceFloat64(ctx, "stats", buf); err != nil {
		return fmt.Errorf("failed to reduce particle statistics: %w", err)
	}

	block := func(q int) []float64 { return buf[q*n : (q+1)*n] }
	var s Stats
	s.RVari, s.StdRVari = stat.MeanStdDev(block(rVari), nil)
	s.TVari0, s.StdTVari0 = stat.MeanStdDev(block(tVari0), nil)
	s.TVari1, s.StdTVari1 = stat.MeanStdDev(block(tVari1), nil)
	s.RChange, s.StdRChange = stat.MeanStdDev(block(rChange), nil)
	s.ClassChange = stat.Mean(block(cChange), nil)
	s.ClassDistr = append([]float64(nil), buf[nQty*n:]...)
	floats.Scale(1/float64(n), s.ClassDistr)
	o.stats = s

	logger := o.logs.Round
	logger.Printf("Rotation variance %.6f (std %.6f)", s.RVari, s.StdRVari)
	logger.Printf("Translation variance %.4f, %.4f (std %.4f, %.4f)", s.TVari0, s.TVari1, s.StdTVari0, s.StdTVari1)
	for c, f := range s.ClassDistr {
		logger.Printf("Class %d holds %.2f%% of images", c, 100*f)
	}
	return nil
}
