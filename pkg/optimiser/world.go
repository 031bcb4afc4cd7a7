package optimiser

import (
	"context"
	"io"
	"sync"

	"cryorefine/internal/logging"
	"cryorefine/internal/models"
	"cryorefine/pkg/comm"
	"cryorefine/pkg/config"
	"cryorefine/pkg/dataset"
)

// Summary is what the hemisphere masters report after a run.
type Summary struct {
	Rounds      int
	Search      models.SearchType
	R           int
	ResolutionA float64

	// FSC is the final FSC of every class.
	FSC [][]float64

	// Refs are the final references of hemisphere A and B.
	Refs [2][]models.Reference

	Stats Stats
}

// RunWorld refines store with ProcessesPerHemisphere workers in each
// hemisphere and returns the masters' summary. Only masters log, and only
// when Verbose is set; errors are always written to logOut.
func RunWorld(ctx context.Context, cfg *config.Config, store dataset.Store, logOut io.Writer) (*Summary, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logOut == nil {
		logOut = io.Discard
	}

	var mu sync.Mutex
	sum := &Summary{}
	world := comm.NewWorld(cfg.Basic.ProcessesPerHemisphere)
	err := world.Run(ctx, func(ctx context.Context, node *comm.Node) error {
		logs := logging.New(logOut, logging.Tag(node.Hemisphere), cfg.Output.Verbose && node.IsMaster())
		logs.Sys.Printf("Worker %s starting with %d threads", node, cfg.Basic.NumThreads)
		o, err := New(cfg, store, node, logs)
		if err != nil {
			return err
		}
		if err := o.Init(ctx); err != nil {
			return err
		}
		if err := node.World.Barrier(ctx, "init"); err != nil {
			return err
		}
		logs.Comm.Printf("Worker %s passed the initialisation barrier", node)
		if err := o.Run(ctx); err != nil {
			return err
		}
		if !node.IsMaster() {
			return nil
		}

		m := o.Model()
		refs := make([]models.Reference, cfg.Basic.K)
		for l := range refs {
			refs[l] = m.Ref(l).Copy()
		}
		mu.Lock()
		defer mu.Unlock()
		sum.Refs[node.Hemisphere] = refs
		if node.Hemisphere == models.HemisphereA {
			sum.Rounds = o.Iterations()
			sum.Search = m.Search()
			sum.R = m.R()
			sum.ResolutionA = m.ResolutionA(cfg.Advanced.ThresReportFSC, false)
			sum.Stats = o.Stats()
			for l := 0; l < cfg.Basic.K; l++ {
				sum.FSC = append(sum.FSC, append([]float64(nil), m.FSC(l)...))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sum, nil
}
