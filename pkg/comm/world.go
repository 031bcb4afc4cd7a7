package comm

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"cryorefine/internal/models"
)

// World is the full process pool: two hemispheres of equal size, each with
// its own communicator, plus a world communicator spanning both.
type World struct {
	perHemisphere int
	hemi          [2]*group
	world         *group
}

// NewWorld creates a pool with n participants per hemisphere.
func NewWorld(n int) *World {
	if n < 1 {
		n = 1
	}
	return &World{
		perHemisphere: n,
		hemi:          [2]*group{newGroup(n), newGroup(n)},
		world:         newGroup(2 * n),
	}
}

// PerHemisphere is the number of participants in each hemisphere.
func (w *World) PerHemisphere() int { return w.perHemisphere }

// Node is one participant's view of the pool.
type Node struct {
	Hemisphere models.Hemisphere

	// Hemi reduces within this node's hemisphere.
	Hemi Communicator

	// World reduces across both hemispheres.
	World Communicator

	groups []*group
}

// Node returns the participant at rank within hemisphere h.
func (w *World) Node(h models.Hemisphere, rank int) *Node {
	g := w.hemi[h]
	return &Node{
		Hemisphere: h,
		Hemi:       &endpoint{g: g, rank: rank},
		World:      &endpoint{g: w.world, rank: int(h)*w.perHemisphere + rank},
		groups:     []*group{g, w.world},
	}
}

// IsMaster reports whether this node is rank 0 of its hemisphere.
func (n *Node) IsMaster() bool { return n.Hemi.Rank() == 0 }

// Leave withdraws the node from its communicators. Pending and future
// collectives on them fail with ErrParticipantLeft.
func (n *Node) Leave() {
	for _, g := range n.groups {
		g.leave()
	}
}

// String identifies the node in logs.
func (n *Node) String() string {
	return fmt.Sprintf("%s%d", n.Hemisphere, n.Hemi.Rank())
}

// Run starts every participant of the pool in its own goroutine and waits
// for all of them. A participant that returns leaves its communicators, so a
// failure or a skipped collective fails the others fast instead of hanging.
func (w *World) Run(ctx context.Context, fn func(ctx context.Context, n *Node) error) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, h := range []models.Hemisphere{models.HemisphereA, models.HemisphereB} {
		for r := 0; r < w.perHemisphere; r++ {
			node := w.Node(h, r)
			eg.Go(func() error {
				defer node.Leave()
				if err := fn(ctx, node); err != nil {
					return fmt.Errorf("node %s: %w", node, err)
				}
				return nil
			})
		}
	}
	return eg.Wait()
}
