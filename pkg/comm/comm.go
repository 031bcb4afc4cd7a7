// Package comm provides the collective reductions that tie the worker
// processes of a refinement together.
//
// Every participant of a communicator must enter every collective with the
// same tag and buffer shape. A mismatch fails all callers of that collective,
// and a participant that leaves while others wait fails them immediately
// rather than stalling the run.
package comm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrTagMismatch reports participants entering different collectives.
	ErrTagMismatch = errors.New("collective tag mismatch")

	// ErrShapeMismatch reports participants reducing buffers of different shape.
	ErrShapeMismatch = errors.New("collective buffer shape mismatch")

	// ErrParticipantLeft reports a participant that left the communicator
	// while a collective was pending.
	ErrParticipantLeft = errors.New("participant left the communicator")
)

// Communicator is a fixed set of participants performing sum all-reduces.
type Communicator interface {
	// Rank is this participant's index in [0, Size).
	Rank() int

	// Size is the number of participants.
	Size() int

	// AllReduceFloat64 replaces buf with the element-wise sum over all participants.
	AllReduceFloat64(ctx context.Context, tag string, buf []float64) error

	// AllReduceComplex128 replaces buf with the element-wise sum over all participants.
	AllReduceComplex128(ctx context.Context, tag string, buf []complex128) error

	// Barrier returns once every participant has entered it.
	Barrier(ctx context.Context, tag string) error
}

const (
	kindFloat = iota
	kindComplex
)

type round struct {
	tag     string
	kind    int
	f       []float64
	c       []complex128
	arrived int
	err     error
	done    chan struct{}
}

type group struct {
	size int

	mu   sync.Mutex
	cur  *round
	gone bool

	left     chan struct{}
	leftOnce sync.Once
}

func newGroup(size int) *group {
	return &group{size: size, left: make(chan struct{})}
}

func (g *group) leave() {
	g.leftOnce.Do(func() {
		g.mu.Lock()
		g.gone = true
		g.mu.Unlock()
		close(g.left)
	})
}

func (g *group) reduce(ctx context.Context, tag string, kind int, f []float64, c []complex128) error {
	g.mu.Lock()
	if g.gone {
		g.mu.Unlock()
		return fmt.Errorf("%w: entering %q", ErrParticipantLeft, tag)
	}

	r := g.cur
	if r == nil {
		r = &round{tag: tag, kind: kind, done: make(chan struct{})}
		if kind == kindFloat {
			r.f = make([]float64, len(f))
		} else {
			r.c = make([]complex128, len(c))
		}
		g.cur = r
	}

	var err error
	switch {
	case r.tag != tag:
		err = fmt.Errorf("%w: %q vs %q", ErrTagMismatch, r.tag, tag)
	case r.kind != kind || len(r.f) != len(f) || len(r.c) != len(c):
		err = fmt.Errorf("%w: collective %q", ErrShapeMismatch, tag)
	}
	if err != nil {
		r.err = err
		close(r.done)
		g.cur = nil
		g.mu.Unlock()
		return err
	}

	for i, v := range f {
		r.f[i] += v
	}
	for i, v := range c {
		r.c[i] += v
	}
	r.arrived++
	if r.arrived == g.size {
		g.cur = nil
		close(r.done)
		g.mu.Unlock()
		copy(f, r.f)
		copy(c, r.c)
		return nil
	}
	g.mu.Unlock()

	select {
	case <-r.done:
	case <-g.left:
	case <-ctx.Done():
	}

	select {
	case <-r.done:
		if r.err != nil {
			return r.err
		}
		copy(f, r.f)
		copy(c, r.c)
		return nil
	default:
	}
	if ctx.Err() != nil {
		return fmt.Errorf("collective %q: %w", tag, ctx.Err())
	}
	return fmt.Errorf("%w: waiting in %q", ErrParticipantLeft, tag)
}

type endpoint struct {
	g    *group
	rank int
}

func (e *endpoint) Rank() int { return e.rank }
func (e *endpoint) Size() int { return e.g.size }

func (e *endpoint) AllReduceFloat64(ctx context.Context, tag string, buf []float64) error {
	return e.g.reduce(ctx, tag, kindFloat, buf, nil)
}

func (e *endpoint) AllReduceComplex128(ctx context.Context, tag string, buf []complex128) error {
	return e.g.reduce(ctx, tag, kindComplex, nil, buf)
}

func (e *endpoint) Barrier(ctx context.Context, tag string) error {
	return e.g.reduce(ctx, tag, kindFloat, []float64{}, nil)
}

// Solo returns a single-participant communicator, for serial runs and tests.
func Solo() Communicator {
	return &endpoint{g: newGroup(1)}
}
