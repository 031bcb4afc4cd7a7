package comm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryorefine/internal/models"
)

func TestAllReduceSumsWithinHemisphere(t *testing.T) {
	w := NewWorld(3)
	results := make(chan []float64, 6)
	err := w.Run(context.Background(), func(ctx context.Context, n *Node) error {
		buf := []float64{float64(n.Hemi.Rank()), float64(n.Hemisphere) * 10}
		if err := n.Hemi.AllReduceFloat64(ctx, "sum", buf); err != nil {
			return err
		}
		results <- buf
		return nil
	})
	require.NoError(t, err)
	close(results)

	var got [][]float64
	for r := range results {
		got = append(got, r)
	}
	require.Len(t, got, 6)
	for _, r := range got {
		assert.Equal(t, 3.0, r[0])
		assert.Contains(t, []float64{0, 30}, r[1])
	}
}

func TestWorldReduceSpansBothHemispheres(t *testing.T) {
	w := NewWorld(2)
	err := w.Run(context.Background(), func(ctx context.Context, n *Node) error {
		buf := []complex128{complex(1, float64(n.World.Rank()))}
		if err := n.World.AllReduceComplex128(ctx, "world", buf); err != nil {
			return err
		}
		if buf[0] != complex(4, 6) {
			return errors.New("unexpected world sum")
		}
		return n.World.Barrier(ctx, "end")
	})
	require.NoError(t, err)
}

func TestSkippedCollectiveFailsFast(t *testing.T) {
	w := NewWorld(2)
	start := time.Now()
	err := w.Run(context.Background(), func(ctx context.Context, n *Node) error {
		if n.Hemisphere == models.HemisphereA && n.Hemi.Rank() == 1 {
			return nil
		}
		buf := []float64{1}
		return n.World.AllReduceFloat64(ctx, "sigma", buf)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrParticipantLeft)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTagMismatch(t *testing.T) {
	w := NewWorld(1)
	err := w.Run(context.Background(), func(ctx context.Context, n *Node) error {
		tag := "fsc"
		if n.Hemisphere == models.HemisphereB {
			tag = "sigma"
		}
		return n.World.AllReduceFloat64(ctx, tag, []float64{1})
	})
	assert.ErrorIs(t, err, ErrTagMismatch)
}

func TestShapeMismatch(t *testing.T) {
	w := NewWorld(1)
	err := w.Run(context.Background(), func(ctx context.Context, n *Node) error {
		buf := make([]float64, 2+int(n.Hemisphere))
		return n.World.AllReduceFloat64(ctx, "scale", buf)
	})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestContextCancellation(t *testing.T) {
	w := NewWorld(2)
	node := w.Node(models.HemisphereA, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := node.Hemi.AllReduceFloat64(ctx, "stall", []float64{1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSolo(t *testing.T) {
	c := Solo()
	buf := []float64{2, 3}
	require.NoError(t, c.AllReduceFloat64(context.Background(), "x", buf))
	assert.Equal(t, []float64{2, 3}, buf)
	assert.Equal(t, 1, c.Size())
	assert.Equal(t, 0, c.Rank())
}

func TestMasterAndName(t *testing.T) {
	w := NewWorld(2)
	assert.True(t, w.Node(models.HemisphereB, 0).IsMaster())
	assert.False(t, w.Node(models.HemisphereB, 1).IsMaster())
	assert.Equal(t, "B1", w.Node(models.HemisphereB, 1).String())
	assert.Equal(t, 3, w.Node(models.HemisphereB, 1).World.Rank())
}
