// Package dataset provides the particle metadata and image stores the
// refinement reads from.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"cryorefine/internal/models"
)

// ErrNotFound is returned for unknown particle IDs.
var ErrNotFound = errors.New("particle not found")

// Meta describes one particle image.
type Meta struct {
	ID int

	// Stack and Slot locate the image inside an MRC stack.
	Stack string
	Slot  int

	CTF models.CTFAttr

	// Group is the acquisition group used for noise and scale estimation.
	Group int
}

// Store gives access to particle metadata and images.
type Store interface {
	// IDs lists every particle in ascending order.
	IDs(ctx context.Context) ([]int, error)

	// Meta returns the metadata of one particle.
	Meta(ctx context.Context, id int) (Meta, error)

	// Image returns the real-space image of one particle.
	Image(ctx context.Context, id int) (*models.Image, error)

	// NGroup is the number of acquisition groups.
	NGroup(ctx context.Context) (int, error)
}

// Partition returns the IDs assigned to part out of nParts with a strided
// split, so parts differ by at most one element and never overlap.
func Partition(ids []int, nParts, part int) []int {
	if nParts < 1 || part < 0 || part >= nParts {
		return nil
	}
	var out []int
	for i := part; i < len(ids); i += nParts {
		out = append(out, ids[i])
	}
	return out
}

// HemisphereIDs splits ids between the hemispheres by parity and then
// between the ranks of the hemisphere.
func HemisphereIDs(ids []int, h models.Hemisphere, perHemisphere, rank int) []int {
	return Partition(Partition(ids, 2, int(h)), perHemisphere, rank)
}

// MemoryStore keeps particles in memory.
type MemoryStore struct {
	mu     sync.RWMutex
	meta   map[int]Meta
	images map[int]*models.Image
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{meta: map[int]Meta{}, images: map[int]*models.Image{}}
}

// Add inserts or replaces a particle.
func (s *MemoryStore) Add(m Meta, img *models.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[m.ID] = m
	s.images[m.ID] = img
}

func (s *MemoryStore) IDs(ctx context.Context) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.meta))
	for id := range s.meta {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func (s *MemoryStore) Meta(ctx context.Context, id int) (Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meta[id]
	if !ok {
		return Meta{}, fmt.Errorf("particle %d: %w", id, ErrNotFound)
	}
	return m, nil
}

// Image returns a copy of the stored image.
func (s *MemoryStore) Image(ctx context.Context, id int) (*models.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.images[id]
	if !ok {
		return nil, fmt.Errorf("particle %d: %w", id, ErrNotFound)
	}
	return img.Copy(), nil
}

func (s *MemoryStore) NGroup(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.meta {
		n = max(n, m.Group+1)
	}
	return max(n, 1), nil
}
