package optimiser

import (
	"container/heap"
	"sync"
)

// candidate is one scored grid combination of the global scan.
type candidate struct {
	w                 float64
	class, rot, trans int
}

// minHeap orders candidates by ascending score so the weakest sits on top.
type minHeap []candidate

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].w < h[j].w }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// leaderboard keeps the best capacity candidates of one image. Ties at the
// admission boundary go to whichever arrived first.
type leaderboard struct {
	mu       sync.Mutex
	capacity int
	h        minHeap
}

func newLeaderboard(capacity int) *leaderboard {
	return &leaderboard{capacity: max(capacity, 1), h: make(minHeap, 0, max(capacity, 1))}
}

// push offers c. It is safe for concurrent use.
func (b *leaderboard) push(c candidate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.h) < b.capacity {
		heap.Push(&b.h, c)
		return
	}
	if c.w > b.h[0].w {
		b.h[0] = c
		heap.Fix(&b.h, 0)
	}
}

// drain empties the board and returns its candidates best first.
func (b *leaderboard) drain() []candidate {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]candidate, len(b.h))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&b.h).(candidate)
	}
	return out
}
