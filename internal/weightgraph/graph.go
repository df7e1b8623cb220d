// Package weightgraph implements the sparse symmetric concept-pair weight
// matrix.
package weightgraph

import (
	"math"
	"sync"

	"koopmem/internal/apperr"
)

// Edge identifies an undirected concept pair with ci < cj, the canonical
// storage order.
type Edge struct {
	CI, CJ int
}

func canon(ci, cj int) (Edge, error) {
	if ci == cj {
		return Edge{}, apperr.Invalid("self-edges are not allowed: concept %d", ci)
	}
	if ci > cj {
		ci, cj = cj, ci
	}
	return Edge{CI: ci, CJ: cj}, nil
}

// Graph is a sparse symmetric weight matrix with a pruning threshold.
// Setting |w| below the threshold deletes the edge. Sparsity
// is tracked incrementally in O(1) per mutation.
type Graph struct {
	mu             sync.RWMutex
	edges          map[Edge]float64
	pruneThreshold float64
	n              int // size of the concept universe, for sparsity accounting
}

// New creates an empty graph over a concept universe of size n with the
// given pruning threshold.
func New(n int, pruneThreshold float64) *Graph {
	return &Graph{
		edges:          map[Edge]float64{},
		pruneThreshold: pruneThreshold,
		n:              n,
	}
}

// Resize grows the tracked concept universe size used for sparsity
// accounting; it never shrinks existing edges.
func (g *Graph) Resize(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n > g.n {
		g.n = n
	}
}

// Get returns the weight of (ci, cj), or 0 if absent.
func (g *Graph) Get(ci, cj int) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, err := canon(ci, cj)
	if err != nil {
		return 0
	}
	return g.edges[e]
}

// Set assigns the weight of (ci, cj). If |w| < pruneThreshold the edge is
// deleted instead.
func (g *Graph) Set(ci, cj int, w float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, err := canon(ci, cj)
	if err != nil {
		return err
	}
	if e.CI+1 > g.n {
		g.n = e.CI + 1
	}
	if e.CJ+1 > g.n {
		g.n = e.CJ + 1
	}
	if math.Abs(w) < g.pruneThreshold {
		delete(g.edges, e)
		return nil
	}
	g.edges[e] = w
	return nil
}

// Add increments the weight of (ci, cj) by delta, pruning if the result
// falls below threshold.
func (g *Graph) Add(ci, cj int, delta float64) error {
	cur := g.Get(ci, cj)
	return g.Set(ci, cj, cur+delta)
}

// ForEach calls fn for every non-zero edge. The callback must not mutate
// the graph.
func (g *Graph) ForEach(fn func(ci, cj int, w float64)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for e, w := range g.edges {
		fn(e.CI, e.CJ, w)
	}
}

// Prune removes every edge with |w| < threshold, returning how many were
// removed.
func (g *Graph) Prune(threshold float64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for e, w := range g.edges {
		if math.Abs(w) < threshold {
			delete(g.edges, e)
			removed++
		}
	}
	return removed
}

// PruneThreshold returns the graph's configured pruning threshold.
func (g *Graph) PruneThreshold() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.pruneThreshold
}

// EdgeCount returns the number of non-zero edges.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// Sparsity returns 1 - |edges| / (N*(N-1)/2)
// fraction, over the tracked concept universe size.
func (g *Graph) Sparsity() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sparsityOf(g.n, len(g.edges))
}

func sparsityOf(n, edgeCount int) float64 {
	maxEdges := float64(n) * float64(n-1) / 2
	if maxEdges <= 0 {
		return 1
	}
	return 1 - float64(edgeCount)/maxEdges
}

// Snapshot is a read-only point-in-time copy of the graph for consumers
// that must not observe a single-writer job's in-flight mutations
//.
type Snapshot struct {
	N     int
	Edges map[Edge]float64
}

func (g *Graph) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cp := make(map[Edge]float64, len(g.edges))
	for e, w := range g.edges {
		cp[e] = w
	}
	return Snapshot{N: g.n, Edges: cp}
}

func (s Snapshot) Sparsity() float64 {
	return sparsityOf(s.N, len(s.Edges))
}
