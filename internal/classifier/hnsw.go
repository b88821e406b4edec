package classifier

import (
	"github.com/coder/hnsw"

	"github.com/kozaktomas/face-attendance/internal/facematch"
)

// HNSW parameters for face embeddings.
const (
	// hnswMaxNeighbors (M) is the maximum number of neighbors per node.
	hnswMaxNeighbors = 16

	// hnswSearchMultiplier asks the graph for more candidates than k so the
	// exact re-ranking still sees the true nearest neighbours most of the time.
	hnswSearchMultiplier = 3
)

// hnswIndex wraps the HNSW graph; node keys are store row positions.
type hnswIndex struct {
	graph *hnsw.Graph[int]
}

func newHNSWIndex(embeddings []facematch.Embedding) *hnswIndex {
	g := hnsw.NewGraph[int]()
	g.M = hnswMaxNeighbors
	g.Ml = 1.0 / float64(hnswMaxNeighbors) // Standard HNSW formula
	g.Distance = hnsw.EuclideanDistance

	for i, e := range embeddings {
		g.Add(hnsw.MakeNode(i, e.Float32()))
	}
	return &hnswIndex{graph: g}
}

// candidates returns up to n store positions near the query.
func (h *hnswIndex) candidates(query facematch.Embedding, n int) []int {
	nodes := h.graph.Search(query.Float32(), n)
	positions := make([]int, len(nodes))
	for i, node := range nodes {
		positions[i] = node.Key
	}
	return positions
}
