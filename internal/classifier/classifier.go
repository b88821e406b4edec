// Package classifier answers "which enrolled identity is this embedding" with a
// k-nearest-neighbour majority vote gated by the distance to the single
// nearest stored embedding.
package classifier

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/store"
)

// Defaults for Classify.
const (
	DefaultK         = 3
	DefaultThreshold = 0.9
)

var (
	// ErrEmptyTrainingSet is returned by Build when there is nothing to index.
	ErrEmptyTrainingSet = errors.New("empty training set")
	// ErrDimensionMismatch is returned for inconsistent vector dimensions.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Neighbor is one stored embedding close to a query.
type Neighbor struct {
	Position int     // row in the embedding store
	Index    int     // label index of that row
	Distance float64 // Euclidean distance to the query
}

// Result is the outcome of Classify. When Known is false the face matched
// nobody; Index, Label and Votes still describe the rejected vote.
type Result struct {
	Known    bool
	Label    facematch.Label
	Index    int
	Votes    int
	Distance float64 // distance to the nearest stored embedding
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithHNSW enables approximate candidate search for stores holding at least
// minSize embeddings. Zero or negative disables it.
func WithHNSW(minSize int) Option {
	return func(c *Classifier) {
		c.hnswMinSize = minSize
	}
}

// Classifier is an immutable index over an embedding store snapshot.
type Classifier struct {
	embeddings  []facematch.Embedding
	labels      []int
	labelMap    *store.LabelMap
	dim         int
	hnswMinSize int

	mu    sync.RWMutex
	index *hnswIndex
}

// Build indexes embeddings with their parallel label indices.
func Build(embeddings []facematch.Embedding, labels []int, labelMap *store.LabelMap, opts ...Option) (*Classifier, error) {
	if len(embeddings) == 0 {
		return nil, ErrEmptyTrainingSet
	}
	if len(embeddings) != len(labels) {
		return nil, fmt.Errorf("%w: %d embeddings but %d labels", ErrDimensionMismatch, len(embeddings), len(labels))
	}

	dim := embeddings[0].Dim()
	for i, e := range embeddings {
		if e.Dim() != dim || dim == 0 {
			return nil, fmt.Errorf("%w: embedding %d has dimension %d, expected %d", ErrDimensionMismatch, i, e.Dim(), dim)
		}
	}

	if labelMap == nil {
		labelMap = store.NewLabelMap()
	}

	c := &Classifier{
		embeddings: embeddings,
		labels:     labels,
		labelMap:   labelMap,
		dim:        dim,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.hnswMinSize > 0 && len(embeddings) >= c.hnswMinSize {
		c.index = newHNSWIndex(embeddings)
	}

	return c, nil
}

// FromSnapshot builds a classifier over a loaded store.
func FromSnapshot(snap *store.Snapshot, opts ...Option) (*Classifier, error) {
	return Build(snap.Embeddings, snap.Labels, snap.LabelMap, opts...)
}

// Size returns the number of indexed embeddings.
func (c *Classifier) Size() int {
	return len(c.embeddings)
}

// Dim returns the embedding dimension.
func (c *Classifier) Dim() int {
	return c.dim
}

// Approximate reports whether searches go through the HNSW index.
func (c *Classifier) Approximate() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index != nil
}

// LabelMap returns the label map the classifier resolves indices with.
func (c *Classifier) LabelMap() *store.LabelMap {
	return c.labelMap
}

// Classify predicts the identity of vector. k <= 0 selects DefaultK; k larger
// than the store is clamped. The vote is rejected when the nearest stored
// embedding is at distance >= threshold.
func (c *Classifier) Classify(vector facematch.Embedding, k int, threshold float64) (Result, error) {
	neighbors, err := c.Neighbors(vector, k)
	if err != nil {
		return Result{}, err
	}

	index, votes := vote(neighbors)
	res := Result{
		Index:    index,
		Votes:    votes,
		Distance: nearestDistance(neighbors),
	}
	if label, ok := c.labelMap.Label(index); ok {
		res.Label = label
		res.Known = res.Distance < threshold
	}

	return res, nil
}

// Neighbors returns the k nearest stored embeddings ordered by distance;
// equal distances keep store order.
func (c *Classifier) Neighbors(vector facematch.Embedding, k int) ([]Neighbor, error) {
	if vector.Dim() != c.dim {
		return nil, fmt.Errorf("%w: query has dimension %d, store has %d", ErrDimensionMismatch, vector.Dim(), c.dim)
	}
	if k <= 0 {
		k = DefaultK
	}
	if k > len(c.embeddings) {
		k = len(c.embeddings)
	}

	var positions []int
	c.mu.RLock()
	if c.index != nil {
		positions = c.index.candidates(vector, k*hnswSearchMultiplier)
	}
	c.mu.RUnlock()

	if len(positions) == 0 {
		positions = make([]int, len(c.embeddings))
		for i := range positions {
			positions[i] = i
		}
	}

	neighbors := make([]Neighbor, 0, len(positions))
	for _, pos := range positions {
		neighbors = append(neighbors, Neighbor{
			Position: pos,
			Index:    c.labels[pos],
			Distance: floats.Distance(vector, c.embeddings[pos], 2),
		})
	}
	sort.SliceStable(neighbors, func(i, j int) bool {
		if neighbors[i].Distance != neighbors[j].Distance {
			return neighbors[i].Distance < neighbors[j].Distance
		}
		return neighbors[i].Position < neighbors[j].Position
	})

	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

// nearestDistance is the k=1 distance. Neighbors are sorted, so the first one
// is the nearest whatever the vote decided.
func nearestDistance(neighbors []Neighbor) float64 {
	return neighbors[0].Distance
}

// vote returns the label index with the most neighbours. Ties go to the label
// whose neighbours have the smallest summed distance, then to the smallest
// label index.
func vote(neighbors []Neighbor) (index, votes int) {
	type tally struct {
		count int
		sum   float64
	}
	tallies := make(map[int]*tally)
	for _, n := range neighbors {
		t, ok := tallies[n.Index]
		if !ok {
			t = &tally{}
			tallies[n.Index] = t
		}
		t.count++
		t.sum += n.Distance
	}

	index = -1
	var best *tally
	for idx, t := range tallies {
		switch {
		case best == nil,
			t.count > best.count,
			t.count == best.count && t.sum < best.sum,
			t.count == best.count && t.sum == best.sum && idx < index:
			index, best = idx, t
		}
	}
	if best == nil {
		return -1, 0
	}
	return index, best.count
}
