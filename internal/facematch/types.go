// Package facematch holds the face types shared by enrollment, classification
// and the recognition session, together with the collaborator interfaces the
// core consumes (embedding model and face detector).
package facematch

import (
	"context"
	"image"
)

// Embedding is a fixed-length face descriptor produced by an external model.
// Faces of the same person map to nearby vectors under Euclidean distance.
type Embedding []float64

// Dim returns the dimensionality of the embedding.
func (e Embedding) Dim() int {
	return len(e)
}

// Float32 returns a float32 copy of the embedding, as used by the HNSW index.
func (e Embedding) Float32() []float32 {
	out := make([]float32, len(e))
	for i, v := range e {
		out[i] = float32(v)
	}
	return out
}

// Embedder maps a face image to an Embedding. Implementations may fail per
// image; callers skip the image and continue.
type Embedder interface {
	Embed(ctx context.Context, img image.Image) (Embedding, error)
}

// Detector finds face regions in a frame. Which detection technique produced
// the boxes is irrelevant to the core.
type Detector interface {
	Detect(ctx context.Context, frame image.Image) ([]Box, error)
}
