// Package enroll turns folders of labelled face images into an embedding
// store.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/logger"
	"github.com/kozaktomas/face-attendance/internal/metrics"
	"github.com/kozaktomas/face-attendance/internal/store"
)

// DefaultConcurrency bounds the parallel embedding calls.
const DefaultConcurrency = 4

// ErrNoTrainableFaces is returned when no image produced an embedding.
var ErrNoTrainableFaces = errors.New("no trainable faces")

// Image is one enrollment image. Open is called once, from a worker goroutine.
type Image struct {
	Name string
	Open func() (image.Image, error)
}

// ImageSet is all images of one identity.
type ImageSet struct {
	Label  facematch.Label
	Images []Image
}

// Option configures a Builder.
type Option func(*Builder)

// WithConcurrency sets the number of parallel embedding calls.
func WithConcurrency(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithProgress registers a callback invoked after every image. Calls are
// serialised.
func WithProgress(fn func(done, total int)) Option {
	return func(b *Builder) {
		b.onProgress = fn
	}
}

// WithMetrics records per-image outcomes.
func WithMetrics(m *metrics.AttendanceMetrics) Option {
	return func(b *Builder) {
		b.metrics = m
	}
}

// Builder computes embeddings for image sets.
type Builder struct {
	embedder    facematch.Embedder
	log         *logger.Logger
	metrics     *metrics.AttendanceMetrics
	concurrency int
	onProgress  func(done, total int)
}

// NewBuilder creates a Builder around an embedding model.
func NewBuilder(embedder facematch.Embedder, log *logger.Logger, opts ...Option) *Builder {
	if log == nil {
		log = logger.Nop()
	}
	b := &Builder{
		embedder:    embedder,
		log:         log,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type job struct {
	set   int
	image Image
	index int
}

// Build embeds every image and returns the resulting snapshot. Each new label
// gets the next unused index in the order the sets are given; a repeated label
// reuses its index. Images that fail to decode or embed are skipped. Output
// order follows input order regardless of how the calls interleave.
func (b *Builder) Build(ctx context.Context, sets []ImageSet) (*store.Snapshot, error) {
	labelMap := store.NewLabelMap()

	var jobs []job
	for i, set := range sets {
		index := labelMap.Assign(set.Label)
		for _, img := range set.Images {
			jobs = append(jobs, job{set: i, image: img, index: index})
		}
	}

	results := make([]facematch.Embedding, len(jobs))

	var (
		progressMu sync.Mutex
		done       int
	)
	progress := func() {
		if b.onProgress == nil {
			return
		}
		progressMu.Lock()
		done++
		b.onProgress(done, len(jobs))
		progressMu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, j := range jobs {
		g.Go(func() error {
			defer progress()
			if err := gctx.Err(); err != nil {
				return err
			}
			emb, err := b.embedImage(gctx, j.image)
			b.metrics.IncEnrollmentImage(err)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				b.log.Warn("skipping enrollment image", "label", sets[j.set].Label, "image", j.image.Name, "error", err)
				return nil
			}
			results[i] = emb
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("enrollment interrupted: %w", err)
	}

	snap := &store.Snapshot{LabelMap: labelMap}
	perLabel := make(map[int]int)
	dim := 0
	for i, emb := range results {
		if emb == nil {
			continue
		}
		if dim == 0 {
			dim = emb.Dim()
		}
		if emb.Dim() != dim {
			b.log.Warn("skipping embedding with unexpected dimension",
				"image", jobs[i].image.Name, "dim", emb.Dim(), "expected", dim)
			continue
		}
		snap.Embeddings = append(snap.Embeddings, emb)
		snap.Labels = append(snap.Labels, jobs[i].index)
		perLabel[jobs[i].index]++
	}

	for _, idx := range labelMap.Indices() {
		if perLabel[idx] == 0 {
			label, _ := labelMap.Label(idx)
			b.log.Warn("identity has no usable images", "label", label)
		}
	}

	if len(snap.Embeddings) == 0 {
		return nil, ErrNoTrainableFaces
	}

	b.log.Info("enrollment built", "identities", labelMap.Len(), "embeddings", len(snap.Embeddings), "dim", dim)
	return snap, nil
}

func (b *Builder) embedImage(ctx context.Context, img Image) (facematch.Embedding, error) {
	decoded, err := img.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	emb, err := b.embedder.Embed(ctx, decoded)
	if err != nil {
		return nil, fmt.Errorf("failed to embed image: %w", err)
	}
	if emb.Dim() == 0 {
		return nil, errors.New("empty embedding")
	}
	return emb, nil
}
