// Package store persists the enrollment output: embedding vectors, their
// parallel label indices and the label map. The layout matches the files the
// training tool has always produced, so existing model directories load as is.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"

	"github.com/kozaktomas/face-attendance/internal/facematch"
)

// Artifact file names inside a model directory.
const (
	EmbeddingsFile = "faces_embeddings.npy"
	LabelsFile     = "faces_labels.npy"
	LabelMapFile   = "label_map.json"
)

var (
	// ErrStoreMissing is returned when one of the artifacts does not exist.
	ErrStoreMissing = errors.New("embedding store missing")
	// ErrStoreCorrupt is returned when the artifacts are unreadable or inconsistent.
	ErrStoreCorrupt = errors.New("embedding store corrupt")
)

// Snapshot is the full content of an embedding store.
type Snapshot struct {
	Embeddings []facematch.Embedding
	Labels     []int
	LabelMap   *LabelMap
}

// Dim returns the embedding dimension, 0 for an empty snapshot.
func (s *Snapshot) Dim() int {
	if len(s.Embeddings) == 0 {
		return 0
	}
	return s.Embeddings[0].Dim()
}

// Validate checks the store invariants.
func (s *Snapshot) Validate() error {
	if s.LabelMap == nil {
		return fmt.Errorf("%w: no label map", ErrStoreCorrupt)
	}
	if len(s.Embeddings) != len(s.Labels) {
		return fmt.Errorf("%w: %d embeddings but %d labels", ErrStoreCorrupt, len(s.Embeddings), len(s.Labels))
	}
	dim := s.Dim()
	for i, e := range s.Embeddings {
		if e.Dim() != dim || dim == 0 {
			return fmt.Errorf("%w: embedding %d has dimension %d, expected %d", ErrStoreCorrupt, i, e.Dim(), dim)
		}
	}
	for i, idx := range s.Labels {
		if _, ok := s.LabelMap.Label(idx); !ok {
			return fmt.Errorf("%w: label %d at row %d not in label map", ErrStoreCorrupt, idx, i)
		}
	}
	return nil
}

// Paths returns the artifact paths for a model directory.
func Paths(dir string) (embeddings, labels, labelMap string) {
	return filepath.Join(dir, EmbeddingsFile), filepath.Join(dir, LabelsFile), filepath.Join(dir, LabelMapFile)
}

// Exists reports whether all three artifacts are present.
func Exists(dir string) bool {
	e, l, m := Paths(dir)
	for _, p := range []string{e, l, m} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// Load reads a model directory.
func Load(dir string) (*Snapshot, error) {
	embPath, labelsPath, mapPath := Paths(dir)
	for _, p := range []string{embPath, labelsPath, mapPath} {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrStoreMissing, p)
			}
			return nil, fmt.Errorf("failed to stat %s: %w", p, err)
		}
	}

	embeddings, err := readEmbeddings(embPath)
	if err != nil {
		return nil, err
	}

	labels, err := readLabels(labelsPath)
	if err != nil {
		return nil, err
	}

	labelMap, err := readLabelMap(mapPath)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Embeddings: embeddings,
		Labels:     labels,
		LabelMap:   labelMap,
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Save overwrites the model directory with snap. Each file is replaced
// atomically; readers see either the old or the new version of each file.
func Save(dir string, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	if len(snap.Embeddings) == 0 {
		return fmt.Errorf("%w: refusing to save an empty store", ErrStoreCorrupt)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	embPath, labelsPath, mapPath := Paths(dir)

	dim := snap.Dim()
	data := make([]float64, 0, len(snap.Embeddings)*dim)
	for _, e := range snap.Embeddings {
		data = append(data, e...)
	}
	m := mat.NewDense(len(snap.Embeddings), dim, data)
	if err := writeNPY(embPath, m); err != nil {
		return err
	}

	labels := make([]int64, len(snap.Labels))
	for i, l := range snap.Labels {
		labels[i] = int64(l)
	}
	if err := writeNPY(labelsPath, labels); err != nil {
		return err
	}

	mapData, err := snap.LabelMap.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal label map: %w", err)
	}
	if err := renameio.WriteFile(mapPath, mapData, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", mapPath, err)
	}

	return nil
}

func writeNPY(path string, val any) error {
	var buf bytes.Buffer
	if err := npyio.Write(&buf, val); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func openNPY(path string) (*npyio.Reader, *os.File, error) {
	f, err := os.Open(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	r, err := npyio.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrStoreCorrupt, path, err)
	}
	if r.Header.Descr.Fortran {
		_ = f.Close()
		return nil, nil, fmt.Errorf("%w: %s: fortran-ordered arrays are not supported", ErrStoreCorrupt, path)
	}
	return r, f, nil
}

func readEmbeddings(path string) ([]facematch.Embedding, error) {
	r, f, err := openNPY(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	shape := r.Header.Descr.Shape
	if len(shape) != 2 {
		return nil, fmt.Errorf("%w: %s: expected 2-D array, got shape %v", ErrStoreCorrupt, path, shape)
	}
	rows, dim := shape[0], shape[1]

	var flat []float64
	switch r.Header.Descr.Type {
	case "<f8":
		if err := r.Read(&flat); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrStoreCorrupt, path, err)
		}
	case "<f4":
		var f32 []float32
		if err := r.Read(&f32); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrStoreCorrupt, path, err)
		}
		flat = make([]float64, len(f32))
		for i, v := range f32 {
			flat[i] = float64(v)
		}
	default:
		return nil, fmt.Errorf("%w: %s: unsupported dtype %q", ErrStoreCorrupt, path, r.Header.Descr.Type)
	}

	if len(flat) != rows*dim {
		return nil, fmt.Errorf("%w: %s: %d values for shape %v", ErrStoreCorrupt, path, len(flat), shape)
	}

	embeddings := make([]facematch.Embedding, rows)
	for i := range rows {
		embeddings[i] = facematch.Embedding(flat[i*dim : (i+1)*dim : (i+1)*dim])
	}
	return embeddings, nil
}

func readLabels(path string) ([]int, error) {
	r, f, err := openNPY(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if shape := r.Header.Descr.Shape; len(shape) != 1 {
		return nil, fmt.Errorf("%w: %s: expected 1-D array, got shape %v", ErrStoreCorrupt, path, shape)
	}

	var labels []int
	switch r.Header.Descr.Type {
	case "<i8":
		var raw []int64
		if err := r.Read(&raw); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrStoreCorrupt, path, err)
		}
		labels = make([]int, len(raw))
		for i, v := range raw {
			labels[i] = int(v)
		}
	case "<i4":
		var raw []int32
		if err := r.Read(&raw); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrStoreCorrupt, path, err)
		}
		labels = make([]int, len(raw))
		for i, v := range raw {
			labels[i] = int(v)
		}
	default:
		return nil, fmt.Errorf("%w: %s: unsupported dtype %q", ErrStoreCorrupt, path, r.Header.Descr.Type)
	}
	return labels, nil
}

func readLabelMap(path string) (*LabelMap, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	m := NewLabelMap()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStoreCorrupt, path, err)
	}
	return m, nil
}
