// Package camera provides frame sources for recognition sessions.
package camera

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/webp" // register WebP decoder
)

const defaultSnapshotTimeout = 5 * time.Second

// SnapshotSource fetches a still image from an HTTP endpoint for every frame,
// as exposed by most IP cameras and webcam bridges.
type SnapshotSource struct {
	url      string
	interval time.Duration
	client   *http.Client
	last     time.Time
}

// NewSnapshotSource creates a source polling url at most once per interval.
func NewSnapshotSource(url string, interval, timeout time.Duration) *SnapshotSource {
	if timeout <= 0 {
		timeout = defaultSnapshotTimeout
	}
	return &SnapshotSource{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
	}
}

// Next waits for the interval to pass since the previous frame and fetches a
// new one.
func (s *SnapshotSource) Next(ctx context.Context) (image.Image, error) {
	if err := s.throttle(ctx); err != nil {
		return nil, err
	}
	s.last = time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("snapshot error (status %d): %s", resp.StatusCode, string(body))
	}

	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return img, nil
}

func (s *SnapshotSource) throttle(ctx context.Context) error {
	if s.last.IsZero() || s.interval <= 0 {
		return ctx.Err()
	}
	wait := s.interval - time.Since(s.last)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var frameExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
}

// DirSource replays the image files of a directory in name order and returns
// io.EOF after the last one.
type DirSource struct {
	files []string
	pos   int
}

// NewDirSource lists the frames in dir.
func NewDirSource(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !frameExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	return &DirSource{files: files}, nil
}

// Len returns the number of frames.
func (d *DirSource) Len() int {
	return len(d.files)
}

// Next decodes the next file.
func (d *DirSource) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.pos >= len(d.files) {
		return nil, io.EOF
	}
	path := d.files[d.pos]
	d.pos++

	f, err := os.Open(path) //nolint:gosec // path comes from the directory listing
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}
