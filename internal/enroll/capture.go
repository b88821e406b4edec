package enroll

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/renameio"
	"golang.org/x/image/draw"

	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/logger"
)

// Capture defaults.
const (
	DefaultCaptureTarget = 100
	DefaultMinFaceSize   = 100
	DefaultFacePadding   = 30
	DefaultContrast      = 1.3
	DefaultSharpness     = 1.2
)

const captureJPEGQuality = 95

// FrameSource yields camera frames. io.EOF ends the capture.
type FrameSource interface {
	Next(ctx context.Context) (image.Image, error)
}

// CaptureResult reports where a capture wrote its images.
type CaptureResult struct {
	Label  facematch.Label
	Dir    string
	Frames int
	Saved  int
}

// Capturer collects enrollment photos of one person from a camera.
type Capturer struct {
	detector    facematch.Detector
	log         *logger.Logger
	target      int
	minFaceSize int
	padding     int
	contrast    float64
	sharpness   float64
	progress    func(saved, target int)
}

// CaptureOption configures a Capturer.
type CaptureOption func(*Capturer)

// WithTarget sets how many images a capture saves before it stops.
func WithTarget(n int) CaptureOption {
	return func(c *Capturer) {
		if n > 0 {
			c.target = n
		}
	}
}

// WithMinFaceSize sets the smallest padded face width and height kept.
func WithMinFaceSize(px int) CaptureOption {
	return func(c *Capturer) {
		if px >= 0 {
			c.minFaceSize = px
		}
	}
}

// WithCaptureProgress registers a callback run after every saved image.
func WithCaptureProgress(fn func(saved, target int)) CaptureOption {
	return func(c *Capturer) {
		c.progress = fn
	}
}

// NewCapturer creates a capturer that finds faces with detector.
func NewCapturer(detector facematch.Detector, log *logger.Logger, opts ...CaptureOption) *Capturer {
	if log == nil {
		log = logger.Nop()
	}
	c := &Capturer{
		detector:    detector,
		log:         log,
		target:      DefaultCaptureTarget,
		minFaceSize: DefaultMinFaceSize,
		padding:     DefaultFacePadding,
		contrast:    DefaultContrast,
		sharpness:   DefaultSharpness,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Capture reads frames until target face images of the person are saved under
// <root>/<enrollmentID>_<name>/, the frames run out or ctx ends. Faces are
// padded, enhanced and stored as grayscale JPEGs numbered after any images
// already in the folder. A cancelled capture keeps what it saved.
func (c *Capturer) Capture(ctx context.Context, frames FrameSource, root, enrollmentID, name string) (CaptureResult, error) {
	if strings.TrimSpace(name) == "" {
		return CaptureResult{}, fmt.Errorf("%w: empty name", facematch.ErrMalformedLabel)
	}
	label, err := facematch.MakeLabel(enrollmentID, name)
	if err != nil {
		return CaptureResult{}, err
	}
	label = facematch.NormalizeLabel(string(label))

	res := CaptureResult{Label: label, Dir: filepath.Join(root, string(label))}
	if err := os.MkdirAll(res.Dir, 0o755); err != nil {
		return res, fmt.Errorf("failed to create %s: %w", res.Dir, err)
	}
	next, err := nextImageNumber(res.Dir)
	if err != nil {
		return res, err
	}

	log := c.log.With("label", string(label))
	log.Info("capture started", "dir", res.Dir, "target", c.target)

	for res.Saved < c.target {
		frame, err := frames.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return res, fmt.Errorf("failed to read frame: %w", err)
		}
		res.Frames++

		boxes, err := c.detector.Detect(ctx, frame)
		if err != nil {
			log.Warn("face detection failed, skipping frame", "frame", res.Frames, "error", err)
			continue
		}
		for _, box := range boxes {
			if res.Saved >= c.target {
				break
			}
			face, ok := c.cropFace(frame, box)
			if !ok {
				continue
			}
			path := filepath.Join(res.Dir, strconv.Itoa(next)+".jpg")
			if err := writeGrayJPEG(path, c.enhance(face)); err != nil {
				return res, err
			}
			next++
			res.Saved++
			if c.progress != nil {
				c.progress(res.Saved, c.target)
			}
		}
	}

	log.Info("capture finished", "frames", res.Frames, "saved", res.Saved)
	return res, nil
}

// cropFace pads box and keeps it when the padded region is larger than the
// minimum face size in both directions.
func (c *Capturer) cropFace(frame image.Image, box facematch.Box) (image.Image, bool) {
	padded := facematch.Box{
		X1:    max(0, box.X1-c.padding),
		Y1:    max(0, box.Y1-c.padding),
		Score: box.Score,
	}
	padded.X2 = padded.X1 + box.X2 - box.X1 + 2*c.padding
	padded.Y2 = padded.Y1 + box.Y2 - box.Y1 + 2*c.padding
	if padded.X2-padded.X1 <= c.minFaceSize || padded.Y2-padded.Y1 <= c.minFaceSize {
		return nil, false
	}
	return facematch.Crop(frame, padded)
}

// enhance raises contrast around the mean luminance, sharpens against a 3x3
// smoothing kernel and converts to grayscale.
func (c *Capturer) enhance(face image.Image) *image.Gray {
	mean := meanLuminance(face)
	img := imaging.AdjustFunc(face, func(px color.NRGBA) color.NRGBA {
		return color.NRGBA{
			R: clampUint8(mean + (float64(px.R)-mean)*c.contrast),
			G: clampUint8(mean + (float64(px.G)-mean)*c.contrast),
			B: clampUint8(mean + (float64(px.B)-mean)*c.contrast),
			A: px.A,
		}
	})

	// sharpened = smooth + factor*(img - smooth), smooth = [1 1 1; 1 5 1; 1 1 1]/13
	edge := -(c.sharpness - 1) / 13
	center := c.sharpness - (c.sharpness-1)*5/13
	img = imaging.Convolve3x3(img, [9]float64{
		edge, edge, edge,
		edge, center, edge,
		edge, edge, edge,
	}, nil)

	gray := image.NewGray(img.Bounds())
	draw.Draw(gray, gray.Bounds(), imaging.Grayscale(img), img.Bounds().Min, draw.Src)
	return gray
}

func meanLuminance(img image.Image) float64 {
	b := img.Bounds()
	if b.Empty() {
		return 0
	}
	var sum float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			sum += float64(color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y)
		}
	}
	return float64(int(sum/float64(b.Dx()*b.Dy()) + 0.5))
}

func clampUint8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}

func writeGrayJPEG(path string, img *image.Gray) error {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(captureJPEGQuality)); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// nextImageNumber returns one more than the highest numbered image in dir.
func nextImageNumber(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	highest := 0
	for _, e := range entries {
		stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if n, err := strconv.Atoi(stem); err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}
