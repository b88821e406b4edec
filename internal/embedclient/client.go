// Package embedclient talks to the face embedding server: it detects faces in
// camera frames and computes embeddings for face crops.
package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/metrics"
)

const (
	defaultURL         = "http://localhost:8000"
	defaultTimeout     = 10 * time.Second
	defaultMaxImageDim = 1280
)

// Client implements facematch.Detector and facematch.Embedder over HTTP.
type Client struct {
	baseURL     string
	client      *http.Client
	minDetScore float64
	maxImageDim int
	metrics     *metrics.AttendanceMetrics
}

var (
	_ facematch.Detector = (*Client)(nil)
	_ facematch.Embedder = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithMinDetScore drops detections scored below s.
func WithMinDetScore(s float64) Option {
	return func(c *Client) { c.minDetScore = s }
}

// WithMaxImageDim sets the longest side uploaded images are shrunk to.
func WithMaxImageDim(n int) Option {
	return func(c *Client) { c.maxImageDim = n }
}

// WithMetrics records embedding latency.
func WithMetrics(m *metrics.AttendanceMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a client for the server at baseURL. Each request is bounded by
// timeout and never retried.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = defaultURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		client:      &http.Client{Timeout: timeout},
		maxImageDim: defaultMaxImageDim,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// faceDetection is a single face reported by the server.
type faceDetection struct {
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score"`
	Embedding []float32 `json:"embedding,omitempty"`
}

type detectResponse struct {
	Faces []faceDetection `json:"faces"`
}

// embedResponse accepts both the single-embedding reply and the face list
// reply of servers that detect inside the crop again.
type embedResponse struct {
	Dim       int             `json:"dim"`
	Embedding []float32       `json:"embedding"`
	Faces     []faceDetection `json:"faces"`
}

// Detect returns the face boxes found in frame, in frame coordinates.
func (c *Client) Detect(ctx context.Context, frame image.Image) ([]facematch.Box, error) {
	data, scale, err := encodeJPEG(frame, c.maxImageDim)
	if err != nil {
		return nil, err
	}

	body, err := c.postMultipartImage(ctx, "/detect/faces", data)
	if err != nil {
		return nil, err
	}

	var resp detectResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	origin := frame.Bounds().Min
	boxes := make([]facematch.Box, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		if len(f.BBox) != 4 || f.DetScore < c.minDetScore {
			continue
		}
		boxes = append(boxes, facematch.Box{
			X1:    origin.X + int(math.Floor(f.BBox[0]*scale)),
			Y1:    origin.Y + int(math.Floor(f.BBox[1]*scale)),
			X2:    origin.X + int(math.Ceil(f.BBox[2]*scale)),
			Y2:    origin.Y + int(math.Ceil(f.BBox[3]*scale)),
			Score: f.DetScore,
		})
	}
	return boxes, nil
}

// Embed computes the embedding of a face crop.
func (c *Client) Embed(ctx context.Context, img image.Image) (facematch.Embedding, error) {
	start := time.Now()
	defer func() { c.metrics.ObserveEmbed(time.Since(start).Seconds()) }()

	data, _, err := encodeJPEG(img, c.maxImageDim)
	if err != nil {
		return nil, err
	}

	body, err := c.postMultipartImage(ctx, "/embed/face", data)
	if err != nil {
		return nil, err
	}

	var resp embedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	vector := resp.Embedding
	if len(vector) == 0 {
		vector = bestFace(resp.Faces)
	}
	if len(vector) == 0 {
		return nil, errors.New("empty embedding returned")
	}

	out := make(facematch.Embedding, len(vector))
	for i, v := range vector {
		out[i] = float64(v)
	}
	return out, nil
}

func bestFace(faces []faceDetection) []float32 {
	var best []float32
	bestScore := math.Inf(-1)
	for _, f := range faces {
		if len(f.Embedding) > 0 && f.DetScore > bestScore {
			best = f.Embedding
			bestScore = f.DetScore
		}
	}
	return best
}

// postMultipartImage posts a JPEG as the "file" form field and returns the
// response body of a 200 reply.
func (c *Client) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	return body, nil
}
