package embedclient

import (
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testFrame(w, h int) image.Image {
	m := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		m.Set(x, h/2, color.RGBA{G: 200, A: 255})
	}
	return m
}

// checkUpload asserts the request carries a decodable JPEG in the "file" field.
func checkUpload(t *testing.T, r *http.Request) image.Image {
	t.Helper()
	if r.Method != http.MethodPost {
		t.Errorf("method = %s, want POST", r.Method)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		t.Errorf("FormFile() error: %v", err)
		return nil
	}
	defer file.Close()
	if ct := header.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("part Content-Type = %q, want image/jpeg", ct)
	}
	img, err := jpeg.Decode(file)
	if err != nil {
		t.Errorf("uploaded file is not a JPEG: %v", err)
		return nil
	}
	return img
}

func TestDetect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/detect/faces" {
			t.Errorf("path = %s, want /detect/faces", r.URL.Path)
		}
		checkUpload(t, r)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"faces":[
			{"bbox":[10.2,20.7,50.5,60],"det_score":0.98},
			{"bbox":[1,2,3,4],"det_score":0.2},
			{"bbox":[1,2,3],"det_score":0.99}
		]}`))
	}))
	defer server.Close()

	c := New(server.URL, time.Second, WithMinDetScore(0.5))
	boxes, err := c.Detect(context.Background(), testFrame(100, 80))
	if err != nil {
		t.Fatalf("Detect() error: %v", err)
	}
	if len(boxes) != 1 {
		t.Fatalf("got %d boxes, want 1", len(boxes))
	}
	b := boxes[0]
	if b.X1 != 10 || b.Y1 != 20 || b.X2 != 51 || b.Y2 != 60 {
		t.Errorf("box = %+v, want (10,20)-(51,60)", b)
	}
	if b.Score != 0.98 {
		t.Errorf("score = %v, want 0.98", b.Score)
	}
}

func TestDetect_ScalesDownscaledFrames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		img := checkUpload(t, r)
		if img != nil && img.Bounds().Dx() != 100 {
			t.Errorf("uploaded width = %d, want 100", img.Bounds().Dx())
		}
		_, _ = w.Write([]byte(`{"faces":[{"bbox":[10,10,20,20],"det_score":0.9}]}`))
	}))
	defer server.Close()

	c := New(server.URL, time.Second, WithMaxImageDim(100))
	boxes, err := c.Detect(context.Background(), testFrame(400, 200))
	if err != nil {
		t.Fatalf("Detect() error: %v", err)
	}
	if len(boxes) != 1 || boxes[0].X1 != 40 || boxes[0].X2 != 80 || boxes[0].Y2 != 80 {
		t.Errorf("boxes = %+v, want scaled by 4", boxes)
	}
}

func TestEmbed(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     []float64
		wantErr  bool
	}{
		{"single embedding", `{"embedding":[0.5,-1,2],"dim":3}`, []float64{0.5, -1, 2}, false},
		{"face list picks best", `{"faces":[{"det_score":0.6,"embedding":[1]},{"det_score":0.9,"embedding":[2]}]}`, []float64{2}, false},
		{"empty", `{"embedding":[],"dim":0}`, nil, true},
		{"garbage", `not json`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/embed/face" {
					t.Errorf("path = %s, want /embed/face", r.URL.Path)
				}
				_, _ = w.Write([]byte(tt.response))
			}))
			defer server.Close()

			got, err := New(server.URL, time.Second).Embed(context.Background(), testFrame(20, 20))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Embed() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Embed() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Embed()[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestEmbed_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	if _, err := New(server.URL, time.Second).Embed(context.Background(), testFrame(10, 10)); err == nil {
		t.Error("Embed() expected error on 503")
	}
}

func TestEmbed_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	start := time.Now()
	_, err := New(server.URL, 50*time.Millisecond).Embed(context.Background(), testFrame(10, 10))
	if err == nil {
		t.Fatal("Embed() expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Errorf("Embed() took %v, expected to give up quickly", time.Since(start))
	}
}

func TestEncodeJPEG_Empty(t *testing.T) {
	if _, _, err := encodeJPEG(image.NewRGBA(image.Rect(0, 0, 0, 0)), 100); err == nil {
		t.Error("encodeJPEG() expected error for empty image")
	}
}
