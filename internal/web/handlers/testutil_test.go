package handlers

import (
	"context"
	"encoding/json"
	"image"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kozaktomas/face-attendance/internal/classifier"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/session"
	"github.com/kozaktomas/face-attendance/internal/store"
)

// testLedger creates a ledger in a temp dir with the given records written.
func testLedger(t *testing.T, records ...ledger.Record) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("ledger.New() error: %v", err)
	}
	for _, r := range records {
		at, err := time.ParseInLocation(ledger.DateLayout+" "+ledger.TimeLayout, r.Date+" "+r.Time, time.Local)
		if err != nil {
			t.Fatalf("bad fixture time: %v", err)
		}
		if err := l.Mark(context.Background(), r.Date, r.EnrollmentID, r.Name, at); err != nil {
			t.Fatalf("Mark() error: %v", err)
		}
	}
	return l
}

// testLabelMap enrolls Jane Doe as 007.
func testLabelMap(t *testing.T) *store.LabelMap {
	t.Helper()
	lm := store.NewLabelMap()
	lm.Assign("007_Jane_Doe")
	return lm
}

// decodeJSON decodes a recorder body into v.
func decodeJSON(t *testing.T, recorder *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", recorder.Body.String(), err)
	}
}

// fullFrameDetector reports one face covering the whole frame.
type fullFrameDetector struct{}

func (fullFrameDetector) Detect(_ context.Context, frame image.Image) ([]facematch.Box, error) {
	b := frame.Bounds()
	return []facematch.Box{{X1: b.Min.X, Y1: b.Min.Y, X2: b.Max.X, Y2: b.Max.Y, Score: 1}}, nil
}

// janeEmbedder sees Jane in every crop.
type janeEmbedder struct{}

func (janeEmbedder) Embed(context.Context, image.Image) (facematch.Embedding, error) {
	return facematch.Embedding{0, 0}, nil
}

// onceFrames yields a single frame then io.EOF.
type onceFrames struct{ done bool }

func (f *onceFrames) Next(context.Context) (image.Image, error) {
	if f.done {
		return nil, io.EOF
	}
	f.done = true
	return image.NewGray(image.Rect(0, 0, 4, 4)), nil
}

// waitFrames blocks until the session is cancelled.
type waitFrames struct{}

func (waitFrames) Next(ctx context.Context) (image.Image, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// testSession builds a recognition session that recognises Jane Doe and
// records into l.
func testSession(t *testing.T, l *ledger.Ledger) *session.Session {
	t.Helper()
	lm := testLabelMap(t)
	cls, err := classifier.Build([]facematch.Embedding{{0, 0}, {0, 0}, {0, 0}}, []int{0, 0, 0}, lm)
	if err != nil {
		t.Fatalf("classifier.Build() error: %v", err)
	}
	return session.New(session.NewRecognizer(cls, fullFrameDetector{}, janeEmbedder{}, l))
}
