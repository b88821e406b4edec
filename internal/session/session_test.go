package session

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kozaktomas/face-attendance/internal/classifier"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/store"
)

const frameSize = 8

// Frames are uniform gray images; the fake embedder maps the gray level to
// a vector so tests can script what the camera "sees".
const (
	grayJane    = 0
	grayJohn    = 20
	grayUnknown = 50
	grayBroken  = 99
)

func grayFrame(v uint8) image.Image {
	m := image.NewGray(image.Rect(0, 0, frameSize, frameSize))
	for i := range m.Pix {
		m.Pix[i] = v
	}
	return m
}

type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

type frameList struct {
	frames []image.Image
	pos    int
	err    error // returned after the frames instead of io.EOF
}

func (f *frameList) Next(ctx context.Context) (image.Image, error) {
	if f.pos >= len(f.frames) {
		if f.err != nil {
			return nil, f.err
		}
		return nil, io.EOF
	}
	img := f.frames[f.pos]
	f.pos++
	return img, nil
}

type endlessFrames struct {
	img image.Image
}

func (f endlessFrames) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.img, nil
}

// blockingFrames waits for the session to end.
type blockingFrames struct{}

func (blockingFrames) Next(ctx context.Context) (image.Image, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeDetector struct {
	failFirst bool
	calls     int
	extra     int // duplicate boxes per frame
}

func (d *fakeDetector) Detect(_ context.Context, frame image.Image) ([]facematch.Box, error) {
	d.calls++
	if d.failFirst && d.calls == 1 {
		return nil, errors.New("detector busy")
	}
	box := facematch.Box{X1: 0, Y1: 0, X2: frameSize, Y2: frameSize, Score: 0.99}
	boxes := []facematch.Box{box}
	for range d.extra {
		boxes = append(boxes, box)
	}
	return boxes, nil
}

type grayEmbedder struct{}

func (grayEmbedder) Embed(_ context.Context, img image.Image) (facematch.Embedding, error) {
	v := color.GrayModel.Convert(img.At(img.Bounds().Min.X, img.Bounds().Min.Y)).(color.Gray).Y
	switch v {
	case grayJane:
		return facematch.Embedding{0, 0}, nil
	case grayJohn:
		return facematch.Embedding{2, 0}, nil
	case grayUnknown:
		return facematch.Embedding{0, 5}, nil
	default:
		return nil, errors.New("no face in crop")
	}
}

func testClassifier(t *testing.T) *classifier.Classifier {
	t.Helper()
	lm := store.NewLabelMap()
	jane := lm.Assign("007_Jane_Doe")
	john := lm.Assign("001_John_Smith")

	var embs []facematch.Embedding
	var labels []int
	for range 5 {
		embs = append(embs, facematch.Embedding{0, 0})
		labels = append(labels, jane)
	}
	for range 3 {
		embs = append(embs, facematch.Embedding{2, 0})
		labels = append(labels, john)
	}
	c, err := classifier.Build(embs, labels, lm)
	if err != nil {
		t.Fatalf("classifier.Build() error: %v", err)
	}
	return c
}

func testLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("ledger.New() error: %v", err)
	}
	return l
}

var sessionDay = time.Date(2024, 1, 10, 10, 0, 0, 0, time.Local)

func frames(values ...uint8) *frameList {
	f := &frameList{}
	for _, v := range values {
		f.frames = append(f.frames, grayFrame(v))
	}
	return f
}

func TestRun_EndToEnd(t *testing.T) {
	led := testLedger(t)
	var observed []Observation
	r := NewRecognizer(testClassifier(t), &fakeDetector{}, grayEmbedder{}, led,
		WithClock(&fakeClock{now: sessionDay}),
		WithObserver(func(o Observation) { observed = append(observed, o) }),
	)
	s := New(r)

	summary, err := s.Run(context.Background(), frames(grayJane, grayUnknown, grayJane))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if summary.ID == "" {
		t.Error("summary has no session id")
	}
	if summary.Frames != 3 || summary.Faces != 3 || summary.Unknown != 1 {
		t.Errorf("summary = %+v, want 3 frames, 3 faces, 1 unknown", summary)
	}
	if len(summary.Marked) != 1 || summary.Marked[0] != "007" {
		t.Errorf("Marked = %v, want [007]", summary.Marked)
	}

	if len(observed) != 3 {
		t.Fatalf("observed %d faces, want 3", len(observed))
	}
	if !observed[0].Result.Known || observed[0].Result.Label != "007_Jane_Doe" || observed[0].Result.Distance != 0 {
		t.Errorf("first observation = %+v, want 007_Jane_Doe at distance 0", observed[0].Result)
	}
	if observed[1].Result.Known || observed[1].Result.Distance < 5 {
		t.Errorf("second observation = %+v, want unknown at distance >= 5", observed[1].Result)
	}

	records, err := led.ListRecords(context.Background(), "2024-01-10")
	if err != nil {
		t.Fatalf("ListRecords() error: %v", err)
	}
	want := ledger.Record{Date: "2024-01-10", Time: "10:00:00", EnrollmentID: "007", Name: "Jane Doe"}
	if len(records) != 1 || records[0] != want {
		t.Errorf("records = %+v, want [%+v]", records, want)
	}

	// A second session the same day finds Jane already recorded.
	summary, err = s.Run(context.Background(), frames(grayJane))
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if len(summary.Marked) != 0 || len(summary.AlreadyMarked) != 1 {
		t.Errorf("second summary marked=%v already=%v", summary.Marked, summary.AlreadyMarked)
	}
	records, _ = led.ListRecords(context.Background(), "2024-01-10")
	if len(records) != 1 {
		t.Errorf("got %d records after second session, want 1", len(records))
	}
	if s.State() != Idle {
		t.Errorf("State() = %v, want idle", s.State())
	}
}

func TestRun_FirstSightingWins(t *testing.T) {
	led := testLedger(t)
	r := NewRecognizer(testClassifier(t), &fakeDetector{}, grayEmbedder{}, led,
		WithClock(&fakeClock{now: sessionDay, step: time.Second}),
	)

	summary, err := New(r).Run(context.Background(), frames(grayJohn, grayJane, grayJohn, grayJane))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(summary.Marked) != 2 || summary.Marked[0] != "001" || summary.Marked[1] != "007" {
		t.Errorf("Marked = %v, want [001 007] in sighting order", summary.Marked)
	}

	records, _ := led.ListRecords(context.Background(), "2024-01-10")
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].EnrollmentID != "001" || records[0].Time >= records[1].Time {
		t.Errorf("records = %+v, want John first with the earlier time", records)
	}
}

func TestRun_DurationBudget(t *testing.T) {
	r := NewRecognizer(testClassifier(t), &fakeDetector{}, grayEmbedder{}, testLedger(t),
		WithClock(&fakeClock{now: sessionDay, step: time.Second}),
		WithSettings(Settings{Duration: 5 * time.Second}),
	)

	summary, err := New(r).Run(context.Background(), endlessFrames{img: grayFrame(grayUnknown)})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	// Started at t0; frames read at t0+1s .. t0+4s; t0+5s ends the session.
	if summary.Frames != 4 {
		t.Errorf("Frames = %d, want 4", summary.Frames)
	}
	if summary.Cancelled {
		t.Error("session ended by its budget reported as cancelled")
	}
}

func TestRun_FailuresDoNotAbort(t *testing.T) {
	led := testLedger(t)
	det := &fakeDetector{failFirst: true}
	r := NewRecognizer(testClassifier(t), det, grayEmbedder{}, led, WithClock(&fakeClock{now: sessionDay}))

	summary, err := New(r).Run(context.Background(), frames(grayJane, grayBroken, grayJane))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if summary.Frames != 3 || summary.Failed != 1 {
		t.Errorf("summary = %+v, want 3 frames and 1 failed face", summary)
	}
	if len(summary.Marked) != 1 {
		t.Errorf("Marked = %v, want [007]", summary.Marked)
	}
}

func TestRun_CancelStillFinalizes(t *testing.T) {
	led := testLedger(t)
	var s *Session
	r := NewRecognizer(testClassifier(t), &fakeDetector{}, grayEmbedder{}, led,
		WithClock(&fakeClock{now: sessionDay}),
		WithObserver(func(Observation) { s.Cancel() }),
	)
	s = New(r)

	summary, err := s.Run(context.Background(), endlessFrames{img: grayFrame(grayJane)})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !summary.Cancelled {
		t.Error("summary not marked cancelled")
	}
	if marked, _ := led.HasMarked(context.Background(), "2024-01-10", "007"); !marked {
		t.Error("pending identity lost on cancellation")
	}
}

func TestRun_ParentContextCancelled(t *testing.T) {
	led := testLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRecognizer(testClassifier(t), &fakeDetector{}, grayEmbedder{}, led,
		WithClock(&fakeClock{now: sessionDay}),
		WithObserver(func(Observation) { cancel() }),
	)

	summary, err := New(r).Run(ctx, endlessFrames{img: grayFrame(grayJane)})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !summary.Cancelled || len(summary.Marked) != 1 {
		t.Errorf("summary = %+v, want cancelled with 007 marked", summary)
	}
}

func TestRun_SessionActive(t *testing.T) {
	r := NewRecognizer(testClassifier(t), &fakeDetector{}, grayEmbedder{}, testLedger(t))
	s := New(r)

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background(), blockingFrames{})
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != Running {
		if time.Now().After(deadline) {
			t.Fatal("session never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := s.Run(context.Background(), frames()); !errors.Is(err, ErrSessionActive) {
		t.Errorf("concurrent Run() error = %v, want ErrSessionActive", err)
	}

	s.Cancel()
	if err := <-done; err != nil {
		t.Errorf("first Run() error: %v", err)
	}
	if s.State() != Idle {
		t.Errorf("State() = %v, want idle", s.State())
	}
}

func TestRun_FrameSourceError(t *testing.T) {
	led := testLedger(t)
	r := NewRecognizer(testClassifier(t), &fakeDetector{}, grayEmbedder{}, led, WithClock(&fakeClock{now: sessionDay}))

	src := frames(grayJane)
	src.err = errors.New("camera unplugged")

	summary, err := New(r).Run(context.Background(), src)
	if err == nil || !errors.Is(err, src.err) {
		t.Fatalf("Run() error = %v, want camera error", err)
	}
	if len(summary.Marked) != 1 {
		t.Errorf("Marked = %v, want identities seen before the failure", summary.Marked)
	}
}

type fakeLedger struct {
	markErr error
	marks   int
}

func (l *fakeLedger) HasMarked(context.Context, string, string) (bool, error) {
	return false, nil
}

func (l *fakeLedger) Mark(context.Context, string, string, string, time.Time) error {
	l.marks++
	return l.markErr
}

func TestRun_LedgerOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		markErr     error
		wantErr     bool
		wantMarked  int
		wantAlready int
	}{
		{"recorded", nil, false, 2, 0},
		{"concurrent writer won", ledger.ErrAlreadyMarked, false, 0, 2},
		{"disk full", errors.New("no space left on device"), true, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			led := &fakeLedger{markErr: tt.markErr}
			r := NewRecognizer(testClassifier(t), &fakeDetector{}, grayEmbedder{}, led, WithClock(&fakeClock{now: sessionDay}))

			summary, err := New(r).Run(context.Background(), frames(grayJane, grayJohn))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Run() error = %v, wantErr %v", err, tt.wantErr)
			}
			if led.marks != 2 {
				t.Errorf("Mark called %d times, want 2", led.marks)
			}
			if len(summary.Marked) != tt.wantMarked || len(summary.AlreadyMarked) != tt.wantAlready {
				t.Errorf("marked=%v already=%v", summary.Marked, summary.AlreadyMarked)
			}
		})
	}
}

type fixedClassifier struct {
	result classifier.Result
}

func (c fixedClassifier) Classify(facematch.Embedding, int, float64) (classifier.Result, error) {
	return c.result, nil
}

func TestRun_MalformedLabelNotStaged(t *testing.T) {
	led := &fakeLedger{}
	cls := fixedClassifier{result: classifier.Result{Known: true, Label: "nounderscore"}}
	r := NewRecognizer(cls, &fakeDetector{}, grayEmbedder{}, led, WithClock(&fakeClock{now: sessionDay}))

	if _, err := New(r).Run(context.Background(), frames(grayJane)); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if led.marks != 0 {
		t.Errorf("Mark called %d times for a malformed label", led.marks)
	}
}

func TestRun_OverlappingBoxesMerged(t *testing.T) {
	r := NewRecognizer(testClassifier(t), &fakeDetector{extra: 2}, grayEmbedder{}, &fakeLedger{},
		WithClock(&fakeClock{now: sessionDay}),
		WithSettings(Settings{MaxBoxIoU: 0.5}),
	)

	summary, err := New(r).Run(context.Background(), frames(grayJane))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if summary.Faces != 1 {
		t.Errorf("Faces = %d, want 1 after suppressing duplicates", summary.Faces)
	}
}

func TestWithSettings_KeepsDefaults(t *testing.T) {
	r := NewRecognizer(nil, nil, nil, nil, WithSettings(Settings{K: 5}))
	got := r.Settings()
	if got.K != 5 || got.Threshold != classifier.DefaultThreshold || got.Duration != DefaultDuration {
		t.Errorf("Settings() = %+v", got)
	}
}

func TestState_String(t *testing.T) {
	for st, want := range map[State]string{Idle: "idle", Running: "running", Finalizing: "finalizing"} {
		if st.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(st), st.String(), want)
		}
	}
}
