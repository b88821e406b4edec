// Package session runs time-boxed recognition sessions: it classifies the
// faces seen on a frame source and writes each recognised identity to the
// attendance ledger once the session ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/face-attendance/internal/classifier"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/logger"
	"github.com/kozaktomas/face-attendance/internal/metrics"
)

const (
	DefaultDuration        = 15 * time.Second
	DefaultFinalizeTimeout = 10 * time.Second
)

// ErrSessionActive is returned by Run while another run is in progress.
var ErrSessionActive = errors.New("recognition session already active")

// Clock supplies the current time for session budgets and record timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// FrameSource yields camera frames. io.EOF ends the session normally.
type FrameSource interface {
	Next(ctx context.Context) (image.Image, error)
}

// Classifier maps an embedding to an identity.
type Classifier interface {
	Classify(vector facematch.Embedding, k int, threshold float64) (classifier.Result, error)
}

// Ledger records attendance.
type Ledger interface {
	HasMarked(ctx context.Context, date, enrollmentID string) (bool, error)
	Mark(ctx context.Context, date, enrollmentID, name string, at time.Time) error
}

// State of a Session.
type State int

const (
	Idle State = iota
	Running
	Finalizing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Finalizing:
		return "finalizing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Settings tune recognition.
type Settings struct {
	Duration        time.Duration // Running budget
	FinalizeTimeout time.Duration // bound on writing pending records
	K               int
	Threshold       float64
	MaxBoxIoU       float64 // overlapping boxes above this IoU are merged; 0 disables
}

// DefaultSettings returns the settings used when none are given.
func DefaultSettings() Settings {
	return Settings{
		Duration:        DefaultDuration,
		FinalizeTimeout: DefaultFinalizeTimeout,
		K:               classifier.DefaultK,
		Threshold:       classifier.DefaultThreshold,
	}
}

// Observation describes one classified face, for overlays and logs.
type Observation struct {
	Frame  int
	Box    facematch.Box
	Result classifier.Result
}

// Observer is called synchronously for every classified face.
type Observer func(Observation)

// Summary reports what a session saw and recorded.
type Summary struct {
	ID            string    `json:"id"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Cancelled     bool      `json:"cancelled"`
	Frames        int       `json:"frames"`
	Faces         int       `json:"faces"`
	Unknown       int       `json:"unknown"`
	Failed        int       `json:"failed"`
	Marked        []string  `json:"marked"`
	AlreadyMarked []string  `json:"already_marked"`
}

// Recognizer holds everything a session needs. It is safe to share between
// sessions.
type Recognizer struct {
	classifier Classifier
	detector   facematch.Detector
	embedder   facematch.Embedder
	ledger     Ledger
	clock      Clock
	log        *logger.Logger
	metrics    *metrics.AttendanceMetrics
	observer   Observer
	settings   Settings
}

// Option configures a Recognizer.
type Option func(*Recognizer)

func WithClock(c Clock) Option {
	return func(r *Recognizer) { r.clock = c }
}

func WithLogger(l *logger.Logger) Option {
	return func(r *Recognizer) { r.log = l }
}

func WithMetrics(m *metrics.AttendanceMetrics) Option {
	return func(r *Recognizer) { r.metrics = m }
}

func WithObserver(o Observer) Option {
	return func(r *Recognizer) { r.observer = o }
}

// WithSettings overrides the defaults. Zero fields keep their default.
func WithSettings(s Settings) Option {
	return func(r *Recognizer) {
		if s.Duration > 0 {
			r.settings.Duration = s.Duration
		}
		if s.FinalizeTimeout > 0 {
			r.settings.FinalizeTimeout = s.FinalizeTimeout
		}
		if s.K > 0 {
			r.settings.K = s.K
		}
		if s.Threshold > 0 {
			r.settings.Threshold = s.Threshold
		}
		if s.MaxBoxIoU > 0 {
			r.settings.MaxBoxIoU = s.MaxBoxIoU
		}
	}
}

// NewRecognizer wires the collaborators of a session.
func NewRecognizer(c Classifier, d facematch.Detector, e facematch.Embedder, l Ledger, opts ...Option) *Recognizer {
	r := &Recognizer{
		classifier: c,
		detector:   d,
		embedder:   e,
		ledger:     l,
		clock:      SystemClock,
		log:        logger.Nop(),
		settings:   DefaultSettings(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Settings returns the effective settings.
func (r *Recognizer) Settings() Settings {
	return r.settings
}

// Session runs one recognition at a time.
type Session struct {
	r *Recognizer

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
}

// New creates an idle session.
func New(r *Recognizer) *Session {
	return &Session{r: r}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cancel ends the Running phase early. Pending identities are still written.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// pending is an identity seen during Running and not yet written.
type pending struct {
	date         string
	enrollmentID string
	name         string
	seenAt       time.Time
	order        int
}

// Run reads frames until the duration budget is spent, the source is
// exhausted or the session is cancelled, then writes every identity seen to
// the ledger. Cancelling ctx behaves like Cancel. The returned error joins a
// frame source failure with any ledger failures; already-marked identities are
// reported in the summary, not as errors.
func (s *Session) Run(ctx context.Context, frames FrameSource) (Summary, error) {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return Summary{}, ErrSessionActive
	}
	runCtx, cancel := context.WithTimeout(ctx, s.r.settings.Duration)
	s.state = Running
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.state = Idle
		s.cancel = nil
		s.mu.Unlock()
	}()

	r := s.r
	summary := Summary{
		ID:            uuid.NewString(),
		StartedAt:     r.clock.Now(),
		Marked:        []string{},
		AlreadyMarked: []string{},
	}
	log := r.log.With("session", summary.ID)
	r.metrics.SessionStarted()
	log.Info("recognition session started", "duration", r.settings.Duration, "k", r.settings.K, "threshold", r.settings.Threshold)

	staged := make(map[string]*pending)
	sourceErr := r.collect(runCtx, log, frames, summary.StartedAt.Add(r.settings.Duration), staged, &summary)
	summary.Cancelled = ctx.Err() != nil || errors.Is(runCtx.Err(), context.Canceled)

	s.setState(Finalizing)
	markErr := r.finalize(ctx, log, staged, &summary)
	summary.FinishedAt = r.clock.Now()

	err := errors.Join(sourceErr, markErr)
	r.metrics.SessionFinished(err)
	log.Info("recognition session finished",
		"frames", summary.Frames,
		"faces", summary.Faces,
		"marked", len(summary.Marked),
		"already_marked", len(summary.AlreadyMarked),
		"cancelled", summary.Cancelled)
	return summary, err
}

// collect is the Running phase. It only returns an error for a failing frame
// source; every per-frame and per-face failure is logged and skipped.
func (r *Recognizer) collect(ctx context.Context, log *logger.Logger, frames FrameSource, deadline time.Time,
	staged map[string]*pending, summary *Summary) error {
	for frameNo := 0; ; frameNo++ {
		if ctx.Err() != nil || !r.clock.Now().Before(deadline) {
			return nil
		}

		frame, err := frames.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			log.Error("frame source failed", "error", err)
			return fmt.Errorf("frame source: %w", err)
		}
		summary.Frames++
		r.metrics.IncFrames()

		r.processFrame(ctx, log, frameNo, frame, staged, summary)
	}
}

func (r *Recognizer) processFrame(ctx context.Context, log *logger.Logger, frameNo int, frame image.Image,
	staged map[string]*pending, summary *Summary) {
	boxes, err := r.detector.Detect(ctx, frame)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("face detection failed", "frame", frameNo, "error", err)
		}
		return
	}
	if r.settings.MaxBoxIoU > 0 {
		boxes = facematch.SuppressOverlaps(boxes, r.settings.MaxBoxIoU)
	}

	for _, box := range boxes {
		crop, ok := facematch.Crop(frame, box)
		if !ok {
			continue
		}
		summary.Faces++

		emb, err := r.embedder.Embed(ctx, crop)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			summary.Failed++
			r.metrics.IncFace(metrics.OutcomeFailed)
			log.Warn("face embedding failed", "frame", frameNo, "error", err)
			continue
		}

		res, err := r.classifier.Classify(emb, r.settings.K, r.settings.Threshold)
		if err != nil {
			summary.Failed++
			r.metrics.IncFace(metrics.OutcomeFailed)
			log.Warn("classification failed", "frame", frameNo, "error", err)
			continue
		}
		if r.observer != nil {
			r.observer(Observation{Frame: frameNo, Box: box, Result: res})
		}

		if !res.Known {
			summary.Unknown++
			r.metrics.IncFace(metrics.OutcomeUnknown)
			continue
		}
		r.metrics.IncFace(metrics.OutcomeKnown)
		r.stage(log, res, staged)
	}
}

// stage remembers a recognised identity. The first sighting wins.
func (r *Recognizer) stage(log *logger.Logger, res classifier.Result, staged map[string]*pending) {
	id, err := facematch.ParseLabel(res.Label)
	if err != nil {
		log.Warn("ignoring identity with malformed label", "label", res.Label, "error", err)
		return
	}
	if _, ok := staged[id.EnrollmentID]; ok {
		return
	}

	now := r.clock.Now()
	staged[id.EnrollmentID] = &pending{
		date:         ledger.DayKey(now),
		enrollmentID: id.EnrollmentID,
		name:         id.DisplayName(),
		seenAt:       now,
		order:        len(staged),
	}
	log.Debug("identity recognised", "enrollment", id.EnrollmentID, "name", id.DisplayName(), "distance", res.Distance)
}

// finalize writes the staged identities. It runs on a context detached from
// cancellation so a cancelled session still records what it saw.
func (r *Recognizer) finalize(ctx context.Context, log *logger.Logger, staged map[string]*pending, summary *Summary) error {
	entries := make([]*pending, 0, len(staged))
	for _, p := range staged {
		entries = append(entries, p)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.settings.FinalizeTimeout)
	defer cancel()

	var errs []error
	for _, p := range entries {
		marked, err := r.ledger.HasMarked(fctx, p.date, p.enrollmentID)
		if err == nil && !marked {
			err = r.ledger.Mark(fctx, p.date, p.enrollmentID, p.name, p.seenAt)
		} else if err == nil {
			err = ledger.ErrAlreadyMarked
		}

		switch {
		case err == nil:
			summary.Marked = append(summary.Marked, p.enrollmentID)
			r.metrics.IncMark(metrics.MarkRecorded)
			log.Info("attendance recorded", "enrollment", p.enrollmentID, "name", p.name, "date", p.date)
		case errors.Is(err, ledger.ErrAlreadyMarked):
			summary.AlreadyMarked = append(summary.AlreadyMarked, p.enrollmentID)
			r.metrics.IncMark(metrics.MarkAlreadyMarked)
		default:
			r.metrics.IncMark(metrics.MarkFailed)
			log.Error("failed to record attendance", "enrollment", p.enrollmentID, "error", err)
			errs = append(errs, fmt.Errorf("mark %s: %w", p.enrollmentID, err))
		}
	}
	return errors.Join(errs...)
}
