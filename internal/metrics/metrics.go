// Package metrics provides the Prometheus metrics for recognition sessions
// and enrollment.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Face outcomes.
const (
	OutcomeKnown   = "known"
	OutcomeUnknown = "unknown"
	OutcomeFailed  = "failed"
)

// Enrollment image statuses.
const (
	EnrollmentOK      = "ok"
	EnrollmentSkipped = "skipped"
)

// Mark results.
const (
	MarkRecorded      = "recorded"
	MarkAlreadyMarked = "already_marked"
	MarkFailed        = "failed"
)

// AttendanceMetrics holds every collector of the service. All methods are
// safe on a nil receiver so callers can run without metrics.
type AttendanceMetrics struct {
	FramesTotal      prometheus.Counter
	FacesTotal       *prometheus.CounterVec
	MarksTotal       *prometheus.CounterVec
	EmbedDuration    prometheus.Histogram
	SessionsTotal    *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	EnrollmentImages *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewAttendanceMetrics creates the collectors and registers them on registry.
func NewAttendanceMetrics(registry *prometheus.Registry) (*AttendanceMetrics, error) {
	m := &AttendanceMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register attendance metrics: %w", err)
	}
	return m, nil
}

func (m *AttendanceMetrics) initMetrics() {
	m.FramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "attendance_frames_total",
		Help: "Total number of camera frames processed by recognition sessions.",
	})
	m.FacesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_faces_total",
		Help: "Total number of detected faces partitioned by classification outcome.",
	}, []string{"outcome"})
	m.MarksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_marks_total",
		Help: "Total number of ledger mark attempts partitioned by result.",
	}, []string{"result"})
	m.EmbedDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "attendance_embed_duration_seconds",
		Help:    "Time taken to compute one face embedding.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
	})
	m.SessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_sessions_total",
		Help: "Total number of finished recognition sessions partitioned by status.",
	}, []string{"status"})
	m.ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "attendance_active_sessions",
		Help: "Number of recognition sessions currently running.",
	})
	m.EnrollmentImages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_enrollment_images_total",
		Help: "Total number of enrollment images partitioned by status.",
	}, []string{"status"})
}

// Describe implements the prometheus.Collector interface.
func (m *AttendanceMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.FramesTotal.Describe(ch)
	m.FacesTotal.Describe(ch)
	m.MarksTotal.Describe(ch)
	m.EmbedDuration.Describe(ch)
	m.SessionsTotal.Describe(ch)
	m.ActiveSessions.Describe(ch)
	m.EnrollmentImages.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *AttendanceMetrics) Collect(ch chan<- prometheus.Metric) {
	m.FramesTotal.Collect(ch)
	m.FacesTotal.Collect(ch)
	m.MarksTotal.Collect(ch)
	m.EmbedDuration.Collect(ch)
	m.SessionsTotal.Collect(ch)
	m.ActiveSessions.Collect(ch)
	m.EnrollmentImages.Collect(ch)
}

// Registry returns the registry the metrics were registered on.
func (m *AttendanceMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *AttendanceMetrics) IncFrames() {
	if m == nil {
		return
	}
	m.FramesTotal.Inc()
}

func (m *AttendanceMetrics) IncFace(outcome string) {
	if m == nil {
		return
	}
	m.FacesTotal.WithLabelValues(outcome).Inc()
}

func (m *AttendanceMetrics) IncMark(result string) {
	if m == nil {
		return
	}
	m.MarksTotal.WithLabelValues(result).Inc()
}

func (m *AttendanceMetrics) ObserveEmbed(seconds float64) {
	if m == nil {
		return
	}
	m.EmbedDuration.Observe(seconds)
}

// SessionStarted and SessionFinished bracket a recognition session.
func (m *AttendanceMetrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *AttendanceMetrics) SessionFinished(err error) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.SessionsTotal.WithLabelValues(status).Inc()
}

func (m *AttendanceMetrics) IncEnrollmentImage(err error) {
	if m == nil {
		return
	}
	status := EnrollmentOK
	if err != nil {
		status = EnrollmentSkipped
	}
	m.EnrollmentImages.WithLabelValues(status).Inc()
}

// EnrollmentImageCount returns the enrollment images counted with status.
func (m *AttendanceMetrics) EnrollmentImageCount(status string) int {
	if m == nil {
		return 0
	}
	metric := &dto.Metric{}
	if err := m.EnrollmentImages.WithLabelValues(status).Write(metric); err != nil {
		return 0
	}
	return int(metric.GetCounter().GetValue())
}

// EmbedStats returns how many embeddings were timed and their mean duration
// in seconds.
func (m *AttendanceMetrics) EmbedStats() (count uint64, mean float64) {
	if m == nil {
		return 0, 0
	}
	metric := &dto.Metric{}
	if err := m.EmbedDuration.Write(metric); err != nil {
		return 0, 0
	}
	h := metric.GetHistogram()
	count = h.GetSampleCount()
	if count > 0 {
		mean = h.GetSampleSum() / float64(count)
	}
	return count, mean
}
