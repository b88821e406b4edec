package cmd

import (
	"errors"
	"fmt"

	"github.com/kozaktomas/face-attendance/internal/camera"
	"github.com/kozaktomas/face-attendance/internal/classifier"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/embedclient"
	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/logger"
	"github.com/kozaktomas/face-attendance/internal/metrics"
	"github.com/kozaktomas/face-attendance/internal/session"
	"github.com/kozaktomas/face-attendance/internal/store"
)

var errNoCamera = errors.New("no camera configured: set CAMERA_SNAPSHOT_URL or CAMERA_FRAME_DIR")

// loadConfig loads the configuration and the logger it describes.
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, log, nil
}

// loadClassifier loads the enrolled model from the model directory.
func loadClassifier(cfg *config.Config, log *logger.Logger) (*classifier.Classifier, error) {
	snap, err := store.Load(cfg.Paths.ModelDir)
	if err != nil {
		return nil, err
	}
	cls, err := classifier.FromSnapshot(snap, classifier.WithHNSW(cfg.Recognition.HNSWMinSize))
	if err != nil {
		return nil, fmt.Errorf("failed to build classifier: %w", err)
	}
	log.Info("model loaded",
		"dir", cfg.Paths.ModelDir,
		"identities", snap.LabelMap.Len(),
		"embeddings", cls.Size(),
		"dim", cls.Dim(),
		"approximate", cls.Approximate())
	return cls, nil
}

func newEmbedClient(cfg *config.Config, m *metrics.AttendanceMetrics) *embedclient.Client {
	return embedclient.New(cfg.Embedding.URL, cfg.Embedding.Timeout,
		embedclient.WithMinDetScore(cfg.Recognition.MinDetScore),
		embedclient.WithMetrics(m),
	)
}

func newRecognizer(cfg *config.Config, cls *classifier.Classifier, led *ledger.Ledger,
	client *embedclient.Client, log *logger.Logger, m *metrics.AttendanceMetrics, opts ...session.Option) *session.Recognizer {
	opts = append([]session.Option{
		session.WithLogger(log),
		session.WithMetrics(m),
		session.WithSettings(session.Settings{
			Duration:        cfg.Recognition.Duration,
			FinalizeTimeout: cfg.Recognition.FinalizeTimeout,
			K:               cfg.Recognition.K,
			Threshold:       cfg.Recognition.Threshold,
			MaxBoxIoU:       cfg.Recognition.MaxBoxIoU,
		}),
	}, opts...)
	return session.NewRecognizer(cls, client, client, led, opts...)
}

// openFrameSource opens the configured camera. A frame directory wins over a
// snapshot URL.
func openFrameSource(cfg *config.Config) (session.FrameSource, error) {
	switch {
	case cfg.Camera.FrameDir != "":
		return camera.NewDirSource(cfg.Camera.FrameDir)
	case cfg.Camera.SnapshotURL != "":
		return camera.NewSnapshotSource(cfg.Camera.SnapshotURL, cfg.Camera.Interval, cfg.Embedding.Timeout), nil
	default:
		return nil, errNoCamera
	}
}
