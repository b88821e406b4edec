package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Paths       PathsConfig       `yaml:"paths"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Camera      CameraConfig      `yaml:"camera"`
	Web         WebConfig         `yaml:"web"`
	Log         LogConfig         `yaml:"log"`
}

type PathsConfig struct {
	ModelDir      string `yaml:"model_dir"`      // faces_embeddings.npy, faces_labels.npy, label_map.json
	ImagesDir     string `yaml:"images_dir"`     // one <enrollment>_<name> folder per person
	AttendanceDir string `yaml:"attendance_dir"` // attendance_<date>.csv ledgers
}

type RecognitionConfig struct {
	K               int           `yaml:"k"`
	Threshold       float64       `yaml:"threshold"` // Euclidean distance, tune to the embedding model
	Duration        time.Duration `yaml:"duration"`
	FinalizeTimeout time.Duration `yaml:"finalize_timeout"`
	MinDetScore     float64       `yaml:"min_det_score"`
	MaxBoxIoU       float64       `yaml:"max_box_iou"`
	HNSWMinSize     int           `yaml:"hnsw_min_size"` // 0 keeps exact search
}

type EmbeddingConfig struct {
	URL         string        `yaml:"url"`
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"` // parallel embedding calls during enrollment
}

type CameraConfig struct {
	SnapshotURL string        `yaml:"snapshot_url"` // HTTP endpoint returning one JPEG/PNG frame
	FrameDir    string        `yaml:"frame_dir"`    // replay frames from a directory instead
	Interval    time.Duration `yaml:"interval"`
}

type WebConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"` // CORS origins besides localhost
}

type LogConfig struct {
	Mode string `yaml:"mode"` // "dev" or "prod"
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads a positive float, falling back like envInt.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return f
	}
	return defaultVal
}

// envDuration reads a positive duration such as "15s".
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

// envList reads a comma-separated list, dropping empty items.
func envList(key string, defaultVal []string) []string {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	var out []string
	for item := range strings.SplitSeq(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// Load builds the configuration from the embedded defaults, an optional YAML
// file named by ATTENDANCE_CONFIG, and environment variables, in that order.
func Load() (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	if path := os.Getenv("ATTENDANCE_CONFIG"); path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path is from trusted env
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.Paths = PathsConfig{
		ModelDir:      envString("MODEL_DIR", cfg.Paths.ModelDir),
		ImagesDir:     envString("IMAGES_DIR", cfg.Paths.ImagesDir),
		AttendanceDir: envString("ATTENDANCE_DIR", cfg.Paths.AttendanceDir),
	}
	cfg.Recognition.K = envInt("RECOGNITION_K", cfg.Recognition.K)
	cfg.Recognition.Threshold = envFloat("RECOGNITION_THRESHOLD", cfg.Recognition.Threshold)
	cfg.Recognition.Duration = envDuration("RECOGNITION_DURATION", cfg.Recognition.Duration)
	cfg.Recognition.MinDetScore = envFloat("RECOGNITION_MIN_DET_SCORE", cfg.Recognition.MinDetScore)
	cfg.Recognition.HNSWMinSize = envInt("HNSW_MIN_SIZE", cfg.Recognition.HNSWMinSize)
	cfg.Embedding.URL = envString("EMBEDDING_URL", cfg.Embedding.URL)
	cfg.Embedding.Timeout = envDuration("EMBEDDING_TIMEOUT", cfg.Embedding.Timeout)
	cfg.Embedding.Concurrency = envInt("EMBEDDING_CONCURRENCY", cfg.Embedding.Concurrency)
	cfg.Camera.SnapshotURL = envString("CAMERA_SNAPSHOT_URL", cfg.Camera.SnapshotURL)
	cfg.Camera.FrameDir = envString("CAMERA_FRAME_DIR", cfg.Camera.FrameDir)
	cfg.Camera.Interval = envDuration("CAMERA_INTERVAL", cfg.Camera.Interval)
	cfg.Web.Host = envString("WEB_HOST", cfg.Web.Host)
	cfg.Web.Port = envInt("WEB_PORT", cfg.Web.Port)
	cfg.Web.AllowedOrigins = envList("WEB_ALLOWED_ORIGINS", cfg.Web.AllowedOrigins)
	cfg.Log.Mode = envString("LOG_MODE", cfg.Log.Mode)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the recognition loop cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Recognition.K < 1 {
		errs = append(errs, fmt.Errorf("recognition.k must be >= 1, got %d", c.Recognition.K))
	}
	if c.Recognition.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("recognition.threshold must be > 0, got %v", c.Recognition.Threshold))
	}
	if c.Recognition.Duration <= 0 {
		errs = append(errs, fmt.Errorf("recognition.duration must be > 0, got %v", c.Recognition.Duration))
	}
	if c.Embedding.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("embedding.concurrency must be >= 1, got %d", c.Embedding.Concurrency))
	}
	return errors.Join(errs...)
}
