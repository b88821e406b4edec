package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/enroll"
	"github.com/kozaktomas/face-attendance/internal/metrics"
	"github.com/kozaktomas/face-attendance/internal/store"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Build the face model from the enrollment images",
	Long: `Embed every face photo under the images directory and write the model
(embeddings, labels and label map) to the model directory.

The images directory holds one folder per person, named <EnrollmentID>_<Name>,
for example 007_Jane_Doe. An existing model is replaced atomically.

Examples:
  face-attendance enroll
  face-attendance enroll --images ./faces --model ./model --concurrency 8`,
	Args: cobra.NoArgs,
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)

	enrollCmd.Flags().String("images", "", "Enrollment images directory (overrides IMAGES_DIR)")
	enrollCmd.Flags().String("model", "", "Model output directory (overrides MODEL_DIR)")
	enrollCmd.Flags().Int("concurrency", 0, "Parallel embedding requests (overrides EMBEDDING_CONCURRENCY)")
	enrollCmd.Flags().String("metrics-file", "", "Write run metrics in Prometheus text format (node_exporter textfile collector)")
}

func runEnroll(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	overrideString(cmd, "images", &cfg.Paths.ImagesDir)
	overrideString(cmd, "model", &cfg.Paths.ModelDir)
	overrideInt(cmd, "concurrency", &cfg.Embedding.Concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sets, err := enroll.LoadImageSets(cfg.Paths.ImagesDir, log)
	if err != nil {
		return err
	}
	total := 0
	for _, set := range sets {
		total += len(set.Images)
	}
	if total == 0 {
		return fmt.Errorf("no images found under %s", cfg.Paths.ImagesDir)
	}

	fmt.Printf("Enrolling %d people from %d images...\n", len(sets), total)

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Embedding faces"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	registry := prometheus.NewRegistry()
	m, err := metrics.NewAttendanceMetrics(registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	client := newEmbedClient(cfg, m)
	builder := enroll.NewBuilder(client, log,
		enroll.WithConcurrency(cfg.Embedding.Concurrency),
		enroll.WithProgress(func(done, total int) { _ = bar.Add(1) }),
		enroll.WithMetrics(m),
	)

	start := time.Now()
	snap, err := builder.Build(ctx, sets)
	_ = bar.Finish()
	fmt.Println()
	if err != nil {
		return fmt.Errorf("enrollment failed: %w", err)
	}

	if err := store.Save(cfg.Paths.ModelDir, snap); err != nil {
		return fmt.Errorf("failed to save model: %w", err)
	}

	fmt.Printf("Enrolled %d people (%d embeddings, dim %d) in %s\n",
		snap.LabelMap.Len(), len(snap.Embeddings), snap.Dim(), time.Since(start).Round(time.Millisecond))
	if skipped := m.EnrollmentImageCount(metrics.EnrollmentSkipped); skipped > 0 {
		fmt.Printf("Skipped %d images without a usable face\n", skipped)
	}
	if count, mean := m.EmbedStats(); count > 0 {
		fmt.Printf("Embedding service: %d calls, %s average\n",
			count, time.Duration(mean*float64(time.Second)).Round(time.Millisecond))
	}
	fmt.Printf("Model written to %s\n", cfg.Paths.ModelDir)

	if path := mustGetString(cmd, "metrics-file"); path != "" {
		if err := prometheus.WriteToTextfile(path, registry); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
		fmt.Printf("Metrics written to %s\n", path)
	}
	return nil
}
