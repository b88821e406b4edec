package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/enroll"
)

var registerCmd = &cobra.Command{
	Use:   "register <enrollment-id> <name>",
	Short: "Capture enrollment photos of a person from the camera",
	Long: `Capture face photos of one person into <images>/<enrollment-id>_<name>/.

Faces larger than the minimum size are padded, enhanced and saved as
grayscale JPEGs until the target count is reached. Run 'enroll' afterwards
to rebuild the model.

Examples:
  face-attendance register 007 "Jane Doe"
  face-attendance register 007 "Jane Doe" --target 50 --frames ./captured`,
	Args: cobra.ExactArgs(2),
	RunE: runRegister,
}

func init() {
	rootCmd.AddCommand(registerCmd)

	registerCmd.Flags().Int("target", enroll.DefaultCaptureTarget, "Number of face images to save")
	registerCmd.Flags().Int("min-face-size", enroll.DefaultMinFaceSize, "Minimum padded face width and height in pixels")
	registerCmd.Flags().String("images", "", "Enrollment images directory (overrides IMAGES_DIR)")
	registerCmd.Flags().String("frames", "", "Read frames from a directory instead of the camera")
}

func runRegister(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	overrideString(cmd, "images", &cfg.Paths.ImagesDir)
	overrideString(cmd, "frames", &cfg.Camera.FrameDir)
	target := mustGetInt(cmd, "target")

	frames, err := openFrameSource(cfg)
	if err != nil {
		return err
	}

	bar := progressbar.NewOptions(target,
		progressbar.OptionSetDescription("Capturing faces"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
	)
	capturer := enroll.NewCapturer(newEmbedClient(cfg, nil), log,
		enroll.WithTarget(target),
		enroll.WithMinFaceSize(mustGetInt(cmd, "min-face-size")),
		enroll.WithCaptureProgress(func(saved, target int) { _ = bar.Add(1) }),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("Face the camera directly, in good light, and vary the angle. Ctrl+C stops early.")
	res, err := capturer.Capture(ctx, frames, cfg.Paths.ImagesDir, args[0], args[1])
	_ = bar.Finish()
	fmt.Println()
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	fmt.Printf("Saved %d images of %s to %s (%d frames read)\n", res.Saved, res.Label, res.Dir, res.Frames)
	if res.Saved < target {
		fmt.Printf("Warning: fewer images than the target of %d\n", target)
	}
	fmt.Println("Run 'face-attendance enroll' to update the model")
	return nil
}
