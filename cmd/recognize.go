package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/session"
)

var recognizeCmd = &cobra.Command{
	Use:   "recognize",
	Short: "Run one recognition session against the camera",
	Long: `Read frames from the camera for the configured duration, recognise
enrolled faces and record attendance for everyone seen.

Press Ctrl+C to stop early; faces already recognised are still recorded.

Examples:
  face-attendance recognize
  face-attendance recognize --duration 30s --threshold 0.8
  face-attendance recognize --frames ./captured`,
	Args: cobra.NoArgs,
	RunE: runRecognize,
}

func init() {
	rootCmd.AddCommand(recognizeCmd)

	recognizeCmd.Flags().Duration("duration", 0, "Session length (overrides RECOGNITION_DURATION)")
	recognizeCmd.Flags().Int("k", 0, "Number of neighbours that vote (overrides RECOGNITION_K)")
	recognizeCmd.Flags().Float64("threshold", 0, "Maximum nearest-neighbour distance for a known face (overrides RECOGNITION_THRESHOLD)")
	recognizeCmd.Flags().String("frames", "", "Read frames from a directory instead of the camera")
	recognizeCmd.Flags().Bool("verbose", false, "Print every classified face")
}

func runRecognize(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	overrideDuration(cmd, "duration", &cfg.Recognition.Duration)
	overrideInt(cmd, "k", &cfg.Recognition.K)
	overrideFloat64(cmd, "threshold", &cfg.Recognition.Threshold)
	overrideString(cmd, "frames", &cfg.Camera.FrameDir)
	verbose, _ := cmd.Flags().GetBool("verbose")

	cls, err := loadClassifier(cfg, log)
	if err != nil {
		return err
	}
	led, err := ledger.New(cfg.Paths.AttendanceDir, log)
	if err != nil {
		return err
	}
	frames, err := openFrameSource(cfg)
	if err != nil {
		return err
	}

	var opts []session.Option
	if verbose {
		opts = append(opts, session.WithObserver(printObservation))
	}
	sess := session.New(newRecognizer(cfg, cls, led, newEmbedClient(cfg, nil), log, nil, opts...))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Recognising faces for %s (Ctrl+C to stop)...\n", cfg.Recognition.Duration)
	summary, runErr := sess.Run(ctx, frames)
	printSummary(summary)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("session failed: %w", runErr)
	}
	return nil
}

func printObservation(o session.Observation) {
	if !o.Result.Known {
		fmt.Printf("  frame %d: unknown face at %v (distance %.3f)\n", o.Frame, o.Box.Rect(), o.Result.Distance)
		return
	}
	fmt.Printf("  frame %d: %s (votes %d, distance %.3f)\n", o.Frame, o.Result.Label, o.Result.Votes, o.Result.Distance)
}

func printSummary(s session.Summary) {
	fmt.Printf("\nSession %s\n", s.ID)
	if s.Cancelled {
		fmt.Println("  Stopped early")
	}
	fmt.Printf("  Frames:          %d\n", s.Frames)
	fmt.Printf("  Faces:           %d (%d unknown, %d failed)\n", s.Faces, s.Unknown, s.Failed)
	fmt.Printf("  Marked:          %d\n", len(s.Marked))
	for _, id := range s.Marked {
		fmt.Printf("    - %s\n", id)
	}
	if len(s.AlreadyMarked) > 0 {
		fmt.Printf("  Already marked:  %d\n", len(s.AlreadyMarked))
		for _, id := range s.AlreadyMarked {
			fmt.Printf("    - %s\n", id)
		}
	}
}
