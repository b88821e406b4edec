package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/metrics"
	"github.com/kozaktomas/face-attendance/internal/session"
	"github.com/kozaktomas/face-attendance/internal/store"
	"github.com/kozaktomas/face-attendance/internal/web"
	"github.com/kozaktomas/face-attendance/internal/web/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server",
	Long: `Start the Face Attendance HTTP API.
The API lists and exports attendance records and, when a camera and a model
are available, starts recognition sessions on request.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	overrideInt(cmd, "port", &cfg.Web.Port)
	overrideString(cmd, "host", &cfg.Web.Host)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.NewAttendanceMetrics(registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	led, err := ledger.New(cfg.Paths.AttendanceDir, log)
	if err != nil {
		return err
	}

	deps := web.Deps{
		Ledger:  led,
		Metrics: m,
		Logger:  log,
	}

	cls, err := loadClassifier(cfg, log)
	switch {
	case errors.Is(err, store.ErrStoreMissing):
		fmt.Printf("Warning: no model in %s, recognition sessions disabled (run 'enroll' first)\n", cfg.Paths.ModelDir)
	case err != nil:
		return err
	default:
		deps.Names = cls.LabelMap()
		if _, camErr := openFrameSource(cfg); errors.Is(camErr, errNoCamera) {
			fmt.Println("Warning: no camera configured, recognition sessions disabled")
		} else {
			rec := newRecognizer(cfg, cls, led, newEmbedClient(cfg, m), log, m)
			deps.Session = session.New(rec)
			deps.Frames = handlers.FrameSourceFactory(func() (session.FrameSource, error) {
				return openFrameSource(cfg)
			})
			fmt.Printf("Recognition sessions enabled (%d identities)\n", cls.LabelMap().Len())
		}
	}

	server := web.NewServer(cfg, deps)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting Face Attendance API on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	// a running session finalizes before the process exits
	<-done
	return nil
}
