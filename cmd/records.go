package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/logger"
	"github.com/kozaktomas/face-attendance/internal/store"
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect the attendance ledger",
}

var recordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List attendance records",
	Long: `List attendance records for a date (default today) or for every date.

Examples:
  face-attendance records list
  face-attendance records list --date 2024-01-10
  face-attendance records list --date all --query jane`,
	Args: cobra.NoArgs,
	RunE: runRecordsList,
}

var recordsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export attendance records as CSV",
	Long: `Write attendance records as CSV to stdout or a file.

Examples:
  face-attendance records export --date 2024-01-10 --output jan10.csv
  face-attendance records export --date all > attendance.csv`,
	Args: cobra.NoArgs,
	RunE: runRecordsExport,
}

var recordsDatesCmd = &cobra.Command{
	Use:   "dates",
	Short: "List dates that have attendance records",
	Args:  cobra.NoArgs,
	RunE:  runRecordsDates,
}

func init() {
	rootCmd.AddCommand(recordsCmd)
	recordsCmd.AddCommand(recordsListCmd, recordsExportCmd, recordsDatesCmd)

	for _, c := range []*cobra.Command{recordsListCmd, recordsExportCmd} {
		c.Flags().String("date", "", "Date (YYYY-MM-DD) or 'all' (default today)")
		c.Flags().String("query", "", "Only records whose name or enrollment id contains this text")
	}
	recordsExportCmd.Flags().StringP("output", "o", "", "Output file (default stdout)")
}

// loadRecords reads the records selected by --date and --query, filling
// missing names from the model when one exists.
func loadRecords(cmd *cobra.Command) ([]ledger.Record, string, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	defer log.Sync()

	date := mustGetString(cmd, "date")
	if date == "" {
		date = ledger.DayKey(time.Now())
	}

	led, err := ledger.New(cfg.Paths.AttendanceDir, log)
	if err != nil {
		return nil, "", err
	}
	records, err := led.ListRecords(context.Background(), date)
	if err != nil {
		return nil, "", err
	}

	records = fillNamesFromModel(records, cfg.Paths.ModelDir, log)
	return ledger.Filter(records, mustGetString(cmd, "query")), date, nil
}

func fillNamesFromModel(records []ledger.Record, modelDir string, log *logger.Logger) []ledger.Record {
	snap, err := store.Load(modelDir)
	if err != nil {
		if !errors.Is(err, store.ErrStoreMissing) {
			log.Warn("model unreadable, names not filled", "dir", modelDir, "error", err)
		}
		return records
	}
	return ledger.FillNames(records, snap.LabelMap)
}

func runRecordsList(cmd *cobra.Command, args []string) error {
	records, date, err := loadRecords(cmd)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("No attendance records for %s\n", date)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tTIME\tENROLLMENT\tNAME")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Date, r.Time, r.EnrollmentID, r.Name)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d records\n", len(records))
	return nil
}

func runRecordsExport(cmd *cobra.Command, args []string) error {
	records, _, err := loadRecords(cmd)
	if err != nil {
		return err
	}

	var out io.Writer = os.Stdout
	if path := mustGetString(cmd, "output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		defer f.Close()
		out = f
		defer fmt.Fprintf(os.Stderr, "Exported %d records to %s\n", len(records), path)
	}
	return ledger.WriteCSV(out, records)
}

func runRecordsDates(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	led, err := ledger.New(cfg.Paths.AttendanceDir, log)
	if err != nil {
		return err
	}
	dates, err := led.Dates()
	if err != nil {
		return err
	}
	for _, d := range dates {
		fmt.Println(d)
	}
	return nil
}
