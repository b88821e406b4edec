// Package ledger keeps the per-day attendance files. Each calendar date has
// one CSV file; an enrollment id appears in it at most once.
package ledger

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/kozaktomas/face-attendance/internal/logger"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05"

	// AllDates selects every ledger file in ListRecords.
	AllDates = "all"

	filePrefix = "attendance_"
	fileSuffix = ".csv"

	lockRetryDelay = 10 * time.Millisecond
)

// Header is the first row of every ledger file.
var Header = []string{"Date", "Time", "Enrollment", "Name"}

var (
	// ErrAlreadyMarked is returned by Mark when the enrollment id is already
	// recorded for that date. It is an expected outcome, not a failure.
	ErrAlreadyMarked = errors.New("already marked")
	// ErrCorruptLedger is returned when a ledger file has an unexpected header.
	ErrCorruptLedger = errors.New("corrupt ledger file")
	// ErrInvalidDate is returned for dates not in YYYY-MM-DD form.
	ErrInvalidDate = errors.New("invalid ledger date")
)

// Record is one attendance row.
type Record struct {
	Date         string `json:"date"`
	Time         string `json:"time"`
	EnrollmentID string `json:"enrollment"`
	Name         string `json:"name"`
}

func (r Record) row() []string {
	return []string{r.Date, r.Time, r.EnrollmentID, r.Name}
}

// Ledger is a directory of per-day attendance files.
type Ledger struct {
	dir string
	log *logger.Logger
}

// New opens (creating if needed) a ledger directory.
func New(dir string, log *logger.Logger) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create attendance directory: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Ledger{dir: dir, log: log}, nil
}

// Dir returns the ledger directory.
func (l *Ledger) Dir() string {
	return l.dir
}

// DayKey returns the ledger partition for an instant: its local calendar date.
func DayKey(t time.Time) string {
	return t.Local().Format(DateLayout)
}

// ValidateDate checks that date is a real YYYY-MM-DD calendar date.
func ValidateDate(date string) error {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	return nil
}

// Path returns the file holding date's records.
func (l *Ledger) Path(date string) string {
	return filepath.Join(l.dir, filePrefix+date+fileSuffix)
}

func (l *Ledger) lockFor(date string) *flock.Flock {
	return flock.New(l.Path(date) + ".lock")
}

// HasMarked reports whether enrollmentID is recorded for date. It reads the
// file on disk, so records written by other processes are seen.
func (l *Ledger) HasMarked(ctx context.Context, date, enrollmentID string) (bool, error) {
	if err := ValidateDate(date); err != nil {
		return false, err
	}
	enrollmentID = strings.TrimSpace(enrollmentID)

	lock := l.lockFor(date)
	if _, err := lock.TryRLockContext(ctx, lockRetryDelay); err != nil {
		return false, fmt.Errorf("failed to lock ledger %s: %w", date, err)
	}
	defer lock.Unlock()

	records, err := l.readFile(l.Path(date))
	if err != nil {
		return false, err
	}
	return containsEnrollment(records, enrollmentID), nil
}

// Mark appends a record unless enrollmentID is already recorded for date, in
// which case it returns ErrAlreadyMarked. The check and the append happen under
// one exclusive file lock, so concurrent writers in any process cannot both
// succeed for the same id and date.
func (l *Ledger) Mark(ctx context.Context, date, enrollmentID, name string, at time.Time) error {
	if err := ValidateDate(date); err != nil {
		return err
	}
	enrollmentID = strings.TrimSpace(enrollmentID)
	if enrollmentID == "" {
		return errors.New("empty enrollment id")
	}

	lock := l.lockFor(date)
	if _, err := lock.TryLockContext(ctx, lockRetryDelay); err != nil {
		return fmt.Errorf("failed to lock ledger %s: %w", date, err)
	}
	defer lock.Unlock()

	path := l.Path(date)
	records, err := l.readFile(path)
	if err != nil {
		return err
	}
	if containsEnrollment(records, enrollmentID) {
		return fmt.Errorf("%w: %s on %s", ErrAlreadyMarked, enrollmentID, date)
	}

	rec := Record{
		Date:         date,
		Time:         at.Local().Format(TimeLayout),
		EnrollmentID: enrollmentID,
		Name:         name,
	}
	if err := appendRecord(path, rec); err != nil {
		return err
	}

	l.log.Debug("attendance marked", "date", date, "enrollment", enrollmentID, "name", name)
	return nil
}

// appendRecord writes rec to the end of path, adding the header to a new file.
func appendRecord(path string, rec Record) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644) //nolint:gosec // path built from validated date
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat ledger: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(Header); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to write ledger header: %w", err)
		}
	} else if !endsWithNewline(f, info.Size()) {
		// A previous writer died mid-row; start ours on a fresh line.
		if _, err := f.Write([]byte("\n")); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to repair ledger: %w", err)
		}
	}

	if err := w.Write(rec.row()); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write ledger row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to flush ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync ledger: %w", err)
	}
	return f.Close()
}

func endsWithNewline(f *os.File, size int64) bool {
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return true
	}
	return last[0] == '\n'
}

// ListRecords returns the records of one date, or of every date when date is
// AllDates, newest date first. Rows within a date keep file order.
func (l *Ledger) ListRecords(ctx context.Context, date string) ([]Record, error) {
	dates := []string{date}
	if date == AllDates {
		var err error
		dates, err = l.Dates()
		if err != nil {
			return nil, err
		}
	} else if err := ValidateDate(date); err != nil {
		return nil, err
	}

	records := []Record{}
	for _, d := range dates {
		recs, err := l.readLocked(ctx, d)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	return records, nil
}

func (l *Ledger) readLocked(ctx context.Context, date string) ([]Record, error) {
	lock := l.lockFor(date)
	if _, err := lock.TryRLockContext(ctx, lockRetryDelay); err != nil {
		return nil, fmt.Errorf("failed to lock ledger %s: %w", date, err)
	}
	defer lock.Unlock()
	return l.readFile(l.Path(date))
}

// Dates lists the dates that have a ledger file, newest first.
func (l *Ledger) Dates() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(l.dir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, fmt.Errorf("failed to list ledgers: %w", err)
	}

	dates := make([]string, 0, len(matches))
	for _, m := range matches {
		name := filepath.Base(m)
		date := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		if ValidateDate(date) != nil {
			continue
		}
		dates = append(dates, date)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// readFile parses a ledger file. A missing file has no records.
func (l *Ledger) readFile(path string) ([]Record, error) {
	f, err := os.Open(path) //nolint:gosec // path built from validated date
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var records []Record
	first := true
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptLedger, path, err)
		}
		if first {
			first = false
			if !isHeader(row) {
				return nil, fmt.Errorf("%w: %s: unexpected header %v", ErrCorruptLedger, path, row)
			}
			continue
		}
		if len(row) < len(Header) {
			l.log.Debug("skipping short ledger row", "path", path, "row", row)
			continue
		}
		records = append(records, Record{
			Date:         strings.TrimSpace(row[0]),
			Time:         strings.TrimSpace(row[1]),
			EnrollmentID: strings.TrimSpace(row[2]),
			Name:         strings.TrimSpace(row[3]),
		})
	}
	return records, nil
}

func isHeader(row []string) bool {
	if len(row) < len(Header) {
		return false
	}
	for i, h := range Header {
		field := strings.TrimSpace(strings.TrimPrefix(row[i], "\ufeff"))
		if !strings.EqualFold(field, h) {
			return false
		}
	}
	return true
}

func containsEnrollment(records []Record, enrollmentID string) bool {
	for _, r := range records {
		if r.EnrollmentID == enrollmentID {
			return true
		}
	}
	return false
}
