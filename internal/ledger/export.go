package ledger

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/kozaktomas/face-attendance/internal/facematch"
)

// NameLookup resolves an enrollment id to its identity label.
type NameLookup interface {
	FindEnrollment(id string) (facematch.Label, bool)
}

// FillNames returns a copy of records with empty names filled from the
// enrolled labels.
func FillNames(records []Record, names NameLookup) []Record {
	out := make([]Record, len(records))
	copy(out, records)
	if names == nil {
		return out
	}
	for i := range out {
		if out[i].Name != "" {
			continue
		}
		label, ok := names.FindEnrollment(out[i].EnrollmentID)
		if !ok {
			continue
		}
		if id, err := facematch.ParseLabel(label); err == nil {
			out[i].Name = id.DisplayName()
		}
	}
	return out
}

// Filter keeps records where any column contains query, ignoring case and
// diacritics. An empty query keeps everything.
func Filter(records []Record, query string) []Record {
	query = facematch.FoldForSearch(strings.TrimSpace(query))
	if query == "" {
		return records
	}

	out := []Record{}
	for _, r := range records {
		for _, field := range r.row() {
			if strings.Contains(facematch.FoldForSearch(field), query) {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// WriteCSV exports records with the ledger header.
func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, r := range records {
		if err := cw.Write(r.row()); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
