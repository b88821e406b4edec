package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/logger"
)

const (
	recordsCacheTTL     = 5 * time.Second
	recordsCacheCleanup = time.Minute
)

// RecordsHandler serves the attendance ledger.
type RecordsHandler struct {
	ledger *ledger.Ledger
	names  ledger.NameLookup
	cache  *cache.Cache
	now    func() time.Time
	log    *logger.Logger
}

// NewRecordsHandler creates a records handler. names may be nil when no
// model is loaded; records then keep the names stored in the ledger.
func NewRecordsHandler(l *ledger.Ledger, names ledger.NameLookup, log *logger.Logger) *RecordsHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &RecordsHandler{
		ledger: l,
		names:  names,
		cache:  cache.New(recordsCacheTTL, recordsCacheCleanup),
		now:    time.Now,
		log:    log,
	}
}

// Invalidate drops cached listings, e.g. after a session wrote new records.
func (h *RecordsHandler) Invalidate() {
	h.cache.Flush()
}

// RecordsResponse is the body of a records listing.
type RecordsResponse struct {
	Date    string          `json:"date"`
	Query   string          `json:"query,omitempty"`
	Count   int             `json:"count"`
	Records []ledger.Record `json:"records"`
}

// Dates lists the dates that have records.
func (h *RecordsHandler) Dates(w http.ResponseWriter, r *http.Request) {
	dates, err := h.ledger.Dates()
	if err != nil {
		h.log.Error("failed to list ledger dates", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list dates")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"dates": dates})
}

// List returns the records of ?date= (today when empty, every date for
// "all"), filtered by ?q=.
func (h *RecordsHandler) List(w http.ResponseWriter, r *http.Request) {
	date := h.dateParam(r)
	query := strings.TrimSpace(r.URL.Query().Get("q"))

	records, err := h.load(r, date)
	if err != nil {
		h.respondLedgerError(w, date, err)
		return
	}

	records = ledger.Filter(records, query)
	respondJSON(w, http.StatusOK, RecordsResponse{
		Date:    date,
		Query:   query,
		Count:   len(records),
		Records: records,
	})
}

// Export downloads the records of ?date= as CSV.
func (h *RecordsHandler) Export(w http.ResponseWriter, r *http.Request) {
	date := h.dateParam(r)

	records, err := h.load(r, date)
	if err != nil {
		h.respondLedgerError(w, date, err)
		return
	}
	records = ledger.Filter(records, r.URL.Query().Get("q"))

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="attendance_%s.csv"`, date))
	if err := ledger.WriteCSV(w, records); err != nil {
		h.log.Error("failed to write CSV export", "date", date, "error", err)
	}
}

func (h *RecordsHandler) dateParam(r *http.Request) string {
	date := strings.TrimSpace(r.URL.Query().Get("date"))
	if date == "" {
		return ledger.DayKey(h.now())
	}
	return date
}

// load returns the records of date with names filled in. Past dates are
// cached briefly; today and AllDates are always read from disk because
// another process may be marking attendance.
func (h *RecordsHandler) load(r *http.Request, date string) ([]ledger.Record, error) {
	cacheable := date != ledger.AllDates && date != ledger.DayKey(h.now())
	if cacheable {
		if cached, ok := h.cache.Get(date); ok {
			if records, ok := cached.([]ledger.Record); ok {
				return records, nil
			}
		}
	}

	records, err := h.ledger.ListRecords(r.Context(), date)
	if err != nil {
		return nil, err
	}
	records = ledger.FillNames(records, h.names)
	if cacheable {
		h.cache.SetDefault(date, records)
	}
	return records, nil
}

func (h *RecordsHandler) respondLedgerError(w http.ResponseWriter, date string, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidDate):
		respondError(w, http.StatusBadRequest, "invalid date, expected YYYY-MM-DD or \"all\"")
	case errors.Is(err, ledger.ErrCorruptLedger):
		h.log.Error("corrupt ledger", "date", sanitizeForLog(date), "error", err)
		respondError(w, http.StatusInternalServerError, "ledger file is corrupt")
	default:
		h.log.Error("failed to read ledger", "date", sanitizeForLog(date), "error", err)
		respondError(w, http.StatusInternalServerError, "failed to read records")
	}
}
