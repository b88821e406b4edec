package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kozaktomas/face-attendance/internal/ledger"
)

var fixtureRecords = []ledger.Record{
	{Date: "2024-01-09", Time: "08:00:00", EnrollmentID: "001", Name: "John Smith"},
	{Date: "2024-01-10", Time: "09:00:00", EnrollmentID: "007", Name: ""},
	{Date: "2024-01-10", Time: "09:05:00", EnrollmentID: "012", Name: "Jiří Novák"},
}

func newTestRecordsHandler(t *testing.T) *RecordsHandler {
	t.Helper()
	h := NewRecordsHandler(testLedger(t, fixtureRecords...), testLabelMap(t), nil)
	h.now = func() time.Time { return time.Date(2024, 1, 10, 12, 0, 0, 0, time.Local) }
	return h
}

func TestRecordsHandler_List(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantDate  string
		wantCount int
	}{
		{"defaults to today", "", http.StatusOK, "2024-01-10", 2},
		{"explicit date", "?date=2024-01-09", http.StatusOK, "2024-01-09", 1},
		{"all dates", "?date=all", http.StatusOK, "all", 3},
		{"search ignores diacritics", "?date=all&q=jiri", http.StatusOK, "all", 1},
		{"search by enrollment", "?q=007", http.StatusOK, "2024-01-10", 1},
		{"empty day", "?date=2023-12-24", http.StatusOK, "2023-12-24", 0},
		{"invalid date", "?date=../../etc/passwd", http.StatusBadRequest, "", 0},
	}

	h := newTestRecordsHandler(t)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			h.List(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/records"+tc.query, nil))

			if recorder.Code != tc.wantCode {
				t.Fatalf("expected status %d, got %d: %s", tc.wantCode, recorder.Code, recorder.Body.String())
			}
			if tc.wantCode != http.StatusOK {
				return
			}
			var resp RecordsResponse
			decodeJSON(t, recorder, &resp)
			if resp.Date != tc.wantDate {
				t.Errorf("expected date %s, got %s", tc.wantDate, resp.Date)
			}
			if resp.Count != tc.wantCount || len(resp.Records) != tc.wantCount {
				t.Errorf("expected %d records, got count=%d len=%d", tc.wantCount, resp.Count, len(resp.Records))
			}
		})
	}
}

func TestRecordsHandler_List_FillsNames(t *testing.T) {
	h := newTestRecordsHandler(t)
	recorder := httptest.NewRecorder()
	h.List(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/records?date=2024-01-10", nil))

	var resp RecordsResponse
	decodeJSON(t, recorder, &resp)
	if len(resp.Records) == 0 || resp.Records[0].Name != "Jane Doe" {
		t.Errorf("expected Jane Doe filled from the label map, got %+v", resp.Records)
	}
}

func TestRecordsHandler_CacheInvalidate(t *testing.T) {
	h := newTestRecordsHandler(t)
	list := func() int {
		recorder := httptest.NewRecorder()
		h.List(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/records?date=2024-01-09", nil))
		var resp RecordsResponse
		decodeJSON(t, recorder, &resp)
		return resp.Count
	}

	if got := list(); got != 1 {
		t.Fatalf("expected 1 record, got %d", got)
	}
	if err := h.ledger.Mark(context.Background(), "2024-01-09", "099", "Late Comer", time.Now()); err != nil {
		t.Fatal(err)
	}
	if got := list(); got != 1 {
		t.Errorf("expected cached listing with 1 record, got %d", got)
	}
	h.Invalidate()
	if got := list(); got != 2 {
		t.Errorf("expected 2 records after invalidation, got %d", got)
	}
}

func TestRecordsHandler_TodayAndAllNotCached(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"today", "?date=2024-01-10"},
		{"default date", ""},
		{"all dates", "?date=all"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestRecordsHandler(t)
			list := func() int {
				recorder := httptest.NewRecorder()
				h.List(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/records"+tc.query, nil))
				var resp RecordsResponse
				decodeJSON(t, recorder, &resp)
				return resp.Count
			}

			before := list()
			// written directly to the ledger, as a separate recognize process would
			if err := h.ledger.Mark(context.Background(), "2024-01-10", "099", "Late Comer", time.Now()); err != nil {
				t.Fatal(err)
			}
			if got := list(); got != before+1 {
				t.Errorf("expected %d records without invalidation, got %d", before+1, got)
			}
		})
	}
}

func TestRecordsHandler_Dates(t *testing.T) {
	h := newTestRecordsHandler(t)
	recorder := httptest.NewRecorder()
	h.Dates(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/dates", nil))

	var resp struct {
		Dates []string `json:"dates"`
	}
	decodeJSON(t, recorder, &resp)
	if strings.Join(resp.Dates, ",") != "2024-01-10,2024-01-09" {
		t.Errorf("expected newest date first, got %v", resp.Dates)
	}
}

func TestRecordsHandler_Export(t *testing.T) {
	h := newTestRecordsHandler(t)
	recorder := httptest.NewRecorder()
	h.Export(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/records/export?date=2024-01-10", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	if ct := recorder.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("expected CSV content type, got %s", ct)
	}
	if cd := recorder.Header().Get("Content-Disposition"); !strings.Contains(cd, "attendance_2024-01-10.csv") {
		t.Errorf("unexpected Content-Disposition: %s", cd)
	}
	want := "Date,Time,Enrollment,Name\n" +
		"2024-01-10,09:00:00,007,Jane Doe\n" +
		"2024-01-10,09:05:00,012,Jiří Novák\n"
	if recorder.Body.String() != want {
		t.Errorf("unexpected CSV:\n%s", recorder.Body.String())
	}
}

func TestRecordsHandler_Export_InvalidDate(t *testing.T) {
	h := newTestRecordsHandler(t)
	recorder := httptest.NewRecorder()
	h.Export(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/records/export?date=yesterday", nil))

	if recorder.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", recorder.Code)
	}
}
