package facematch

import (
	"errors"
	"testing"
)

func TestParseLabel(t *testing.T) {
	tests := []struct {
		label       Label
		wantID      string
		wantName    string
		wantDisplay string
		wantErr     bool
	}{
		{label: "007_Jane_Doe", wantID: "007", wantName: "Jane_Doe", wantDisplay: "Jane Doe"},
		{label: "001_John", wantID: "001", wantName: "John", wantDisplay: "John"},
		{label: "42_", wantID: "42", wantName: "", wantDisplay: ""},
		{label: "noseparator", wantErr: true},
		{label: "_Jane", wantErr: true},
		{label: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.label), func(t *testing.T) {
			id, err := ParseLabel(tt.label)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedLabel) {
					t.Fatalf("expected ErrMalformedLabel, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id.EnrollmentID != tt.wantID {
				t.Errorf("EnrollmentID = %q, want %q", id.EnrollmentID, tt.wantID)
			}
			if id.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", id.Name, tt.wantName)
			}
			if id.DisplayName() != tt.wantDisplay {
				t.Errorf("DisplayName() = %q, want %q", id.DisplayName(), tt.wantDisplay)
			}
			if id.Label() != tt.label {
				t.Errorf("Label() = %q, want %q", id.Label(), tt.label)
			}
		})
	}
}

func TestMakeLabel(t *testing.T) {
	label, err := MakeLabel("007", "Jane  Doe")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if label != "007_Jane_Doe" {
		t.Errorf("MakeLabel() = %q, want %q", label, "007_Jane_Doe")
	}

	if _, err := MakeLabel("0_7", "Jane"); !errors.Is(err, ErrMalformedLabel) {
		t.Errorf("expected ErrMalformedLabel for id with underscore, got %v", err)
	}
	if _, err := MakeLabel(" ", "Jane"); !errors.Is(err, ErrMalformedLabel) {
		t.Errorf("expected ErrMalformedLabel for empty id, got %v", err)
	}
}
