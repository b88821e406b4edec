package facematch

import "testing"

func TestRemoveDiacritics(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Honza", "Honza"},
		{"Jiří", "Jiri"},
		{"café", "cafe"},
		{"Žluťoučký kůň", "Zlutoucky kun"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := RemoveDiacritics(tt.input)
			if result != tt.expected {
				t.Errorf("RemoveDiacritics(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNormalizeLabel(t *testing.T) {
	decomposed := "001_Jir\u030ci\u0301" // "Jiří" in NFD
	composed := "001_Jiří"

	if got := NormalizeLabel("  " + decomposed + " "); got != Label(composed) {
		t.Errorf("NormalizeLabel() = %q, want %q", got, composed)
	}
}

func TestFoldForSearch(t *testing.T) {
	if got := FoldForSearch("Jiří NOVÁK"); got != "jiri novak" {
		t.Errorf("FoldForSearch() = %q, want %q", got, "jiri novak")
	}
}
