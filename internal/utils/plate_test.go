package utils

import (
	"testing"
)

func TestNormalizePlate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "with spaces", input: "123 ABC 02", expected: "123ABC02"},
		{name: "lowercase", input: "123abc02", expected: "123ABC02"},
		{name: "with dashes", input: "123-ABC-02", expected: "123ABC02"},
		{name: "dots and underscores", input: "A.123_BC", expected: "A123BC"},
		{name: "leading and trailing spaces", input: "  123 ABC 02  ", expected: "123ABC02"},
		{name: "cyrillic", input: "а 123 вс", expected: "А123ВС"},
		{name: "empty", input: " - ", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NormalizePlate(tt.input)
			if result != tt.expected {
				t.Errorf("NormalizePlate(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestSamePlate(t *testing.T) {
	if !SamePlate("123 abc 02", "123-ABC-02") {
		t.Error("expected plates to match")
	}
	if SamePlate("", " ") {
		t.Error("empty plates must not match")
	}
	if SamePlate("123ABC02", "123ABC03") {
		t.Error("different plates must not match")
	}
}

func TestPlateReading(t *testing.T) {
	if got := PlateReading("123 abc", 0.4, 0.6); got != "" {
		t.Errorf("low confidence reading kept: %q", got)
	}
	if got := PlateReading("123 abc", 0.9, 0.6); got != "123ABC" {
		t.Errorf("PlateReading = %q", got)
	}
}
