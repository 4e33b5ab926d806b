package msisdn

import (
	"errors"
	"testing"
)

func TestNormalize_CanonicalForms(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"local trunk prefix replaced", "0754123456", "255754123456"},
		{"country code kept as-is", "255754123456", "255754123456"},
		{"plus and spaces stripped", "+255 754 123 456", "255754123456"},
		{"dashes stripped", "0754-123-456", "255754123456"},
		{"bare subscriber number prefixed", "754123456", "255754123456"},
		{"parentheses stripped", "(0754) 123456", "255754123456"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in, "255")
			if err != nil {
				t.Fatalf("Normalize(%q) returned error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalize_SameDigitsSameCanonicalForm(t *testing.T) {
	variants := []string{"0754123456", "255754123456", "+255754123456", "754123456"}
	want := "255754123456"
	for _, v := range variants {
		got, err := Normalize(v, "255")
		if err != nil {
			t.Fatalf("Normalize(%q) returned error: %v", v, err)
		}
		if got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", v, got, want)
		}
	}
}

func TestNormalize_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr error
	}{
		{"empty input", "", ErrRequired},
		{"whitespace only", "   ", ErrRequired},
		{"no digits at all", "+-() ", ErrRequired},
		{"too short", "0754", ErrLength},
		{"too long", "2557541234567890", ErrLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.in, "255")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Normalize(%q) error = %v, want %v", tt.in, err, tt.wantErr)
			}
		})
	}
}

func TestNormalize_DefaultCountryCode(t *testing.T) {
	got, err := Normalize("0754123456", "")
	if err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	if got != "255754123456" {
		t.Fatalf("expected default country code to apply, got %q", got)
	}
}
