package protocol

import (
	"strings"
	"testing"
)

func TestGenerateCodeFormat(t *testing.T) {
	code, err := GenerateCode(ShortCodePrefix)
	if err != nil {
		t.Fatalf("GenerateCode failed: %v", err)
	}

	parts := strings.Split(code, "-")
	if len(parts) != 3 {
		t.Fatalf("expected PREFIX-XXXX-XXXX, got %q", code)
	}
	if parts[0] != ShortCodePrefix {
		t.Fatalf("expected prefix %q, got %q", ShortCodePrefix, parts[0])
	}
	if len(parts[1]) != 4 || len(parts[2]) != 4 {
		t.Fatalf("expected two 4-symbol groups, got %q", code)
	}
	for _, r := range parts[1] + parts[2] {
		if !strings.ContainsRune(CodeAlphabet, r) {
			t.Fatalf("symbol %q outside alphabet in %q", r, code)
		}
	}
}

func TestGenerateCodeExcludesAmbiguousGlyphs(t *testing.T) {
	for _, forbidden := range "01IO" {
		if strings.ContainsRune(CodeAlphabet, forbidden) {
			t.Fatalf("alphabet must not contain %q", forbidden)
		}
	}
	if len(CodeAlphabet) != 32 {
		t.Fatalf("expected 32-symbol alphabet, got %d", len(CodeAlphabet))
	}
}

func TestNormalizeCodeIdempotence(t *testing.T) {
	variants := []string{"ms-abcd-2345", "MS-ABCD-2345", "msabcd2345", "MS ABCD 2345"}
	for _, v := range variants {
		if got := NormalizeCode(v); got != "MSABCD2345" {
			t.Fatalf("NormalizeCode(%q) = %q", v, got)
		}
		if got := NormalizeCode(NormalizeCode(v)); got != "MSABCD2345" {
			t.Fatalf("normalization not idempotent for %q: %q", v, got)
		}
	}
}

func TestCodesEqual(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"MS-ABCD-2345", "ms-abcd-2345", true},
		{"MS-ABCD-2345", "MSABCD2345", true},
		{"abcd2345", "MS-ABCD-2345", true}, // prefixless user input
		{"MJ-ABCD-2345", "abcd2345", true},
		{"MS-ABCD-2345", "MS-ABCD-2346", false},
		{"", "MS-ABCD-2345", false},
		{"abc", "abc", false}, // shorter than the symbol count
		// Overlapping suffixes are not matches; only the exact bare or
		// prefixed form compares equal.
		{"SABCD2345", "MS-ABCD-2345", false},
		{"XMSABCD2345", "MS-ABCD-2345", false},
	}

	for _, tc := range cases {
		if got := CodesEqual(tc.a, tc.b); got != tc.want {
			t.Fatalf("CodesEqual(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
