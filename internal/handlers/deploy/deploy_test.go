package deploy

import (
	"strings"
	"testing"
)

func TestShortSHA(t *testing.T) {
	if got := shortSHA("abcdef1234567890"); got != "abcdef12" {
		t.Errorf("shortSHA: got %q", got)
	}
	if got := shortSHA("abc"); got != "abc" {
		t.Errorf("shortSHA short input: got %q", got)
	}
}

func TestOrNone(t *testing.T) {
	if got := orNone(""); got != "none" {
		t.Errorf("orNone empty: got %q", got)
	}
	if got := orNone("sale_custom"); got != "sale_custom" {
		t.Errorf("orNone non-empty: got %q", got)
	}
}

func TestSplitNonEmpty(t *testing.T) {
	got := splitNonEmpty(" sale_custom , ,purchase_custom", ",")
	want := []string{"sale_custom", "purchase_custom"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestSmokeErrorRE_MatchesExpectedPatterns(t *testing.T) {
	matching := []string{
		"2024-01-01 CRITICAL odoo.modules: failed to load module",
		"Traceback (most recent call last):",
		"ModuleNotFoundError: No module named 'sale_custom'",
	}
	for _, line := range matching {
		if !smokeErrorRE.MatchString(line) {
			t.Errorf("expected match for %q", line)
		}
	}

	nonMatching := []string{
		"2024-01-01 INFO odoo: modules loaded",
	}
	for _, line := range nonMatching {
		if smokeErrorRE.MatchString(line) {
			t.Errorf("expected no match for %q", line)
		}
	}
}

func TestSmokeIgnorePatterns_SuppressKnownSafeWarnings(t *testing.T) {
	line := "WARNING odoo.modules.loading: Some modules are not loaded, some dependencies or manifest may be missing"
	ignored := false
	for _, p := range smokeIgnorePatterns {
		if strings.Contains(line, p) {
			ignored = true
		}
	}
	if !ignored {
		t.Errorf("expected %q to be recognized as a safe warning", line)
	}
}
