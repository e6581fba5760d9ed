package notify

import (
	"strings"
	"testing"
)

func TestParseMDTable_SkipsPreambleAndSeparator(t *testing.T) {
	md := `
## Impact

| Custom Module | Affected Dependencies |
|---|---|
| sale_custom | sale, account |
`
	rows := parseMDTable(md)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0]["Custom Module"] != "sale_custom" {
		t.Errorf("unexpected row: %v", rows[0])
	}
	if rows[0]["Affected Dependencies"] != "sale, account" {
		t.Errorf("unexpected row: %v", rows[0])
	}
}

func TestParseMDTable_TooFewLinesReturnsNil(t *testing.T) {
	if got := parseMDTable("just some text\nno pipes here"); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestImpactToHTML_NoRowsReturnsPlaceholder(t *testing.T) {
	if got := impactToHTML(""); got != "<p>Немає зачеплених модулів</p>" {
		t.Errorf("unexpected: %q", got)
	}
}

func TestImpactToHTML_RendersListItem(t *testing.T) {
	md := "| Custom Module | Affected Dependencies |\n|---|---|\n| sale_custom | sale |\n"
	got := impactToHTML(md)
	want := "<ul><li><b>sale_custom</b> — sale</li></ul>"
	if got != want {
		t.Errorf("got %q want %q", got, want)
	}
}

func TestAuditToHTML_NoRowsReturnsPlaceholder(t *testing.T) {
	if got := auditToHTML(""); got != "<p>Конфліктів не знайдено</p>" {
		t.Errorf("unexpected: %q", got)
	}
}

func TestAuditToHTML_GroupsBySeverity(t *testing.T) {
	md := "| Severity | Type | Custom Module | Target |\n|---|---|---|---|\n" +
		"| critical | python_override | sale_custom | onchange_partner |\n" +
		"| warning | js_patch | purchase_custom | PurchaseModel |\n"
	got := auditToHTML(md)
	if got == "" {
		t.Fatal("expected non-empty html")
	}
	if !containsAll(got, "Critical (1)", "Warning (1)", "sale_custom", "purchase_custom") {
		t.Errorf("missing expected fragments: %q", got)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
