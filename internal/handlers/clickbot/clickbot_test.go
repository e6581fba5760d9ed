package clickbot

import "testing"

func TestFailedSubtestRE_ExtractsAppNames(t *testing.T) {
	log := "FAIL: Subtest xyz app='sale_custom'\nok\nFAIL: Subtest abc app='purchase_custom'\n"
	matches := failedSubtestRE.FindAllStringSubmatch(log, -1)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0][1] != "sale_custom" || matches[1][1] != "purchase_custom" {
		t.Errorf("unexpected app names: %v", matches)
	}
}

func TestFailedSubtestRE_NoMatchOnCleanLog(t *testing.T) {
	log := "clickbot test succeeded\nclickbot test succeeded\n"
	if matches := failedSubtestRE.FindAllStringSubmatch(log, -1); len(matches) != 0 {
		t.Errorf("expected no matches, got %v", matches)
	}
}
