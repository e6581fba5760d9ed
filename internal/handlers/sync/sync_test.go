package sync

import "testing"

func TestParseManifestDepends(t *testing.T) {
	manifest := `{
    'name': 'Sale Custom',
    'version': '19.0.1.0.0',
    'depends': ['sale', 'account', 'stock_custom'],
    'data': ['views/sale_views.xml'],
}`
	got := parseManifestDepends(manifest)
	want := []string{"sale", "account", "stock_custom"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestParseManifestDepends_NoDependsKey(t *testing.T) {
	if got := parseManifestDepends(`{'name': 'No Deps'}`); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestSortedUnion_DedupesAndSorts(t *testing.T) {
	got := sortedUnion([]string{"sale_custom", "purchase"}, []string{"purchase", "account"})
	want := []string{"account", "purchase", "sale_custom"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestShellQuote_EscapesEmbeddedSingleQuotes(t *testing.T) {
	got := shellQuote(`it's a test`)
	want := `'it'\''s a test'`
	if got != want {
		t.Errorf("got %q want %q", got, want)
	}
}

func TestSplitLines_DropsEmpty(t *testing.T) {
	got := splitLines("a\n\nb\n")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("got %v", got)
	}
}

func TestShortSHA(t *testing.T) {
	if got := shortSHA("0123456789abcdef"); got != "01234567" {
		t.Errorf("got %q", got)
	}
}
