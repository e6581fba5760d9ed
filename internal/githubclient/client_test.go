package githubclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

// rewriteHost sends every request to the test server, so client methods
// that build api.github.com URLs can run against it.
type rewriteHost struct{ target *url.URL }

func (t rewriteHost) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.URL.Scheme = t.target.Scheme
	r.URL.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(r)
}

func testServerClient(t *testing.T, srv *httptest.Server) *http.Client {
	t.Helper()
	target, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parsing test server url: %v", err)
	}
	return &http.Client{Transport: rewriteHost{target: target}}
}

func TestParseReviewScore_Boundaries(t *testing.T) {
	cases := []struct {
		body string
		want int
	}{
		{"Score: 10", 10},
		{"Score: 92", 9},
		{"Score: 3", 3},
		{"", 0},
	}
	for _, tc := range cases {
		if got := ParseReviewScore(tc.body); got != tc.want {
			t.Errorf("ParseReviewScore(%q) = %d, want %d", tc.body, got, tc.want)
		}
	}
}

func TestHasCriticalSecurityIssues_Boundaries(t *testing.T) {
	if HasCriticalSecurityIssues("🔒 No security concerns identified") {
		t.Errorf("expected false for no-concerns body")
	}
	if !HasCriticalSecurityIssues("🔒 Critical SQL injection</tr>") {
		t.Errorf("expected true for critical body")
	}
}

func TestMergePR_DefaultsToSquash(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"merged": true}`))
	}))
	defer srv.Close()

	c := New("tok", "")
	c.http = testServerClient(t, srv)
	resp, err := c.MergePR(context.Background(), "o/r", 1, "", "")
	if err != nil {
		t.Fatalf("MergePR: %v", err)
	}
	if resp["merged"] != true {
		t.Errorf("expected merged=true in response")
	}
	if captured["merge_method"] != "squash" {
		t.Errorf("expected default merge_method squash, got %v", captured["merge_method"])
	}
}

func TestGetBotReviewComment_MatchesScoreKeyword(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"user": {"login": "someone", "type": "User"}, "body": "just chatting"},
			{"user": {"login": "github-actions[bot]", "type": "Bot"}, "body": "Score: 8, looks good"}
		]`))
	}))
	defer srv.Close()

	c := New("tok", "")
	c.http = testServerClient(t, srv)
	comments, err := c.requestList(context.Background(), http.MethodGet, srv.URL, false)
	if err != nil {
		t.Fatalf("requestList: %v", err)
	}
	if len(comments) != 2 {
		t.Fatalf("expected 2 comments, got %d", len(comments))
	}

	body, err := c.GetBotReviewComment(context.Background(), "o/r", 1, "")
	if err != nil {
		t.Fatalf("GetBotReviewComment: %v", err)
	}
	if body != "Score: 8, looks good" {
		t.Errorf("expected the bot's score comment, got %q", body)
	}
}
