// Package githubclient is a thin REST + GraphQL client for GitHub,
// grounded on original_source/worker/github_client.py. It carries two
// credentials: a regular token (reads, comments, merges) and a "deploy"
// token used only for PR creation, because policy forbids the regular
// token from creating PRs.
package githubclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	apiBase     = "https://api.github.com"
	graphqlURL  = "https://api.github.com/graphql"
	apiVersion  = "2022-11-28"
)

// HTTPError is returned for any response with status 400 or above.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("githubclient: http %d: %s", e.StatusCode, e.Body)
}

// Client is a GitHub REST+GraphQL client with dual credentials.
type Client struct {
	token     string
	deployPAT string
	http      *http.Client
}

// New creates a Client. deployPAT may be empty if PR-creation operations
// are never called.
func New(token, deployPAT string) *Client {
	return &Client{
		token:     token,
		deployPAT: deployPAT,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) headers(req *http.Request, useDeployPAT bool) {
	tok := c.token
	if useDeployPAT {
		tok = c.deployPAT
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
}

func (c *Client) request(ctx context.Context, method, url string, body any, useDeployPAT bool) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("githubclient: marshaling request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("githubclient: building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.headers(req, useDeployPAT)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("githubclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if resp.StatusCode == http.StatusNoContent || len(respBody) == 0 {
		return map[string]any{}, nil
	}

	var out map[string]any
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("githubclient: decoding response: %w", err)
	}
	return out, nil
}

func (c *Client) requestList(ctx context.Context, method, url string, useDeployPAT bool) ([]map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("githubclient: building request: %w", err)
	}
	c.headers(req, useDeployPAT)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("githubclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var out []map[string]any
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("githubclient: decoding list response: %w", err)
	}
	return out, nil
}

// GetPR fetches a single pull request.
func (c *Client) GetPR(ctx context.Context, repo string, number int) (map[string]any, error) {
	url := fmt.Sprintf("%s/repos/%s/pulls/%d", apiBase, repo, number)
	return c.request(ctx, http.MethodGet, url, nil, false)
}

// MergePR squash-merges (or merges by the given method) a pull request.
func (c *Client) MergePR(ctx context.Context, repo string, number int, method, commitTitle string) (map[string]any, error) {
	if method == "" {
		method = "squash"
	}
	body := map[string]any{"merge_method": method}
	if commitTitle != "" {
		body["commit_title"] = commitTitle
	}
	url := fmt.Sprintf("%s/repos/%s/pulls/%d/merge", apiBase, repo, number)
	return c.request(ctx, http.MethodPut, url, body, false)
}

// CommentPR posts a markdown comment on an issue/PR.
func (c *Client) CommentPR(ctx context.Context, repo string, number int, body string) (map[string]any, error) {
	url := fmt.Sprintf("%s/repos/%s/issues/%d/comments", apiBase, repo, number)
	return c.request(ctx, http.MethodPost, url, map[string]any{"body": body}, false)
}

// CreatePR creates a pull request, using the deploy credential per
// policy (the regular token must not be able to create PRs).
func (c *Client) CreatePR(ctx context.Context, repo, head, base, title, body string, draft bool) (map[string]any, error) {
	url := fmt.Sprintf("%s/repos/%s/pulls", apiBase, repo)
	payload := map[string]any{
		"head":  head,
		"base":  base,
		"title": title,
		"body":  body,
		"draft": draft,
	}
	return c.request(ctx, http.MethodPost, url, payload, true)
}

// MarkPRReady flips a draft PR to ready for review via the GraphQL
// markPullRequestReadyForReview mutation.
func (c *Client) MarkPRReady(ctx context.Context, repo string, number int) error {
	pr, err := c.GetPR(ctx, repo, number)
	if err != nil {
		return err
	}
	nodeID, _ := pr["node_id"].(string)
	if nodeID == "" {
		return fmt.Errorf("githubclient: PR #%d has no node_id", number)
	}

	query := `mutation($id: ID!) { markPullRequestReadyForReview(input: {pullRequestId: $id}) { clientMutationId } }`
	payload := map[string]any{
		"query":     query,
		"variables": map[string]any{"id": nodeID},
	}
	_, err = c.request(ctx, http.MethodPost, graphqlURL, payload, false)
	return err
}

// GetBotReviewComment fetches the most recent comment authored by
// botName (or any account of type "Bot") whose body mentions "score" or
// "review" (case-insensitive), up to the most recent 100 comments.
func (c *Client) GetBotReviewComment(ctx context.Context, repo string, number int, botName string) (string, error) {
	if botName == "" {
		botName = "github-actions[bot]"
	}
	url := fmt.Sprintf("%s/repos/%s/issues/%d/comments?per_page=100&sort=created&direction=desc", apiBase, repo, number)
	comments, err := c.requestList(ctx, http.MethodGet, url, false)
	if err != nil {
		return "", err
	}

	lowerWords := regexp.MustCompile(`(?i)score|review`)
	for _, comment := range comments {
		user, _ := comment["user"].(map[string]any)
		login, _ := user["login"].(string)
		userType, _ := user["type"].(string)
		body, _ := comment["body"].(string)

		if (login == botName || strings.EqualFold(userType, "Bot")) && lowerWords.MatchString(body) {
			return body, nil
		}
	}
	return "", nil
}

// htmlTagRE strips HTML tags for score/security parsing below.
var htmlTagRE = regexp.MustCompile(`<[^>]+>`)

// scoreNumberRE matches "Score: 10" etc; emojiScoreRE is the fallback.
var scoreNumberRE = regexp.MustCompile(`(?i)score[^0-9]*(\d+)`)
var emojiScoreRE = regexp.MustCompile(`🏅[^0-9]*(\d+)`)

// ParseReviewScore extracts a 0-10 score from a PR-Agent review comment
// body. Scores above 10 are treated as a 0-100 scale and divided by 10.
// Returns 0 if no score pattern is found, matching
// original_source/worker/handlers/github.py's _parse_review_score.
func ParseReviewScore(body string) int {
	stripped := htmlTagRE.ReplaceAllString(body, "")

	var raw string
	if m := scoreNumberRE.FindStringSubmatch(stripped); m != nil {
		raw = m[1]
	} else if m := emojiScoreRE.FindStringSubmatch(stripped); m != nil {
		raw = m[1]
	} else {
		return 0
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	if n > 10 {
		n = n / 10
	}
	return n
}

// securitySectionRE captures the text between the lock emoji and the
// next </tr> or end of string, DOTALL-equivalent via (?s).
var securitySectionRE = regexp.MustCompile(`(?s)🔒(.*?)(?:</tr>|$)`)
var criticalKeywordsRE = regexp.MustCompile(`(?i)critical|high severity|блокер|критичн`)

// HasCriticalSecurityIssues reports whether the review body flags a
// critical security issue, per
// original_source/worker/handlers/github.py's _has_critical_security_issues.
func HasCriticalSecurityIssues(body string) bool {
	if strings.Contains(body, "No security concerns identified") {
		return false
	}
	m := securitySectionRE.FindStringSubmatch(body)
	if m == nil {
		return false
	}
	section := htmlTagRE.ReplaceAllString(m[1], "")
	return criticalKeywordsRE.MatchString(section)
}
