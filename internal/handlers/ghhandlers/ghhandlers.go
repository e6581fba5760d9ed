// Package ghhandlers implements the four GitHub-process task handlers:
// pr-agent-review, github-merge, github-comment, github-create-pr.
// Grounded on original_source/worker/handlers/github.py.
package ghhandlers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vladadzumka89-spec/camunda-processes/internal/config"
	"github.com/vladadzumka89-spec/camunda-processes/internal/githubclient"
	"github.com/vladadzumka89-spec/camunda-processes/internal/jobrun"
	"github.com/vladadzumka89-spec/camunda-processes/internal/sshpool"
)

type ghHandlers struct {
	cfg    config.Config
	github *githubclient.Client
	ssh    *sshpool.Pool
	logger *zap.Logger
}

// Handlers returns the four GitHub-process registrations.
func Handlers(cfg config.Config, github *githubclient.Client, pool *sshpool.Pool, logger *zap.Logger) []jobrun.Registration {
	h := &ghHandlers{cfg: cfg, github: github, ssh: pool, logger: logger}
	return []jobrun.Registration{
		{TaskType: "pr-agent-review", Handler: h.prAgentReview, Timeout: 600 * time.Second, MaxConcurrent: 2},
		{TaskType: "github-merge", Handler: h.githubMerge, Timeout: 60 * time.Second, MaxConcurrent: 4},
		{TaskType: "github-comment", Handler: h.githubComment, Timeout: 30 * time.Second, MaxConcurrent: 8},
		{TaskType: "github-create-pr", Handler: h.githubCreatePR, Timeout: 60 * time.Second, MaxConcurrent: 4},
	}
}

func (h *ghHandlers) repo(job jobrun.Job) string {
	return job.String("repository", h.cfg.GitHub.Repository)
}

// prAgentReview launches the external PR-Agent review container on a
// best-effort basis (kozak_demo preferred, staging as fallback; if
// neither is configured the review step is skipped rather than failed,
// matching the Python's own warn-and-continue behavior) and then parses
// the bot's review comment for a score and critical-security flag.
func (h *ghHandlers) prAgentReview(ctx context.Context, job jobrun.Job) (map[string]any, error) {
	repo := h.repo(job)
	prNumber := job.Int("pr_number", 0)
	prURL := job.String("pr_url", "")

	if server, ok := h.pickReviewServer(); ok {
		cmd := fmt.Sprintf(
			"docker run --rm -e OPENROUTER__KEY=%q -e GITHUB_TOKEN=%q "+
				"-e CONFIG.PR_AGENT_CONFIG_PATH='.pr_agent.toml' codiumai/pr-agent:latest --pr_url=%s review",
			h.cfg.OpenRouterAPIKey, h.cfg.GitHub.Token, prURL,
		)
		tgt := sshpool.Target{Host: server.Host, User: server.SSHUser, Port: server.SSHPort}
		if _, err := h.ssh.Run(ctx, tgt, cmd, sshpool.RunOptions{Timeout: 300 * time.Second}); err != nil {
			h.logger.Warn("pr-agent container run failed, continuing to parse existing comment", zap.Error(err))
		}
	} else {
		h.logger.Warn("no server available for pr-agent, skipping review execution")
	}

	body, err := h.github.GetBotReviewComment(ctx, repo, prNumber, "")
	if err != nil {
		return nil, err
	}
	if body == "" {
		h.logger.Warn("no pr-agent review comment found", zap.Int("prNumber", prNumber))
		return map[string]any{"review_score": 0, "has_critical_issues": false}, nil
	}

	score := githubclient.ParseReviewScore(body)
	hasCritical := githubclient.HasCriticalSecurityIssues(body)

	h.logger.Info("pr-agent-review", zap.Int("prNumber", prNumber), zap.Int("score", score), zap.Bool("hasCritical", hasCritical))
	return map[string]any{
		"review_score":        score,
		"has_critical_issues": hasCritical,
	}, nil
}

// pickReviewServer prefers kozak_demo, falling back to staging, mirroring
// the ordered preference in original_source/worker/handlers/github.py.
func (h *ghHandlers) pickReviewServer() (config.ServerConfig, bool) {
	for _, name := range []string{"kozak_demo", "staging"} {
		if s, ok := h.cfg.Servers[name]; ok {
			return s, true
		}
	}
	return config.ServerConfig{}, false
}

func (h *ghHandlers) githubMerge(ctx context.Context, job jobrun.Job) (map[string]any, error) {
	repo := h.repo(job)
	prNumber := job.Int("pr_number", 0)
	prTitle := job.String("pr_title", "")

	commitTitle := ""
	if prTitle != "" {
		commitTitle = fmt.Sprintf("%s (#%d)", prTitle, prNumber)
	}

	if _, err := h.github.MergePR(ctx, repo, prNumber, "squash", commitTitle); err != nil {
		return nil, err
	}
	h.logger.Info("merged pr", zap.Int("prNumber", prNumber), zap.String("repo", repo))
	return map[string]any{}, nil
}

func (h *ghHandlers) githubComment(ctx context.Context, job jobrun.Job) (map[string]any, error) {
	repo := h.repo(job)
	prNumber := job.Int("pr_number", 0)
	text := job.String("comment_text", "")

	if _, err := h.github.CommentPR(ctx, repo, prNumber, text); err != nil {
		return nil, err
	}
	h.logger.Info("commented on pr", zap.Int("prNumber", prNumber), zap.String("repo", repo))
	return map[string]any{}, nil
}

func (h *ghHandlers) githubCreatePR(ctx context.Context, job jobrun.Job) (map[string]any, error) {
	repo := h.repo(job)
	head := job.String("head_branch", "")
	base := job.String("base_branch", "")
	title := job.String("pr_title", "")
	body := job.String("pr_body", "")
	draft := job.Bool("is_draft", false)

	result, err := h.github.CreatePR(ctx, repo, head, base, title, body, draft)
	if err != nil {
		return nil, err
	}

	prURL, _ := result["html_url"].(string)
	prNumber, _ := result["number"].(float64)

	h.logger.Info("created pr", zap.Int("prNumber", int(prNumber)), zap.String("url", prURL))
	return map[string]any{
		"pr_url":    prURL,
		"pr_number": int(prNumber),
	}, nil
}
