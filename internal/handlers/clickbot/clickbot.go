// Package clickbot implements the single clickbot-test task handler: an
// isolated end-to-end browser test run against a restored production DB
// dump. Grounded on original_source/worker/handlers/clickbot.py.
package clickbot

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vladadzumka89-spec/camunda-processes/internal/config"
	"github.com/vladadzumka89-spec/camunda-processes/internal/jobrun"
	"github.com/vladadzumka89-spec/camunda-processes/internal/sshpool"
)

type clickbotHandlers struct {
	cfg    config.Config
	ssh    *sshpool.Pool
	logger *zap.Logger
}

// Handlers returns the single clickbot-test registration.
func Handlers(cfg config.Config, pool *sshpool.Pool, logger *zap.Logger) []jobrun.Registration {
	h := &clickbotHandlers{cfg: cfg, ssh: pool, logger: logger}
	return []jobrun.Registration{
		{TaskType: "clickbot-test", Handler: h.clickbotTest, Timeout: 3600 * time.Second, MaxConcurrent: 1},
	}
}

var failedSubtestRE = regexp.MustCompile(`FAIL: Subtest.*?app='([^']+)'`)

// clickbotTest runs the clickbot-test docker-compose service against an
// isolated restore of the production DB. Cleanup always runs, win or
// lose, matching the Python's try/finally.
func (h *clickbotHandlers) clickbotTest(ctx context.Context, job jobrun.Job) (map[string]any, error) {
	serverName := job.String("server_host", "staging")
	server, err := h.cfg.ResolveServer(serverName)
	if err != nil {
		return nil, err
	}
	db := job.String("db_name", server.DBName)
	testMode := job.String("test_mode", "light")
	ctr := server.Container

	tgt := sshpool.Target{Host: server.Host, User: server.SSHUser, Port: server.SSHPort}

	defer func() {
		h.ssh.RunInRepo(ctx, tgt, server.RepoDir,
			"docker compose -f docker-compose.clickbot.yml down -v 2>/dev/null || true",
			sshpool.RunOptions{Timeout: 300 * time.Second})
		h.ssh.Run(ctx, tgt, "rm -f /tmp/clickbot_db_dump.custom", sshpool.RunOptions{})
	}()

	// 1. Cleanup previous runs.
	if _, err := h.ssh.RunInRepo(ctx, tgt, server.RepoDir,
		"docker compose -f docker-compose.clickbot.yml down -v 2>/dev/null || true",
		sshpool.RunOptions{Timeout: 300 * time.Second}); err != nil {
		return nil, err
	}

	// 2. Dump production DB.
	h.logger.Info("dumping production db", zap.String("db", db), zap.String("host", server.Host))
	dumpCmd := fmt.Sprintf(
		"docker exec %s-db pg_dump -U odoo -Fc --no-owner --no-acl %s > /tmp/clickbot_db_dump.custom",
		ctr, db,
	)
	res, err := h.ssh.Run(ctx, tgt, dumpCmd, sshpool.RunOptions{Timeout: 600 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := res.Check("dumping production db"); err != nil {
		return nil, err
	}

	// 3. Start clickbot-db, wait for health, restore dump, rename.
	if res, err := h.ssh.RunInRepo(ctx, tgt, server.RepoDir,
		"docker compose -f docker-compose.clickbot.yml up -d clickbot-db",
		sshpool.RunOptions{}); err != nil {
		return nil, err
	} else if err := res.Check("starting clickbot-db"); err != nil {
		return nil, err
	}

	if _, err := h.ssh.Run(ctx, tgt,
		"for i in $(seq 1 30); do docker exec clickbot-test-db pg_isready -U clickbot && break; sleep 2; done",
		sshpool.RunOptions{Timeout: 120 * time.Second}); err != nil {
		return nil, err
	}

	if res, err := h.ssh.Run(ctx, tgt,
		"docker cp /tmp/clickbot_db_dump.custom clickbot-test-db:/tmp/dump.custom",
		sshpool.RunOptions{Timeout: 120 * time.Second}); err != nil {
		return nil, err
	} else if err := res.Check("copying dump into container"); err != nil {
		return nil, err
	}

	if _, err := h.ssh.Run(ctx, tgt,
		"docker exec clickbot-test-db pg_restore -U clickbot -d postgres --no-owner --no-acl --create /tmp/dump.custom 2>/dev/null || true",
		sshpool.RunOptions{Timeout: 600 * time.Second}); err != nil {
		return nil, err
	}

	renameCmd := fmt.Sprintf(
		`docker exec clickbot-test-db psql -U clickbot -d postgres -c 'ALTER DATABASE "%s" RENAME TO clickbot_test'`,
		db,
	)
	if res, err := h.ssh.Run(ctx, tgt, renameCmd, sshpool.RunOptions{Timeout: 30 * time.Second}); err != nil {
		return nil, err
	} else if err := res.Check("renaming database"); err != nil {
		return nil, err
	}

	prepareSQL := "UPDATE ir_cron SET active = false; " +
		"UPDATE fetchmail_server SET active = false WHERE active = true; " +
		"UPDATE ir_mail_server SET active = false WHERE active = true; " +
		"DELETE FROM ir_attachment WHERE url LIKE '/web/assets/%';"
	prepareCmd := fmt.Sprintf(`docker exec clickbot-test-db psql -U clickbot -d clickbot_test -c "%s"`, prepareSQL)
	if res, err := h.ssh.Run(ctx, tgt, prepareCmd, sshpool.RunOptions{Timeout: 30 * time.Second}); err != nil {
		return nil, err
	} else if err := res.Check("neutralizing crons/mail/assets"); err != nil {
		return nil, err
	}

	// 4. Run clickbot tests via docker compose.
	testTimeout := 600 * time.Second
	if testMode == "full" {
		testTimeout = 3000 * time.Second
	}
	h.logger.Info("running clickbot tests", zap.String("mode", testMode))
	result, err := h.ssh.RunInRepo(ctx, tgt, server.RepoDir,
		fmt.Sprintf("docker compose -f docker-compose.clickbot.yml run --rm -e TEST_MODE=%s -e DB_DUMP_FILE=skip clickbot-test", testMode),
		sshpool.RunOptions{Timeout: testTimeout + 120*time.Second})
	if err != nil {
		return nil, err
	}

	// 5. Parse results.
	logOutput := result.Stdout + result.Stderr
	passed := strings.Count(logOutput, "clickbot test succeeded")
	failedMatches := failedSubtestRE.FindAllStringSubmatch(logOutput, -1)
	nFailed := len(failedMatches)
	nSkipped := strings.Count(logOutput, "skipped Subtest") + strings.Count(logOutput, "Skipping app without xmlid")

	clickbotPassed := passed > 0 && nFailed == 0 && result.ExitCode == 0

	failedApps := make([]string, 0, len(failedMatches))
	for _, m := range failedMatches {
		failedApps = append(failedApps, m[1])
	}

	reportLines := []string{
		"Mode: " + testMode,
		"Total: " + strconv.Itoa(passed+nFailed+nSkipped),
		"Passed: " + strconv.Itoa(passed),
		"Failed: " + strconv.Itoa(nFailed),
		"Skipped: " + strconv.Itoa(nSkipped),
	}
	if len(failedApps) > 0 {
		reportLines = append(reportLines, "Failed apps: "+strings.Join(failedApps, ", "))
	}

	h.logger.Info("clickbot results",
		zap.Bool("passed", clickbotPassed),
		zap.Int("ok", passed),
		zap.Int("failed", nFailed),
		zap.Int("skipped", nSkipped))

	return map[string]any{
		"clickbot_passed":      clickbotPassed,
		"clickbot_report":      strings.Join(reportLines, "\n"),
		"clickbot_failed_apps": strings.Join(failedApps, ", "),
	}, nil
}
