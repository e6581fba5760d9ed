// Package deploy implements the ten deploy-process task handlers:
// git-pull, detect-modules, docker-build, docker-up, module-update,
// cache-clear, smoke-test, http-verify, save-deploy-state, rollback.
// Grounded field-for-field on
// original_source/worker/handlers/deploy.py (shell transcripts, retry
// policy and timeouts carried over exactly).
package deploy

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vladadzumka89-spec/camunda-processes/internal/config"
	"github.com/vladadzumka89-spec/camunda-processes/internal/jobrun"
	"github.com/vladadzumka89-spec/camunda-processes/internal/retry"
	"github.com/vladadzumka89-spec/camunda-processes/internal/sshpool"
)

type deployer struct {
	cfg    config.Config
	ssh    *sshpool.Pool
	logger *zap.Logger
}

// Handlers returns the ten deploy-process registrations, ready to pass
// to jobrun.Runtime.Register.
func Handlers(cfg config.Config, pool *sshpool.Pool, logger *zap.Logger) []jobrun.Registration {
	d := &deployer{cfg: cfg, ssh: pool, logger: logger}
	return []jobrun.Registration{
		{TaskType: "git-pull", Handler: d.gitPull, Timeout: 120 * time.Second, MaxConcurrent: 4},
		{TaskType: "detect-modules", Handler: d.detectModules, Timeout: 60 * time.Second, MaxConcurrent: 4},
		{TaskType: "docker-build", Handler: d.dockerBuild, Timeout: 600 * time.Second, MaxConcurrent: 2},
		{TaskType: "docker-up", Handler: d.dockerUp, Timeout: 300 * time.Second, MaxConcurrent: 2},
		{TaskType: "module-update", Handler: d.moduleUpdate, Timeout: 900 * time.Second, MaxConcurrent: 1},
		{TaskType: "cache-clear", Handler: d.cacheClear, Timeout: 60 * time.Second, MaxConcurrent: 4},
		{TaskType: "smoke-test", Handler: d.smokeTest, Timeout: 300 * time.Second, MaxConcurrent: 2},
		{TaskType: "http-verify", Handler: d.httpVerify, Timeout: 300 * time.Second, MaxConcurrent: 4},
		{TaskType: "save-deploy-state", Handler: d.saveDeployState, Timeout: 30 * time.Second, MaxConcurrent: 4},
		{TaskType: "rollback", Handler: d.rollback, Timeout: 300 * time.Second, MaxConcurrent: 2},
	}
}

func (d *deployer) resolve(job jobrun.Job) (config.ServerConfig, string, error) {
	server, err := d.cfg.ResolveServer(job.String("server_host", ""))
	if err != nil {
		return config.ServerConfig{}, "", err
	}
	repo := job.String("repo_dir", server.RepoDir)
	return server, repo, nil
}

func target(server config.ServerConfig) sshpool.Target {
	return sshpool.Target{Host: server.Host, User: server.SSHUser, Port: server.SSHPort}
}

func (d *deployer) gitPull(ctx context.Context, job jobrun.Job) (map[string]any, error) {
	server, repo, err := d.resolve(job)
	if err != nil {
		return nil, err
	}
	branch := job.String("branch", "")
	tgt := target(server)

	stateFile := fmt.Sprintf("%s/.deploy-state/deploy_state_%s", repo, branch)
	res, err := d.ssh.Run(ctx, tgt, fmt.Sprintf("cat %s 2>/dev/null || echo none", stateFile), sshpool.RunOptions{})
	if err != nil {
		return nil, err
	}
	oldCommit := strings.TrimSpace(res.Stdout)

	_, err = retry.Do(ctx, func(ctx context.Context) (sshpool.CommandResult, error) {
		r, err := d.ssh.RunInRepo(ctx, tgt, repo,
			fmt.Sprintf("git config --global --add safe.directory %s 2>/dev/null; git fetch origin %s", repo, branch),
			sshpool.RunOptions{Timeout: 60 * time.Second})
		if err != nil {
			return r, err
		}
		return r, r.Check("git fetch")
	}, 3, 5*time.Second, 2.0)
	if err != nil {
		return nil, err
	}

	res, err = d.ssh.RunInRepo(ctx, tgt, repo, fmt.Sprintf("git checkout -B %s origin/%s", branch, branch), sshpool.RunOptions{})
	if err != nil {
		return nil, err
	}
	if err := res.Check("git checkout"); err != nil {
		return nil, err
	}

	res, err = d.ssh.RunInRepo(ctx, tgt, repo, "git rev-parse HEAD", sshpool.RunOptions{})
	if err != nil {
		return nil, err
	}
	if err := res.Check("git rev-parse HEAD"); err != nil {
		return nil, err
	}
	newCommit := strings.TrimSpace(res.Stdout)

	hasChanges := oldCommit != newCommit
	d.logger.Info("git-pull", zap.String("server", server.Host), zap.String("old", shortSHA(oldCommit)), zap.String("new", shortSHA(newCommit)), zap.Bool("hasChanges", hasChanges))

	return map[string]any{
		"old_commit":  oldCommit,
		"new_commit":  newCommit,
		"has_changes": hasChanges,
	}, nil
}

var moduleSourceDirs = []struct {
	base  string
	depth int
}{
	{"src/custom", 3},
	{"src/enterprise", 3},
	{"src/third-party", 3},
}

func (d *deployer) detectModules(ctx context.Context, job jobrun.Job) (map[string]any, error) {
	server, repo, err := d.resolve(job)
	if err != nil {
		return nil, err
	}
	tgt := target(server)
	oldCommit := job.String("old_commit", "")
	newCommit := job.String("new_commit", "")

	if oldCommit == "none" {
		return map[string]any{"changed_modules": "all", "docker_build_needed": true}, nil
	}

	res, err := d.ssh.RunInRepo(ctx, tgt, repo, fmt.Sprintf("git diff --name-only %s %s | wc -l", oldCommit, newCommit), sshpool.RunOptions{})
	if err != nil {
		return nil, err
	}
	totalFiles, _ := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if totalFiles > 250 {
		return map[string]any{"changed_modules": "all", "docker_build_needed": true}, nil
	}

	modules := map[string]struct{}{}
	for _, dir := range moduleSourceDirs {
		if err := d.collectChangedModules(ctx, tgt, repo, oldCommit, newCommit, dir.base, dir.depth, modules); err != nil {
			return nil, err
		}
	}
	// Community addons live two levels deeper: src/community/odoo/addons/MODULE.
	if err := d.collectChangedModules(ctx, tgt, repo, oldCommit, newCommit, "src/community/odoo/addons", 5, modules); err != nil {
		return nil, err
	}

	dockerRes, err := d.ssh.RunInRepo(ctx, tgt, repo,
		fmt.Sprintf("git diff --name-only %s %s -- docker/ Dockerfile docker-compose.yml src/community/requirements.txt src/custom/requirements.txt", oldCommit, newCommit),
		sshpool.RunOptions{})
	if err != nil {
		return nil, err
	}
	dockerBuildNeeded := strings.TrimSpace(dockerRes.Stdout) != ""

	names := make([]string, 0, len(modules))
	for m := range modules {
		names = append(names, m)
	}
	sort.Strings(names)
	changedModules := strings.Join(names, ",")

	d.logger.Info("detect-modules", zap.String("server", server.Host), zap.String("modules", orNone(changedModules)), zap.Bool("dockerBuildNeeded", dockerBuildNeeded))

	return map[string]any{
		"changed_modules":     changedModules,
		"docker_build_needed": dockerBuildNeeded,
	}, nil
}

// collectChangedModules finds module directories touched between
// oldCommit and newCommit under base (at the given path depth) that
// have a __manifest__.py, and adds their names to modules.
func (d *deployer) collectChangedModules(ctx context.Context, tgt sshpool.Target, repo, oldCommit, newCommit, base string, depth int, modules map[string]struct{}) error {
	res, err := d.ssh.RunInRepo(ctx, tgt, repo,
		fmt.Sprintf("git diff --name-only %s %s -- %s/ 2>/dev/null", oldCommit, newCommit, base),
		sshpool.RunOptions{})
	if err != nil {
		return err
	}
	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		return nil
	}

	for _, line := range strings.Split(out, "\n") {
		parts := strings.Split(line, "/")
		if len(parts) < depth {
			continue
		}
		modName := parts[depth-1]
		check, err := d.ssh.RunInRepo(ctx, tgt, repo,
			fmt.Sprintf("test -f %s/%s/__manifest__.py && echo yes || echo no", base, modName),
			sshpool.RunOptions{})
		if err != nil {
			return err
		}
		if strings.TrimSpace(check.Stdout) == "yes" {
			modules[modName] = struct{}{}
		}
	}
	return nil
}

func (d *deployer) dockerBuild(ctx context.Context, job jobrun.Job) (map[string]any, error) {
	server, repo, err := d.resolve(job)
	if err != nil {
		return nil, err
	}
	tgt := target(server)

	_, err = retry.Do(ctx, func(ctx context.Context) (sshpool.CommandResult, error) {
		r, err := d.ssh.RunInRepo(ctx, tgt, repo, "docker compose build --pull web", sshpool.RunOptions{Timeout: 540 * time.Second})
		if err != nil {
			return r, err
		}
		return r, r.Check("docker compose build")
	}, 3, 5*time.Second, 2.0)
	if err != nil {
		return nil, err
	}

	d.logger.Info("docker-build completed", zap.String("server", server.Host))
	return map[string]any{}, nil
}

func (d *deployer) dockerUp(ctx context.Context, job jobrun.Job) (map[string]any, error) {
	server, repo, err := d.resolve(job)
	if err != nil {
		return nil, err
	}
	tgt := target(server)
	container := job.String("container", server.Container)
	port := job.Int("port", server.Port)

	_, err = retry.Do(ctx, func(ctx context.Context) (sshpool.CommandResult, error) {
		r, err := d.ssh.RunInRepo(ctx, tgt, repo, "docker compose up -d", sshpool.RunOptions{Timeout: 60 * time.Second})
		if err != nil {
			return r, err
		}
		return r, r.Check("docker compose up")
	}, 3, 5*time.Second, 2.0)
	if err != nil {
		return nil, err
	}

	running := false
	for i := 0; i < 12; i++ {
		res, err := d.ssh.Run(ctx, tgt, fmt.Sprintf("docker inspect --format='{{.State.Status}}' %s 2>/dev/null || echo unknown", container), sshpool.RunOptions{})
		if err != nil {
			return nil, err
		}
		if strings.Trim(strings.TrimSpace(res.Stdout), "'") == "running" {
			running = true
			break
		}
		if !sleepCtx(ctx, 5*time.Second) {
			return nil, ctx.Err()
		}
	}
	if !running {
		return nil, fmt.Errorf("container %s not running after 60s", container)
	}

	if err := d.waitHTTP(ctx, tgt, port, 24, 10*time.Second); err != nil {
		return nil, err
	}

	d.logger.Info("docker-up healthy", zap.String("server", server.Host), zap.Int("port", port))
	return map[string]any{}, nil
}

func (d *deployer) moduleUpdate(ctx context.Context, job jobrun.Job) (map[string]any, error) {
	server, repo, err := d.resolve(job)
	if err != nil {
		return nil, err
	}
	tgt := target(server)
	changedModules := job.String("changed_modules", "")
	db := job.String("db_name", server.DBName)
	container := job.String("container", server.Container)

	if changedModules == "" {
		return map[string]any{"modules_updated": ""}, nil
	}

	dbPassword, err := d.dbPassword(ctx, tgt, repo, container)
	if err != nil {
		return nil, err
	}

	var updateModules string
	if changedModules == "all" {
		updateModules = "all"
	} else {
		requested := splitNonEmpty(changedModules, ",")
		res, err := d.ssh.Run(ctx, tgt,
			fmt.Sprintf(`docker exec %s-db psql -U odoo -d %s -t -A -c "SELECT name FROM ir_module_module WHERE state = 'installed';"`, container, db),
			sshpool.RunOptions{})
		if err != nil {
			return nil, err
		}
		if err := res.Check("query installed modules"); err != nil {
			return nil, err
		}
		installed := map[string]struct{}{}
		for _, m := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
			installed[m] = struct{}{}
		}

		var toUpdate []string
		for _, m := range requested {
			if _, ok := installed[m]; ok {
				toUpdate = append(toUpdate, m)
			}
		}
		if len(toUpdate) > 10 {
			updateModules = "all"
		} else {
			updateModules = strings.Join(toUpdate, ",")
		}
	}

	if updateModules == "" {
		return map[string]any{"modules_updated": ""}, nil
	}

	if _, err := d.ssh.RunInRepo(ctx, tgt, repo, "find src -type d -name __pycache__ -exec rm -rf {} + 2>/dev/null || true", sshpool.RunOptions{}); err != nil {
		return nil, err
	}

	if _, err := d.ssh.Run(ctx, tgt, fmt.Sprintf("docker stop %s 2>/dev/null || true", container), sshpool.RunOptions{Timeout: 30 * time.Second}); err != nil {
		return nil, err
	}

	res, err := d.ssh.RunInRepo(ctx, tgt, repo,
		fmt.Sprintf("timeout 2000 docker compose run --rm web odoo-bin -d %s -u %s --db_password=%q --stop-after-init --no-http --log-level=warn", db, updateModules, dbPassword),
		sshpool.RunOptions{Timeout: 2100 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := res.Check("module update"); err != nil {
		return nil, err
	}

	res, err = d.ssh.RunInRepo(ctx, tgt, repo, "docker compose up -d", sshpool.RunOptions{})
	if err != nil {
		return nil, err
	}
	if err := res.Check("docker compose up"); err != nil {
		return nil, err
	}

	if _, err := d.ssh.Run(ctx, tgt,
		fmt.Sprintf(`docker exec %s-db psql -U odoo -d %s -c "DELETE FROM ir_attachment WHERE url LIKE '/web/assets/%%' OR name LIKE 'web.assets%%';"`, container, db),
		sshpool.RunOptions{}); err != nil {
		return nil, err
	}

	d.logger.Info("module-update", zap.String("server", server.Host), zap.String("modules", updateModules))
	return map[string]any{"modules_updated": updateModules}, nil
}

func (d *deployer) cacheClear(ctx context.Context, job jobrun.Job) (map[string]any, error) {
	server, repo, err := d.resolve(job)
	if err != nil {
		return nil, err
	}
	tgt := target(server)
	db := job.String("db_name", server.DBName)
	container := job.String("container", server.Container)

	if _, err := d.ssh.Run(ctx, tgt,
		fmt.Sprintf(`docker exec %s-db psql -U odoo -d %s -c "DELETE FROM ir_attachment WHERE url LIKE '/web/assets/%%' OR name LIKE 'web.assets%%';"`, container, db),
		sshpool.RunOptions{}); err != nil {
		return nil, err
	}

	res, err := d.ssh.RunInRepo(ctx, tgt, repo, "docker compose up -d", sshpool.RunOptions{})
	if err != nil {
		return nil, err
	}
	if err := res.Check("docker compose up"); err != nil {
		return nil, err
	}

	d.logger.Info("cache-clear", zap.String("server", server.Host))
	return map[string]any{}, nil
}

var smokeErrorRE = regexp.MustCompile(`CRITICAL|ERROR|ImportError|ModuleNotFoundError|SyntaxError|Traceback`)

var smokeIgnorePatterns = []string{
	"Some modules are not loaded",
	"inconsistent states",
	"Importing test framework",
}

func (d *deployer) smokeTest(ctx context.Context, job jobrun.Job) (map[string]any, error) {
	server, repo, err := d.resolve(job)
	if err != nil {
		return nil, err
	}
	tgt := target(server)
	db := job.String("db_name", server.DBName)
	container := job.String("container", server.Container)

	dbPassword, err := d.dbPassword(ctx, tgt, repo, container)
	if err != nil {
		return nil, err
	}

	if _, err := d.ssh.Run(ctx, tgt, fmt.Sprintf("docker stop %s 2>/dev/null || true", container), sshpool.RunOptions{Timeout: 30 * time.Second}); err != nil {
		return nil, err
	}

	res, err := d.ssh.RunInRepo(ctx, tgt, repo,
		fmt.Sprintf("timeout 120 docker compose run --rm -T web odoo-bin -d %s --db_password=%q --stop-after-init --no-http 2>&1", db, dbPassword),
		sshpool.RunOptions{Timeout: 150 * time.Second})
	if err != nil {
		return nil, err
	}

	var errorLines []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if !smokeErrorRE.MatchString(line) {
			continue
		}
		ignored := false
		for _, p := range smokeIgnorePatterns {
			if strings.Contains(line, p) {
				ignored = true
				break
			}
		}
		if !ignored {
			errorLines = append(errorLines, strings.TrimSpace(line))
		}
	}

	smokePassed := res.Success() && len(errorLines) == 0

	if smokePassed {
		up, err := d.ssh.RunInRepo(ctx, tgt, repo, "docker compose up -d", sshpool.RunOptions{})
		if err != nil {
			return nil, err
		}
		if err := up.Check("docker compose up"); err != nil {
			return nil, err
		}
	} else {
		preview := errorLines
		if len(preview) > 3 {
			preview = preview[:3]
		}
		d.logger.Warn("smoke test failed", zap.String("server", server.Host), zap.Strings("errors", preview))
	}

	d.logger.Info("smoke-test", zap.String("server", server.Host), zap.Bool("passed", smokePassed))
	return map[string]any{"smoke_passed": smokePassed}, nil
}

func (d *deployer) httpVerify(ctx context.Context, job jobrun.Job) (map[string]any, error) {
	server, _, err := d.resolve(job)
	if err != nil {
		return nil, err
	}
	tgt := target(server)
	port := job.Int("port", server.Port)

	if err := d.waitHTTP(ctx, tgt, port, 24, 10*time.Second); err != nil {
		return nil, err
	}
	d.logger.Info("http-verify OK", zap.String("server", server.Host), zap.Int("port", port))
	return map[string]any{}, nil
}

func (d *deployer) saveDeployState(ctx context.Context, job jobrun.Job) (map[string]any, error) {
	server, repo, err := d.resolve(job)
	if err != nil {
		return nil, err
	}
	tgt := target(server)
	branch := job.String("branch", "")
	newCommit := job.String("new_commit", "")

	stateDir := fmt.Sprintf("%s/.deploy-state", repo)
	stateFile := fmt.Sprintf("%s/deploy_state_%s", stateDir, branch)
	res, err := d.ssh.Run(ctx, tgt,
		fmt.Sprintf("mkdir -p %s && chmod 700 %s && echo '%s' > %s && chmod 600 %s", stateDir, stateDir, newCommit, stateFile, stateFile),
		sshpool.RunOptions{})
	if err != nil {
		return nil, err
	}
	if err := res.Check("save deploy state"); err != nil {
		return nil, err
	}

	d.logger.Info("save-deploy-state", zap.String("server", server.Host), zap.String("branch", branch), zap.String("commit", shortSHA(newCommit)))
	return map[string]any{}, nil
}

func (d *deployer) rollback(ctx context.Context, job jobrun.Job) (map[string]any, error) {
	server, repo, err := d.resolve(job)
	if err != nil {
		return nil, err
	}
	tgt := target(server)
	oldCommit := job.String("old_commit", "none")
	branch := job.String("branch", "")

	if oldCommit == "none" || oldCommit == "" {
		d.logger.Warn("rollback skipped, no previous commit", zap.String("server", server.Host))
		return map[string]any{}, nil
	}

	var res sshpool.CommandResult
	if branch != "" {
		res, err = d.ssh.RunInRepo(ctx, tgt, repo, fmt.Sprintf("git checkout -B %s %s", branch, oldCommit), sshpool.RunOptions{})
	} else {
		res, err = d.ssh.RunInRepo(ctx, tgt, repo, fmt.Sprintf("git checkout %s", oldCommit), sshpool.RunOptions{})
	}
	if err != nil {
		return nil, err
	}
	if err := res.Check("git checkout"); err != nil {
		return nil, err
	}

	res, err = d.ssh.RunInRepo(ctx, tgt, repo, "docker compose up -d --force-recreate", sshpool.RunOptions{Timeout: 120 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := res.Check("docker compose up --force-recreate"); err != nil {
		return nil, err
	}

	d.logger.Info("rollback", zap.String("server", server.Host), zap.String("commit", shortSHA(oldCommit)))
	return map[string]any{}, nil
}

// waitHTTP polls the remote host's local HTTP service via curl run over
// SSH (the worker never opens an outbound connection to the target
// port itself) until it responds, or returns an error after maxAttempts.
func (d *deployer) waitHTTP(ctx context.Context, tgt sshpool.Target, port, maxAttempts int, interval time.Duration) error {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := d.ssh.Run(ctx, tgt, fmt.Sprintf("curl -sf -o /dev/null --max-time 10 http://localhost:%d/web/login", port), sshpool.RunOptions{})
		if err != nil {
			return err
		}
		if res.Success() {
			return nil
		}
		if attempt < maxAttempts {
			if !sleepCtx(ctx, interval) {
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("http service not responding on %s:%d after %s", tgt.Host, port, time.Duration(maxAttempts)*interval)
}

// dbPassword retrieves the Postgres password from the running
// container's environment, falling back to the repo's .env file.
func (d *deployer) dbPassword(ctx context.Context, tgt sshpool.Target, repo, container string) (string, error) {
	res, err := d.ssh.Run(ctx, tgt, fmt.Sprintf("docker exec %s printenv PASSWORD 2>/dev/null", container), sshpool.RunOptions{})
	if err == nil && res.Success() && strings.TrimSpace(res.Stdout) != "" {
		return strings.TrimSpace(res.Stdout), nil
	}

	res, err = d.ssh.RunInRepo(ctx, tgt, repo, `grep -oP 'POSTGRES_PASSWORD=\K.*' .env 2>/dev/null`, sshpool.RunOptions{})
	if err == nil && res.Success() && strings.TrimSpace(res.Stdout) != "" {
		return strings.TrimSpace(res.Stdout), nil
	}

	return "", fmt.Errorf("cannot retrieve db password on %s", tgt.Host)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
