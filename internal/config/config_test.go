package config

import "testing"

func TestFromEnv_ServerDiscovery(t *testing.T) {
	t.Setenv("STAGING_HOST", "staging.example.com")
	t.Setenv("STAGING_SSH_USER", "deploy")
	t.Setenv("STAGING_REPO_DIR", "/srv/app")
	t.Setenv("STAGING_DB_NAME", "odoo")
	t.Setenv("STAGING_CONTAINER", "odoo-web")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}

	if len(cfg.Servers) != 1 {
		t.Fatalf("expected exactly 1 server, got %d", len(cfg.Servers))
	}
	s, ok := cfg.Servers["staging"]
	if !ok {
		t.Fatalf("expected staging server to be present")
	}
	if s.Host != "staging.example.com" {
		t.Errorf("unexpected host: %s", s.Host)
	}
	if s.SSHPort != 22 {
		t.Errorf("expected default SSH port 22, got %d", s.SSHPort)
	}
}

func TestResolveServer_ByLogicalNameAndHost(t *testing.T) {
	t.Setenv("STAGING_HOST", "staging.example.com")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}

	if _, err := cfg.ResolveServer("staging"); err != nil {
		t.Errorf("resolve by logical name: %v", err)
	}
	if _, err := cfg.ResolveServer("staging.example.com"); err != nil {
		t.Errorf("resolve by raw host: %v", err)
	}
	if _, err := cfg.ResolveServer("nope"); err == nil {
		t.Errorf("expected error resolving unknown server")
	}
}

func TestFromEnv_OpenRouterAPIKeyDistinctFromGitHubToken(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "gh-token")
	t.Setenv("OPENROUTER_API_KEY", "or-key")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.GitHub.Token != "gh-token" {
		t.Errorf("unexpected GitHub.Token: %s", cfg.GitHub.Token)
	}
	if cfg.OpenRouterAPIKey != "or-key" {
		t.Errorf("unexpected OpenRouterAPIKey: %s", cfg.OpenRouterAPIKey)
	}
}

func TestFromEnv_InvalidClickbotCron(t *testing.T) {
	t.Setenv("CLICKBOT_NIGHTLY_CRON", "not a cron expression")

	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected error for invalid cron expression")
	}
}

func TestFromEnv_NoServersConfigured(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if len(cfg.Servers) != 0 {
		t.Errorf("expected no servers, got %d", len(cfg.Servers))
	}
}
