// Package config loads the worker's typed configuration from the
// environment once at startup. The result is immutable: it is built by
// value in FromEnv and never mutated afterward.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/robfig/cron/v3"
)

// logicalServerNames enumerates the known remote hosts this worker can
// drive. A server entry exists only if its HOST env var is present.
var logicalServerNames = []string{"staging", "production", "kozak_demo"}

// EngineConfig describes how to reach the workflow engine (Zeebe gateway).
type EngineConfig struct {
	Address      string
	UseTLS       bool
	ClientID     string
	ClientSecret string
	TokenURL     string
	Audience     string
	RestURL      string
}

// UseOAuth reports whether client-credentials OAuth2 is configured.
func (e EngineConfig) UseOAuth() bool {
	return e.ClientID != "" && e.ClientSecret != "" && e.TokenURL != ""
}

// GitHubConfig holds the two GitHub credentials and target repository.
type GitHubConfig struct {
	Token          string
	DeployPAT      string
	WebhookSecret  string
	Repository     string
}

// WebhookConfig describes the inbound HTTP listener.
type WebhookConfig struct {
	Host string
	Port int
}

// OdooConfig describes the outbound Odoo task-creation webhook.
type OdooConfig struct {
	WebhookToken string
	WebhookURL   string
	ProjectID    int
	AssigneeID   int
}

// ServerConfig is an immutable description of one remote host this
// worker drives via SSH. Referenced by handlers via logical name
// ("staging", "production", "kozak_demo") or raw hostname.
type ServerConfig struct {
	Name    string
	Host    string
	SSHUser string
	SSHPort int
	RepoDir string
	DBName  string
	Container string
	Port    int
}

// Config is the complete frozen configuration record for the worker.
type Config struct {
	Engine   EngineConfig
	GitHub   GitHubConfig
	Webhook  WebhookConfig
	Odoo     OdooConfig
	SSHKeyPath string
	Servers  map[string]ServerConfig

	// OpenRouterAPIKey authenticates the pr-agent-review handler's
	// PR-Agent container against OpenRouter's LLM API — a distinct
	// credential from GitHub.Token, matching config.py's top-level
	// openrouter_api_key field (not nested under GitHubConfig there).
	OpenRouterAPIKey string

	// ClickbotNightlyCron is an optional cron expression validated (not
	// scheduled — the engine is the sole scheduler) at load time so a
	// misconfigured value fails fast instead of silently never firing.
	ClickbotNightlyCron string

	LogLevel string
}

// FromEnv builds a Config from the process environment. Numeric values
// are parsed strictly; an invalid numeric value is a fatal configuration
// error, returned rather than defaulted.
func FromEnv() (Config, error) {
	cfg := Config{
		Engine: EngineConfig{
			Address:      envOrDefault("ZEEBE_ADDRESS", "localhost:26500"),
			UseTLS:       envBool("ZEEBE_USE_TLS", false),
			ClientID:     os.Getenv("ZEEBE_CLIENT_ID"),
			ClientSecret: os.Getenv("ZEEBE_CLIENT_SECRET"),
			TokenURL:     os.Getenv("ZEEBE_TOKEN_URL"),
			Audience:     os.Getenv("ZEEBE_AUDIENCE"),
			RestURL:      os.Getenv("CAMUNDA_REST_URL"),
		},
		GitHub: GitHubConfig{
			Token:         os.Getenv("GITHUB_TOKEN"),
			DeployPAT:     os.Getenv("DEPLOY_PAT"),
			WebhookSecret: os.Getenv("GITHUB_WEBHOOK_SECRET"),
			Repository:    os.Getenv("REPOSITORY"),
		},
		Webhook: WebhookConfig{
			Host: envOrDefault("WEBHOOK_HOST", "0.0.0.0"),
		},
		Odoo: OdooConfig{
			WebhookToken: os.Getenv("ODOO_WEBHOOK_TOKEN"),
			WebhookURL:   os.Getenv("ODOO_WEBHOOK_URL"),
		},
		SSHKeyPath:          os.Getenv("SSH_KEY_PATH"),
		OpenRouterAPIKey:    os.Getenv("OPENROUTER_API_KEY"),
		ClickbotNightlyCron: os.Getenv("CLICKBOT_NIGHTLY_CRON"),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
	}

	port, err := envInt("WEBHOOK_PORT", 8080)
	if err != nil {
		return Config{}, err
	}
	cfg.Webhook.Port = port

	if v := os.Getenv("ODOO_PROJECT_ID"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: ODOO_PROJECT_ID: %w", err)
		}
		cfg.Odoo.ProjectID = n
	}
	if v := os.Getenv("ODOO_ASSIGNEE_ID"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: ODOO_ASSIGNEE_ID: %w", err)
		}
		cfg.Odoo.AssigneeID = n
	}

	if cfg.ClickbotNightlyCron != "" {
		if _, err := cron.ParseStandard(cfg.ClickbotNightlyCron); err != nil {
			return Config{}, fmt.Errorf("config: CLICKBOT_NIGHTLY_CRON: %w", err)
		}
	}

	servers, err := loadServers()
	if err != nil {
		return Config{}, err
	}
	cfg.Servers = servers

	return cfg, nil
}

// loadServers enumerates the known logical server names and includes an
// entry only when its <NAME>_HOST variable is present, mirroring
// AppConfig.from_env in original_source/worker/config.py.
func loadServers() (map[string]ServerConfig, error) {
	servers := make(map[string]ServerConfig)
	for _, name := range logicalServerNames {
		prefix := envPrefix(name)
		host := os.Getenv(prefix + "_HOST")
		if host == "" {
			continue
		}

		sshPort, err := envInt(prefix+"_SSH_PORT", 22)
		if err != nil {
			return nil, err
		}
		port, err := envInt(prefix+"_PORT", 8069)
		if err != nil {
			return nil, err
		}

		servers[name] = ServerConfig{
			Name:      name,
			Host:      host,
			SSHUser:   envOrDefault(prefix+"_SSH_USER", "deploy"),
			SSHPort:   sshPort,
			RepoDir:   os.Getenv(prefix + "_REPO_DIR"),
			DBName:    os.Getenv(prefix + "_DB_NAME"),
			Container: os.Getenv(prefix + "_CONTAINER"),
			Port:      port,
		}
	}
	return servers, nil
}

// GetServer looks up a server by its logical name, returning an error if
// it was never configured.
func (c Config) GetServer(name string) (ServerConfig, error) {
	s, ok := c.Servers[name]
	if !ok {
		return ServerConfig{}, fmt.Errorf("config: no server configured for %q", name)
	}
	return s, nil
}

// ResolveServer resolves a server by logical name first, then by raw
// host string match against every configured server.
func (c Config) ResolveServer(serverHost string) (ServerConfig, error) {
	if s, ok := c.Servers[serverHost]; ok {
		return s, nil
	}
	for _, s := range c.Servers {
		if s.Host == serverHost {
			return s, nil
		}
	}
	return ServerConfig{}, fmt.Errorf("config: no server matches logical name or host %q", serverHost)
}

func envPrefix(logicalName string) string {
	switch logicalName {
	case "staging":
		return "STAGING"
	case "production":
		return "PRODUCTION"
	case "kozak_demo":
		return "KOZAK_DEMO"
	default:
		return logicalName
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}
