package ghhandlers

import (
	"testing"

	"github.com/vladadzumka89-spec/camunda-processes/internal/config"
	"github.com/vladadzumka89-spec/camunda-processes/internal/jobrun"
)

func TestPickReviewServer_PrefersKozakDemo(t *testing.T) {
	h := &ghHandlers{cfg: config.Config{Servers: map[string]config.ServerConfig{
		"staging":    {Name: "staging", Host: "staging.example.com"},
		"kozak_demo": {Name: "kozak_demo", Host: "demo.example.com"},
	}}}

	server, ok := h.pickReviewServer()
	if !ok {
		t.Fatal("expected a server to be found")
	}
	if server.Name != "kozak_demo" {
		t.Errorf("expected kozak_demo to win, got %s", server.Name)
	}
}

func TestPickReviewServer_FallsBackToStaging(t *testing.T) {
	h := &ghHandlers{cfg: config.Config{Servers: map[string]config.ServerConfig{
		"staging": {Name: "staging", Host: "staging.example.com"},
	}}}

	server, ok := h.pickReviewServer()
	if !ok || server.Name != "staging" {
		t.Fatalf("expected staging fallback, got %+v ok=%v", server, ok)
	}
}

func TestPickReviewServer_NoneConfigured(t *testing.T) {
	h := &ghHandlers{cfg: config.Config{Servers: map[string]config.ServerConfig{
		"production": {Name: "production", Host: "prod.example.com"},
	}}}

	if _, ok := h.pickReviewServer(); ok {
		t.Error("expected no server to be picked when neither kozak_demo nor staging is configured")
	}
}

func TestRepo_FallsBackToConfiguredRepository(t *testing.T) {
	h := &ghHandlers{cfg: config.Config{GitHub: config.GitHubConfig{Repository: "acme/odoo"}}}

	if got := h.repo(jobrun.Job{Variables: map[string]any{}}); got != "acme/odoo" {
		t.Errorf("expected config fallback, got %q", got)
	}
	if got := h.repo(jobrun.Job{Variables: map[string]any{"repository": "acme/other"}}); got != "acme/other" {
		t.Errorf("expected override, got %q", got)
	}
}
