package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/vladadzumka89-spec/camunda-processes/internal/config"
)

func testServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	return New(cfg, nil, zap.NewNop(), nil)
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	s := testServer(t, config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected body: %v", body)
	}
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestHandleGitHub_RejectsInvalidSignature(t *testing.T) {
	s := testServer(t, config.Config{GitHub: config.GitHubConfig{WebhookSecret: "shh"}})
	body := []byte(`{"action":"opened"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	req.Header.Set("X-GitHub-Event", "pull_request")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleGitHub_IgnoresNonPullRequestEvent(t *testing.T) {
	secret := "shh"
	body := []byte(`{"zen":"hello"}`)
	s := testServer(t, config.Config{GitHub: config.GitHubConfig{WebhookSecret: secret}})
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", signBody(secret, body))
	req.Header.Set("X-GitHub-Event", "ping")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "ignored" {
		t.Errorf("expected ignored status, got %v", resp)
	}
}

func TestHandleGitHub_IgnoresPRNotTargetingStaging(t *testing.T) {
	secret := "shh"
	payload := map[string]any{
		"action": "opened",
		"pull_request": map[string]any{
			"number": 42,
			"base":   map[string]any{"ref": "main"},
		},
	}
	body, _ := json.Marshal(payload)
	s := testServer(t, config.Config{GitHub: config.GitHubConfig{WebhookSecret: secret}})
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", signBody(secret, body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "ignored" {
		t.Errorf("expected ignored status, got %v", resp)
	}
}

func TestHandleOdoo_RejectsInvalidToken(t *testing.T) {
	s := testServer(t, config.Config{Odoo: config.OdooConfig{WebhookToken: "secret-token"}})
	req := httptest.NewRequest(http.MethodPost, "/webhook/odoo", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleOdoo_MissingCorrelationKeyIsBadRequest(t *testing.T) {
	s := testServer(t, config.Config{})
	req := httptest.NewRequest(http.MethodPost, "/webhook/odoo", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestVerifyGitHubSignature_RejectsMissingPrefix(t *testing.T) {
	if verifyGitHubSignature([]byte("x"), "secret", "deadbeef") {
		t.Error("expected rejection of unprefixed signature")
	}
}

func TestHandleStream_404sWhenDisabled(t *testing.T) {
	s := testServer(t, config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/webhook/stream", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
