package odooclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateTask_ReturnsID(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.Write([]byte(`{"id": 123}`))
	}))
	defer srv.Close()

	c := New(Config{WebhookURL: srv.URL, ProjectID: 7, AssigneeID: 3})
	id, err := c.CreateTask(context.Background(), CreateTaskParams{Name: "[ci] test"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if id != 123 {
		t.Errorf("expected id 123, got %d", id)
	}
	if captured["_model"] != "project.project" {
		t.Errorf("expected fixed _model field")
	}
	if captured["_id"] != float64(7) {
		t.Errorf("expected project id 7, got %v", captured["_id"])
	}
}

func TestCreateTask_FallsBackToZeroWhenNoID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(Config{WebhookURL: srv.URL, ProjectID: 1})
	id, err := c.CreateTask(context.Background(), CreateTaskParams{Name: "x"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if id != 0 {
		t.Errorf("expected 0, got %d", id)
	}
}
