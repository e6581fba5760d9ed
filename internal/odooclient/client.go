// Package odooclient is a synchronous webhook client for creating tasks
// in Odoo's project module, grounded on
// original_source/worker/odoo_client.py.
package odooclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config holds the fixed parameters of the Odoo task-creation webhook.
type Config struct {
	WebhookURL string
	ProjectID  int
	AssigneeID int
}

// Client posts task-creation requests to Odoo's webhook.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a Client.
func New(cfg Config) *Client {
	return &Client{cfg: cfg, http: &http.Client{Timeout: 30 * time.Second}}
}

// CreateTaskParams are the optional fields attached to a new task.
type CreateTaskParams struct {
	Name                string
	Description         string
	TagName             string
	ProcessInstanceKey  int64
	ElementInstanceKey  int64
	BpmnProcessID       string
	CreateProcess       bool
}

// CreateTask posts a task-creation request and returns the created
// record's id (0 if Odoo did not surface one).
func (c *Client) CreateTask(ctx context.Context, p CreateTaskParams) (int, error) {
	body := map[string]any{
		"_model": "project.project",
		"_id":    c.cfg.ProjectID,
		"name":   p.Name,
	}
	if p.Description != "" {
		body["description"] = p.Description
	}
	if c.cfg.AssigneeID != 0 {
		body["x_studio_camunda_user_ids"] = []int{c.cfg.AssigneeID}
	}
	if p.ProcessInstanceKey != 0 {
		body["process_instance_key"] = p.ProcessInstanceKey
	}
	if p.ElementInstanceKey != 0 {
		body["element_instance_key"] = p.ElementInstanceKey
	}
	if p.BpmnProcessID != "" {
		body["bpmn_process_id"] = p.BpmnProcessID
	}
	if p.CreateProcess {
		body["create_process"] = true
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("odooclient: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("odooclient: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("odooclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("odooclient: http %d: %s", resp.StatusCode, string(respBody))
	}

	var data map[string]any
	if err := json.Unmarshal(respBody, &data); err != nil {
		return 0, fmt.Errorf("odooclient: decoding response: %w", err)
	}

	if id, ok := numberField(data, "id"); ok {
		return id, nil
	}
	if id, ok := numberField(data, "task_id"); ok {
		return id, nil
	}
	return 0, nil
}

func numberField(data map[string]any, key string) (int, bool) {
	v, ok := data[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
