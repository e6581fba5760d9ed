// Package notify implements the notification task handlers
// (send-notification, create-odoo-task) plus the supplemented generic
// HTTP bridge task type http-request-smart. Grounded on
// original_source/worker/handlers/notify.py and, for http-request-smart,
// the do3-camunda-service variant of original_source/worker/worker.py.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vladadzumka89-spec/camunda-processes/internal/config"
	"github.com/vladadzumka89-spec/camunda-processes/internal/enginetransport"
	"github.com/vladadzumka89-spec/camunda-processes/internal/jobrun"
	"github.com/vladadzumka89-spec/camunda-processes/internal/odooclient"
)

type notifyHandlers struct {
	cfg    config.Config
	odoo   *odooclient.Client
	tokens *enginetransport.TokenManager
	http   *http.Client
	logger *zap.Logger
}

// Handlers returns the notify-group registrations: send-notification,
// create-odoo-task, and the supplemented http-request-smart.
func Handlers(cfg config.Config, odoo *odooclient.Client, tokens *enginetransport.TokenManager, logger *zap.Logger) []jobrun.Registration {
	h := &notifyHandlers{cfg: cfg, odoo: odoo, tokens: tokens, http: &http.Client{Timeout: 30 * time.Second}, logger: logger}
	return []jobrun.Registration{
		{TaskType: "send-notification", Handler: h.sendNotification, Timeout: 30 * time.Second, MaxConcurrent: 8},
		{TaskType: "create-odoo-task", Handler: h.createOdooTask, Timeout: 30 * time.Second, MaxConcurrent: 8},
		{TaskType: "http-request-smart", Handler: h.httpRequestSmart, Timeout: 30 * time.Second, MaxConcurrent: 8},
	}
}

var notificationTitles = map[string]string{
	"staging_ready":  "[deploy] Staging готовий до перевірки",
	"deploy_failed":  "[deploy] Деплой провалився",
	"review_needed":  "[review] Потрібна перевірка",
	"sync_conflicts": "[upstream-sync] Перевірити конфлікти з custom модулями",
	"deploy_error":   "[deploy] ❌ Помилка деплою",
	"pipeline_error": "[pipeline] ❌ Помилка пайплайну",
}

// sendNotification creates a task in the Odoo CI/CD project. Only
// sync_start creates a process container, matching the Python's
// is_parent check.
func (h *notifyHandlers) sendNotification(ctx context.Context, job jobrun.Job) (map[string]any, error) {
	notificationType := job.String("notification_type", "info")
	messageBody := job.String("message_body", "")
	prURL := job.String("pr_url", "")
	syncBranch := job.String("sync_branch", "")

	branchCode := ""
	if idx := strings.Index(syncBranch, "upstream-"); idx >= 0 {
		branchCode = syncBranch[idx+len("upstream-"):]
	}
	branchSuffix := ""
	if branchCode != "" {
		branchSuffix = " " + branchCode
	}

	pik := job.ProcessInstanceKey

	var name string
	switch notificationType {
	case "sync_start":
		name = fmt.Sprintf("[upstream-sync%s] Upstream Sync | x_camunda:%d", branchSuffix, pik)
	case "sync_error":
		name = fmt.Sprintf("[upstream-sync%s] ❌ Помилка синхронізації", branchSuffix)
	default:
		if title, ok := notificationTitles[notificationType]; ok {
			name = title
		} else {
			name = fmt.Sprintf("[ci] %s", notificationType)
		}
	}

	isParent := notificationType == "sync_start"

	var description strings.Builder
	if syncBranch != "" {
		repo := h.cfg.GitHub.Repository
		branchURL := fmt.Sprintf("https://github.com/%s/tree/%s", repo, syncBranch)
		fmt.Fprintf(&description, `<p>🔗 <b>Гілка:</b> <a href="%s">%s</a></p>`, branchURL, syncBranch)
	}
	if messageBody != "" {
		fmt.Fprintf(&description, "<p>%s</p>", messageBody)
	}
	if prURL != "" {
		fmt.Fprintf(&description, `<p>PR: <a href="%s">%s</a></p>`, prURL, prURL)
	}

	taskID, err := h.odoo.CreateTask(ctx, odooclient.CreateTaskParams{
		Name:               name,
		Description:        description.String(),
		ProcessInstanceKey: job.ProcessInstanceKey,
		ElementInstanceKey: job.ElementInstanceKey,
		BpmnProcessID:      job.BpmnProcessID,
		CreateProcess:      isParent,
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("created odoo task", zap.Int("taskID", taskID), zap.String("type", notificationType), zap.Bool("parent", isParent))
	return map[string]any{"odoo_task_id": taskID}, nil
}

var superLabels = map[string]string{
	"no":   "❌ без super()",
	"cond": "⚠️ super() в умові",
	"yes":  "✅ super()",
}

// createOdooTask creates a blocking Odoo task used with a message catch
// event: the process waits until the task is closed, then the webhook
// publishes msg_odoo_task_done correlated by the returned id.
func (h *notifyHandlers) createOdooTask(ctx context.Context, job jobrun.Job) (map[string]any, error) {
	odooTaskType := job.String("odoo_task_type", "")
	affectedCustomCount := job.Int("affected_custom_count", 0)
	impactTable := job.String("impact_table", "")
	auditReport := job.String("audit_report", "")
	auditConflicts := job.Int("audit_conflicts", 0)
	auditCritical := job.Int("audit_critical", 0)
	auditWarning := job.Int("audit_warning", 0)
	changedModules := job.String("changed_modules", "")
	communityFiles := job.Int("community_files", 0)
	enterpriseFiles := job.Int("enterprise_files", 0)
	currentVersion := job.String("current_version", "")
	enterpriseDate := job.String("enterprise_date", "")
	prURL := job.String("pr_url", "")
	syncBranch := job.String("sync_branch", "")

	modulesCount := 0
	if changedModules != "" {
		modulesCount = len(strings.Split(changedModules, ", "))
	}

	branchCode := syncBranch
	if idx := strings.Index(syncBranch, "upstream-"); idx >= 0 {
		branchCode = syncBranch[idx+len("upstream-"):]
	}
	repo := h.cfg.GitHub.Repository
	branchLink := ""
	if syncBranch != "" {
		branchURL := fmt.Sprintf("https://github.com/%s/tree/%s", repo, syncBranch)
		branchLink = fmt.Sprintf(`<p>🔗 <b>Гілка:</b> <a href="%s">%s</a></p>`, branchURL, syncBranch)
	}

	var moduleList []string
	for _, m := range strings.Split(changedModules, ",") {
		if t := strings.TrimSpace(m); t != "" {
			moduleList = append(moduleList, html.EscapeString(t))
		}
	}

	var name, description string
	switch odooTaskType {
	case "resolve_conflicts":
		name = fmt.Sprintf("[upstream-sync %s] Виправити конфлікти (%d модулів)", branchCode, affectedCustomCount)
		var b strings.Builder
		b.WriteString(branchLink)
		fmt.Fprintf(&b, "<h3>Upstream Sync — %s (%s)</h3>", currentVersion, enterpriseDate)
		fmt.Fprintf(&b, "<p><b>Змінено файлів:</b> community %d, enterprise %d</p>", communityFiles, enterpriseFiles)
		fmt.Fprintf(&b, `<p><b>Audit:</b> %d конфліктів (<span style="color:red;font-weight:bold">%d critical</span>, <span style="color:orange">%d warning</span>)</p>`, auditConflicts, auditCritical, auditWarning)
		b.WriteString("<hr/>")
		fmt.Fprintf(&b, "<h4>Зачеплені custom модулі (%d)</h4>", affectedCustomCount)
		b.WriteString(impactToHTML(impactTable))
		b.WriteString("<hr/>")
		b.WriteString("<h4>Audit — конфлікти з upstream</h4>")
		b.WriteString(auditToHTML(auditReport))
		b.WriteString("<hr/>")
		fmt.Fprintf(&b, "<h4>Оновлені модулі (%d)</h4>", modulesCount)
		b.WriteString("<details><summary>Показати повний список</summary>")
		fmt.Fprintf(&b, "<p>%s</p>", strings.Join(moduleList, "<br/>"))
		b.WriteString("</details><hr/>")
		b.WriteString("<p><b>Що потрібно зробити:</b></p><ol>")
		b.WriteString(`<li>Переглянути <b style="color:red">critical</b> конфлікти</li>`)
		b.WriteString("<li>Виправити зачеплені custom модулі (tut_*)</li>")
		b.WriteString("<li>Закомітити виправлення в репозиторій</li>")
		b.WriteString("<li>Закрити цю задачу — процес продовжить створення PR</li></ol>")
		description = b.String()

	case "review_sync":
		name = fmt.Sprintf("[upstream-sync %s] Переглянути аналіз оновлення", branchCode)
		var b strings.Builder
		b.WriteString(branchLink)
		if prURL != "" {
			fmt.Fprintf(&b, `<p>🔗 <b>PR:</b> <a href="%s">%s</a></p>`, prURL, prURL)
		}
		fmt.Fprintf(&b, "<h3>Upstream Sync — %s (%s)</h3>", currentVersion, enterpriseDate)
		fmt.Fprintf(&b, "<p><b>Змінено файлів:</b> community %d, enterprise %d</p>", communityFiles, enterpriseFiles)
		if auditConflicts != 0 {
			fmt.Fprintf(&b, `<p><b>Audit:</b> %d конфліктів (<span style="color:red;font-weight:bold">%d critical</span>, <span style="color:orange">%d warning</span>)</p>`, auditConflicts, auditCritical, auditWarning)
		} else {
			b.WriteString("<p><b>Audit:</b> конфліктів не знайдено ✅</p>")
		}
		b.WriteString("<hr/>")
		fmt.Fprintf(&b, "<h4>Зачеплені custom модулі (%d)</h4>", affectedCustomCount)
		b.WriteString(impactToHTML(impactTable))
		b.WriteString("<hr/>")
		b.WriteString("<h4>Audit — аналіз конфліктів з upstream</h4>")
		b.WriteString(auditToHTML(auditReport))
		b.WriteString("<hr/>")
		fmt.Fprintf(&b, "<h4>Оновлені модулі (%d)</h4>", modulesCount)
		b.WriteString("<details><summary>Показати повний список</summary>")
		fmt.Fprintf(&b, "<p>%s</p>", strings.Join(moduleList, "<br/>"))
		b.WriteString("</details><hr/>")
		b.WriteString("<h4>Що потрібно перевірити</h4><ul>")
		b.WriteString("<li>Які модулі оновились та чи всі потрібні</li>")
		b.WriteString("<li>Impact на custom модулі (tut_*)</li>")
		b.WriteString("<li>Результати audit — critical/warning конфлікти</li>")
		b.WriteString("<li>Чи є нові/видалені модулі</li></ul>")
		b.WriteString("<p><b>Після перевірки закрийте цю задачу</b> — процес продовжить merge в staging та деплой.</p>")
		description = b.String()

	default:
		name = fmt.Sprintf("[ci] %s", odooTaskType)
		description = fmt.Sprintf("<p>Task type: %s</p>", odooTaskType)
	}

	taskID, err := h.odoo.CreateTask(ctx, odooclient.CreateTaskParams{
		Name:               name,
		Description:        description,
		ProcessInstanceKey: job.ProcessInstanceKey,
		ElementInstanceKey: job.ElementInstanceKey,
		BpmnProcessID:      job.BpmnProcessID,
		CreateProcess:      false,
	})
	if err != nil {
		return nil, err
	}

	correlationID := strconv.Itoa(taskID)
	if taskID == 0 {
		correlationID = strconv.FormatInt(job.ProcessInstanceKey, 10)
	}

	h.logger.Info("created blocking odoo task", zap.Int("taskID", taskID), zap.String("type", odooTaskType), zap.String("correlationID", correlationID))
	return map[string]any{"odoo_task_id": correlationID}, nil
}

// mdRow is one row of a parsed markdown pipe-table, keyed by header.
type mdRow map[string]string

// parseMDTable parses a markdown pipe-table into rows keyed by header
// cell, skipping preamble text and the `|---|---|` separator row.
func parseMDTable(md string) []mdRow {
	var tableLines []string
	for _, line := range strings.Split(strings.TrimSpace(md), "\n") {
		l := strings.TrimSpace(line)
		if l != "" && strings.Contains(l, "|") {
			tableLines = append(tableLines, l)
		}
	}
	if len(tableLines) < 2 {
		return nil
	}

	var rows [][]string
	for _, line := range tableLines {
		cells := strings.Split(strings.Trim(strings.TrimSpace(line), "|"), "|")
		for i := range cells {
			cells[i] = strings.TrimSpace(cells[i])
		}
		if isSeparatorRow(cells) {
			continue
		}
		rows = append(rows, cells)
	}
	if len(rows) < 2 {
		return nil
	}

	headers := rows[0]
	var out []mdRow
	for _, r := range rows[1:] {
		row := mdRow{}
		for i, h := range headers {
			if i < len(r) {
				row[h] = r[i]
			}
		}
		out = append(out, row)
	}
	return out
}

func isSeparatorRow(cells []string) bool {
	for _, c := range cells {
		for _, ch := range c {
			if ch != '-' && ch != ':' && ch != ' ' {
				return false
			}
		}
	}
	return true
}

// impactToHTML converts an impact-analysis markdown table to a simple
// HTML bullet list.
func impactToHTML(md string) string {
	rows := parseMDTable(md)
	if len(rows) == 0 {
		return "<p>Немає зачеплених модулів</p>"
	}
	var b strings.Builder
	b.WriteString("<ul>")
	for _, r := range rows {
		mod := html.EscapeString(r["Custom Module"])
		deps := html.EscapeString(r["Affected Dependencies"])
		fmt.Fprintf(&b, "<li><b>%s</b> — %s</li>", mod, deps)
	}
	b.WriteString("</ul>")
	return b.String()
}

// auditToHTML converts an audit-report markdown table to an HTML list
// grouped by severity.
func auditToHTML(md string) string {
	rows := parseMDTable(md)
	if len(rows) == 0 {
		return "<p>Конфліктів не знайдено</p>"
	}

	var critical, warning, info []string
	for _, r := range rows {
		sev := strings.ToLower(strings.TrimSpace(r["Severity"]))
		ctype := r["Type"]
		mod := html.EscapeString(r["Custom Module"])
		target := html.EscapeString(r["Target"])
		base := html.EscapeString(r["Base"])
		customFile := html.EscapeString(r["File"])
		lineNo := html.EscapeString(r["Line"])
		superInfo := html.EscapeString(r["Super"])

		var entry strings.Builder
		fmt.Fprintf(&entry, "<li><b>%s</b> → <code>%s</code>", mod, target)
		switch ctype {
		case "python_override":
			entry.WriteString(" (Python override")
			if superInfo != "" {
				label, ok := superLabels[superInfo]
				if !ok {
					label = superInfo
				}
				fmt.Fprintf(&entry, ", %s", label)
			}
			entry.WriteString(")")
		case "js_patch":
			entry.WriteString(" (JS patch)")
		case "xml_xpath":
			entry.WriteString(" (XML xpath")
			if superInfo != "" {
				fmt.Fprintf(&entry, ": <code>%s</code>", superInfo)
			}
			entry.WriteString(")")
		}
		if customFile != "" {
			fmt.Fprintf(&entry, "<br/><small>📄 %s", customFile)
			if lineNo != "" {
				fmt.Fprintf(&entry, ":%s", lineNo)
			}
			if base != "" {
				fmt.Fprintf(&entry, " ← base: %s", base)
			}
			entry.WriteString("</small>")
		} else if base != "" {
			fmt.Fprintf(&entry, " (base: %s)", base)
		}
		entry.WriteString("</li>")

		switch {
		case strings.Contains(sev, "critical"):
			critical = append(critical, entry.String())
		case strings.Contains(sev, "warning"):
			warning = append(warning, entry.String())
		default:
			info = append(info, entry.String())
		}
	}

	var parts strings.Builder
	if len(critical) > 0 {
		fmt.Fprintf(&parts, `<p style="color:red;font-weight:bold">🔴 Critical (%d):</p><ul>%s</ul>`, len(critical), strings.Join(critical, ""))
	}
	if len(warning) > 0 {
		fmt.Fprintf(&parts, `<p style="color:orange;font-weight:bold">🟡 Warning (%d):</p><details><summary>Показати warning конфлікти</summary><ul>%s</ul></details>`, len(warning), strings.Join(warning, ""))
	}
	if len(info) > 0 {
		fmt.Fprintf(&parts, `<p>ℹ️ Info (%d):</p><details><summary>Показати info</summary><ul>%s</ul></details>`, len(info), strings.Join(info, ""))
	}
	return parts.String()
}

// httpRequestSmart proxies an arbitrary HTTP call described by job
// variables. The user_task_key comes from the
// "io.camunda.zeebe:userTaskKey" custom header; failing that, for a task
// listener job (no element instance key) with an element id, from a REST
// search of the engine's user tasks. No other job attribute is consulted.
// The key (empty if neither path found one) is folded into every
// request's payload as process metadata, so downstream services see a
// consistent shape.
func (h *notifyHandlers) httpRequestSmart(ctx context.Context, job jobrun.Job) (map[string]any, error) {
	url := job.String("url", "")
	method := strings.ToUpper(job.String("method", "POST"))
	resultVar := job.String("result_variable_name", "")
	isTaskListener := job.ElementInstanceKey == 0

	userTaskKey := ""
	if v, ok := job.CustomHeaders["io.camunda.zeebe:userTaskKey"]; ok && v != "" {
		userTaskKey = v
	} else if isTaskListener && job.ElementID != "" {
		userTaskKey = h.lookupUserTaskKey(ctx, job.ProcessInstanceKey, job.ElementID)
	}

	payload := map[string]any{}
	if raw, ok := job.Variables["body"].(map[string]any); ok {
		for k, v := range raw {
			payload[k] = v
		}
	}
	payload["process_instance_key"] = job.ProcessInstanceKey
	payload["element_instance_key"] = job.ElementInstanceKey
	payload["bpmn_process_id"] = job.BpmnProcessID
	payload["element_id"] = job.ElementID
	payload["job_key"] = job.Key
	payload["user_task_key"] = userTaskKey

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("notify: marshaling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("notify: building request: %w", err)
	}
	if headers, ok := job.Variables["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	req.Header.Set("Content-Type", "application/json")

	h.logger.Info("http-request-smart", zap.Int64("pik", job.ProcessInstanceKey), zap.String("method", method), zap.String("url", url))

	resp, err := h.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("notify: network error: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("notify: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	if resultVar == "" || isTaskListener {
		if isTaskListener && resultVar != "" {
			h.logger.Warn("task listener detected, skipping variable return to avoid loop")
		}
		return map[string]any{}, nil
	}

	var decoded any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			decoded = string(respBody)
		}
	} else {
		decoded = map[string]any{}
	}
	return map[string]any{resultVar: decoded}, nil
}

func (h *notifyHandlers) lookupUserTaskKey(ctx context.Context, processInstanceKey int64, elementID string) string {
	if h.cfg.Engine.RestURL == "" {
		return ""
	}
	token, err := h.tokens.GetToken(ctx)
	if err != nil {
		h.logger.Warn("failed to get token for user task lookup", zap.Error(err))
		return ""
	}

	payload := map[string]any{
		"filter": map[string]any{
			"processInstanceKey": processInstanceKey,
			"elementId":          elementID,
		},
	}
	body, _ := json.Marshal(payload)

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, h.cfg.Engine.RestURL+"/v2/user-tasks/search", bytes.NewReader(body))
	if err != nil {
		return ""
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		h.logger.Warn("failed to get user_task_key", zap.Error(err))
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.logger.Warn("user task search failed", zap.Int("status", resp.StatusCode))
		return ""
	}

	var data struct {
		Items []struct {
			UserTaskKey any `json:"userTaskKey"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil || len(data.Items) == 0 {
		h.logger.Warn("no user tasks found", zap.Int64("pik", processInstanceKey), zap.String("elementID", elementID))
		return ""
	}
	return fmt.Sprintf("%v", data.Items[0].UserTaskKey)
}
