package jobrun

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestClassify_NoErrorIsCompleted(t *testing.T) {
	out := classify(map[string]any{"ok": true}, nil, 3)
	if out.kind != outcomeCompleted {
		t.Fatalf("expected Completed, got %v", out.kind)
	}
	if out.variables["ok"] != true {
		t.Errorf("expected variables to be carried through")
	}
}

func TestClassify_RetriesRemainingIsFailed(t *testing.T) {
	out := classify(nil, errors.New("transient git failure"), 3)
	if out.kind != outcomeFailed {
		t.Fatalf("expected Failed, got %v", out.kind)
	}
	if out.message != "transient git failure" {
		t.Errorf("unexpected message: %s", out.message)
	}
}

func TestClassify_LastRetryIsBpmnError(t *testing.T) {
	out := classify(nil, errors.New("boom"), 1)
	if out.kind != outcomeBpmnError {
		t.Fatalf("expected BpmnError, got %v", out.kind)
	}
	if out.errorCode == "" {
		t.Errorf("expected a non-empty reflected error code")
	}
}

func TestClassify_LastRetryTruncatesOversizedMessage(t *testing.T) {
	huge := strings.Repeat("x", maxBpmnErrorMessage+100)
	out := classify(nil, errors.New(huge), 1)
	if out.kind != outcomeBpmnError {
		t.Fatalf("expected BpmnError, got %v", out.kind)
	}
	if len(out.message) != maxBpmnErrorMessage {
		t.Fatalf("expected message truncated to %d, got %d", maxBpmnErrorMessage, len(out.message))
	}
}

func TestClassify_EngineErrorForcesBpmnErrorRegardlessOfRetries(t *testing.T) {
	out := classify(nil, &EngineError{Code: "MERGE_CONFLICT", Message: "cannot fast-forward"}, 5)
	if out.kind != outcomeBpmnError {
		t.Fatalf("expected BpmnError, got %v", out.kind)
	}
	if out.errorCode != "MERGE_CONFLICT" {
		t.Errorf("expected declared error code, got %s", out.errorCode)
	}
}

func TestOutcomeLabel_NamesEachKind(t *testing.T) {
	cases := map[outcomeKind]string{
		outcomeCompleted: "completed",
		outcomeFailed:    "failed",
		outcomeBpmnError: "bpmn_error",
	}
	for kind, want := range cases {
		if got := outcomeLabel(kind); got != want {
			t.Errorf("outcomeLabel(%v) = %q, want %q", kind, got, want)
		}
	}
}

type recordedOutcome struct {
	taskType string
	outcome  string
}

type fakeRecorder struct {
	calls []recordedOutcome
}

func (f *fakeRecorder) JobOutcome(taskType, outcome string) {
	f.calls = append(f.calls, recordedOutcome{taskType: taskType, outcome: outcome})
}

func TestRuntime_SetMetricsAttachesRecorder(t *testing.T) {
	r := New(nil, "test-worker", nil)
	rec := &fakeRecorder{}
	r.SetMetrics(rec)
	if r.metrics != rec {
		t.Fatal("expected SetMetrics to attach the recorder")
	}
}

func TestJob_TypedAccessorsFallBackOnDefault(t *testing.T) {
	job := Job{Variables: map[string]any{
		"module":  "sale_custom",
		"retries": float64(3),
		"dry_run": true,
	}}

	if got := job.String("module", ""); got != "sale_custom" {
		t.Errorf("String: got %q", got)
	}
	if got := job.String("missing", "fallback"); got != "fallback" {
		t.Errorf("String default: got %q", got)
	}
	if got := job.Int("retries", 0); got != 3 {
		t.Errorf("Int: got %d", got)
	}
	if got := job.Int("missing", 7); got != 7 {
		t.Errorf("Int default: got %d", got)
	}
	if got := job.Bool("dry_run", false); got != true {
		t.Errorf("Bool: got %v", got)
	}
	if got := job.Bool("missing", true); got != true {
		t.Errorf("Bool default: got %v", got)
	}
}

func TestNextBackoff_GrowsAndCaps(t *testing.T) {
	backoff := backoffInitial
	for i := 0; i < 20; i++ {
		backoff = nextBackoff(backoff)
		if i == 0 && backoff <= backoffInitial {
			t.Fatalf("backoff did not grow from %v: got %v", backoffInitial, backoff)
		}
		if backoff < 0 {
			t.Fatalf("backoff went negative: %v", backoff)
		}
		maxWithJitter := time.Duration(float64(backoffMax) * (1 + jitterFraction))
		if backoff > maxWithJitter {
			t.Fatalf("backoff %v exceeded capped max+jitter %v", backoff, maxWithJitter)
		}
	}
}

func TestSleepBackoff_ReturnsFalseOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepBackoff(ctx, time.Minute) {
		t.Fatal("expected sleepBackoff to return false for a canceled context")
	}
}
