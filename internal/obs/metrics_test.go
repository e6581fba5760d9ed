package obs

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetrics_JobOutcomeIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.JobOutcome("git-pull", "completed")
	m.JobOutcome("git-pull", "completed")
	m.JobOutcome("git-pull", "failed")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var found bool
	for _, mf := range families {
		if mf.GetName() != "camunda_processes_worker_job_outcomes_total" {
			continue
		}
		found = true
		for _, metric := range mf.Metric {
			if labelValue(metric, "outcome") == "completed" && metric.GetCounter().GetValue() != 2 {
				t.Errorf("expected 2 completed, got %v", metric.GetCounter().GetValue())
			}
			if labelValue(metric, "outcome") == "failed" && metric.GetCounter().GetValue() != 1 {
				t.Errorf("expected 1 failed, got %v", metric.GetCounter().GetValue())
			}
		}
	}
	if !found {
		t.Fatal("job outcomes counter not registered")
	}
}

func TestSSHPoolGaugeFunc_SamplesOnGather(t *testing.T) {
	reg := prometheus.NewRegistry()
	SSHPoolGaugeFunc(reg, func() int { return 3 })

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var found bool
	for _, mf := range families {
		if mf.GetName() != "camunda_processes_worker_ssh_pool_active_connections" {
			continue
		}
		found = true
		if got := mf.Metric[0].GetGauge().GetValue(); got != 3 {
			t.Errorf("expected gauge value 3, got %v", got)
		}
	}
	if !found {
		t.Fatal("ssh pool gauge not registered")
	}
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.Label {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
